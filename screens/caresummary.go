package screens

import (
	"context"
	"time"

	"github.com/careprep/careprep-go/api"
)

// Medication is one prescribed medication.
type Medication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
	Timing string `json:"timing,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// FollowUp is one follow-up action.
type FollowUp struct {
	Action string `json:"action"`
	Timing string `json:"timing,omitempty"`
}

// VisitSummary is the simplified explanation of a processed document.
type VisitSummary struct {
	ID             string       `json:"id"`
	DocumentID     string       `json:"documentId,omitempty"`
	FileName       string       `json:"fileName,omitempty"`
	PatientSummary string       `json:"patientSummary"`
	DoctorSummary  string       `json:"doctorSummary,omitempty"`
	Medications    []Medication `json:"medications"`
	FollowUps      []FollowUp   `json:"followUps"`
	RedFlags       []string     `json:"redFlags"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// CareSummary is the care summary screen. The newest summary is selected
// after a load unless the user picks another.
type CareSummary struct {
	base

	List     []VisitSummary
	Selected *VisitSummary
}

func NewCareSummary(client *api.Client, d *api.Dispatcher, opts ...Option) *CareSummary {
	return &CareSummary{base: newBase("care_summary", client, d, opts)}
}

func (s *CareSummary) Load(ctx context.Context) error {
	ctx = s.ctx(ctx)
	raw, err := s.api.VisitSummaries().List(ctx)
	if err != nil {
		return s.fail(ctx, err, "Failed to load care summaries")
	}
	var list []VisitSummary
	if err := decodeField(raw, "summaries", &list); err != nil {
		return s.fail(ctx, err, "Failed to load care summaries")
	}
	s.List = list
	if len(list) > 0 {
		first := list[0]
		s.Selected = &first
	}
	return nil
}

// Select fetches and selects one summary by id.
func (s *CareSummary) Select(ctx context.Context, id string) error {
	ctx = s.ctx(ctx)
	raw, err := s.api.VisitSummaries().Get(ctx, id)
	if err != nil {
		return s.fail(ctx, err, "Failed to load care summary")
	}
	var vs *VisitSummary
	if err := decodeField(raw, "summary", &vs); err != nil || vs == nil {
		if err == nil {
			err = errNotFound
		}
		return s.fail(ctx, err, "Failed to load care summary")
	}
	s.Selected = vs
	return nil
}
