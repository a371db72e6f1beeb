package screens

import (
	"context"
	"errors"
	"time"

	"github.com/careprep/careprep-go/api"
)

// ErrNoSymptoms is returned by Summarize when nothing has been logged.
var ErrNoSymptoms = errors.New("screens: no symptoms logged")

const (
	defaultSeverity = 5
	trendWindow     = 14
)

// Symptom is one logged symptom.
type Symptom struct {
	ID       string `json:"id"`
	Symptom  string `json:"symptom"`
	Severity int    `json:"severity"`
	Notes    string `json:"notes,omitempty"`
	Date     string `json:"date"`
}

// SymptomForm is the symptom entry form.
type SymptomForm struct {
	Symptom  string `json:"symptom"`
	Severity int    `json:"severity"`
	Notes    string `json:"notes"`
	Date     string `json:"date"`
}

// TrendPoint is one point of the severity chart.
type TrendPoint struct {
	Label    string
	Severity int
}

// Symptoms is the symptom log screen.
type Symptoms struct {
	base

	List    []Symptom
	Summary string
	Form    SymptomForm
}

func NewSymptoms(client *api.Client, d *api.Dispatcher, opts ...Option) *Symptoms {
	s := &Symptoms{base: newBase("symptoms", client, d, opts)}
	s.Form = s.blankForm()
	return s
}

func (s *Symptoms) blankForm() SymptomForm {
	return SymptomForm{Severity: defaultSeverity, Date: s.now().Format(time.DateOnly)}
}

// Load fetches the symptom list. On failure the previous list is kept.
func (s *Symptoms) Load(ctx context.Context) error {
	ctx = s.ctx(ctx)
	raw, err := s.api.Symptoms().List(ctx)
	if err != nil {
		return s.fail(ctx, err, "Failed to load symptoms")
	}
	var list []Symptom
	if err := decodeField(raw, "symptoms", &list); err != nil {
		return s.fail(ctx, err, "Failed to load symptoms")
	}
	s.List = list
	return nil
}

// Add logs the current Form, resets it and reloads the list.
func (s *Symptoms) Add(ctx context.Context) error {
	ctx = s.ctx(ctx)
	s.Banner.reset()
	if _, err := s.api.Symptoms().Add(ctx, s.Form); err != nil {
		return s.fail(ctx, err, "Failed to log symptom. Please try again.")
	}
	s.Banner.Success = "Symptom logged successfully!"
	s.Form = s.blankForm()
	return s.Load(ctx)
}

func (s *Symptoms) Delete(ctx context.Context, id string) error {
	ctx = s.ctx(ctx)
	if _, err := s.api.Symptoms().Delete(ctx, id); err != nil {
		return s.fail(ctx, err, "Failed to delete symptom")
	}
	return s.Load(ctx)
}

// Summarize asks the backend for a summary of the logged symptoms.
func (s *Symptoms) Summarize(ctx context.Context) error {
	ctx = s.ctx(ctx)
	if len(s.List) == 0 {
		s.Banner.Error = "Please log some symptoms before generating a summary."
		return ErrNoSymptoms
	}
	s.Banner.Error = ""
	raw, err := s.api.Symptoms().Summary(ctx)
	if err != nil {
		return s.fail(ctx, err, "Failed to generate summary. Please try again.")
	}
	var summary string
	if err := decodeField(raw, "summary", &summary); err != nil {
		return s.fail(ctx, err, "Failed to generate summary. Please try again.")
	}
	s.Summary = summary
	return nil
}

// Trend returns the severity of the last two weeks of entries.
func (s *Symptoms) Trend() []TrendPoint {
	list := s.List
	if len(list) > trendWindow {
		list = list[len(list)-trendWindow:]
	}
	out := make([]TrendPoint, 0, len(list))
	for _, sym := range list {
		label := sym.Date
		if d, err := time.Parse(time.DateOnly, sym.Date); err == nil {
			label = d.Format("Jan 2")
		}
		out = append(out, TrendPoint{Label: label, Severity: sym.Severity})
	}
	return out
}

// SeverityLevel buckets a 1-10 severity.
func SeverityLevel(severity int) string {
	switch {
	case severity <= 3:
		return "low"
	case severity <= 6:
		return "medium"
	default:
		return "high"
	}
}
