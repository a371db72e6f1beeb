package screens

import (
	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/session"
)

// Feature is a dashboard tile.
type Feature struct {
	Title       string
	Description string
	Path        string
}

var (
	dashboardFeatures = []Feature{
		{"Log Symptoms", "Track your daily symptoms with severity and notes", guard.PathSymptoms},
		{"Upload Notes", "Upload visit notes, prescriptions, and reports", guard.PathUploadNotes},
		{"Care Summary", "View AI-simplified explanations of your documents", guard.PathCareSummary},
		{"AI Chat", "Ask questions about your health journey", guard.PathChat},
	}
	quickActions = []Feature{
		{"Pre-Visit Prep", "Prepare for your doctor appointment", guard.PathChat + "?mode=pre_visit"},
		{"Understand Notes", "Simplify your medical documents", guard.PathCareSummary},
		{"Track Today", "Log how you're feeling today", guard.PathSymptoms},
	}
)

// Dashboard is the signed-in landing screen.
type Dashboard struct {
	snap func() session.Snapshot
}

// NewDashboard reads the session through snap, typically
// (*session.Store).Snapshot.
func NewDashboard(snap func() session.Snapshot) *Dashboard {
	return &Dashboard{snap: snap}
}

// Greeting welcomes the user by profile name, display name or email.
func (d *Dashboard) Greeting() string {
	label := d.snap().Label()
	if label == "" {
		return "Welcome back!"
	}
	return "Welcome back, " + label + "!"
}

func (d *Dashboard) Features() []Feature { return append([]Feature(nil), dashboardFeatures...) }

func (d *Dashboard) QuickActions() []Feature { return append([]Feature(nil), quickActions...) }
