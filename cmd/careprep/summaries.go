package main

import (
	"fmt"

	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/screens"
	"github.com/spf13/cobra"
)

func newSummariesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "Review care summaries of past visits",
	}
	screen := func() *screens.CareSummary {
		return screens.NewCareSummary(a.client, a.dispatch, screens.WithLogger(a.log))
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List care summaries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screen()
			if err := s.Load(cmd.Context()); err != nil {
				return a.result(err, s.Banner.Error, "")
			}
			if len(s.List) == 0 {
				fmt.Fprintln(a.out, "No care summaries yet. Upload and process your visit notes first.")
				return nil
			}
			tw := newTable(a.out)
			fmt.Fprintln(tw, "DATE\tDOCUMENT\tMEDICATIONS\tFOLLOW-UPS\tID")
			for _, vs := range s.List {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", vs.CreatedAt.Local().Format("2006-01-02"), vs.FileName, len(vs.Medications), len(vs.FollowUps), vs.ID)
			}
			return tw.Flush()
		},
	}

	get := &cobra.Command{
		Use:     "get ID",
		Aliases: []string{"show"},
		Short:   "Show one care summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screen()
			if err := s.Select(cmd.Context(), args[0]); err != nil {
				return a.result(err, s.Banner.Error, "")
			}
			a.printSummary(*s.Selected)
			return nil
		},
	}

	latest := &cobra.Command{
		Use:   "latest",
		Short: "Show the newest care summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screen()
			if err := s.Load(cmd.Context()); err != nil {
				return a.result(err, s.Banner.Error, "")
			}
			if s.Selected == nil {
				fmt.Fprintln(a.out, "No care summaries yet.")
				return nil
			}
			a.printSummary(*s.Selected)
			return nil
		},
	}

	cmd.AddCommand(a.guarded(guard.PathCareSummary, list, get, latest)...)
	return cmd
}

func (a *app) printSummary(vs screens.VisitSummary) {
	if vs.FileName != "" {
		fmt.Fprintf(a.out, "Visit notes: %s\n", vs.FileName)
	}
	if !vs.CreatedAt.IsZero() {
		fmt.Fprintf(a.out, "Generated:   %s\n", vs.CreatedAt.Local().Format("Jan 2, 2006"))
	}
	fmt.Fprintf(a.out, "\nWhat your doctor said\n  %s\n", vs.PatientSummary)
	if len(vs.Medications) > 0 {
		fmt.Fprintln(a.out, "\nMedications")
		tw := newTable(a.out)
		for _, m := range vs.Medications {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", m.Name, m.Dosage, m.Timing, m.Notes)
		}
		tw.Flush()
	}
	if len(vs.FollowUps) > 0 {
		fmt.Fprintln(a.out, "\nFollow-up actions")
		for _, f := range vs.FollowUps {
			if f.Timing != "" {
				fmt.Fprintf(a.out, "  - %s (%s)\n", f.Action, f.Timing)
			} else {
				fmt.Fprintf(a.out, "  - %s\n", f.Action)
			}
		}
	}
	if len(vs.RedFlags) > 0 {
		fmt.Fprintln(a.out, "\nWhen to seek care")
		for _, r := range vs.RedFlags {
			fmt.Fprintf(a.out, "  ! %s\n", r)
		}
	}
}
