package main

import (
	"fmt"
	"strings"

	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/screens"
	"github.com/spf13/cobra"
)

func newSymptomsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symptoms",
		Short: "Track symptoms before a visit",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List logged symptoms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screens.NewSymptoms(a.client, a.dispatch, screens.WithLogger(a.log))
			if err := s.Load(cmd.Context()); err != nil {
				return a.result(err, s.Banner.Error, "")
			}
			if len(s.List) == 0 {
				fmt.Fprintln(a.out, "No symptoms logged yet.")
				return nil
			}
			tw := newTable(a.out)
			fmt.Fprintln(tw, "DATE\tSEVERITY\tSYMPTOM\tNOTES\tID")
			for _, e := range s.List {
				fmt.Fprintf(tw, "%s\t%d (%s)\t%s\t%s\t%s\n", e.Date, e.Severity, screens.SeverityLevel(e.Severity), e.Symptom, e.Notes, e.ID)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if trend := s.Trend(); len(trend) > 1 {
				fmt.Fprintln(a.out)
				for _, p := range trend {
					fmt.Fprintf(a.out, "%-7s %s %d\n", p.Label, strings.Repeat("#", p.Severity), p.Severity)
				}
			}
			return nil
		},
	}

	var form screens.SymptomForm
	add := &cobra.Command{
		Use:   "add SYMPTOM",
		Short: "Log a symptom",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screens.NewSymptoms(a.client, a.dispatch, screens.WithLogger(a.log))
			s.Form.Symptom = strings.Join(args, " ")
			s.Form.Notes = form.Notes
			if cmd.Flags().Changed("severity") {
				s.Form.Severity = form.Severity
			}
			if form.Date != "" {
				s.Form.Date = form.Date
			}
			err := s.Add(cmd.Context())
			return a.result(err, s.Banner.Error, s.Banner.Success)
		},
	}
	add.Flags().IntVar(&form.Severity, "severity", 5, "severity from 1 to 10")
	add.Flags().StringVar(&form.Notes, "notes", "", "free-form notes")
	add.Flags().StringVar(&form.Date, "date", "", "date as YYYY-MM-DD (default today)")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a symptom entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screens.NewSymptoms(a.client, a.dispatch, screens.WithLogger(a.log))
			err := s.Delete(cmd.Context(), args[0])
			return a.result(err, s.Banner.Error, "Symptom deleted.")
		},
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Generate a summary of the symptom log for the doctor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s := screens.NewSymptoms(a.client, a.dispatch, screens.WithLogger(a.log))
			if err := s.Load(ctx); err != nil {
				return a.result(err, s.Banner.Error, "")
			}
			err := s.Summarize(ctx)
			return a.result(err, s.Banner.Error, s.Summary)
		},
	}

	cmd.AddCommand(a.guarded(guard.PathSymptoms, list, add, del, summary)...)
	return cmd
}
