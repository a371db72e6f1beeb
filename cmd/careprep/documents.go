package main

import (
	"fmt"
	"os"

	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/screens"
	"github.com/spf13/cobra"
)

func newDocumentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Upload visit notes and have them explained",
	}
	screen := func() *screens.Documents {
		return screens.NewDocuments(a.client, a.dispatch, screens.WithLogger(a.log))
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List uploaded documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screen()
			if err := s.Load(cmd.Context()); err != nil {
				return a.result(err, s.Banner.Error, "")
			}
			if len(s.List) == 0 {
				fmt.Fprintln(a.out, "No documents uploaded yet.")
				return nil
			}
			tw := newTable(a.out)
			fmt.Fprintln(tw, "UPLOADED\tNAME\tKIND\tSIZE\tSTATUS\tID")
			for _, d := range s.List {
				status := "uploaded"
				if d.Processed() {
					status = "processed"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.CreatedAt.Local().Format("2006-01-02 15:04"), d.FileName, d.Kind(), humanSize(d.Size), status, d.ID)
			}
			return tw.Flush()
		},
	}

	upload := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a pdf, image or spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}
			s := screen()
			err = s.Upload(cmd.Context(), f.Name(), fi.Size(), f)
			return a.result(err, s.Banner.Error, s.Banner.Success)
		},
	}

	process := &cobra.Command{
		Use:   "process ID",
		Short: "Generate a plain-language summary of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screen()
			err := s.Process(cmd.Context(), args[0])
			return a.result(err, s.Banner.Error, s.Banner.Success)
		},
	}

	processed := &cobra.Command{
		Use:     "processed ID",
		Aliases: []string{"show"},
		Short:   "Show a processed document with its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screen()
			doc, err := s.Processed(cmd.Context(), args[0])
			if err != nil {
				return a.result(err, s.Banner.Error, "")
			}
			fmt.Fprintf(a.out, "%s (%s, %s)\n\n", doc.Document.FileName, doc.Document.Kind(), humanSize(doc.Document.Size))
			a.printSummary(doc.Summary)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := screen()
			err := s.Delete(cmd.Context(), args[0])
			return a.result(err, s.Banner.Error, "Document deleted.")
		},
	}

	cmd.AddCommand(a.guarded(guard.PathUploadNotes, list, upload, process, processed, del)...)
	return cmd
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
