package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/papercorpus/internal/app"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the per-document status of a run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := app.OpenLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		var runID string
		if len(args) == 1 {
			runID = args[0]
		} else if runID, err = l.LatestRun(ctx); err != nil {
			return eris.Wrap(err, "status")
		}

		records, err := l.List(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(records) == 0 {
			fmt.Fprintf(os.Stderr, "No documents recorded for run %s.\n", runID)
			return nil
		}
		fmt.Fprintf(os.Stdout, "Run %s\n\n", runID)
		formatRecords(os.Stdout, records)
		return nil
	},
}

func formatRecords(w io.Writer, records []*models.DocumentRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPAGES\tSTATUS\tTITLE\tERROR")

	counts := make(map[models.Status]int)
	for _, r := range records {
		counts[r.Status]++
		pages := "-"
		if r.PageCount != nil {
			pages = fmt.Sprintf("%d", *r.PageCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, pages, r.Status, truncate(r.Title, 50), truncate(r.ErrorDetails, 60))
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	for _, s := range []models.Status{
		models.StatusDiscovered, models.StatusDownloaded, models.StatusRetrievalFailed,
		models.StatusExtracted, models.StatusExtractionFailed,
		models.StatusParsed, models.StatusParseFailed, models.StatusFinalized,
	} {
		if counts[s] > 0 {
			fmt.Fprintf(w, "%-18s %d\n", s, counts[s])
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
