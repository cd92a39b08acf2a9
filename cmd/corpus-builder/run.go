package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/app"
	"github.com/Lllllllleong/papercorpus/internal/models"
	"github.com/Lllllllleong/papercorpus/internal/services"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage from discovery to aggregation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var req models.TriggerRequest
		req.Query, _ = cmd.Flags().GetString("query")
		req.DateFrom, _ = cmd.Flags().GetString("from")
		req.DateTo, _ = cmd.Flags().GetString("to")
		req.MaxResults, _ = cmd.Flags().GetInt("max-results")
		req.Quota, _ = cmd.Flags().GetInt("quota")

		opts, err := app.RunOptions(cfg, req)
		if err != nil {
			return err
		}
		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		summary, err := a.Pipeline.Run(ctx, opts)
		if err != nil {
			return eris.Wrap(err, "run")
		}
		return writeSummary(os.Stdout, summary)
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract [document-id...]",
	Short: "Extract documents of an earlier run again",
	Long:  "Re-submits stored binaries to the extraction service, ignoring stored responses, then normalizes and aggregates. Without ids every document of the run with a stored binary is re-extracted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		runID, _ := cmd.Flags().GetString("run")

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		summary, err := a.Pipeline.Rerun(ctx, runID, args)
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		return writeSummary(os.Stdout, summary)
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize [document-id...]",
	Short: "Parse stored responses of an earlier run again",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		runID, _ := cmd.Flags().GetString("run")

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		summary, err := a.Pipeline.Normalize(ctx, runID, args)
		if err != nil {
			return eris.Wrap(err, "normalize")
		}
		return writeSummary(os.Stdout, summary)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Rebuild the corpus file from all parsed records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		stores, closeStores, err := app.OpenStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStores() //nolint:errcheck

		aggregator := services.NewCorpusAggregator(stores.Parsed, stores.Reports)
		corpus, err := aggregator.Aggregate(ctx)
		if err != nil {
			return eris.Wrap(err, "aggregate")
		}
		zap.L().Info("Corpus rebuilt.", zap.String("uri", aggregator.CorpusURI()), zap.Int("documents", len(corpus)))
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.String("query", "", "search query, overrides discovery.query")
	f.String("from", "", "first submission date (YYYY-MM-DD)")
	f.String("to", "", "last submission date (YYYY-MM-DD)")
	f.Int("max-results", 0, "number of search results to request")
	f.Int("quota", 0, "maximum number of documents to download")

	extractCmd.Flags().String("run", "", "run to take documents from (default: latest)")
	normalizeCmd.Flags().String("run", "", "run to take documents from (default: latest)")
}

func writeSummary(w io.Writer, summary *models.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(summary), "write summary")
}
