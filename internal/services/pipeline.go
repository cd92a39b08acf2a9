package services

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/ledger"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

// Notifier hands a finished corpus to whatever consumes it next.
type Notifier interface {
	CorpusReady(ctx context.Context, event models.CorpusReady) error
}

// NopNotifier is used when no downstream consumer is configured.
type NopNotifier struct{}

func (NopNotifier) CorpusReady(context.Context, models.CorpusReady) error { return nil }

// PipelineDeps holds the collaborators of a Pipeline.
type PipelineDeps struct {
	Stores    artifacts.Stores
	Searcher  Searcher
	Retrieval *RetrievalFilter
	Extractor Extractor
	Limiter   Limiter
	Ledger    ledger.Ledger
	Notifier  Notifier
}

// RunOptions are the per-run parameters.
type RunOptions struct {
	Query    Query
	MaxPages int
	Quota    int
}

// Pipeline runs the stages of a corpus build in a fixed order.
type Pipeline struct {
	searcher   Searcher
	table      *MetadataTable
	retrieval  *RetrievalFilter
	extraction *ExtractionClient
	normalizer *JSONNormalizer
	aggregator *CorpusAggregator
	stores     artifacts.Stores
	ledger     ledger.Ledger
	notifier   Notifier
	newRunID   func() string
}

// NewPipeline wires the stages over one set of stores.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Ledger == nil {
		return nil, eris.New("pipeline: ledger is required")
	}
	if deps.Extractor == nil {
		return nil, eris.New("pipeline: extractor is required")
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Pipeline{
		searcher:   deps.Searcher,
		table:      NewMetadataTable(deps.Stores.Reports),
		retrieval:  deps.Retrieval,
		extraction: NewExtractionClient(deps.Extractor, deps.Limiter, deps.Stores.Binaries, deps.Stores.Responses),
		normalizer: NewJSONNormalizer(deps.Stores.Responses, deps.Stores.Parsed),
		aggregator: NewCorpusAggregator(deps.Stores.Parsed, deps.Stores.Reports),
		stores:     deps.Stores,
		ledger:     deps.Ledger,
		notifier:   notifier,
		newRunID:   uuid.NewString,
	}, nil
}

// Run executes one full build. Only discovery, storage of reports and ledger
// failures end the run early; per-document failures are recorded and skipped.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*models.RunSummary, error) {
	if p.searcher == nil || p.retrieval == nil {
		return nil, eris.New("pipeline: searcher and retrieval filter are required for a full run")
	}
	runID := p.newRunID()
	logCtx := zap.L().With(zap.String("runId", runID))
	logCtx.Info("Starting run.", zap.String("query", opts.Query.SearchQuery()), zap.Int("quota", opts.Quota), zap.Int("maxPages", opts.MaxPages))

	if err := p.ledger.StartRun(ctx, runID, opts.Query.SearchQuery()); err != nil {
		return nil, err
	}

	candidates, err := p.searcher.Search(ctx, opts.Query)
	if err != nil {
		logCtx.Error("Discovery failed, aborting run.", zap.Error(err))
		p.finishQuietly(ctx, &models.RunSummary{RunID: runID, StatusCounts: map[models.Status]int{}})
		return nil, err
	}

	records := Tabulate(candidates)
	tracker := NewLedgerTracker(p.ledger, runID, records)
	if err := tracker.TrackAll(ctx, records); err != nil {
		return nil, err
	}
	if err := p.table.Write(ctx, records); err != nil {
		return nil, err
	}

	retrieval, err := p.retrieval.RetrieveAndFilter(ctx, records, opts.MaxPages, opts.Quota, tracker)
	if err != nil {
		return nil, err
	}
	if err := p.table.Write(ctx, records); err != nil {
		return nil, err
	}

	summary, err := p.finish(ctx, runID, records, tracker, p.extraction)
	if err != nil {
		return nil, err
	}
	summary.QuotaReached = retrieval.QuotaReached
	summary.NotAttempted = recordIDs(retrieval.NotAttempted)
	summary.Rejected = recordIDs(retrieval.Rejected)

	if err := p.ledger.FinishRun(ctx, runID, summary); err != nil {
		return nil, err
	}
	logCtx.Info("Run complete.",
		zap.Int("discovered", summary.Discovered),
		zap.Int("corpusSize", summary.CorpusSize),
		zap.Bool("quotaReached", summary.QuotaReached),
	)
	return summary, nil
}

// Rerun extracts the named documents of an earlier run again, ignoring any
// stored responses, and rebuilds the corpus. An empty fromRunID means the
// latest run; no ids means every document of that run with a stored binary.
func (p *Pipeline) Rerun(ctx context.Context, fromRunID string, ids []string) (*models.RunSummary, error) {
	force := *p.extraction
	force.Force = true
	return p.resume(ctx, fromRunID, ids, models.StatusDownloaded, &force)
}

// Normalize parses the stored responses of the named documents again and
// rebuilds the corpus. Arguments behave as in Rerun.
func (p *Pipeline) Normalize(ctx context.Context, fromRunID string, ids []string) (*models.RunSummary, error) {
	return p.resume(ctx, fromRunID, ids, models.StatusExtracted, p.extraction)
}

// Aggregate rebuilds the corpus from the parsed store alone.
func (p *Pipeline) Aggregate(ctx context.Context) (models.Corpus, string, error) {
	corpus, err := p.aggregator.Aggregate(ctx)
	if err != nil {
		return nil, "", err
	}
	return corpus, p.aggregator.CorpusURI(), nil
}

// resume starts a new run over records of an earlier one. Each record is
// replayed up to stage, which requires the artifact of that stage to exist.
func (p *Pipeline) resume(ctx context.Context, fromRunID string, ids []string, stage models.Status, extraction *ExtractionClient) (*models.RunSummary, error) {
	if fromRunID == "" {
		latest, err := p.ledger.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		fromRunID = latest
	}
	previous, err := p.ledger.List(ctx, fromRunID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		previous = slices.DeleteFunc(previous, func(r *models.DocumentRecord) bool {
			return !slices.Contains(ids, r.ID)
		})
		if len(previous) == 0 {
			return nil, eris.Errorf("pipeline: none of %v belong to run %s", ids, fromRunID)
		}
	}

	runID := p.newRunID()
	logCtx := zap.L().With(zap.String("runId", runID), zap.String("fromRunId", fromRunID))
	logCtx.Info("Resuming documents.", zap.Int("documents", len(previous)), zap.String("stage", string(stage)))
	if err := p.ledger.StartRun(ctx, runID, "resume:"+fromRunID); err != nil {
		return nil, err
	}

	records := make([]*models.DocumentRecord, 0, len(previous))
	for _, prev := range previous {
		r, err := p.replay(ctx, prev, stage)
		if err != nil {
			return nil, err
		}
		if r == nil {
			logCtx.Warn("Document has no stored artifact for the requested stage, skipping.", zap.String("documentId", prev.ID))
			continue
		}
		records = append(records, r)
	}

	tracker := NewLedgerTracker(p.ledger, runID, records)
	if err := tracker.TrackAll(ctx, records); err != nil {
		return nil, err
	}
	summary, err := p.finish(ctx, runID, records, tracker, extraction)
	if err != nil {
		return nil, err
	}
	if err := p.ledger.FinishRun(ctx, runID, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// replay rebuilds a fresh record at stage. It returns nil when the stage's
// artifact is missing.
func (p *Pipeline) replay(ctx context.Context, prev *models.DocumentRecord, stage models.Status) (*models.DocumentRecord, error) {
	binary, err := p.stores.Binaries.Exists(ctx, artifacts.BinaryKey(prev.ID))
	if err != nil {
		return nil, err
	}
	if !binary {
		return nil, nil
	}
	r := models.NewDocumentRecord(prev.CandidateDocument)
	if prev.PageCount != nil {
		if err := r.MeasurePages(*prev.PageCount); err != nil {
			return nil, err
		}
	}
	if err := r.Advance(models.StatusDownloaded); err != nil {
		return nil, err
	}
	if stage == models.StatusDownloaded {
		return r, nil
	}

	response, err := p.stores.Responses.Exists(ctx, artifacts.ResponseKey(prev.ID))
	if err != nil {
		return nil, err
	}
	if !response {
		return nil, nil
	}
	if err := r.Advance(models.StatusExtracted); err != nil {
		return nil, err
	}
	return r, nil
}

// finish runs extraction through hand-off over records and summarizes them.
func (p *Pipeline) finish(ctx context.Context, runID string, records []*models.DocumentRecord, tracker Tracker, extraction *ExtractionClient) (*models.RunSummary, error) {
	if _, err := extraction.ExtractAll(ctx, records, tracker); err != nil {
		return nil, err
	}
	if _, err := p.normalizer.NormalizeAll(ctx, records, tracker); err != nil {
		return nil, err
	}
	if err := p.dropStaleParsed(ctx, records); err != nil {
		return nil, err
	}
	corpus, err := p.aggregator.Aggregate(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := Finalize(ctx, records, corpus, tracker); err != nil {
		return nil, err
	}

	summary := Summarize(runID, records)
	summary.CorpusURI = p.aggregator.CorpusURI()
	summary.CorpusSize = len(corpus)

	event := models.CorpusReady{RunID: runID, CorpusURI: summary.CorpusURI, DocumentCount: len(corpus)}
	if err := p.notifier.CorpusReady(ctx, event); err != nil {
		zap.L().Error("Hand-off failed.", zap.String("runId", runID), zap.Error(err))
		summary.HandoffError = err.Error()
	}
	return summary, nil
}

// dropStaleParsed removes parsed records left by earlier runs for documents
// whose extraction failed in this one, so the corpus only holds documents
// finalized by their latest attempt.
func (p *Pipeline) dropStaleParsed(ctx context.Context, records []*models.DocumentRecord) error {
	for _, r := range records {
		if r.Status != models.StatusExtractionFailed {
			continue
		}
		if err := p.stores.Parsed.Delete(ctx, artifacts.ParsedKey(r.ID)); err != nil {
			return eris.Wrapf(err, "pipeline: drop stale record %s", r.ID)
		}
	}
	return nil
}

func (p *Pipeline) finishQuietly(ctx context.Context, summary *models.RunSummary) {
	if err := p.ledger.FinishRun(ctx, summary.RunID, summary); err != nil {
		zap.L().Warn("Failed to close aborted run.", zap.String("runId", summary.RunID), zap.Error(err))
	}
}

// Summarize counts records per status.
func Summarize(runID string, records []*models.DocumentRecord) *models.RunSummary {
	counts := make(map[models.Status]int)
	for _, r := range records {
		counts[r.Status]++
	}
	return &models.RunSummary{
		RunID:        runID,
		Discovered:   len(records),
		StatusCounts: counts,
	}
}

func recordIDs(records []*models.DocumentRecord) []string {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}
