package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

const aggregateReadLimit = 8

// CorpusAggregator rebuilds the consolidated corpus from every parsed record.
type CorpusAggregator struct {
	parsed  artifacts.Store
	reports artifacts.Store
}

// NewCorpusAggregator reads parsed records and writes the corpus into reports.
func NewCorpusAggregator(parsed, reports artifacts.Store) *CorpusAggregator {
	return &CorpusAggregator{parsed: parsed, reports: reports}
}

// Aggregate lists all parsed records, decodes them and overwrites the corpus
// file. Records that cannot be read back are logged and left out. The result
// depends only on the parsed store, so running it twice yields the same file.
func (a *CorpusAggregator) Aggregate(ctx context.Context) (models.Corpus, error) {
	keys, err := a.parsed.List(ctx, ".json")
	if err != nil {
		return nil, eris.Wrap(err, "failed to list parsed records")
	}
	zap.L().Info("Starting aggregation.", zap.Int("fileCount", len(keys)))

	var mu sync.Mutex
	corpus := make(models.Corpus, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregateReadLimit)
	for _, key := range keys {
		g.Go(func() error {
			id := artifacts.DocumentID(key)
			doc, err := a.read(gctx, key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Warn("Skipping unreadable parsed record.", zap.String("documentId", id), zap.Error(err))
				return nil
			}
			mu.Lock()
			corpus[id] = doc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Map keys are encoded sorted, which keeps the file stable between runs.
	data, err := json.MarshalIndent(corpus, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode corpus")
	}
	if err := a.reports.Put(ctx, artifacts.CorpusKey, data); err != nil {
		return nil, eris.Wrap(err, "failed to save corpus")
	}
	zap.L().Info("Aggregation complete.",
		zap.Int("documents", len(corpus)),
		zap.String("uri", a.CorpusURI()),
	)
	return corpus, nil
}

func (a *CorpusAggregator) read(ctx context.Context, key string) (models.StructuredDocument, error) {
	data, err := a.parsed.Get(ctx, key)
	if err != nil {
		return models.StructuredDocument{}, err
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.StructuredDocument{}, eris.Wrap(err, "decode parsed record")
	}
	if env.Data == nil {
		return models.StructuredDocument{}, eris.New(`parsed record has no "data" object`)
	}
	return *env.Data, nil
}

// CorpusURI locates the consolidated file.
func (a *CorpusAggregator) CorpusURI() string {
	return a.reports.URI(artifacts.CorpusKey)
}

// Finalize marks every PARSED record present in corpus as FINALIZED.
func Finalize(ctx context.Context, records []*models.DocumentRecord, corpus models.Corpus, tracker Tracker) (int, error) {
	tracker = orNop(tracker)
	finalized := 0
	for _, r := range records {
		if r.Status != models.StatusParsed {
			continue
		}
		if _, ok := corpus[r.ID]; !ok {
			zap.L().Warn("Parsed record missing from corpus.", zap.String("documentId", r.ID))
			continue
		}
		if err := r.Advance(models.StatusFinalized); err != nil {
			return finalized, err
		}
		if err := tracker.Track(ctx, r); err != nil {
			return finalized, eris.Wrapf(err, "finalize: track %s", r.ID)
		}
		finalized++
	}
	return finalized, nil
}
