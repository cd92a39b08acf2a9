package services

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/config"
	"github.com/Lllllllleong/papercorpus/internal/ledger"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) CorpusReady(ctx context.Context, event models.CorpusReady) error {
	return m.Called(ctx, event).Error(0)
}

type pipelineFixture struct {
	pipeline  *Pipeline
	stores    artifacts.Stores
	ledger    *ledger.SQLiteLedger
	extractor *mockExtractor
	notifier  *mockNotifier
	pdfs      *pdfServer
}

// newPipelineFixture serves a feed with one entry per id; bodies maps ids to PDF bodies.
func newPipelineFixture(t *testing.T, ids []string, bodies map[string]string) *pipelineFixture {
	t.Helper()
	ctx := context.Background()
	pdfs := newPDFServer(t, bodies)

	entries := make([]feedEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, feedEntry{id: "http://arxiv.org/abs/" + id, title: "Paper " + id, pdf: pdfs.URL + "/pdf/" + id})
	}
	feed := newFeedServer(t, http.StatusOK, atomFeedXML(entries...), nil)

	l, err := ledger.NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	stores := newTestStores(t)
	extractor := &mockExtractor{}
	notifier := &mockNotifier{}
	p, err := NewPipeline(PipelineDeps{
		Stores:    stores,
		Searcher:  NewDiscoveryClient(config.DiscoveryConfig{BaseURL: feed.URL}),
		Retrieval: NewRetrievalFilter(config.RetrievalConfig{}, fakeCounter{}, stores.Binaries),
		Extractor: extractor,
		Ledger:    l,
		Notifier:  notifier,
	})
	require.NoError(t, err)
	return &pipelineFixture{pipeline: p, stores: stores, ledger: l, extractor: extractor, notifier: notifier, pdfs: pdfs}
}

func runOptions(quota int) RunOptions {
	return RunOptions{Query: testQuery(50), MaxPages: 15, Quota: quota}
}

func TestPipelineRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, []string{"1", "2", "3", "4"}, map[string]string{
		"1": "pages=5", "2": "pages=20", "3": "pages=8", "4": "pages=3",
	})
	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return(validResponse("One"), nil)
	f.extractor.On("Extract", mock.Anything, "3", mock.Anything, mock.Anything).Return(validResponse("Three"), nil)
	f.extractor.On("Extract", mock.Anything, "4", mock.Anything, mock.Anything).Return("", errors.New("deadline exceeded"))
	f.notifier.On("CorpusReady", mock.Anything, mock.MatchedBy(func(e models.CorpusReady) bool {
		return e.DocumentCount == 2 && e.CorpusURI == "/data/combined_data.json"
	})).Return(nil).Once()

	summary, err := f.pipeline.Run(ctx, runOptions(10))
	require.NoError(t, err)

	f.extractor.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
	assert.Equal(t, 4, summary.Discovered)
	assert.Equal(t, 2, summary.CorpusSize)
	assert.False(t, summary.QuotaReached)
	assert.Equal(t, []string{"2"}, summary.Rejected)
	assert.Equal(t, map[models.Status]int{
		models.StatusFinalized:        2,
		models.StatusDiscovered:       1,
		models.StatusExtractionFailed: 1,
	}, summary.StatusCounts)

	corpus, _, err := f.pipeline.Aggregate(ctx)
	require.NoError(t, err)
	assert.Len(t, corpus, 2)
	assert.Contains(t, corpus, "1")
	assert.Contains(t, corpus, "3")

	stored, err := f.ledger.List(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, recordIDs(stored))
	assert.Equal(t, []models.Status{
		models.StatusFinalized, models.StatusDiscovered, models.StatusFinalized, models.StatusExtractionFailed,
	}, statuses(stored))
	assert.Equal(t, 20, stored[1].Pages())

	audit, err := f.stores.Reports.Exists(ctx, artifacts.AuditTableKey)
	require.NoError(t, err)
	assert.True(t, audit)
}

func TestPipelineRunQuotaAndRetrievalFailures(t *testing.T) {
	ctx := context.Background()
	// "2" is missing on the server.
	f := newPipelineFixture(t, []string{"1", "2", "3", "4"}, map[string]string{
		"1": "pages=5", "3": "pages=8", "4": "pages=3",
	})
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(validResponse("Any"), nil)
	f.notifier.On("CorpusReady", mock.Anything, mock.Anything).Return(nil)

	summary, err := f.pipeline.Run(ctx, runOptions(2))
	require.NoError(t, err)

	assert.True(t, summary.QuotaReached)
	assert.Equal(t, []string{"4"}, summary.NotAttempted)
	assert.Equal(t, 2, summary.CorpusSize)
	assert.Equal(t, 1, summary.StatusCounts[models.StatusRetrievalFailed])
	assert.Zero(t, f.pdfs.Hits("4"))
	f.extractor.AssertNumberOfCalls(t, "Extract", 2)
}

func TestPipelineRunDiscoveryFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	feed := newFeedServer(t, http.StatusInternalServerError, "boom", nil)
	stores := newTestStores(t)

	p, err := NewPipeline(PipelineDeps{
		Stores:    stores,
		Searcher:  NewDiscoveryClient(config.DiscoveryConfig{BaseURL: feed.URL}),
		Retrieval: NewRetrievalFilter(config.RetrievalConfig{}, fakeCounter{}, stores.Binaries),
		Extractor: &mockExtractor{},
		Ledger:    l,
	})
	require.NoError(t, err)

	_, err = p.Run(ctx, runOptions(1))
	require.ErrorIs(t, err, ErrDiscovery)

	exists, err := stores.Reports.Exists(ctx, artifacts.CorpusKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPipelineHandoffFailureIsReported(t *testing.T) {
	f := newPipelineFixture(t, []string{"1"}, map[string]string{"1": "pages=1"})
	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return(validResponse("One"), nil)
	f.notifier.On("CorpusReady", mock.Anything, mock.Anything).Return(errors.New("workflow not found"))

	summary, err := f.pipeline.Run(context.Background(), runOptions(1))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CorpusSize)
	assert.Contains(t, summary.HandoffError, "workflow not found")
}

func TestPipelineRerunForcesExtraction(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, []string{"1", "2"}, map[string]string{"1": "pages=1", "2": "pages=2"})
	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return(validResponse("One"), nil).Once()
	f.extractor.On("Extract", mock.Anything, "2", mock.Anything, mock.Anything).Return("not json at all", nil).Once()
	f.notifier.On("CorpusReady", mock.Anything, mock.Anything).Return(nil)

	first, err := f.pipeline.Run(ctx, runOptions(5))
	require.NoError(t, err)
	assert.Equal(t, 1, first.StatusCounts[models.StatusParseFailed])

	f.extractor.On("Extract", mock.Anything, "2", mock.Anything, mock.Anything).Return(validResponse("Two"), nil).Once()
	second, err := f.pipeline.Rerun(ctx, "", []string{"2"})
	require.NoError(t, err)

	f.extractor.AssertExpectations(t)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 1, second.Discovered)
	assert.Equal(t, map[models.Status]int{models.StatusFinalized: 1}, second.StatusCounts)
	assert.Equal(t, 2, second.CorpusSize)

	stored, err := f.ledger.List(ctx, second.RunID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 2, stored[0].Pages())
}

func TestPipelineRerunDropsRecordThatNoLongerParses(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, []string{"1"}, map[string]string{"1": "pages=1"})
	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return(validResponse("One"), nil).Once()
	f.notifier.On("CorpusReady", mock.Anything, mock.Anything).Return(nil)

	first, err := f.pipeline.Run(ctx, runOptions(5))
	require.NoError(t, err)
	require.Equal(t, 1, first.CorpusSize)

	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return("not json", nil).Once()
	second, err := f.pipeline.Rerun(ctx, "", []string{"1"})
	require.NoError(t, err)

	assert.Equal(t, map[models.Status]int{models.StatusParseFailed: 1}, second.StatusCounts)
	assert.Equal(t, 0, second.CorpusSize)

	parsed, err := f.stores.Parsed.Exists(ctx, artifacts.ParsedKey("1"))
	require.NoError(t, err)
	assert.False(t, parsed)
	raw, err := f.stores.Responses.Get(ctx, artifacts.ResponseKey("1"))
	require.NoError(t, err)
	assert.Equal(t, "not json", string(raw))

	corpus, _, err := f.pipeline.Aggregate(ctx)
	require.NoError(t, err)
	assert.Empty(t, corpus)
}

func TestPipelineRerunDropsRecordWhenExtractionFails(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, []string{"1", "2"}, map[string]string{"1": "pages=1", "2": "pages=1"})
	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return(validResponse("One"), nil).Once()
	f.extractor.On("Extract", mock.Anything, "2", mock.Anything, mock.Anything).Return(validResponse("Two"), nil).Once()
	f.notifier.On("CorpusReady", mock.Anything, mock.Anything).Return(nil)

	first, err := f.pipeline.Run(ctx, runOptions(5))
	require.NoError(t, err)
	require.Equal(t, 2, first.CorpusSize)

	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return("", errors.New("deadline exceeded")).Once()
	second, err := f.pipeline.Rerun(ctx, "", []string{"1"})
	require.NoError(t, err)

	assert.Equal(t, map[models.Status]int{models.StatusExtractionFailed: 1}, second.StatusCounts)
	assert.Equal(t, 1, second.CorpusSize)
	corpus, _, err := f.pipeline.Aggregate(ctx)
	require.NoError(t, err)
	assert.NotContains(t, corpus, "1")
	assert.Contains(t, corpus, "2")
}

func TestPipelineNormalizeReusesResponses(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, []string{"1"}, map[string]string{"1": "pages=1"})
	f.extractor.On("Extract", mock.Anything, "1", mock.Anything, mock.Anything).Return(validResponse("One"), nil).Once()
	f.notifier.On("CorpusReady", mock.Anything, mock.Anything).Return(nil)

	first, err := f.pipeline.Run(ctx, runOptions(5))
	require.NoError(t, err)

	second, err := f.pipeline.Normalize(ctx, first.RunID, nil)
	require.NoError(t, err)
	f.extractor.AssertNumberOfCalls(t, "Extract", 1)
	assert.Equal(t, map[models.Status]int{models.StatusFinalized: 1}, second.StatusCounts)
}

func TestPipelineRerunUnknownIDs(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, []string{"1"}, map[string]string{"1": "pages=1"})
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(validResponse("One"), nil)
	f.notifier.On("CorpusReady", mock.Anything, mock.Anything).Return(nil)
	_, err := f.pipeline.Run(ctx, runOptions(5))
	require.NoError(t, err)

	_, err = f.pipeline.Rerun(ctx, "", []string{"nope"})
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	records := Tabulate([]models.CandidateDocument{{ID: "1"}, {ID: "2"}})
	require.NoError(t, records[0].Fail(models.StatusRetrievalFailed, errors.New("x")))

	s := Summarize("run", records)
	assert.Equal(t, "run", s.RunID)
	assert.Equal(t, 2, s.Discovered)
	assert.Equal(t, map[models.Status]int{models.StatusRetrievalFailed: 1, models.StatusDiscovered: 1}, s.StatusCounts)
}
