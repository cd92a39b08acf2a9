package services

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/config"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

// FailedPageCount is the sentinel recorded when a document could not be retrieved.
const FailedPageCount = 0

// PageCounter measures the structural size of a document.
type PageCounter interface {
	CountPages(pdf []byte) (int, error)
}

// PDFPageCounter counts pages with pdfcpu using relaxed validation.
type PDFPageCounter struct {
	conf *model.Configuration
}

var disableConfigDir sync.Once

// NewPDFPageCounter keeps pdfcpu from creating its user config directory.
func NewPDFPageCounter() *PDFPageCounter {
	disableConfigDir.Do(api.DisableConfigDir)
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return &PDFPageCounter{conf: cfg}
}

func (c *PDFPageCounter) CountPages(pdf []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(pdf), c.conf)
	if err != nil {
		return 0, eris.Wrap(err, "failed to get page count")
	}
	return n, nil
}

// RetrievalResult separates what happened to every record handed to the filter.
type RetrievalResult struct {
	// Retained are the downloaded records within the page bound.
	Retained []*models.DocumentRecord
	// Rejected were fetched and measured but exceed the page bound.
	Rejected []*models.DocumentRecord
	// Failed could not be fetched or measured.
	Failed []*models.DocumentRecord
	// NotAttempted were left untouched because the quota was reached first.
	NotAttempted []*models.DocumentRecord
	QuotaReached bool
}

// RetrievalFilter downloads candidate PDFs and keeps the short ones.
type RetrievalFilter struct {
	httpClient *http.Client
	userAgent  string
	counter    PageCounter
	binaries   artifacts.Store
}

// NewRetrievalFilter persists accepted binaries into binaries.
func NewRetrievalFilter(cfg config.RetrievalConfig, counter PageCounter, binaries artifacts.Store) *RetrievalFilter {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RetrievalFilter{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  cfg.UserAgent,
		counter:    counter,
		binaries:   binaries,
	}
}

// RetrieveAndFilter processes DISCOVERED records strictly in order. Per-document
// failures are isolated; reaching quota stops the loop and leaves the remaining
// records untouched. Only storage-independent errors such as a cancelled context
// or a tracker failure abort the stage.
func (f *RetrievalFilter) RetrieveAndFilter(ctx context.Context, records []*models.DocumentRecord, maxPages, quota int, tracker Tracker) (*RetrievalResult, error) {
	if quota < 1 {
		return nil, eris.Errorf("retrieval: quota must be at least 1, got %d", quota)
	}
	tracker = orNop(tracker)
	result := &RetrievalResult{}
	var attempted []*models.DocumentRecord
	downloaded := 0

	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.Status != models.StatusDiscovered {
			zap.L().Warn("Skipping record that is past discovery.", zap.String("documentId", r.ID), zap.String("status", string(r.Status)))
			continue
		}
		attempted = append(attempted, r)
		logCtx := zap.L().With(zap.String("documentId", r.ID), zap.String("pdfUrl", r.RetrievalURL))

		if err := f.retrieveOne(ctx, logCtx, r, maxPages); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logCtx.Warn("Retrieval failed.", zap.Error(err))
			if r.PageCount == nil {
				_ = r.MeasurePages(FailedPageCount)
			}
			if ferr := r.Fail(models.StatusRetrievalFailed, err); ferr != nil {
				return nil, ferr
			}
			result.Failed = append(result.Failed, r)
		} else if r.Status == models.StatusDownloaded {
			downloaded++
		} else {
			logCtx.Info("Document exceeds page bound.", zap.Int("pageCount", r.Pages()), zap.Int("maxPages", maxPages))
			result.Rejected = append(result.Rejected, r)
		}
		if err := tracker.Track(ctx, r); err != nil {
			return nil, eris.Wrapf(err, "retrieval: track %s", r.ID)
		}

		if downloaded >= quota {
			result.QuotaReached = true
			result.NotAttempted = append(result.NotAttempted, records[i+1:]...)
			zap.L().Info("Retention quota reached, stopping retrieval.",
				zap.Int("quota", quota),
				zap.Int("notAttempted", len(result.NotAttempted)),
			)
			break
		}
	}

	// Failed records carry the sentinel page count, which would otherwise pass the bound.
	for _, r := range attempted {
		if r.Status == models.StatusRetrievalFailed || r.PageCount == nil {
			continue
		}
		if *r.PageCount <= maxPages {
			result.Retained = append(result.Retained, r)
		}
	}
	zap.L().Info("Retrieval complete.",
		zap.Int("retained", len(result.Retained)),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("failed", len(result.Failed)),
		zap.Bool("quotaReached", result.QuotaReached),
	)
	return result, nil
}

// retrieveOne measures r and marks it DOWNLOADED when it fits. An already stored
// binary is measured instead of fetched again.
func (f *RetrievalFilter) retrieveOne(ctx context.Context, logCtx *zap.Logger, r *models.DocumentRecord, maxPages int) error {
	key := artifacts.BinaryKey(r.ID)
	stored, err := f.binaries.Exists(ctx, key)
	if err != nil {
		return err
	}

	var data []byte
	if stored {
		logCtx.Info("Binary already stored, skipping download.", zap.String("uri", f.binaries.URI(key)))
		if data, err = f.binaries.Get(ctx, key); err != nil {
			return err
		}
	} else if data, err = f.fetch(ctx, r.RetrievalURL); err != nil {
		return err
	}

	pages, err := f.counter.CountPages(data)
	if err != nil {
		return err
	}
	if err := r.MeasurePages(pages); err != nil {
		return err
	}
	if pages > maxPages {
		return nil
	}

	if !stored {
		if _, err := f.binaries.PutIfAbsent(ctx, key, data); err != nil {
			return eris.Wrap(err, "failed to persist binary")
		}
	}
	if err := r.Advance(models.StatusDownloaded); err != nil {
		return err
	}
	logCtx.Info("Document retained.", zap.Int("pageCount", pages), zap.String("uri", f.binaries.URI(key)))
	return nil
}

func (f *RetrievalFilter) fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, eris.New("document has no retrieval url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "failed to build request")
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "failed to fetch document")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read document body")
	}
	return data, nil
}
