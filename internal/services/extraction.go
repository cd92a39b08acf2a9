package services

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

// Extractor submits one document to the generative service and returns its raw text.
// uri locates the stored binary and may be used instead of pdf.
type Extractor interface {
	Extract(ctx context.Context, documentID string, pdf []byte, uri string) (string, error)
}

// Limiter paces calls to the extraction service.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter allows one call per delay with no burst. A zero delay disables pacing.
func NewRateLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// ExtractionClient turns stored binaries into raw extraction responses.
type ExtractionClient struct {
	extractor Extractor
	limiter   Limiter
	binaries  artifacts.Store
	responses artifacts.Store
	// Force re-submits documents that already have a stored response.
	Force bool
}

// NewExtractionClient reads binaries and writes raw responses.
func NewExtractionClient(extractor Extractor, limiter Limiter, binaries, responses artifacts.Store) *ExtractionClient {
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	return &ExtractionClient{
		extractor: extractor,
		limiter:   limiter,
		binaries:  binaries,
		responses: responses,
	}
}

// ExtractAll submits every DOWNLOADED record in order, one call at a time.
// A failing document is marked EXTRACTION_FAILED and the loop moves on.
func (c *ExtractionClient) ExtractAll(ctx context.Context, records []*models.DocumentRecord, tracker Tracker) ([]models.RawResponse, error) {
	tracker = orNop(tracker)
	var responses []models.RawResponse
	var failed int

	for _, r := range records {
		if r.Status != models.StatusDownloaded {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logCtx := zap.L().With(zap.String("documentId", r.ID))

		text, err := c.extractOne(ctx, logCtx, r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logCtx.Error("Extraction failed.", zap.Error(err))
			if ferr := r.Fail(models.StatusExtractionFailed, err); ferr != nil {
				return nil, ferr
			}
			failed++
		} else {
			if err := r.Advance(models.StatusExtracted); err != nil {
				return nil, err
			}
			responses = append(responses, models.RawResponse{DocumentID: r.ID, Text: text})
		}
		if err := tracker.Track(ctx, r); err != nil {
			return nil, eris.Wrapf(err, "extraction: track %s", r.ID)
		}
	}

	zap.L().Info("Extraction complete.", zap.Int("extracted", len(responses)), zap.Int("failed", failed))
	return responses, nil
}

func (c *ExtractionClient) extractOne(ctx context.Context, logCtx *zap.Logger, r *models.DocumentRecord) (string, error) {
	responseKey := artifacts.ResponseKey(r.ID)
	if !c.Force {
		existing, err := c.responses.Get(ctx, responseKey)
		switch {
		case err == nil:
			logCtx.Info("Response already stored, skipping extraction.", zap.String("uri", c.responses.URI(responseKey)))
			return string(existing), nil
		case !eris.Is(err, artifacts.ErrNotFound):
			return "", err
		}
	}

	binaryKey := artifacts.BinaryKey(r.ID)
	pdf, err := c.binaries.Get(ctx, binaryKey)
	if err != nil {
		return "", eris.Wrap(err, "failed to load binary")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	logCtx.Info("Submitting document for extraction.", zap.Int("bytes", len(pdf)))
	text, err := c.extractor.Extract(ctx, r.ID, pdf, c.binaries.URI(binaryKey))
	if err != nil {
		return "", err
	}
	// Every answer is kept, including refusals; the normalizer decides whether it parses.
	if hint := refusalHint(text); hint != "" {
		logCtx.Warn("Extraction response looks unusable.", zap.String("hint", hint), zap.String("response", truncate(text, 200)))
	}

	if err := c.responses.Put(ctx, responseKey, []byte(text)); err != nil {
		return "", eris.Wrap(err, "failed to persist response")
	}
	logCtx.Info("Response saved.", zap.String("uri", c.responses.URI(responseKey)))
	return text, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
