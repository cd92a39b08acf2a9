package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

// ErrMalformedResponse marks a raw response that does not satisfy the document schema.
var ErrMalformedResponse = eris.New("malformed extraction response")

// Parse decodes one raw response into a structured document. Markdown code
// fences around the JSON are tolerated.
func Parse(text string) (models.StructuredDocument, error) {
	body := stripFences(text)
	if body == "" {
		return models.StructuredDocument{}, eris.Wrap(ErrMalformedResponse, "empty body")
	}

	var env models.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return models.StructuredDocument{}, eris.Wrapf(ErrMalformedResponse, "decode: %v", err)
	}
	if env.Data == nil {
		return models.StructuredDocument{}, eris.Wrap(ErrMalformedResponse, `missing "data" object`)
	}
	doc := *env.Data
	doc.Title = strings.TrimSpace(doc.Title)
	if doc.Title == "" {
		return models.StructuredDocument{}, eris.Wrap(ErrMalformedResponse, "title is empty")
	}
	if doc.Images == nil {
		doc.Images = map[string]models.Image{}
	}
	return doc, nil
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// refusalHint names why a response is unusable prose: empty, or a model
// refusal. Anything that opens like JSON gets no hint, since papers may quote
// the phrases.
func refusalHint(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty response"
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "```") {
		return ""
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return "model refusal: " + phrase
		}
	}
	return ""
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// JSONNormalizer validates raw responses and stores the structured records.
type JSONNormalizer struct {
	responses artifacts.Store
	parsed    artifacts.Store
}

// NewJSONNormalizer reads raw responses and writes parsed records.
func NewJSONNormalizer(responses, parsed artifacts.Store) *JSONNormalizer {
	return &JSONNormalizer{responses: responses, parsed: parsed}
}

// NormalizeAll parses every EXTRACTED record. A malformed response marks the
// record PARSE_FAILED and removes any parsed record left by an earlier run.
func (n *JSONNormalizer) NormalizeAll(ctx context.Context, records []*models.DocumentRecord, tracker Tracker) ([]string, error) {
	tracker = orNop(tracker)
	var parsedIDs []string
	var failed int

	for _, r := range records {
		if r.Status != models.StatusExtracted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logCtx := zap.L().With(zap.String("documentId", r.ID))

		if err := n.normalizeOne(ctx, r.ID); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logCtx.Error("Normalization failed.", zap.Error(err))
			if derr := n.parsed.Delete(ctx, artifacts.ParsedKey(r.ID)); derr != nil {
				return nil, eris.Wrapf(derr, "normalize: drop stale record %s", r.ID)
			}
			if ferr := r.Fail(models.StatusParseFailed, err); ferr != nil {
				return nil, ferr
			}
			failed++
		} else {
			if err := r.Advance(models.StatusParsed); err != nil {
				return nil, err
			}
			parsedIDs = append(parsedIDs, r.ID)
		}
		if err := tracker.Track(ctx, r); err != nil {
			return nil, eris.Wrapf(err, "normalize: track %s", r.ID)
		}
	}

	zap.L().Info("Normalization complete.", zap.Int("parsed", len(parsedIDs)), zap.Int("failed", failed))
	return parsedIDs, nil
}

func (n *JSONNormalizer) normalizeOne(ctx context.Context, documentID string) error {
	raw, err := n.responses.Get(ctx, artifacts.ResponseKey(documentID))
	if err != nil {
		return eris.Wrap(err, "failed to load raw response")
	}
	doc, err := Parse(string(raw))
	if err != nil {
		if hint := refusalHint(string(raw)); hint != "" {
			return eris.Wrap(err, hint)
		}
		return err
	}
	data, err := json.MarshalIndent(models.Envelope{Data: &doc}, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to encode parsed record")
	}
	key := artifacts.ParsedKey(documentID)
	if err := n.parsed.Put(ctx, key, data); err != nil {
		return eris.Wrap(err, "failed to persist parsed record")
	}
	zap.L().Debug("Parsed record saved.", zap.String("documentId", documentID), zap.String("uri", n.parsed.URI(key)))
	return nil
}
