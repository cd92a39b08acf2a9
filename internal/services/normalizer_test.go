package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

func TestParse(t *testing.T) {
	doc, err := Parse(validResponse("  Consensus at Scale "))
	require.NoError(t, err)

	assert.Equal(t, "Consensus at Scale", doc.Title)
	assert.Equal(t, models.Authors("Ada Lovelace, Alan Turing"), doc.Authors)
	assert.Equal(t, []string{"Introduction", "Method"}, doc.Sections.Names())
	require.Len(t, doc.Sections.References, 1)
	assert.Equal(t, "Prior Work", doc.Sections.References[0].Title)
	assert.Equal(t, models.Image{Desc: "A chart.", Location: "Figure 1"}, doc.Images["image_1"])
}

func TestParseStripsFences(t *testing.T) {
	for _, text := range []string{
		"```json\n" + validResponse("Fenced") + "\n```",
		"```\n" + validResponse("Fenced") + "\n```\n",
	} {
		doc, err := Parse(text)
		require.NoError(t, err)
		assert.Equal(t, "Fenced", doc.Title)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":         "Here is the document you asked for.",
		"truncated":        `{"data": {"title": "Cut`,
		"no data":          `{"title": "Loose"}`,
		"null data":        `{"data": null}`,
		"blank title":      `{"data": {"title": "  ", "sections": {}}}`,
		"section not text": `{"data": {"title": "T", "sections": {"Intro": {"nested": true}}}}`,
		"bad references":   `{"data": {"title": "T", "sections": {"References": "see web"}}}`,
		"bad image":        `{"data": {"title": "T", "images": {"image_1": "Figure 1"}}}`,
		"empty":            "",
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestParseAcceptsAuthorList(t *testing.T) {
	doc, err := Parse(`{"data": {"title": "T", "authors": ["A", "B"], "sections": {"references": []}}}`)
	require.NoError(t, err)
	assert.Equal(t, models.Authors("A, B"), doc.Authors)
	assert.NotNil(t, doc.Sections.References)
	assert.NotNil(t, doc.Images)
}

func extractedRecords(t *testing.T, stores artifacts.Stores, responses map[string]string, ids ...string) []*models.DocumentRecord {
	t.Helper()
	records := downloadedRecords(t, stores, ids...)
	for _, r := range records {
		require.NoError(t, stores.Responses.Put(context.Background(), artifacts.ResponseKey(r.ID), []byte(responses[r.ID])))
		require.NoError(t, r.Advance(models.StatusExtracted))
	}
	return records
}

func TestNormalizeAllQuarantinesMalformedResponses(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	records := extractedRecords(t, stores, map[string]string{
		"1": validResponse("One"),
		"2": "Sorry, here is prose instead of JSON.",
		"3": "```json\n" + validResponse("Three") + "\n```",
	}, "1", "2", "3")

	tracker := newRecordingTracker()
	ids, err := NewJSONNormalizer(stores.Responses, stores.Parsed).NormalizeAll(ctx, records, tracker)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "3"}, ids)
	assert.Equal(t, []models.Status{models.StatusParsed, models.StatusParseFailed, models.StatusParsed}, statuses(records))
	assert.Equal(t, []models.Status{models.StatusParseFailed}, tracker.seen["2"])

	keys, err := stores.Parsed.List(ctx, ".json")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.json", "3.json"}, keys)

	data, err := stores.Parsed.Get(ctx, "3.json")
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NotNil(t, env.Data)
	assert.Equal(t, "Three", env.Data.Title)
	assert.Equal(t, []string{"Introduction", "Method"}, env.Data.Sections.Names())
}

func TestNormalizeAllMissingResponse(t *testing.T) {
	stores := newTestStores(t)
	r := downloadedRecords(t, stores, "1")[0]
	require.NoError(t, r.Advance(models.StatusExtracted))

	ids, err := NewJSONNormalizer(stores.Responses, stores.Parsed).NormalizeAll(context.Background(), []*models.DocumentRecord{r}, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, models.StatusParseFailed, r.Status)
	assert.Contains(t, r.ErrorDetails, "raw response")
}

func TestNormalizeAllRemovesStaleParsedRecord(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	require.NoError(t, stores.Parsed.Put(ctx, artifacts.ParsedKey("1"), []byte(validResponse("Old"))))
	records := extractedRecords(t, stores, map[string]string{"1": "I cannot provide a summary of this paper."}, "1")

	ids, err := NewJSONNormalizer(stores.Responses, stores.Parsed).NormalizeAll(ctx, records, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, models.StatusParseFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorDetails, "model refusal: i cannot provide")

	ok, err := stores.Parsed.Exists(ctx, artifacts.ParsedKey("1"))
	require.NoError(t, err)
	assert.False(t, ok)
}
