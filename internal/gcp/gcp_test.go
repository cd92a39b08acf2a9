package gcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
)

func TestResponseTextConcatenatesTextParts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text(`{"data": `),
				genai.Blob{MIMEType: "image/png", Data: []byte{1}},
				genai.Text(`{}}`),
			}},
		}},
	}
	assert.Equal(t, `{"data": {}}`, responseText(resp, "doc"))
}

func TestResponseTextEmpty(t *testing.T) {
	assert.Equal(t, "", responseText(nil, "doc"))
	assert.Equal(t, "", responseText(&genai.GenerateContentResponse{}, "doc"))
	assert.Equal(t, "", responseText(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: nil}},
	}, "doc"))
}

func TestGCSStoreURI(t *testing.T) {
	assert.Equal(t, "gs://bucket/runs/pdfs/a.pdf", NewGCSStore(nil, "bucket", "/runs/pdfs/").URI("a.pdf"))
	assert.Equal(t, "gs://bucket/a.pdf", NewGCSStore(nil, "bucket", "").URI("a.pdf"))
}

func TestNewGCSStoresNamespaces(t *testing.T) {
	stores := NewGCSStores(nil, "bucket", "corpus")
	assert.Equal(t, "gs://bucket/corpus/pdfs/x.pdf", stores.Binaries.URI("x.pdf"))
	assert.Equal(t, "gs://bucket/corpus/responses/x.txt", stores.Responses.URI("x.txt"))
	assert.Equal(t, "gs://bucket/corpus/json/x.json", stores.Parsed.URI("x.json"))
	assert.Equal(t, "gs://bucket/corpus/"+artifacts.CorpusKey, stores.Reports.URI(artifacts.CorpusKey))
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: 412}))
	assert.True(t, isPreconditionFailed(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 412})))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: 500}))
	assert.False(t, isPreconditionFailed(errors.New("boom")))
}

func TestPromptCarriesContract(t *testing.T) {
	for _, key := range []string{`"data"`, `"sections"`, `"References"`, `"image_desc"`, `"image_location"`} {
		assert.Contains(t, ExtractorUserPrompt, key)
	}
}

func TestConstructorsRejectMissingProject(t *testing.T) {
	ctx := context.Background()

	_, err := NewFirestoreClient(ctx, "")
	assert.ErrorContains(t, err, "projectID must be provided")
	assert.Contains(t, eris.ToString(err, true), "firestore.go")

	_, err = NewVertexClient(ctx, "", "us-central1", "gemini")
	assert.ErrorContains(t, err, "projectID and region cannot be empty")
	assert.Contains(t, eris.ToString(err, true), "vertex.go")
}
