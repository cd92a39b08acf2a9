package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

func newTestStores(t *testing.T) artifacts.Stores {
	t.Helper()
	stores, err := artifacts.NewLocalStores(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	return stores
}

// makePDF builds a minimal well-formed PDF with the given number of blank pages.
func makePDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for range pages {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// fakeCounter reads bodies of the form "pages=N".
type fakeCounter struct{}

func (fakeCounter) CountPages(pdf []byte) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(string(pdf), "pages="))
	if err != nil {
		return 0, eris.New("not a pdf")
	}
	return n, nil
}

// pdfServer serves /pdf/<id> with the body registered for id. Unknown ids get 404.
type pdfServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
}

func newPDFServer(t *testing.T, bodies map[string]string) *pdfServer {
	t.Helper()
	s := &pdfServer{bodies: bodies, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/pdf/")
		s.mu.Lock()
		s.hits[id]++
		body, ok := s.bodies[id]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *pdfServer) Hits(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[id]
}

func discovered(server *pdfServer, ids ...string) []*models.DocumentRecord {
	records := make([]*models.DocumentRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, models.NewDocumentRecord(models.CandidateDocument{
			ID:           id,
			RetrievalURL: server.URL + "/pdf/" + id,
			Title:        "Title " + id,
			Authors:      "Ada Lovelace, Alan Turing",
			Abstract:     "Abstract " + id,
		}))
	}
	return records
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, documentID string, pdf []byte, uri string) (string, error) {
	args := m.Called(ctx, documentID, pdf, uri)
	return args.String(0), args.Error(1)
}

// recordingTracker remembers the statuses it was told about, per document.
type recordingTracker struct {
	seen map[string][]models.Status
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{seen: map[string][]models.Status{}}
}

func (t *recordingTracker) Track(_ context.Context, r *models.DocumentRecord) error {
	t.seen[r.ID] = append(t.seen[r.ID], r.Status)
	return nil
}

func validResponse(title string) string {
	return fmt.Sprintf(`{
  "data": {
    "title": %q,
    "authors": "Ada Lovelace, Alan Turing",
    "abstract": "We study things.",
    "sections": {
      "Introduction": "Intro text.",
      "Method": "Method text.",
      "References": [
        {"title": "Prior Work", "authors": "Grace Hopper", "citation": "Hopper, G. (1952). Prior Work."}
      ]
    },
    "images": {
      "image_1": {"image_desc": "A chart.", "image_location": "Figure 1"}
    }
  }
}`, title)
}

func statuses(records []*models.DocumentRecord) []models.Status {
	out := make([]models.Status, 0, len(records))
	for _, r := range records {
		out = append(out, r.Status)
	}
	return out
}
