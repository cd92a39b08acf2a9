package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/config"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

// ErrDiscovery marks a search failure. It is fatal for a run.
var ErrDiscovery = eris.New("discovery failed")

// Query is one search against the discovery service.
type Query struct {
	Text       string
	DateRange  config.DateRange
	MaxResults int
}

// SearchQuery renders the arXiv search_query, with the inclusive date window
// expanded to whole days.
func (q Query) SearchQuery() string {
	if q.DateRange.From.IsZero() && q.DateRange.To.IsZero() {
		return q.Text
	}
	return fmt.Sprintf("%s AND submittedDate:[%s0000 TO %s2359]",
		q.Text, q.DateRange.From.Format("20060102"), q.DateRange.To.Format("20060102"))
}

// Searcher finds candidate documents.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]models.CandidateDocument, error)
}

// DiscoveryClient queries the arXiv Atom API.
type DiscoveryClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewDiscoveryClient builds a client from the discovery settings.
func NewDiscoveryClient(cfg config.DiscoveryConfig) *DiscoveryClient {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DiscoveryClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
	}
}

type atomFeed struct {
	XMLName xml.Name    `xml:"http://www.w3.org/2005/Atom feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string       `xml:"id"`
	Title   string       `xml:"title"`
	Summary string       `xml:"summary"`
	Authors []atomAuthor `xml:"author"`
	Links   []atomLink   `xml:"link"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

// Search runs one request sorted by submission date, newest first. Any failure
// is returned wrapped in ErrDiscovery; there is no retry at this layer.
func (c *DiscoveryClient) Search(ctx context.Context, q Query) ([]models.CandidateDocument, error) {
	params := url.Values{}
	params.Set("search_query", q.SearchQuery())
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(q.MaxResults))
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")
	reqURL := c.baseURL + "?" + params.Encode()

	logCtx := zap.L().With(zap.String("query", q.SearchQuery()), zap.Int("maxResults", q.MaxResults))
	logCtx.Info("Querying discovery service.")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrapf(ErrDiscovery, "build request: %v", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrapf(ErrDiscovery, "request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Wrapf(ErrDiscovery, "unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(ErrDiscovery, "read body: %v", err)
	}

	candidates, err := parseFeed(body)
	if err != nil {
		return nil, err
	}
	if len(candidates) > q.MaxResults {
		candidates = candidates[:q.MaxResults]
	}
	logCtx.Info("Discovery complete.", zap.Int("candidates", len(candidates)))
	return candidates, nil
}

func parseFeed(body []byte) ([]models.CandidateDocument, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, eris.Wrapf(ErrDiscovery, "malformed feed: %v", err)
	}

	seen := make(map[string]bool, len(feed.Entries))
	candidates := make([]models.CandidateDocument, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		// The API reports bad queries as a single entry in the errors namespace.
		if strings.Contains(e.ID, "/api/errors") {
			return nil, eris.Wrapf(ErrDiscovery, "service error: %s", collapseSpace(e.Summary))
		}
		id := DocumentIDFromEntry(e.ID)
		if id == "" {
			return nil, eris.Wrapf(ErrDiscovery, "entry without id (title %q)", collapseSpace(e.Title))
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		names := make([]string, 0, len(e.Authors))
		for _, a := range e.Authors {
			names = append(names, collapseSpace(a.Name))
		}
		candidates = append(candidates, models.CandidateDocument{
			ID:           id,
			RetrievalURL: pdfLink(e),
			Title:        collapseSpace(e.Title),
			Authors:      strings.Join(names, ", "),
			Abstract:     collapseSpace(e.Summary),
		})
	}
	return candidates, nil
}

// DocumentIDFromEntry turns an entry id such as http://arxiv.org/abs/cs/0112017v1
// into the key-safe document id cs_0112017v1.
func DocumentIDFromEntry(entryID string) string {
	short := strings.TrimSpace(entryID)
	if i := strings.Index(short, "arxiv.org/abs/"); i >= 0 {
		short = short[i+len("arxiv.org/abs/"):]
	}
	return strings.ReplaceAll(short, "/", "_")
}

func pdfLink(e atomEntry) string {
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			return l.Href
		}
	}
	return strings.Replace(strings.TrimSpace(e.ID), "/abs/", "/pdf/", 1)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
