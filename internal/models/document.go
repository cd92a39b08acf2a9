package models

import (
	"time"

	"github.com/rotisserie/eris"
)

// Status is the lifecycle stage of a single document within a run.
type Status string

const (
	StatusDiscovered       Status = "DISCOVERED"
	StatusDownloaded       Status = "DOWNLOADED"
	StatusRetrievalFailed  Status = "RETRIEVAL_FAILED"
	StatusExtracted        Status = "EXTRACTED"
	StatusExtractionFailed Status = "EXTRACTION_FAILED"
	StatusParsed           Status = "PARSED"
	StatusParseFailed      Status = "PARSE_FAILED"
	StatusFinalized        Status = "FINALIZED"
)

// ErrInvalidTransition is returned when a record would move backwards or skip
// a stage of the state machine.
var ErrInvalidTransition = eris.New("invalid status transition")

// ErrPageCountMeasured is returned when a page count is set twice.
var ErrPageCountMeasured = eris.New("page count already measured")

var transitions = map[Status][]Status{
	StatusDiscovered: {StatusDownloaded, StatusRetrievalFailed},
	StatusDownloaded: {StatusExtracted, StatusExtractionFailed},
	StatusExtracted:  {StatusParsed, StatusParseFailed},
	StatusParsed:     {StatusFinalized},
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Failed reports whether s is one of the per-document failure states.
func (s Status) Failed() bool {
	return s == StatusRetrievalFailed || s == StatusExtractionFailed || s == StatusParseFailed
}

// CanAdvance reports whether next is a legal successor of s.
func (s Status) CanAdvance(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CandidateDocument is a search hit as returned by the discovery service.
type CandidateDocument struct {
	ID           string `json:"id" firestore:"id"`
	RetrievalURL string `json:"pdf_url" firestore:"pdfUrl"`
	Title        string `json:"title" firestore:"title"`
	Authors      string `json:"authors" firestore:"authors"`
	Abstract     string `json:"abstract" firestore:"abstract"`
}

// DocumentRecord tracks one candidate through every stage of a run.
// It is shared across all services in the pipeline.
type DocumentRecord struct {
	CandidateDocument
	PageCount    *int      `json:"pdf_page_count,omitempty" firestore:"pageCount,omitempty"`
	Status       Status    `json:"status" firestore:"status"`
	ErrorDetails string    `json:"error_details,omitempty" firestore:"errorDetails,omitempty"`
	UpdatedAt    time.Time `json:"updated_at" firestore:"updatedAt"`
}

// NewDocumentRecord wraps a candidate in a fresh DISCOVERED record.
func NewDocumentRecord(c CandidateDocument) *DocumentRecord {
	return &DocumentRecord{
		CandidateDocument: c,
		Status:            StatusDiscovered,
		UpdatedAt:         time.Now().UTC(),
	}
}

// Advance moves the record to next. Moving to the current status is a no-op.
func (r *DocumentRecord) Advance(next Status) error {
	if r.Status == next {
		return nil
	}
	if !r.Status.CanAdvance(next) {
		return eris.Wrapf(ErrInvalidTransition, "document %s: %s -> %s", r.ID, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the record to a failure status and keeps the cause for audit.
func (r *DocumentRecord) Fail(next Status, cause error) error {
	if err := r.Advance(next); err != nil {
		return err
	}
	if cause != nil {
		r.ErrorDetails = cause.Error()
	}
	return nil
}

// MeasurePages records the page count. Once set it is never replaced.
func (r *DocumentRecord) MeasurePages(n int) error {
	if r.PageCount != nil {
		return eris.Wrapf(ErrPageCountMeasured, "document %s has %d pages", r.ID, *r.PageCount)
	}
	r.PageCount = &n
	return nil
}

// Pages returns the measured page count, or -1 when nothing was measured.
func (r *DocumentRecord) Pages() int {
	if r.PageCount == nil {
		return -1
	}
	return *r.PageCount
}

// RawResponse is the unparsed text returned by the extraction service.
type RawResponse struct {
	DocumentID string
	Text       string
}
