package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

var auditHeader = []string{"id", "pdf_url", "title", "authors", "abstract", "pdf_page_count", "status"}

// Tabulate wraps candidates in DISCOVERED records, preserving order.
func Tabulate(candidates []models.CandidateDocument) []*models.DocumentRecord {
	records := make([]*models.DocumentRecord, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, models.NewDocumentRecord(c))
	}
	return records
}

// MetadataTable persists the row-per-document audit table.
type MetadataTable struct {
	store artifacts.Store
}

// NewMetadataTable writes the audit table into store.
func NewMetadataTable(store artifacts.Store) *MetadataTable {
	return &MetadataTable{store: store}
}

// Write replaces the audit table with the current state of records.
// A record without a measured page count leaves pdf_page_count empty.
func (m *MetadataTable) Write(ctx context.Context, records []*models.DocumentRecord) error {
	data, err := EncodeAuditTable(records)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, artifacts.AuditTableKey, data); err != nil {
		return eris.Wrap(err, "failed to save audit table")
	}
	zap.L().Info("Audit table written.",
		zap.String("uri", m.store.URI(artifacts.AuditTableKey)),
		zap.Int("rows", len(records)),
	)
	return nil
}

// EncodeAuditTable renders records as CSV with a header row.
func EncodeAuditTable(records []*models.DocumentRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(auditHeader); err != nil {
		return nil, eris.Wrap(err, "audit table: write header")
	}
	for _, r := range records {
		pages := ""
		if r.PageCount != nil {
			pages = strconv.Itoa(*r.PageCount)
		}
		row := []string{r.ID, r.RetrievalURL, r.Title, r.Authors, r.Abstract, pages, string(r.Status)}
		if err := w.Write(row); err != nil {
			return nil, eris.Wrapf(err, "audit table: write row %s", r.ID)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, eris.Wrap(err, "audit table: flush")
	}
	return buf.Bytes(), nil
}
