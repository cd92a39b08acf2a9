package services

import (
	"context"

	"github.com/Lllllllleong/papercorpus/internal/ledger"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

// Tracker is told about every record mutation so statuses survive the run.
type Tracker interface {
	Track(ctx context.Context, r *models.DocumentRecord) error
}

type nopTracker struct{}

func (nopTracker) Track(context.Context, *models.DocumentRecord) error { return nil }

func orNop(t Tracker) Tracker {
	if t == nil {
		return nopTracker{}
	}
	return t
}

// LedgerTracker writes records of one run to a ledger, keeping their discovery position.
type LedgerTracker struct {
	ledger    ledger.Ledger
	runID     string
	positions map[string]int
}

// NewLedgerTracker remembers the position of every record in records.
func NewLedgerTracker(l ledger.Ledger, runID string, records []*models.DocumentRecord) *LedgerTracker {
	positions := make(map[string]int, len(records))
	for i, r := range records {
		positions[r.ID] = i
	}
	return &LedgerTracker{ledger: l, runID: runID, positions: positions}
}

func (t *LedgerTracker) Track(ctx context.Context, r *models.DocumentRecord) error {
	pos, ok := t.positions[r.ID]
	if !ok {
		pos = len(t.positions)
		t.positions[r.ID] = pos
	}
	return t.ledger.Save(ctx, t.runID, pos, r)
}

// TrackAll saves every record, typically right after discovery.
func (t *LedgerTracker) TrackAll(ctx context.Context, records []*models.DocumentRecord) error {
	for _, r := range records {
		if err := t.Track(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
