// Package ledger records the status of every document a run touches so that
// failures stay auditable after the run ends.
package ledger

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/papercorpus/internal/models"
)

// ErrRunNotFound is returned when no run matches the request.
var ErrRunNotFound = eris.New("run not found")

// Ledger persists runs and their document records.
type Ledger interface {
	StartRun(ctx context.Context, runID string, query string) error
	FinishRun(ctx context.Context, runID string, summary *models.RunSummary) error
	// Save upserts a record. position is the record's discovery order.
	Save(ctx context.Context, runID string, position int, r *models.DocumentRecord) error
	// List returns a run's records in discovery order.
	List(ctx context.Context, runID string) ([]*models.DocumentRecord, error)
	// LatestRun returns the most recently started run id.
	LatestRun(ctx context.Context) (string, error)
	Close() error
}
