package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/Lllllllleong/papercorpus/internal/models"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite opens the database at dsn, configures WAL mode and migrates the schema.
// Parent directories of a file path are created if they do not exist.
func NewSQLite(ctx context.Context, dsn string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "sqlite: create database directory")
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection keeps :memory: databases alive and matches the
	// pipeline's single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	l := &SQLiteLedger{db: db}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	summary     TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS documents (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	document_id   TEXT NOT NULL,
	position      INTEGER NOT NULL,
	pdf_url       TEXT NOT NULL,
	title         TEXT NOT NULL,
	authors       TEXT NOT NULL,
	abstract      TEXT NOT NULL,
	page_count    INTEGER,
	status        TEXT NOT NULL,
	error_details TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL,
	PRIMARY KEY (run_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_run_position ON documents(run_id, position);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) StartRun(ctx context.Context, runID string, query string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, query, started_at) VALUES (?, ?, ?)`,
		runID, query, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", runID)
}

func (l *SQLiteLedger) FinishRun(ctx context.Context, runID string, summary *models.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, finished_at = ? WHERE id = ?`,
		string(summaryJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "sqlite: run %s", runID)
	}
	return nil
}

func (l *SQLiteLedger) Save(ctx context.Context, runID string, position int, r *models.DocumentRecord) error {
	var pageCount sql.NullInt64
	if r.PageCount != nil {
		pageCount = sql.NullInt64{Int64: int64(*r.PageCount), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO documents (run_id, document_id, position, pdf_url, title, authors, abstract, page_count, status, error_details, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, document_id) DO UPDATE SET
			page_count = excluded.page_count,
			status = excluded.status,
			error_details = excluded.error_details,
			updated_at = excluded.updated_at`,
		runID, r.ID, position, r.RetrievalURL, r.Title, r.Authors, r.Abstract,
		pageCount, string(r.Status), r.ErrorDetails, r.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save document %s", r.ID)
}

func (l *SQLiteLedger) List(ctx context.Context, runID string) ([]*models.DocumentRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT document_id, pdf_url, title, authors, abstract, page_count, status, error_details, updated_at
		FROM documents WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list documents for run %s", runID)
	}
	defer rows.Close()

	var out []*models.DocumentRecord
	for rows.Next() {
		var (
			r         models.DocumentRecord
			pageCount sql.NullInt64
			status    string
		)
		if err := rows.Scan(&r.ID, &r.RetrievalURL, &r.Title, &r.Authors, &r.Abstract,
			&pageCount, &status, &r.ErrorDetails, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		if pageCount.Valid {
			n := int(pageCount.Int64)
			r.PageCount = &n
		}
		r.Status = models.Status(status)
		out = append(out, &r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate documents")
}

func (l *SQLiteLedger) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx,
		`SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: latest run")
	}
	return id, nil
}
