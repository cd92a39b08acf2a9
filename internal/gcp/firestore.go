package gcp

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rotisserie/eris"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/papercorpus/internal/ledger"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, eris.New("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create Firestore client")
	}

	return client, nil
}

// runDocument is the Firestore shape of a run.
type runDocument struct {
	Query      string             `firestore:"query"`
	Summary    *models.RunSummary `firestore:"summary,omitempty"`
	StartedAt  time.Time          `firestore:"startedAt"`
	FinishedAt time.Time          `firestore:"finishedAt,omitempty"`
}

// recordDocument adds the discovery position to a record so List can order by it.
type recordDocument struct {
	models.DocumentRecord
	Position int `firestore:"position"`
}

// FirestoreLedger implements ledger.Ledger as collection/{runId}/documents/{documentId}.
type FirestoreLedger struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreLedger records runs in the named top-level collection.
func NewFirestoreLedger(client *firestore.Client, collection string) *FirestoreLedger {
	return &FirestoreLedger{client: client, collection: collection}
}

var _ ledger.Ledger = (*FirestoreLedger)(nil)

func (l *FirestoreLedger) run(runID string) *firestore.DocumentRef {
	return l.client.Collection(l.collection).Doc(runID)
}

func (l *FirestoreLedger) StartRun(ctx context.Context, runID string, query string) error {
	_, err := l.run(runID).Create(ctx, runDocument{Query: query, StartedAt: time.Now().UTC()})
	if err != nil {
		return eris.Wrapf(err, "failed to create run document %s", runID)
	}
	return nil
}

func (l *FirestoreLedger) FinishRun(ctx context.Context, runID string, summary *models.RunSummary) error {
	updates := []firestore.Update{
		{Path: "summary", Value: summary},
		{Path: "finishedAt", Value: time.Now().UTC()},
	}
	if _, err := l.run(runID).Update(ctx, updates); err != nil {
		return eris.Wrapf(err, "failed to finish run %s", runID)
	}
	return nil
}

func (l *FirestoreLedger) Save(ctx context.Context, runID string, position int, r *models.DocumentRecord) error {
	docRef := l.run(runID).Collection("documents").Doc(r.ID)
	if _, err := docRef.Set(ctx, recordDocument{DocumentRecord: *r, Position: position}); err != nil {
		return eris.Wrapf(err, "failed to save status %s for document %s", r.Status, r.ID)
	}
	return nil
}

func (l *FirestoreLedger) List(ctx context.Context, runID string) ([]*models.DocumentRecord, error) {
	it := l.run(runID).Collection("documents").OrderBy("position", firestore.Asc).Documents(ctx)
	defer it.Stop()

	var out []*models.DocumentRecord
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "failed to list documents for run %s", runID)
		}
		var doc recordDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, eris.Wrapf(err, "failed to decode document %s", snap.Ref.ID)
		}
		r := doc.DocumentRecord
		out = append(out, &r)
	}
	return out, nil
}

func (l *FirestoreLedger) LatestRun(ctx context.Context) (string, error) {
	docs, err := l.client.Collection(l.collection).OrderBy("startedAt", firestore.Desc).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", eris.Wrap(err, "failed to query latest run")
	}
	if len(docs) == 0 {
		return "", ledger.ErrRunNotFound
	}
	return docs[0].Ref.ID, nil
}

// Close releases the Firestore client.
func (l *FirestoreLedger) Close() error {
	return l.client.Close()
}
