// Package app assembles a Pipeline and its clients from configuration.
package app

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
	"github.com/Lllllllleong/papercorpus/internal/config"
	"github.com/Lllllllleong/papercorpus/internal/gcp"
	"github.com/Lllllllleong/papercorpus/internal/ledger"
	"github.com/Lllllllleong/papercorpus/internal/models"
	"github.com/Lllllllleong/papercorpus/internal/services"
)

// App owns the pipeline and every client it opened.
type App struct {
	Pipeline *services.Pipeline
	Ledger   ledger.Ledger
	Stores   artifacts.Stores
	closers  []func() error
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New validates cfg and opens stores, ledger, extractor and notifier.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	stores, err := a.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Stores = stores

	l, err := a.openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Ledger = l

	vertex, err := gcp.NewVertexClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Region, cfg.Extraction.Model)
	if err != nil {
		return nil, eris.Wrap(err, "app: vertex client")
	}
	a.closers = append(a.closers, vertex.Close)

	notifier, err := a.openNotifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p, err := services.NewPipeline(services.PipelineDeps{
		Stores:    stores,
		Searcher:  services.NewDiscoveryClient(cfg.Discovery),
		Retrieval: services.NewRetrievalFilter(cfg.Retrieval, services.NewPDFPageCounter(), stores.Binaries),
		Extractor: vertex,
		Limiter:   services.NewRateLimiter(cfg.Extraction.ThrottleDelay),
		Ledger:    l,
		Notifier:  notifier,
	})
	if err != nil {
		return nil, err
	}
	a.Pipeline = p
	ok = true
	return a, nil
}

// OpenLedger opens only the ledger, for commands that just read statuses.
func OpenLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	a := &App{}
	return a.openLedger(ctx, cfg)
}

// OpenStores opens only the artifact stores, for commands that rebuild the
// corpus without discovery or extraction. The returned func releases them.
func OpenStores(ctx context.Context, cfg *config.Config) (artifacts.Stores, func() error, error) {
	if err := cfg.Storage.Validate(); err != nil {
		return artifacts.Stores{}, nil, err
	}
	a := &App{}
	stores, err := a.openStores(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return artifacts.Stores{}, nil, err
	}
	return stores, a.Close, nil
}

func (a *App) openStores(ctx context.Context, cfg *config.Config) (artifacts.Stores, error) {
	switch cfg.Storage.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return artifacts.Stores{}, eris.Wrap(err, "app: storage client")
		}
		a.closers = append(a.closers, client.Close)
		zap.L().Info("Using GCS artifact store.", zap.String("bucket", cfg.Storage.Bucket), zap.String("prefix", cfg.Storage.Prefix))
		return gcp.NewGCSStores(client, cfg.Storage.Bucket, cfg.Storage.Prefix), nil
	default:
		zap.L().Info("Using local artifact store.", zap.String("root", cfg.Storage.Root))
		return artifacts.NewLocalStores(afero.NewOsFs(), cfg.Storage.Root)
	}
}

func (a *App) openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "firestore":
		client, err := gcp.NewFirestoreClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			return nil, err
		}
		l := gcp.NewFirestoreLedger(client, cfg.Ledger.Collection)
		a.closers = append(a.closers, l.Close)
		return l, nil
	default:
		l, err := ledger.NewSQLite(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		return l, nil
	}
}

func (a *App) openNotifier(ctx context.Context, cfg *config.Config) (services.Notifier, error) {
	if cfg.Handoff.WorkflowID == "" {
		return services.NopNotifier{}, nil
	}
	n, err := gcp.NewWorkflowNotifier(ctx, cfg.GCP.ProjectID, cfg.Handoff.WorkflowLocation, cfg.Handoff.WorkflowID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, n.Close)
	return n, nil
}

// RunOptions builds the run parameters from cfg with the non-empty fields of
// req taking precedence.
func RunOptions(cfg *config.Config, req models.TriggerRequest) (services.RunOptions, error) {
	discovery := cfg.Discovery
	if q := strings.TrimSpace(req.Query); q != "" {
		discovery.Query = q
	}
	if req.DateFrom != "" {
		discovery.DateFrom = req.DateFrom
	}
	if req.DateTo != "" {
		discovery.DateTo = req.DateTo
	}
	if req.MaxResults > 0 {
		discovery.MaxResults = req.MaxResults
	}
	quota := cfg.Retrieval.Quota
	if req.Quota > 0 {
		quota = req.Quota
	}

	dates, err := discovery.DateRange()
	if err != nil {
		return services.RunOptions{}, err
	}
	return services.RunOptions{
		Query: services.Query{
			Text:       discovery.Query,
			DateRange:  dates,
			MaxResults: discovery.MaxResults,
		},
		MaxPages: cfg.Retrieval.MaxPages,
		Quota:    quota,
	}, nil
}
