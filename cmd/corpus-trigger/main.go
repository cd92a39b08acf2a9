package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/app"
	"github.com/Lllllllleong/papercorpus/internal/config"
	"github.com/Lllllllleong/papercorpus/internal/models"
)

var (
	cfg         *config.Config
	appInstance *app.App
	once        sync.Once
	initErr     error
)

func init() {
	functions.CloudEvent("BuildCorpus", buildCorpus)
}

// main is required by the Go Functions Framework.
func main() {}

// pubSubMessage is the data payload of a Pub/Sub CloudEvent.
type pubSubMessage struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

func setup(ctx context.Context) (*app.App, error) {
	c, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(c.Log); err != nil {
		return nil, err
	}
	cfg = c
	return app.New(ctx, c)
}

// buildCorpus runs one full build. The optional message body overrides the
// configured query, dates and quota.
func buildCorpus(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		appInstance, initErr = setup(context.Background())
	})
	if initErr != nil {
		zap.L().Error("Critical error during function initialization", zap.Error(initErr))
		return initErr
	}

	req, err := decodeTrigger(e)
	if err != nil {
		zap.L().Error("Failed to decode trigger event", zap.Error(err), zap.String("eventId", e.ID()))
		return err
	}
	opts, err := app.RunOptions(cfg, req)
	if err != nil {
		return err
	}

	summary, err := appInstance.Pipeline.Run(ctx, opts)
	if err != nil {
		return err
	}
	zap.L().Info("Corpus build finished.",
		zap.String("runId", summary.RunID),
		zap.String("corpusUri", summary.CorpusURI),
		zap.Int("corpusSize", summary.CorpusSize),
	)
	return nil
}

func decodeTrigger(e cloudevents.Event) (models.TriggerRequest, error) {
	var req models.TriggerRequest
	if len(e.Data()) == 0 {
		return req, nil
	}
	var msg pubSubMessage
	if err := e.DataAs(&msg); err != nil {
		return req, eris.Wrap(err, "event data")
	}
	if len(msg.Message.Data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(msg.Message.Data, &req); err != nil {
		return req, eris.Wrap(err, "trigger request")
	}
	return req, nil
}
