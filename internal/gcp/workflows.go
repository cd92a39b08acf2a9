package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/papercorpus/internal/models"
)

// WorkflowNotifier hands a finished corpus to a Cloud Workflows workflow.
type WorkflowNotifier struct {
	executionsClient *executions.Client
	projectID        string
	location         string
	workflowID       string
}

// NewWorkflowNotifier creates the Workflows Executions client.
func NewWorkflowNotifier(ctx context.Context, projectID, location, workflowID string) (*WorkflowNotifier, error) {
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create Workflows Executions client")
	}
	return &WorkflowNotifier{
		executionsClient: executionsClient,
		projectID:        projectID,
		location:         location,
		workflowID:       workflowID,
	}, nil
}

// CorpusReady starts one execution whose argument is the JSON encoded event.
func (n *WorkflowNotifier) CorpusReady(ctx context.Context, event models.CorpusReady) error {
	logCtx := zap.L().With(zap.String("runId", event.RunID), zap.String("workflowId", n.workflowID))
	logCtx.Info("Triggering workflow.")

	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "failed to marshal workflow payload")
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", n.projectID, n.location, n.workflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := n.executionsClient.CreateExecution(ctx, req)
	if err != nil {
		return eris.Wrap(err, "failed to trigger workflow execution")
	}
	logCtx.Info("Hand-off to workflow complete.", zap.String("executionName", exec.GetName()))
	return nil
}

func (n *WorkflowNotifier) Close() error {
	return n.executionsClient.Close()
}
