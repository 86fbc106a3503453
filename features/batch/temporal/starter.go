package temporal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

type (
	// StarterOptions configures a Starter. Either Client or ClientOptions is
	// required.
	StarterOptions struct {
		// Client is an optional pre-configured Temporal client.
		Client client.Client

		// ClientOptions describe how to construct the client when Client is
		// nil.
		ClientOptions *client.Options

		// TaskQueue overrides the submission queue. Defaults to TaskQueue.
		TaskQueue string

		// IDReusePolicy applies to every started workflow. Defaults to
		// allowing reuse only after a failed run, so a completed backtest id
		// cannot be silently rerun under the same name.
		IDReusePolicy enumspb.WorkflowIdReusePolicy

		// Instrumentation toggles client-side OTEL wiring when the starter
		// creates its own client.
		Instrumentation InstrumentationOptions
	}

	// Starter submits backtest workflows.
	Starter struct {
		client      client.Client
		closeClient bool
		queue       string
		reuse       enumspb.WorkflowIdReusePolicy
	}

	// BacktestRun is a handle on one submitted backtest.
	BacktestRun struct {
		run    client.WorkflowRun
		client client.Client
	}
)

// NewStarter constructs a backtest submitter.
func NewStarter(opts StarterOptions) (*Starter, error) {
	queue := opts.TaskQueue
	if queue == "" {
		queue = TaskQueue
	}
	reuse := opts.IDReusePolicy
	if reuse == enumspb.WORKFLOW_ID_REUSE_POLICY_UNSPECIFIED {
		reuse = enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("client options are required when Client is nil")
		}
		inst, err := configureInstrumentation(opts.Instrumentation)
		if err != nil {
			return nil, err
		}
		clientOpts := *opts.ClientOptions
		inst.applyClient(&clientOpts)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("create temporal client: %w", err)
		}
		closeClient = true
	}
	return &Starter{client: cli, closeClient: closeClient, queue: queue, reuse: reuse}, nil
}

// Start submits one backtest. An empty id gets a generated kurral-backtest
// workflow id.
func (s *Starter) Start(ctx context.Context, id string, input BacktestInput) (*BacktestRun, error) {
	if len(input.ArtifactIDs) == 0 {
		return nil, errors.New("backtest requires at least one artifact id")
	}
	if id == "" {
		id = "kurral-backtest-" + uuid.NewString()
	}
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             s.queue,
		WorkflowIDReusePolicy: s.reuse,
	}, BacktestWorkflowName, input)
	if err != nil {
		return nil, fmt.Errorf("start backtest: %w", err)
	}
	return &BacktestRun{run: run, client: s.client}, nil
}

// Close releases the Temporal client when the starter created it.
func (s *Starter) Close() {
	if s.closeClient {
		s.client.Close()
	}
}

// WorkflowID returns the workflow id of the submitted backtest.
func (r *BacktestRun) WorkflowID() string { return r.run.GetID() }

// RunID returns the Temporal run id of the submitted backtest.
func (r *BacktestRun) RunID() string { return r.run.GetRunID() }

// Wait blocks until the workflow completes and decodes the aggregate result.
func (r *BacktestRun) Wait(ctx context.Context) (*BacktestOutput, error) {
	var out BacktestOutput
	if err := r.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests cancellation of the running backtest.
func (r *BacktestRun) Cancel(ctx context.Context) error {
	return r.client.CancelWorkflow(ctx, r.run.GetID(), r.run.GetRunID())
}
