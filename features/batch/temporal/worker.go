package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/kurral/kurral/runtime/telemetry"
)

type (
	// WorkerOptions configures a backtest worker. Activities is required,
	// along with either a pre-configured Client or ClientOptions.
	WorkerOptions struct {
		// Client is an optional pre-configured Temporal client. When nil
		// the worker creates a lazy client from ClientOptions and owns its
		// lifecycle.
		Client client.Client

		// ClientOptions describe how to construct the client when Client is
		// nil. Only connection fields need to be set; OTEL interceptors are
		// installed automatically.
		ClientOptions *client.Options

		// Activities hosts the replay activity implementations.
		Activities *Activities

		// TaskQueue overrides the queue the worker polls. Defaults to
		// TaskQueue.
		TaskQueue string

		// Worker is forwarded to the Temporal worker constructor for
		// concurrency and identity knobs.
		Worker worker.Options

		// Instrumentation toggles the OTEL tracing interceptor and metrics
		// handler. Both are on unless disabled.
		Instrumentation InstrumentationOptions

		// Logger reports worker lifecycle. Defaults to a no-op.
		Logger telemetry.Logger
	}

	// InstrumentationOptions configures how Temporal's OTEL contrib module
	// is wired into the client and worker.
	InstrumentationOptions struct {
		DisableTracing bool
		DisableMetrics bool
		TracerOptions  temporalotel.TracerOptions
		MetricsOptions temporalotel.MetricsHandlerOptions
	}

	// Worker polls the backtest queue and executes the workflow and its
	// replay activities.
	Worker struct {
		client      client.Client
		closeClient bool
		worker      worker.Worker
		queue       string
		log         telemetry.Logger
	}
)

// NewWorker builds a worker with the backtest workflow and replay activities
// registered. The worker does not poll until Run or Start is called.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Activities == nil {
		return nil, errors.New("activities are required")
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = TaskQueue
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		inst.applyClient(&clientOpts)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("create temporal client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.Worker
	inst.applyWorker(&workerOpts)

	w := worker.New(cli, queue, workerOpts)
	w.RegisterWorkflowWithOptions(BacktestWorkflow, workflow.RegisterOptions{Name: BacktestWorkflowName})
	w.RegisterActivityWithOptions(opts.Activities.ReplayArtifact, activity.RegisterOptions{Name: ReplayActivityName})

	return &Worker{
		client:      cli,
		closeClient: closeClient,
		worker:      w,
		queue:       queue,
		log:         log,
	}, nil
}

// Run polls the queue until the context is cancelled, then drains in-flight
// activities before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info(ctx, "backtest worker started", "task_queue", w.queue)
	stop := make(chan interface{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-done:
		}
	}()
	if err := w.worker.Run(stop); err != nil {
		return fmt.Errorf("backtest worker: %w", err)
	}
	return nil
}

// Start begins polling without blocking. Pair with Stop.
func (w *Worker) Start() error {
	if err := w.worker.Start(); err != nil {
		return fmt.Errorf("start backtest worker: %w", err)
	}
	return nil
}

// Stop drains in-flight tasks and stops polling.
func (w *Worker) Stop() {
	w.worker.Stop()
}

// Client exposes the underlying Temporal client so a worker process can also
// submit workflows through a Starter.
func (w *Worker) Client() client.Client {
	return w.client
}

// Close releases the Temporal client when the worker created it. Provided
// clients are left to their owner.
func (w *Worker) Close() {
	if w.closeClient {
		w.client.Close()
	}
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	return inst, nil
}

func (i *instrumentation) applyClient(opts *client.Options) {
	if i.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, i.tracer)
	}
	if i.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = i.metrics
	}
}

func (i *instrumentation) applyWorker(opts *worker.Options) {
	if i.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, i.tracer)
	}
}
