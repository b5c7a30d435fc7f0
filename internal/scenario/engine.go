package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"chainlab/internal/chain"
	"chainlab/internal/logging"
)

// Engine executes scenario runs. Each run gets its own chain instance and a
// goroutine that walks the steps strictly in order; the registry of runs is
// in-memory and lives as long as the engine.
type Engine struct {
	log     *slog.Logger
	tracer  trace.Tracer
	builder Builder
	spaces  Workspaces
	chains  ChainProvider
	clock   Clock
	retry   chain.RetryPolicy

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithRetryPolicy(p chain.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// New builds an engine over its three collaborators: a workspace resolver, a
// build cache, and a chain provider.
func New(spaces Workspaces, builder Builder, chains ChainProvider, opts ...Option) *Engine {
	e := &Engine{
		log:     logging.Component("scenario"),
		tracer:  noop.NewTracerProvider().Tracer("chainlab/scenario"),
		builder: builder,
		spaces:  spaces,
		chains:  chains,
		clock:   systemClock{},
		retry:   chain.DefaultRetryPolicy,
		runs:    make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRun registers a run for the document and starts executing it
// asynchronously. Structural validation happens synchronously: a document
// that fails it produces a run already in the failed state, with no step
// results and no resources allocated.
func (e *Engine) CreateRun(workspaceID string, doc *Document, cfg chain.Config) (*Run, error) {
	ws, err := e.spaces.Get(workspaceID)
	if err != nil {
		return nil, err
	}

	run := newRun(uuid.NewString(), ws.ID, doc)
	if err := Validate(doc); err != nil {
		run.failWith(err.Error())
		e.register(run)
		return run, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	e.register(run)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(ctx, run, doc, cfg)
	}()
	return run, nil
}

// GetRun looks a run up by id.
func (e *Engine) GetRun(id string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
	}
	return run, nil
}

// ListRuns returns all known runs, newest first.
func (e *Engine) ListRuns() []*Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Run, 0, len(e.runs))
	for _, run := range e.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	return out
}

// CancelRun requests cooperative cancellation. The engine notices between
// steps; a run that already reached a terminal state is left alone, so
// cancelling twice is harmless.
func (e *Engine) CancelRun(id string) error {
	run, err := e.GetRun(id)
	if err != nil {
		return err
	}
	if run.requestCancel() {
		e.log.Info("run cancellation requested", "run", id)
	}
	return nil
}

// Wait blocks until every in-flight run has finished. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) register(run *Run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[run.ID] = run
}

// execute drives one run from pending to a terminal state.
func (e *Engine) execute(ctx context.Context, run *Run, doc *Document, cfg chain.Config) {
	ctx, span := e.tracer.Start(ctx, "scenario.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("scenario.name", doc.Name),
		))
	defer span.End()

	log := e.log.With("run", run.ID, "scenario", doc.Name)

	ws, err := e.spaces.Get(run.WorkspaceID)
	if err != nil {
		run.failWith(err.Error())
		return
	}
	artifact, err := e.builder.GetOrBuild(ctx, ws)
	if err != nil {
		log.Error("build failed", "error", err)
		run.failWith(fmt.Sprintf("build: %v", err))
		return
	}
	if err := ValidateContracts(doc, artifact); err != nil {
		run.failWith(err.Error())
		return
	}

	client, release, err := e.chains.Acquire(ctx, cfg)
	if err != nil {
		log.Error("chain acquisition failed", "error", err)
		run.failWith(fmt.Sprintf("chain: %v", err))
		return
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			log.Warn("releasing chain instance", "error", err)
		}
	}()

	exec, err := newExecutor(e, run, doc, artifact, client)
	if err != nil {
		run.failWith(err.Error())
		return
	}

	run.setStatus(StatusRunning)
	log.Info("run started", "steps", len(doc.Steps))

	for i, step := range doc.Steps {
		if run.cancelRequested() || ctx.Err() != nil {
			run.setStatus(StatusAborted)
			log.Info("run aborted", "completed_steps", i)
			return
		}

		res := exec.runStep(ctx, i, step)
		run.append(res)
		log.Info("step finished",
			"step", i, "kind", step.Kind, "outcome", res.Outcome, "detail", res.Detail)

		halt := false
		switch res.Outcome {
		case OutcomeError:
			halt = !step.ContinueOnFailure
		case OutcomeAssertionFailed:
			halt = !step.ContinueOnFailure && !doc.Options.ContinueOnAssertion
		}
		if halt {
			// A cancellation request kills the in-flight step's context, so
			// the step surfaces as an error before the top-of-loop check can
			// notice the flag. The user asked to stop; that is an abort, not
			// a failure.
			if run.cancelRequested() {
				run.setStatus(StatusAborted)
				log.Info("run aborted", "completed_steps", i+1)
				return
			}
			run.setStatus(StatusFailed)
			log.Info("run failed", "step", i, "outcome", res.Outcome)
			return
		}
	}

	run.setStatus(StatusSucceeded)
	log.Info("run succeeded")
}
