package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/rlm/internal/extract"
	"github.com/rendis/rlm/internal/gateway"
	"github.com/rendis/rlm/internal/logging"
	"github.com/rendis/rlm/internal/metrics"
	"github.com/rendis/rlm/internal/sandbox"
	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/internal/store"
	"github.com/rendis/rlm/pkg/schema"
)

// SystemInstruction is sent with every model call.
const SystemInstruction = `You are a Recursive Language Model (RLM). You process long inputs by breaking them into smaller pieces and manipulating them with code instead of reading everything at once.

Write code in fenced blocks. Every block runs in order against a shared mapping named context that persists between blocks and between calls.

Conventions:
1. Read and write values through context, for example context["chunks"] = split(context["doc"], "\n\n").
2. Store your final answer by assigning it to context["output"].
3. To continue with a new task on the updated context, assign the task text to context["next_prompt"]. You will be called again with that task.

Untagged blocks use the expression statement language: one statement per line, assignments with =, let for local variables, builtins such as len, map, filter, sum, sort, split, join, range, enumerate, zip and print. Blocks tagged jq run a jq program that maps context to a new context. Blocks tagged cel use the same statements with CEL expressions; a line of the form print(a, b) prints there too.

There is no filesystem, network, clock or import. If no code is needed, answer in plain text.`

// SnippetExecutor runs one snippet against a copy of a context.
// Satisfied by *sandbox.Executor and test fakes.
type SnippetExecutor interface {
	Execute(ctx context.Context, snippet schema.Snippet, c state.Context) *sandbox.Outcome
}

// ControllerConfig holds the controller's collaborators. Gateway is required;
// every other field is optional.
type ControllerConfig struct {
	Options        schema.Options
	Gateway        gateway.Gateway
	Executor       SnippetExecutor
	Store          RunStore
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// ProcessResult is the outcome of one Process call, including every
// recursive iteration it went through.
type ProcessResult struct {
	RunID      string            `json:"run_id"`
	Succeeded  bool              `json:"succeeded"`
	Output     string            `json:"output,omitempty"`
	HasOutput  bool              `json:"has_output"`
	Context    state.Context     `json:"context"`
	Executed   []ExecutedSnippet `json:"executed"`
	Error      *schema.RLMError  `json:"error,omitempty"`
	Depth      int               `json:"depth"`
	ModelCalls int               `json:"model_calls"`
	DurationMs int64             `json:"duration_ms"`
}

// ExecutedSnippet is one entry of the execution trail.
type ExecutedSnippet struct {
	Depth   int              `json:"depth"`
	Snippet schema.Snippet   `json:"snippet"`
	Outcome *sandbox.Outcome `json:"outcome"`
}

// Controller drives the model -> extract -> execute -> recurse loop.
// It keeps no per-run state and is safe for concurrent Process calls.
type Controller struct {
	opts     schema.Options
	gateway  gateway.Gateway
	executor SnippetExecutor
	store    RunStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	newID    func() string
}

// run tracks a single in-flight Process call.
type run struct {
	id     string
	task   string
	depth  int
	state  schema.ProcessState
	work   state.Context
	result *ProcessResult
	rec    *recorder
	fsm    *ProcessFSM
}

// NewController creates a Controller. Zero-valued option limits take their
// defaults; when no executor is given a sandbox.Executor is built from the
// options.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Gateway == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "controller requires a model gateway")
	}
	opts := cfg.Options.WithDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	executor := cfg.Executor
	if executor == nil {
		sb, err := sandbox.New(sandbox.Config{
			Timeout:       opts.SnippetTimeout,
			MaxStatements: opts.MaxStatements,
			Logger:        logger,
		})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "create sandbox").WithCause(err)
		}
		executor = sb
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Controller{
		opts:     opts,
		gateway:  cfg.Gateway,
		executor: executor,
		store:    cfg.Store,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   tp.Tracer(traceScope),
		newID:    uuid.NewString,
	}, nil
}

// Options returns the effective options.
func (c *Controller) Options() schema.Options {
	return c.opts
}

// Run processes task from depth zero.
func (c *Controller) Run(ctx context.Context, task string, initial state.Context) (*ProcessResult, error) {
	return c.Process(ctx, task, initial, 0)
}

// Process runs task against a copy of initial, starting at depth. Recursion
// limits and snippet failures are reported in the result; gateway faults and
// cancellation are returned as errors. initial is never modified.
func (c *Controller) Process(ctx context.Context, task string, initial state.Context, depth int) (*ProcessResult, error) {
	if depth < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "depth must be non-negative, got %d", depth)
	}

	start := time.Now()
	runID := c.newID()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := c.startSpan(ctx, spanProcess,
		attribute.String(attrRunID, runID),
		attribute.Int(attrDepth, depth),
		attribute.String(attrModel, c.opts.Model))
	defer span.End()

	r := &run{
		id:    runID,
		task:  task,
		depth: depth,
		state: schema.StateAwaitingModel,
		work:  initial.Clone(),
		result: &ProcessResult{
			RunID:    runID,
			Executed: []ExecutedSnippet{},
		},
		rec: &recorder{store: c.store, runID: runID, logger: c.logger},
	}
	r.fsm = NewProcessFSM(r.rec)

	c.metrics.RunStarted()
	r.rec.start(ctx, task, c.opts, r.work, depth)
	logging.LogWith(ctx, c.logger).Info("run started", "task", truncate(task, 200), "depth", depth)

	res, err := c.loop(ctx, r)

	r.result.Depth = r.depth
	r.result.DurationMs = time.Since(start).Milliseconds()
	if res != nil {
		res.Context = r.work
	}
	c.finish(ctx, r, res, err)

	switch {
	case err != nil:
		markSpanResult(span, err)
	case !res.Succeeded:
		markSpanResult(span, res.Error)
	default:
		markSpanResult(span, nil)
	}
	span.SetAttributes(attribute.Int(attrDepth, r.depth))
	return res, err
}

func (c *Controller) loop(ctx context.Context, r *run) (*ProcessResult, error) {
	for {
		ctx := logging.WithDepth(ctx, r.depth)

		if r.depth >= c.opts.MaxRecursionDepth {
			return c.fail(ctx, r, schema.NewErrorf(schema.ErrCodeRecursionLimit,
				"maximum recursion depth %d reached", c.opts.MaxRecursionDepth).
				WithDetails(map[string]any{"depth": r.depth, "bound": c.opts.MaxRecursionDepth}))
		}
		if err := ctx.Err(); err != nil {
			return nil, c.abort(ctx, r, cancelled(err, r.depth))
		}

		reply, modelMs, err := c.callModel(ctx, r)
		if err != nil {
			return nil, c.abort(ctx, r, err)
		}

		if err := c.transition(ctx, r, schema.StateExtracting, store.ModelPayload{
			Task:       r.task,
			Reply:      reply,
			DurationMs: modelMs,
		}); err != nil {
			return nil, err
		}

		snippets := extract.Extract(reply)
		if len(snippets) == 0 {
			if err := c.transition(ctx, r, schema.StateDone, nil); err != nil {
				return nil, err
			}
			return c.succeed(ctx, r, reply), nil
		}

		if err := c.transition(ctx, r, schema.StateExecuting, map[string]any{"count": len(snippets)}); err != nil {
			return nil, err
		}

		for _, sn := range snippets {
			if err := ctx.Err(); err != nil {
				return nil, c.abort(ctx, r, cancelled(err, r.depth))
			}

			outcome := c.execute(ctx, r, sn)
			r.result.Executed = append(r.result.Executed, ExecutedSnippet{Depth: r.depth, Snippet: sn, Outcome: outcome})

			if !outcome.Succeeded {
				r.result.Output = "Error executing code: " + outcome.Error
				r.result.HasOutput = true
				return c.fail(ctx, r, schema.NewErrorf(schema.ErrCodeSnippetExecution,
					"snippet %d at depth %d failed: %s", sn.Index, r.depth, outcome.Error).
					WithCause(outcome.Err).
					WithDetails(map[string]any{
						"depth":         r.depth,
						"snippet_index": sn.Index,
						"language":      sn.Language,
					}))
			}
			// The trail keeps its own copy; work is mutated below.
			r.work = outcome.Context.Clone()
		}

		next, ok := r.work.Pop(state.KeyNextPrompt)
		if !ok {
			if err := c.transition(ctx, r, schema.StateDone, nil); err != nil {
				return nil, err
			}
			output := reply
			if r.work.Has(state.KeyOutput) {
				output = state.Text(r.work.Get(state.KeyOutput))
			}
			return c.succeed(ctx, r, output), nil
		}

		if err := c.transition(ctx, r, schema.StateRecursing, nil); err != nil {
			return nil, err
		}
		r.task = state.Text(next)
		r.depth++
		if err := c.transition(ctx, r, schema.StateAwaitingModel, map[string]any{"task": r.task}); err != nil {
			return nil, err
		}
		logging.LogWith(logging.WithDepth(ctx, r.depth), c.logger).Info("recursing", "task", truncate(r.task, 200))
	}
}

func (c *Controller) callModel(ctx context.Context, r *run) (string, int64, error) {
	ctx, span := c.startSpan(ctx, spanModelCall,
		attribute.String(attrModel, c.opts.Model),
		attribute.Int(attrDepth, r.depth))
	defer span.End()

	req := gateway.Request{
		Model: c.opts.Model,
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: SystemInstruction},
			{Role: gateway.RoleUser, Content: r.task},
		},
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	start := time.Now()
	reply, err := c.gateway.Complete(ctx, req)
	elapsed := time.Since(start)
	r.result.ModelCalls++
	c.metrics.ObserveModelCall(elapsed, err)
	markSpanResult(span, err)

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", 0, cancelled(err, r.depth)
		}
		return "", 0, schema.NewErrorf(schema.ErrCodeGateway, "model call at depth %d failed: %s", r.depth, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"depth": r.depth, "model": c.opts.Model})
	}

	log := logging.LogWith(ctx, c.logger)
	log.Debug("model replied", "duration_ms", elapsed.Milliseconds(), "reply_len", len(reply))
	if c.opts.Verbose {
		log.Info("model reply", "reply", reply)
	}
	return reply, elapsed.Milliseconds(), nil
}

func (c *Controller) execute(ctx context.Context, r *run, sn schema.Snippet) *sandbox.Outcome {
	ctx = logging.WithSnippetIndex(ctx, sn.Index)
	ctx, span := c.startSpan(ctx, spanSnippet,
		attribute.Int(attrDepth, r.depth),
		attribute.Int(attrSnippetIndex, sn.Index),
		attribute.String(attrSnippetLang, sn.Language))
	defer span.End()

	outcome := c.executor.Execute(ctx, sn, r.work)

	var err error
	if !outcome.Succeeded {
		err = outcome.Err
		if err == nil {
			err = errors.New(outcome.Error)
		}
	}
	markSpanResult(span, err)

	dialect, ok := sandbox.DialectFor(sn.Language)
	if !ok {
		dialect = "unsupported"
	}
	c.metrics.ObserveSnippet(dialect, outcome.Succeeded, time.Duration(outcome.DurationMs)*time.Millisecond)
	r.rec.snippet(ctx, r.depth, sn, outcome)

	log := logging.LogWith(ctx, c.logger)
	if c.opts.Verbose {
		log.Info("snippet", "language", sn.Language, "code", sn.Code)
		for _, line := range outcome.Printed {
			log.Info("snippet printed", "line", line)
		}
	}
	if err != nil {
		log.Warn("snippet failed", "language", sn.Language, "error", outcome.Error)
	}
	return outcome
}

func (c *Controller) transition(ctx context.Context, r *run, to schema.ProcessState, payload any) error {
	if err := r.fsm.Transition(ctx, Move{
		RunID:   r.id,
		Depth:   r.depth,
		From:    r.state,
		To:      to,
		Payload: payload,
	}); err != nil {
		return err
	}
	r.state = to
	return nil
}

func (c *Controller) succeed(ctx context.Context, r *run, output string) *ProcessResult {
	r.result.Succeeded = true
	r.result.Output = output
	r.result.HasOutput = true
	logging.LogWith(ctx, c.logger).Info("run completed", "model_calls", r.result.ModelCalls, "snippets", len(r.result.Executed))
	return r.result
}

func (c *Controller) fail(ctx context.Context, r *run, rerr *schema.RLMError) (*ProcessResult, error) {
	if err := c.transition(ctx, r, schema.StateDone, nil); err != nil {
		return nil, err
	}
	r.result.Succeeded = false
	r.result.Error = rerr
	logging.LogWith(ctx, c.logger).Warn("run failed", "code", rerr.Code, "error", rerr.Message)
	return r.result, nil
}

// abort ends the run on a fault that is returned to the caller.
func (c *Controller) abort(ctx context.Context, r *run, err error) error {
	if r.state != schema.StateDone {
		_ = c.transition(ctx, r, schema.StateDone, nil)
	}
	logging.LogWith(ctx, c.logger).Error("run aborted", "error", err)
	return err
}

func (c *Controller) finish(ctx context.Context, r *run, res *ProcessResult, err error) {
	status := metrics.StatusCompleted
	switch {
	case err != nil:
		status = metrics.StatusError
	case !res.Succeeded:
		status = metrics.StatusFailed
	}
	c.metrics.RunFinished(status, r.depth)
	r.rec.finish(ctx, res, r.depth, r.result.ModelCalls, err)
}

func cancelled(err error, depth int) *schema.RLMError {
	return schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled at depth %d: %s", depth, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"depth": depth})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
