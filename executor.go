package rlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ReadyFunc decides whether the accumulated answer is good enough to stop.
// Supplied by the caller; the engine has no quality model of its own.
type ReadyFunc func(ec *ExecutionContext) bool

// RefineFunc builds the refinement prompts for the current iteration.
// Returning nil or an empty slice skips the batch inference step.
type RefineFunc func(ec *ExecutionContext) []string

// Executor is the RLM main loop. Each iteration it parses code blocks out
// of the current answer, dispatches them to scheduled devices (or the local
// REPL), fans out refinement prompts through the batch router, folds the
// answer when it outgrows the context budget, and consults the caller's
// ready predicate.
//
// An Executor is safe for concurrent Execute calls; each call owns its
// ExecutionContext.
type Executor struct {
	cluster ClusterClient
	health  *HealthMonitor
	sched   *Scheduler
	router  *BatchRouter
	folder  *Folder
	cache   *ConversationCache

	localID   string
	localRepl ReplExecutor

	maxIterations    int
	maxContextLength int
	foldingEnabled   bool
	iterationTimeout time.Duration
	maxReplOutput    int
	model            string

	refine RefineFunc
	ready  ReadyFunc
	tracer Tracer
	logger *slog.Logger

	weights      Weights
	batchOpts    []BatchOption
	folderOpts   []FolderOption
	foldProvider Provider
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxIterations bounds the refinement loop (default: 10).
func WithMaxIterations(n int) Option {
	return func(e *Executor) { e.maxIterations = n }
}

// WithMaxContextLength sets the character budget that triggers folding and
// bounds the initial prompt (default: 128000). Zero disables both checks.
func WithMaxContextLength(n int) Option {
	return func(e *Executor) { e.maxContextLength = n }
}

// WithFolding arms or disarms the context folder (default: armed).
// When disarmed, an over-budget answer records a ContextOverflow error and
// the iteration continues.
func WithFolding(enabled bool) Option {
	return func(e *Executor) { e.foldingEnabled = enabled }
}

// WithIterationTimeout bounds each iteration. Zero (default) disables it.
func WithIterationTimeout(d time.Duration) Option {
	return func(e *Executor) { e.iterationTimeout = d }
}

// WithMaxReplOutput caps stdout and stderr per code block, each stream
// separately (default: executor backend default).
func WithMaxReplOutput(n int) Option {
	return func(e *Executor) { e.maxReplOutput = n }
}

// WithModel names the model used for batch refinement and LLM folding.
func WithModel(model string) Option {
	return func(e *Executor) { e.model = model }
}

// WithLocalExecutor registers a local REPL backend under deviceID. Blocks
// scheduled onto that device run in-process instead of via the cluster,
// and the local runtime is the fallback when no remote device qualifies.
func WithLocalExecutor(deviceID string, repl ReplExecutor) Option {
	return func(e *Executor) {
		e.localID = deviceID
		e.localRepl = repl
	}
}

// WithRefiner sets the refinement-prompt builder.
func WithRefiner(fn RefineFunc) Option {
	return func(e *Executor) { e.refine = fn }
}

// WithReady sets the termination predicate. Without one the loop runs all
// iterations.
func WithReady(fn ReadyFunc) Option {
	return func(e *Executor) { e.ready = fn }
}

// WithTracer attaches span creation to task and iteration boundaries.
func WithTracer(tr Tracer) Option {
	return func(e *Executor) { e.tracer = tr }
}

// WithLogger sets a structured logger. Default: silent.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithHealthMonitor injects a shared monitor (e.g. one whose Run loop the
// caller drives). Default: a monitor probing through the cluster client.
func WithHealthMonitor(m *HealthMonitor) Option {
	return func(e *Executor) { e.health = m }
}

// WithSchedulerWeights replaces the scheduler weights, which New validates
// (sum > 0); the per-operation scoring coefficients are unaffected.
func WithSchedulerWeights(w Weights) Option {
	return func(e *Executor) { e.weights = w }
}

// WithBatchOptions forwards options to the batch router (concurrency,
// per-call timeout, rate limit, serial mode).
func WithBatchOptions(opts ...BatchOption) Option {
	return func(e *Executor) { e.batchOpts = append(e.batchOpts, opts...) }
}

// WithFolderOptions forwards options to the context folder.
func WithFolderOptions(opts ...FolderOption) Option {
	return func(e *Executor) { e.folderOpts = append(e.folderOpts, opts...) }
}

// WithFoldProvider enables LLM-backed folding through the given provider,
// routed as a ContextCompression operation.
func WithFoldProvider(p Provider) Option {
	return func(e *Executor) { e.foldProvider = p }
}

// WithConversationCache attaches a cache that receives each task's prompt
// and final answer keyed by task id.
func WithConversationCache(c *ConversationCache) Option {
	return func(e *Executor) { e.cache = c }
}

// New creates an Executor over the given cluster client.
func New(cluster ClusterClient, opts ...Option) (*Executor, error) {
	e := &Executor{
		cluster:          cluster,
		maxIterations:    10,
		maxContextLength: 128000,
		foldingEnabled:   true,
		weights:          DefaultWeights,
		logger:           slog.New(discardLogHandler{}),
	}
	for _, o := range opts {
		o(e)
	}

	if e.maxIterations <= 0 {
		return nil, &ErrInvalidInput{Field: "max_iterations", Reason: "must be > 0"}
	}
	if e.health == nil {
		var p Pinger
		if cluster != nil {
			p = cluster
		}
		e.health = NewHealthMonitor(p)
	}

	sched, err := NewScheduler(e.health, SchedulerWeights(e.weights))
	if err != nil {
		return nil, err
	}
	e.sched = sched
	e.router = NewBatchRouter(cluster, sched, e.health, e.batchOpts...)

	folderOpts := e.folderOpts
	if e.foldProvider != nil {
		folderOpts = append(folderOpts, FoldProvider(e.foldProvider, sched, e.health))
	}
	e.folder = NewFolder(folderOpts...)

	// Register the local runtime as a schedulable device.
	if e.localRepl != nil && e.localID != "" {
		var runtimes []Language
		for lang := range executableLanguages {
			if e.localRepl.Supports(lang) {
				runtimes = append(runtimes, lang)
			}
		}
		e.health.Register(Device{
			ID:       e.localID,
			Address:  "local",
			Runtimes: runtimes,
			// Local dispatch has no network hop.
			LatencyMS: 1,
		})
	}
	return e, nil
}

// Health returns the executor's health monitor so callers can drive its
// background probe loop.
func (e *Executor) Health() *HealthMonitor { return e.health }

// SyncDevices refreshes the monitor's device set from the cluster. Devices
// the cluster no longer announces are removed; the local device persists.
func (e *Executor) SyncDevices(ctx context.Context) error {
	if e.cluster == nil {
		return nil
	}
	devices, err := e.cluster.Devices(ctx)
	if err != nil {
		return fmt.Errorf("sync devices: %w", err)
	}
	known := map[string]bool{e.localID: true}
	for _, d := range devices {
		e.health.Register(d)
		known[d.ID] = true
	}
	for _, id := range e.health.KnownIDs() {
		if !known[id] {
			e.health.Remove(id)
		}
	}
	e.logger.Debug("rlm: devices synced", "count", len(devices))
	return nil
}

// Execute runs one RLM task to completion and returns the final answer.
func (e *Executor) Execute(ctx context.Context, taskID, prompt string) (string, error) {
	if taskID == "" {
		return "", &ErrInvalidInput{Field: "task_id", Reason: "empty"}
	}
	if prompt == "" {
		return "", &ErrInvalidInput{Field: "prompt", Reason: "empty"}
	}
	if e.maxContextLength > 0 && len(prompt) > e.maxContextLength {
		return "", &ErrInvalidInput{
			Field:  "prompt",
			Reason: fmt.Sprintf("length %d exceeds max context length %d", len(prompt), e.maxContextLength),
		}
	}

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "rlm.execute", StringAttr("task.id", taskID))
		defer span.End()
	}

	ec := NewExecutionContext(taskID, e.maxIterations, e.maxContextLength)
	ec.AppendAnswer(prompt)
	if e.cache != nil {
		e.cache.Append(taskID, UserMessage(prompt))
	}
	e.logger.Info("rlm: task started", "task", taskID, "prompt_len", len(prompt))

	for ec.Iteration < e.maxIterations {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := ec.NextIteration(); err != nil {
			break
		}
		done, err := e.runIteration(ctx, ec)
		if err != nil {
			return "", err
		}
		if done {
			break
		}
	}

	answer := ec.Answer()
	if e.cache != nil {
		e.cache.Append(taskID, AssistantMessage(answer))
	}
	e.logger.Info("rlm: task finished",
		"task", taskID,
		"iterations", ec.Iteration,
		"repl_executions", ec.ReplExecutions,
		"llm_calls", ec.LLMCalls,
		"errors", ec.ErrorCount)
	return answer, nil
}

// runIteration performs one Parse → ReplDispatch* → Refine? → Fold? → Check
// pass. The returned bool reports whether the ready predicate fired.
func (e *Executor) runIteration(ctx context.Context, ec *ExecutionContext) (bool, error) {
	iterCtx := ctx
	if e.iterationTimeout > 0 {
		var cancel context.CancelFunc
		iterCtx, cancel = context.WithTimeout(ctx, e.iterationTimeout)
		defer cancel()
	}
	if e.tracer != nil {
		var span Span
		iterCtx, span = e.tracer.Start(iterCtx, "rlm.iteration", IntAttr("iteration", ec.Iteration))
		defer span.End()
	}

	// Parse and dispatch code blocks in textual order.
	for _, block := range ParseCodeBlocks(ec.Answer()) {
		if err := e.dispatchBlock(iterCtx, ec, block); err != nil {
			return false, err
		}
	}

	// Refine via batch inference.
	if e.refine != nil {
		if prompts := e.refine(ec); len(prompts) > 0 {
			if err := e.refineAnswer(iterCtx, ec, prompts); err != nil {
				return false, err
			}
		}
	}

	// Fold when over budget.
	if !ec.WithinContextLimits() {
		if e.foldingEnabled {
			folded, stats := e.folder.FoldContext(iterCtx, ec.Answer())
			ec.ReplaceAnswer(folded)
			e.logger.Debug("rlm: folded",
				"task", ec.TaskID,
				"from", stats.OriginalLen,
				"to", stats.FoldedLen)
		} else {
			overflow := &ErrContextOverflow{Length: len(ec.Answer()), Limit: e.maxContextLength}
			ec.RecordError(overflow.Error())
		}
	}

	return e.ready != nil && e.ready(ec), nil
}

// dispatchBlock routes one code block to a device. Per-block failures are
// recorded and skipped; only device exhaustion without a local fallback
// (or caller cancellation) aborts the task.
func (e *Executor) dispatchBlock(ctx context.Context, ec *ExecutionContext, block CodeBlock) error {
	req := REPLRequest{
		Language:       block.Language,
		Code:           block.Source,
		MaxOutputBytes: e.maxReplOutput,
	}

	dev, pickErr := e.sched.Pick(CodeExecution(block.Language))
	local := e.localRepl != nil && e.localRepl.Supports(block.Language)

	var resp REPLResponse
	var err error
	switch {
	case pickErr == nil && dev.ID == e.localID && e.localRepl != nil:
		resp, err = e.executeLocal(ctx, dev.ID, req)
	case pickErr == nil:
		resp, err = e.executeRemote(ctx, dev, req)
	case local:
		// No schedulable device, but the runtime exists in-process.
		resp, err = e.localRepl.Execute(ctx, req)
	default:
		return pickErr
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ec.RecordError(fmt.Sprintf("iteration %d: %s block: %v", ec.Iteration, block.Language, err))
		e.logger.Warn("rlm: code block failed",
			"task", ec.TaskID, "language", block.Language, "error", err)
		return nil
	}

	ec.RecordReplExecution(len(resp.Stdout))
	ec.AppendAnswer("\nOutput:\n" + resp.Stdout)
	return nil
}

func (e *Executor) executeLocal(ctx context.Context, deviceID string, req REPLRequest) (REPLResponse, error) {
	start := time.Now()
	resp, err := e.localRepl.Execute(ctx, req)
	if err != nil && !isCodeFault(err) {
		// Spawn or temp-IO failures count against the device; a block that
		// ran and failed does not.
		e.health.MarkFailure(deviceID)
		return resp, err
	}
	e.health.MarkSuccess(deviceID, time.Since(start))
	return resp, err
}

// isCodeFault reports whether err blames the submitted code rather than
// the device running it.
func isCodeFault(err error) bool {
	var exitErr *ErrREPLExit
	var toErr *ErrREPLTimeout
	var langErr *ErrUnsupportedLanguage
	return errors.As(err, &exitErr) || errors.As(err, &toErr) || errors.As(err, &langErr)
}

func (e *Executor) executeRemote(ctx context.Context, dev Device, req REPLRequest) (REPLResponse, error) {
	start := time.Now()
	resp, err := e.cluster.ExecuteREPL(ctx, dev.ID, req)
	if err != nil {
		e.health.MarkFailure(dev.ID)
		return resp, err
	}
	if resp.ExitCode != 0 {
		// The device is fine; the code failed.
		e.health.MarkSuccess(dev.ID, time.Since(start))
		return resp, &ErrREPLExit{Language: string(req.Language), ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	e.health.MarkSuccess(dev.ID, time.Since(start))
	return resp, nil
}

// refineAnswer fans prompts through the batch router and appends results in
// input order. Partial failures are recorded; the iteration continues.
func (e *Executor) refineAnswer(ctx context.Context, ec *ExecutionContext, prompts []string) error {
	resp, err := e.router.Execute(ctx, BatchRequest{Prompts: prompts, Model: e.model})
	if err != nil {
		return err
	}

	succeeded := 0
	for _, res := range resp.Results {
		if res.Success {
			succeeded++
			ec.AppendAnswer("\n" + res.Content)
		} else {
			ec.RecordError(fmt.Sprintf("iteration %d: refinement %d: %s", ec.Iteration, res.Index, res.Err))
		}
	}
	ec.RecordLLMCalls(succeeded, resp.TotalTokens)
	if !resp.AllSucceeded {
		e.logger.Warn("rlm: batch partially failed",
			"task", ec.TaskID, "succeeded", succeeded, "total", len(resp.Results))
	}
	return nil
}
