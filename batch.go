package rlm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// BatchRequest is an ordered set of refinement prompts dispatched as one
// bounded-parallel batch.
type BatchRequest struct {
	Prompts     []string
	Model       string
	Temperature float64
	MaxTokens   int
}

// BatchResult is the outcome for one prompt. Index and Prompt always echo
// the request position regardless of completion order.
type BatchResult struct {
	Index      int
	Prompt     string
	Content    string
	Err        string
	Success    bool
	DeviceID   string
	Tokens     int
	DurationMS int64
}

// BatchResponse aggregates a batch. len(Results) always equals
// len(request.Prompts) and Results[i] corresponds to Prompts[i].
type BatchResponse struct {
	Results      []BatchResult
	TotalTokens  int
	DurationMS   int64
	AllSucceeded bool
}

// batchMaxRetries is the per-call attempt budget.
const batchMaxRetries = 3

// BatchRouter fans prompts out to inference devices under a semaphore,
// retrying transient failures with linear-growth backoff. Per-prompt device
// selection goes through the scheduler, and every outcome feeds the health
// monitor, so a failing device degrades out of the rotation mid-batch.
type BatchRouter struct {
	cluster ClusterClient
	sched   *Scheduler
	health  *HealthMonitor

	concurrency    int
	perCallTimeout time.Duration
	maxDelay       time.Duration
	parallel       bool

	// Rate pacing: minimum interval between permit acquisitions.
	paceMu       sync.Mutex
	paceInterval time.Duration
	lastAcquire  time.Time

	logger *slog.Logger
	tracer Tracer
}

// BatchOption configures a BatchRouter.
type BatchOption func(*BatchRouter)

// BatchConcurrency sets the semaphore capacity (default 10).
func BatchConcurrency(n int) BatchOption {
	return func(r *BatchRouter) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// BatchTimeout sets the per-call deadline (default 300s).
func BatchTimeout(d time.Duration) BatchOption {
	return func(r *BatchRouter) {
		if d > 0 {
			r.perCallTimeout = d
		}
	}
}

// BatchSerial disables parallel dispatch; prompts run one at a time.
func BatchSerial() BatchOption {
	return func(r *BatchRouter) { r.parallel = false }
}

// BatchRateLimit paces permit acquisition to at most callsPerSec.
func BatchRateLimit(callsPerSec float64) BatchOption {
	return func(r *BatchRouter) {
		if callsPerSec > 0 {
			r.paceInterval = time.Duration(float64(time.Second) / callsPerSec)
		}
	}
}

// BatchLogger sets a structured logger. Default: silent.
func BatchLogger(l *slog.Logger) BatchOption {
	return func(r *BatchRouter) { r.logger = l }
}

// BatchTracer attaches span creation to batch execution.
func BatchTracer(tr Tracer) BatchOption {
	return func(r *BatchRouter) { r.tracer = tr }
}

// NewBatchRouter creates a router dispatching through cluster, selecting
// devices with sched, and reporting outcomes to health.
func NewBatchRouter(cluster ClusterClient, sched *Scheduler, health *HealthMonitor, opts ...BatchOption) *BatchRouter {
	r := &BatchRouter{
		cluster:        cluster,
		sched:          sched,
		health:         health,
		concurrency:    10,
		perCallTimeout: 300 * time.Second,
		maxDelay:       10 * time.Second,
		parallel:       true,
		logger:         slog.New(discardLogHandler{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Execute dispatches every prompt and returns per-prompt outcomes in input
// order. Individual failures never fail the batch; a non-nil error is
// returned only when ctx is cancelled before completion.
func (r *BatchRouter) Execute(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	start := time.Now()
	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "batch.execute",
			IntAttr("batch.prompts", len(req.Prompts)),
			StringAttr("batch.model", req.Model))
		defer span.End()
	}

	results := make([]BatchResult, len(req.Prompts))

	if r.parallel {
		sem := make(chan struct{}, r.concurrency)
		var wg sync.WaitGroup
		for i, prompt := range req.Prompts {
			r.pace(ctx)
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = cancelledResult(i, prompt, ctx.Err())
				continue
			}
			wg.Add(1)
			go func(i int, prompt string) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = r.callWithRetry(ctx, i, prompt, req)
			}(i, prompt)
		}
		wg.Wait()
	} else {
		for i, prompt := range req.Prompts {
			if ctx.Err() != nil {
				results[i] = cancelledResult(i, prompt, ctx.Err())
				continue
			}
			r.pace(ctx)
			results[i] = r.callWithRetry(ctx, i, prompt, req)
		}
	}

	resp := BatchResponse{
		Results:      results,
		DurationMS:   time.Since(start).Milliseconds(),
		AllSucceeded: true,
	}
	for _, res := range results {
		resp.TotalTokens += res.Tokens
		if !res.Success {
			resp.AllSucceeded = false
		}
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

// callWithRetry runs one prompt with up to batchMaxRetries attempts and
// backoff 100·(attempt+1) ms. Each attempt may land on a different device:
// failures feed the health monitor, so the next Pick sees the degraded set.
func (r *BatchRouter) callWithRetry(ctx context.Context, index int, prompt string, req BatchRequest) BatchResult {
	res := BatchResult{Index: index, Prompt: prompt}
	callStart := time.Now()

	var lastErr error
	for attempt := 0; attempt < batchMaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		dev, err := r.sched.Pick(LLMInference(req.Model))
		if err != nil {
			lastErr = err
		} else {
			content, tokens, err := r.call(ctx, dev, prompt, req)
			if err == nil {
				res.Success = true
				res.Content = content
				res.Tokens = tokens
				res.DeviceID = dev.ID
				res.DurationMS = time.Since(callStart).Milliseconds()
				return res
			}
			lastErr = err
			res.DeviceID = dev.ID
			r.logger.Debug("rlm: batch call failed",
				"index", index, "device", dev.ID, "attempt", attempt+1, "error", err)
		}

		if attempt < batchMaxRetries-1 {
			if !sleepCtx(ctx, backoffDelay(attempt, r.maxDelay)) {
				break
			}
		}
	}

	res.Err = lastErr.Error()
	res.DurationMS = time.Since(callStart).Milliseconds()
	return res
}

func (r *BatchRouter) call(ctx context.Context, dev Device, prompt string, req BatchRequest) (string, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.perCallTimeout)
	defer cancel()

	start := time.Now()
	chatReq := ChatRequest{
		Messages:  []ChatMessage{UserMessage(prompt)},
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = &req.Temperature
	}
	resp, err := r.cluster.Chat(callCtx, dev.ID, req.Model, chatReq)
	if err != nil {
		r.health.MarkFailure(dev.ID)
		return "", 0, err
	}
	r.health.MarkSuccess(dev.ID, time.Since(start))

	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	if tokens == 0 {
		tokens = EstimateTokens(prompt) + EstimateTokens(resp.Content)
	}
	return resp.Content, tokens, nil
}

// pace enforces the configured minimum interval between permit acquisitions.
func (r *BatchRouter) pace(ctx context.Context) {
	if r.paceInterval <= 0 {
		return
	}
	r.paceMu.Lock()
	now := time.Now()
	wait := r.paceInterval - now.Sub(r.lastAcquire)
	if wait < 0 {
		wait = 0
	}
	r.lastAcquire = now.Add(wait)
	r.paceMu.Unlock()
	if wait > 0 {
		sleepCtx(ctx, wait)
	}
}

// backoffDelay is 100·(attempt+1) ms capped at maxDelay.
func backoffDelay(attempt int, maxDelay time.Duration) time.Duration {
	d := time.Duration(100*(attempt+1)) * time.Millisecond
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// sleepCtx sleeps for d unless ctx is done first. Reports whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func cancelledResult(i int, prompt string, err error) BatchResult {
	return BatchResult{Index: i, Prompt: prompt, Err: err.Error()}
}

// EstimateTokens is the coarse token estimate used when the endpoint does
// not return an authoritative count: max(1, words + chars/4).
func EstimateTokens(s string) int {
	n := len(strings.Fields(s)) + len(s)/4
	if n < 1 {
		return 1
	}
	return n
}
