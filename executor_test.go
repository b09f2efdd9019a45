package rlm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func pyDevice(id string, latencyMS int64) Device {
	return Device{
		ID:              id,
		Address:         "10.0.1.1:9000",
		Runtimes:        []Language{LangPython, LangBash},
		MemoryTotal:     16 << 30,
		MemoryAvailable: 12 << 30,
		LatencyMS:       latencyMS,
	}
}

func TestExecutorValidatesInput(t *testing.T) {
	e, err := New(newFakeCluster())
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name    string
		taskID  string
		prompt  string
		wantErr bool
	}{
		{"empty task id", "", "p", true},
		{"empty prompt", "t", "", true},
		{"ok", "t", "p", false},
	}
	for _, tt := range cases {
		_, err := e.Execute(context.Background(), tt.taskID, tt.prompt)
		var ei *ErrInvalidInput
		if tt.wantErr && !errors.As(err, &ei) {
			t.Errorf("%s: want ErrInvalidInput, got %v", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
	}
}

func TestExecutorRejectsOversizePrompt(t *testing.T) {
	e, _ := New(newFakeCluster(), WithMaxContextLength(10))
	_, err := e.Execute(context.Background(), "t", strings.Repeat("x", 11))
	var ei *ErrInvalidInput
	if !errors.As(err, &ei) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestExecutorRejectsBadConfig(t *testing.T) {
	if _, err := New(newFakeCluster(), WithMaxIterations(0)); err == nil {
		t.Fatal("max_iterations=0 must fail construction")
	}
	if _, err := New(newFakeCluster(), WithSchedulerWeights(Weights{})); err == nil {
		t.Fatal("zero weights must fail construction")
	}
}

func TestExecutorRunsAllIterationsWithoutReady(t *testing.T) {
	iterations := 0
	e, _ := New(newFakeCluster(),
		WithMaxIterations(3),
		WithRefiner(func(ec *ExecutionContext) []string {
			iterations++
			return nil
		}),
	)
	if _, err := e.Execute(context.Background(), "t", "prompt"); err != nil {
		t.Fatal(err)
	}
	if iterations != 3 {
		t.Errorf("ran %d iterations, want 3", iterations)
	}
}

func TestExecutorStopsWhenReady(t *testing.T) {
	e, _ := New(newFakeCluster(),
		WithMaxIterations(100),
		WithReady(func(ec *ExecutionContext) bool { return ec.Iteration >= 2 }),
	)
	answer, err := e.Execute(context.Background(), "t", "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "prompt" {
		t.Errorf("answer = %q", answer)
	}
}

func TestExecutorDispatchesBlockRemotely(t *testing.T) {
	fc := newFakeCluster()
	fc.replFn = func(_ context.Context, deviceID string, req REPLRequest) (REPLResponse, error) {
		return REPLResponse{Stdout: "6"}, nil
	}
	m := NewHealthMonitor(nil)
	m.Register(pyDevice("remote-1", 5))
	e, _ := New(fc,
		WithHealthMonitor(m),
		WithMaxIterations(1),
		WithReady(func(*ExecutionContext) bool { return true }),
	)

	answer, err := e.Execute(context.Background(), "t", "Compute:\n```py\nprint(2*3)\n```")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(answer, "Output:\n6") {
		t.Errorf("answer missing labeled output: %q", answer)
	}
	if len(fc.replCalls) != 1 || fc.replCalls[0].deviceID != "remote-1" {
		t.Errorf("replCalls = %+v", fc.replCalls)
	}
	if fc.replCalls[0].language != LangPython {
		t.Errorf("language = %q", fc.replCalls[0].language)
	}
}

func TestExecutorPrefersLocalDevice(t *testing.T) {
	repl := newFakeRepl(LangPython)
	e, _ := New(newFakeCluster(),
		WithLocalExecutor("local", repl),
		WithMaxIterations(1),
		WithReady(func(*ExecutionContext) bool { return true }),
	)

	answer, err := e.Execute(context.Background(), "t", "```py\nprint(1)\n```")
	if err != nil {
		t.Fatal(err)
	}
	if repl.calls != 1 {
		t.Errorf("local repl calls = %d, want 1", repl.calls)
	}
	if !strings.Contains(answer, "Output:\nran python") {
		t.Errorf("answer = %q", answer)
	}
}

func TestExecutorLocalFallbackWhenRemoteUnschedulable(t *testing.T) {
	// The fleet has no bash device; the local runtime covers it even though
	// the local device entry was not registered (no localID device match).
	repl := newFakeRepl(LangBash)
	m := NewHealthMonitor(nil)
	m.Register(llmDevice("gpu-0", 50)) // no bash support
	e, _ := New(newFakeCluster(),
		WithHealthMonitor(m),
		WithLocalExecutor("", repl), // unregistered: pure fallback
		WithMaxIterations(1),
		WithReady(func(*ExecutionContext) bool { return true }),
	)

	answer, err := e.Execute(context.Background(), "t", "```sh\necho hi\n```")
	if err != nil {
		t.Fatal(err)
	}
	if repl.calls != 1 {
		t.Errorf("fallback repl calls = %d, want 1", repl.calls)
	}
	if !strings.Contains(answer, "ran bash") {
		t.Errorf("answer = %q", answer)
	}
}

func TestExecutorNoDeviceNoFallbackAborts(t *testing.T) {
	e, _ := New(newFakeCluster(),
		WithMaxIterations(1),
	)
	_, err := e.Execute(context.Background(), "t", "```java\nclass Main{}\n```")
	var nd *ErrNoDevice
	if !errors.As(err, &nd) {
		t.Fatalf("want ErrNoDevice, got %v", err)
	}
}

func TestExecutorRecordsBlockFailureAndContinues(t *testing.T) {
	repl := newFakeRepl(LangPython)
	repl.execFn = func(_ context.Context, _ REPLRequest) (REPLResponse, error) {
		return REPLResponse{}, &ErrREPLExit{Language: "python", ExitCode: 1, Stderr: "boom"}
	}
	var sawErrors int
	e, _ := New(newFakeCluster(),
		WithLocalExecutor("local", repl),
		WithMaxIterations(1),
		WithReady(func(ec *ExecutionContext) bool {
			sawErrors = ec.ErrorCount
			return true
		}),
	)

	if _, err := e.Execute(context.Background(), "t", "```py\nraise\n```"); err != nil {
		t.Fatalf("block failure must not abort the task: %v", err)
	}
	if sawErrors != 1 {
		t.Errorf("ErrorCount = %d, want 1", sawErrors)
	}
}

func TestExecutorRefinementAppendsInOrder(t *testing.T) {
	gpu := llmDevice("gpu-0", 10)
	gpu.Models = []string{"qwen-7b"}
	fc := newFakeCluster(gpu)
	m := NewHealthMonitor(nil)
	m.Register(gpu)
	refined := false
	e, _ := New(fc,
		WithHealthMonitor(m),
		WithMaxIterations(1),
		WithModel("qwen-7b"),
		WithRefiner(func(ec *ExecutionContext) []string {
			if refined {
				return nil
			}
			refined = true
			return []string{"first", "second"}
		}),
		WithReady(func(*ExecutionContext) bool { return true }),
	)

	answer, err := e.Execute(context.Background(), "t", "prompt")
	if err != nil {
		t.Fatal(err)
	}
	i1 := strings.Index(answer, "echo: first")
	i2 := strings.Index(answer, "echo: second")
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Errorf("refinements missing or misordered: %q", answer)
	}
	if fc.chatCount() != 2 {
		t.Errorf("chat calls = %d, want 2", fc.chatCount())
	}
}

func TestExecutorFoldsWhenOverBudget(t *testing.T) {
	// Growth comes from refinement output: start under the limit, let the
	// batch result push the answer over, and expect a fold.
	long := numberedLines(200)
	fc := newFakeCluster(llmDevice("gpu-0", 10))
	fc.chatFn = func(_ context.Context, _, _ string, _ ChatRequest) (ChatResponse, error) {
		return ChatResponse{Content: long}, nil
	}
	m := NewHealthMonitor(nil)
	m.Register(llmDevice("gpu-0", 10))
	e, _ := New(fc,
		WithHealthMonitor(m),
		WithMaxIterations(1),
		WithMaxContextLength(len(long)/2),
		WithRefiner(func(ec *ExecutionContext) []string { return []string{"expand"} }),
	)

	answer, err := e.Execute(context.Background(), "t", "seed")
	if err != nil {
		t.Fatal(err)
	}
	if len(answer) > len(long)/2+len(long)/4 {
		t.Errorf("answer not folded: %d bytes vs budget %d", len(answer), len(long)/2)
	}
}

func TestExecutorFoldingDisabledRecordsOverflow(t *testing.T) {
	long := numberedLines(100)
	fc := newFakeCluster(llmDevice("gpu-0", 10))
	fc.chatFn = func(_ context.Context, _, _ string, _ ChatRequest) (ChatResponse, error) {
		return ChatResponse{Content: long}, nil
	}
	m := NewHealthMonitor(nil)
	m.Register(llmDevice("gpu-0", 10))

	var errs []string
	e, _ := New(fc,
		WithHealthMonitor(m),
		WithMaxIterations(1),
		WithMaxContextLength(len(long)/2),
		WithFolding(false),
		WithRefiner(func(ec *ExecutionContext) []string { return []string{"expand"} }),
		WithReady(func(ec *ExecutionContext) bool {
			errs = ec.Errors()
			return true
		}),
	)

	answer, err := e.Execute(context.Background(), "t", "seed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(answer, long) {
		t.Error("answer should keep full content when folding is disabled")
	}
	found := false
	for _, msg := range errs {
		if strings.Contains(msg, "context overflow") {
			found = true
		}
	}
	if !found {
		t.Errorf("overflow not recorded: %v", errs)
	}
}

func TestExecutorCancellation(t *testing.T) {
	fc := newFakeCluster(llmDevice("gpu-0", 10))
	fc.chatFn = func(ctx context.Context, _, _ string, _ ChatRequest) (ChatResponse, error) {
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}
	m := NewHealthMonitor(nil)
	m.Register(llmDevice("gpu-0", 10))
	e, _ := New(fc,
		WithHealthMonitor(m),
		WithMaxIterations(10),
		WithRefiner(func(ec *ExecutionContext) []string { return []string{"q"} }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := e.Execute(ctx, "t", "prompt")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not propagate promptly")
	}
}

func TestExecutorConversationCacheWiring(t *testing.T) {
	cache := NewConversationCache(10)
	e, _ := New(newFakeCluster(),
		WithMaxIterations(1),
		WithConversationCache(cache),
		WithReady(func(*ExecutionContext) bool { return true }),
	)
	if _, err := e.Execute(context.Background(), "task-9", "hello"); err != nil {
		t.Fatal(err)
	}
	msgs, ok := cache.Get("task-9")
	if !ok || len(msgs) != 2 {
		t.Fatalf("cache messages = %v %v", msgs, ok)
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %q %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestExecutorSyncDevices(t *testing.T) {
	fc := newFakeCluster(pyDevice("a", 5), llmDevice("b", 10))
	e, _ := New(fc)
	if err := e.SyncDevices(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(e.Health().HealthyDevices()); got != 2 {
		t.Fatalf("healthy devices = %d, want 2", got)
	}

	// Cluster drops a device; sync removes it.
	fc.mu.Lock()
	fc.devices = fc.devices[:1]
	fc.mu.Unlock()
	if err := e.SyncDevices(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(e.Health().HealthyDevices()); got != 1 {
		t.Fatalf("healthy devices after drop = %d, want 1", got)
	}
}

func TestExecutorIterationCounterBounded(t *testing.T) {
	e, _ := New(newFakeCluster(), WithMaxIterations(5))
	var last int
	e.ready = func(ec *ExecutionContext) bool {
		last = ec.Iteration
		return false
	}
	if _, err := e.Execute(context.Background(), "t", "p"); err != nil {
		t.Fatal(err)
	}
	if last != 5 {
		t.Errorf("final iteration = %d, want 5", last)
	}
}

func TestExecutorMultipleBlocksTextualOrder(t *testing.T) {
	var order []string
	repl := newFakeRepl(LangPython, LangBash)
	repl.execFn = func(_ context.Context, req REPLRequest) (REPLResponse, error) {
		order = append(order, string(req.Language))
		return REPLResponse{Stdout: string(req.Language) + "-out"}, nil
	}
	e, _ := New(newFakeCluster(),
		WithLocalExecutor("local", repl),
		WithMaxIterations(1),
		WithReady(func(*ExecutionContext) bool { return true }),
	)

	prompt := "```py\n1\n```\ntext\n```sh\n2\n```"
	answer, err := e.Execute(context.Background(), "t", prompt)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(order) != "[python bash]" {
		t.Errorf("execution order = %v", order)
	}
	if strings.Index(answer, "python-out") > strings.Index(answer, "bash-out") {
		t.Error("outputs appended out of textual order")
	}
}
