package rlm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeCluster is an in-memory ClusterClient for deterministic tests.
// Per-method hooks override the default canned behavior.
type fakeCluster struct {
	mu      sync.Mutex
	devices []Device

	chatFn func(ctx context.Context, deviceID, model string, req ChatRequest) (ChatResponse, error)
	replFn func(ctx context.Context, deviceID string, req REPLRequest) (REPLResponse, error)
	pingFn func(ctx context.Context, deviceID string) (time.Duration, error)

	chatCalls []chatCall
	replCalls []replCall
}

type chatCall struct {
	deviceID string
	model    string
	prompt   string
}

type replCall struct {
	deviceID string
	language Language
	code     string
}

func newFakeCluster(devices ...Device) *fakeCluster {
	return &fakeCluster{devices: devices}
}

func (f *fakeCluster) Devices(_ context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeCluster) Chat(ctx context.Context, deviceID, model string, req ChatRequest) (ChatResponse, error) {
	var prompt string
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, chatCall{deviceID: deviceID, model: model, prompt: prompt})
	fn := f.chatFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID, model, req)
	}
	return ChatResponse{Content: "echo: " + prompt}, nil
}

func (f *fakeCluster) ExecuteREPL(ctx context.Context, deviceID string, req REPLRequest) (REPLResponse, error) {
	f.mu.Lock()
	f.replCalls = append(f.replCalls, replCall{deviceID: deviceID, language: req.Language, code: req.Code})
	fn := f.replFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID, req)
	}
	return REPLResponse{Stdout: "ok"}, nil
}

func (f *fakeCluster) Ping(ctx context.Context, deviceID string) (time.Duration, error) {
	f.mu.Lock()
	fn := f.pingFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID)
	}
	return time.Millisecond, nil
}

func (f *fakeCluster) chatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chatCalls)
}

var _ ClusterClient = (*fakeCluster)(nil)

// llmDevice builds an inference-capable device for tests.
func llmDevice(id string, tokensPerSec float64) Device {
	return Device{
		ID:              id,
		Address:         "10.0.0.2:9000",
		Runtimes:        []Language{LangLLM},
		MemoryTotal:     32 << 30,
		MemoryAvailable: 24 << 30,
		TokensPerSec:    tokensPerSec,
		LatencyMS:       10,
	}
}

// fakeRepl is an in-memory ReplExecutor.
type fakeRepl struct {
	mu        sync.Mutex
	languages map[Language]bool
	execFn    func(ctx context.Context, req REPLRequest) (REPLResponse, error)
	calls     int
}

func newFakeRepl(langs ...Language) *fakeRepl {
	m := make(map[Language]bool)
	for _, l := range langs {
		m[l] = true
	}
	return &fakeRepl{languages: m}
}

func (r *fakeRepl) Execute(ctx context.Context, req REPLRequest) (REPLResponse, error) {
	r.mu.Lock()
	r.calls++
	fn := r.execFn
	supported := r.languages[req.Language]
	r.mu.Unlock()
	if !supported {
		return REPLResponse{}, &ErrUnsupportedLanguage{Language: string(req.Language)}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return REPLResponse{Stdout: fmt.Sprintf("ran %s", req.Language)}, nil
}

func (r *fakeRepl) Supports(lang Language) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.languages[lang]
}

var _ ReplExecutor = (*fakeRepl)(nil)

// failNTimes returns a chat hook that errors the first n calls for each
// distinct prompt (last message content), succeeding afterwards.
func failNTimes(n int) func(ctx context.Context, deviceID, model string, req ChatRequest) (ChatResponse, error) {
	var mu sync.Mutex
	counts := map[string]int{}
	return func(_ context.Context, _, _ string, req ChatRequest) (ChatResponse, error) {
		key := ""
		if len(req.Messages) > 0 {
			key = req.Messages[len(req.Messages)-1].Content
		}
		mu.Lock()
		counts[key]++
		c := counts[key]
		mu.Unlock()
		if c <= n {
			return ChatResponse{}, errors.New("transient failure")
		}
		return ChatResponse{Content: "recovered: " + key}, nil
	}
}
