// Package rlm is a Recursive Language Model execution engine.
//
// It iteratively refines a single textual answer by interleaving three kinds
// of work: executing language-tagged code blocks in sandboxed subprocesses,
// fanning out LLM refinement prompts in bounded-parallel batches, and folding
// the accumulated answer when it grows past the context budget. Work is
// routed across a dynamic fleet of compute devices discovered through a
// cluster control plane; a health monitor tracks device liveness and a
// scoring scheduler picks a device per operation.
//
// # Quick Start
//
// Compose an executor from a cluster client and run a task:
//
//	cc := cluster.New("http://localhost:8008")
//	ex, err := rlm.New(cc,
//		rlm.WithMaxIterations(8),
//		rlm.WithLocalExecutor("local", code.NewSubprocessExecutor()),
//		rlm.WithReady(func(ec *rlm.ExecutionContext) bool {
//			return strings.Contains(ec.Answer(), "FINAL:")
//		}),
//	)
//	answer, err := ex.Execute(ctx, "task-1", prompt)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM chat-completion backend
//   - [ClusterClient] — control-plane adapter (devices, remote REPL, chat, ping)
//   - [ReplExecutor] — per-language sandboxed code runner
//   - [SessionStore] — write-through sink for conversation cache evictions
//   - [Tracer] — span creation for traced operations
//
// # Included Implementations
//
// Code execution: code (subprocess), code (Docker-isolated).
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (local), store/postgres (shared).
// Observability: observer (OTEL traces, metrics, logs).
//
// See cmd/rlm for a complete reference application and cmd/replserver for
// the device-side execution service.
package rlm
