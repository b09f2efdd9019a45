package rlm

import (
	"context"
	"time"
)

// ReplExecutor runs a code block in a sandboxed environment.
// Implementations control the runtime isolation: the code package provides
// a subprocess backend and a Docker-isolated backend; remote devices are
// reached through ClusterClient.ExecuteREPL instead.
type ReplExecutor interface {
	// Execute runs req.Code under req.Language's runtime and returns the
	// captured output. After Execute returns — success, failure, or
	// timeout — no child process and no temp file of the call survives.
	Execute(ctx context.Context, req REPLRequest) (REPLResponse, error)
	// Supports reports whether the executor has a runtime for lang.
	Supports(lang Language) bool
}

// REPLRequest is the input to a REPL execution, local or remote.
type REPLRequest struct {
	Language Language `json:"language"`
	Code     string   `json:"code"`
	// TimeoutMS caps execution time. Zero means the executor's per-language
	// default.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
	// MaxOutputBytes caps stdout and stderr, each stream separately. Zero
	// means the executor default.
	MaxOutputBytes int `json:"max_output_bytes,omitempty"`
}

// Timeout returns the request deadline as a duration, or 0 for default.
func (r REPLRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// REPLResponse is the outcome of a completed REPL execution. A response
// with a non-zero ExitCode is an error at the caller.
type REPLResponse struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// NoOutputPlaceholder distinguishes "ran, produced nothing" from "did not
// run" in appended answers.
const NoOutputPlaceholder = "(no output)"
