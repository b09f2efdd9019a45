package rlm

import (
	"fmt"
	"strings"
	"time"
)

// MaxContextErrors caps the bounded error log of one task. Older entries
// are dropped when the cap is reached; ErrorCount keeps the true total.
const MaxContextErrors = 50

// ExecutionContext tracks the state of one RLM task: the evolving answer,
// the iteration counter, and bounded resource accounting. It is owned
// exclusively by the executor running the task and is not safe for
// concurrent mutation.
type ExecutionContext struct {
	TaskID        string
	Iteration     int
	MaxIterations int
	StartedAt     time.Time
	LastActivity  time.Time
	MessageCount  int

	answer strings.Builder

	// Metadata counters.
	ReplExecutions  int
	ReplOutputBytes int
	LLMCalls        int
	TotalTokens     int

	errors     []string
	ErrorCount int

	maxContextLength int
}

// NewExecutionContext creates the per-task state. taskID must be non-empty.
func NewExecutionContext(taskID string, maxIterations, maxContextLength int) *ExecutionContext {
	now := time.Now()
	return &ExecutionContext{
		TaskID:           taskID,
		MaxIterations:    maxIterations,
		StartedAt:        now,
		LastActivity:     now,
		maxContextLength: maxContextLength,
	}
}

// NextIteration pre-increments the iteration counter, failing fast when the
// task is already at its iteration budget.
func (ec *ExecutionContext) NextIteration() error {
	if ec.Iteration >= ec.MaxIterations {
		return fmt.Errorf("task %s: iteration limit %d reached", ec.TaskID, ec.MaxIterations)
	}
	ec.Iteration++
	ec.LastActivity = time.Now()
	return nil
}

// Answer returns the current accumulated answer.
func (ec *ExecutionContext) Answer() string { return ec.answer.String() }

// AppendAnswer concatenates s onto the answer buffer.
func (ec *ExecutionContext) AppendAnswer(s string) {
	ec.answer.WriteString(s)
	ec.MessageCount++
	ec.LastActivity = time.Now()
}

// ReplaceAnswer swaps the answer buffer wholesale; used after folding.
func (ec *ExecutionContext) ReplaceAnswer(s string) {
	ec.answer.Reset()
	ec.answer.WriteString(s)
	ec.LastActivity = time.Now()
}

// RecordReplExecution counts one REPL dispatch producing n output bytes.
func (ec *ExecutionContext) RecordReplExecution(nBytes int) {
	ec.ReplExecutions++
	ec.ReplOutputBytes += nBytes
	ec.LastActivity = time.Now()
}

// RecordLLMCalls counts n LLM calls consuming tokens.
func (ec *ExecutionContext) RecordLLMCalls(n, tokens int) {
	ec.LLMCalls += n
	ec.TotalTokens += tokens
	ec.LastActivity = time.Now()
}

// RecordError appends msg to the bounded error log, dropping the oldest
// entry past MaxContextErrors. ErrorCount is monotone and unbounded.
// Recording an error never halts the task.
func (ec *ExecutionContext) RecordError(msg string) {
	ec.ErrorCount++
	if len(ec.errors) >= MaxContextErrors {
		ec.errors = ec.errors[1:]
	}
	ec.errors = append(ec.errors, msg)
	ec.LastActivity = time.Now()
}

// Errors returns a copy of the bounded error log, oldest first.
func (ec *ExecutionContext) Errors() []string {
	out := make([]string, len(ec.errors))
	copy(out, ec.errors)
	return out
}

// EstimatedTokens is a conservative token estimate: answer bytes / 4.
// Not a real tokenizer; used only to trigger folding.
func (ec *ExecutionContext) EstimatedTokens() int {
	return ec.answer.Len() / 4
}

// WithinContextLimits reports whether the answer still fits the configured
// character budget. Character count over-estimates tokens, so a true result
// is a safe "no folding needed".
func (ec *ExecutionContext) WithinContextLimits() bool {
	if ec.maxContextLength <= 0 {
		return true
	}
	return ec.answer.Len() <= ec.maxContextLength
}
