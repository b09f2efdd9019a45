package code

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nevindra/rlmengine"
)

// launcher describes how one language runs from a scratch directory:
// which files to materialize and which commands to execute, in order.
// The last step's output is the execution result; earlier steps are
// build steps (javac, implicit cargo compile).
type launcher struct {
	files func(code string) map[string]string
	steps func(bin string) [][]string
}

var launchers = map[rlm.Language]launcher{
	rlm.LangPython: {
		files: func(code string) map[string]string { return map[string]string{"main.py": code} },
		steps: func(bin string) [][]string { return [][]string{{bin, "main.py"}} },
	},
	rlm.LangBash: {
		files: func(code string) map[string]string { return map[string]string{"main.sh": code} },
		steps: func(bin string) [][]string { return [][]string{{bin, "main.sh"}} },
	},
	rlm.LangJavaScript: {
		files: func(code string) map[string]string { return map[string]string{"main.js": code} },
		steps: func(bin string) [][]string { return [][]string{{bin, "main.js"}} },
	},
	rlm.LangJava: {
		files: func(code string) map[string]string { return map[string]string{"Main.java": code} },
		steps: func(bin string) [][]string {
			return [][]string{{"javac", "Main.java"}, {bin, "-cp", ".", "Main"}}
		},
	},
	rlm.LangRust: {
		files: func(code string) map[string]string {
			return map[string]string{
				"Cargo.toml": "[package]\nname = \"snippet\"\nversion = \"0.1.0\"\nedition = \"2021\"\n\n[dependencies]\n",
				filepath.Join("src", "main.rs"): code,
			}
		},
		steps: func(bin string) [][]string { return [][]string{{bin, "run", "--release", "--quiet"}} },
	},
}

// SubprocessExecutor runs code blocks as bare subprocesses: the code is
// written to a per-call scratch directory, the language launcher runs
// against it under a deadline, and the directory is removed on every exit
// path. Stateless across calls; safe for concurrent use.
type SubprocessExecutor struct {
	cfg runnerConfig
}

// compile-time check
var _ rlm.ReplExecutor = (*SubprocessExecutor)(nil)

// NewSubprocessExecutor creates an executor with per-language defaults
// (python3, bash, node, java, cargo on PATH).
func NewSubprocessExecutor(opts ...Option) *SubprocessExecutor {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessExecutor{cfg: cfg}
}

// Supports reports whether lang has a registered launcher.
func (e *SubprocessExecutor) Supports(lang rlm.Language) bool {
	_, ok := launchers[lang]
	return ok
}

// Execute runs req.Code in a subprocess. After return no child of the call
// survives and the scratch directory is gone, on every path including
// timeout and panic.
func (e *SubprocessExecutor) Execute(ctx context.Context, req rlm.REPLRequest) (rlm.REPLResponse, error) {
	l, ok := launchers[req.Language]
	if !ok {
		return rlm.REPLResponse{}, &rlm.ErrUnsupportedLanguage{Language: string(req.Language)}
	}

	dir, err := os.MkdirTemp("", "rlm-repl-*")
	if err != nil {
		return rlm.REPLResponse{}, fmt.Errorf("repl: create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for name, content := range l.files(req.Code) {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return rlm.REPLResponse{}, fmt.Errorf("repl: create scratch dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return rlm.REPLResponse{}, fmt.Errorf("repl: write source: %w", err)
		}
	}

	timeout := e.cfg.timeoutFor(req)
	deadline := time.Now().Add(timeout)
	outputCap := e.cfg.outputCapFor(req)
	start := time.Now()

	steps := l.steps(e.cfg.binaries[req.Language])
	var stdout, stderr string
	var exitCode int
	for _, argv := range steps {
		stdout, stderr, exitCode, err = e.runStep(ctx, req.Language, dir, argv, deadline, outputCap)
		if err != nil {
			if errors.Is(err, errStepDeadline) {
				return rlm.REPLResponse{}, &rlm.ErrREPLTimeout{Language: string(req.Language), Timeout: timeout}
			}
			return rlm.REPLResponse{}, err
		}
		if exitCode != 0 {
			break
		}
	}

	resp := rlm.REPLResponse{
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  exitCode,
		ElapsedMS: time.Since(start).Milliseconds(),
	}
	if exitCode != 0 {
		return resp, &rlm.ErrREPLExit{Language: string(req.Language), ExitCode: exitCode, Stderr: stderr}
	}
	if resp.Stdout == "" && resp.Stderr == "" {
		resp.Stdout = rlm.NoOutputPlaceholder
	}
	e.logDone(req, resp)
	return resp, nil
}

func (e *SubprocessExecutor) logDone(req rlm.REPLRequest, resp rlm.REPLResponse) {
	if e.cfg.logger == nil {
		return
	}
	e.cfg.logger.Debug("repl: executed",
		"language", req.Language,
		"exit_code", resp.ExitCode,
		"elapsed_ms", resp.ElapsedMS,
		"stdout_bytes", len(resp.Stdout))
}

// errStepDeadline distinguishes the step deadline from caller cancellation.
var errStepDeadline = errors.New("step deadline exceeded")

// errOutputLimit cancels a step when the child outgrows its output budget.
var errOutputLimit = errors.New("output limit exceeded")

// runStep executes one command in dir, killing and reaping the child when
// the deadline passes, the caller cancels, or the output cap is hit.
func (e *SubprocessExecutor) runStep(ctx context.Context, lang rlm.Language, dir string, argv []string, deadline time.Time, outputCap int) (string, string, int, error) {
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	defer cancelCause(nil)

	overflow := func() { cancelCause(errOutputLimit) }
	stdout := newCappedBuffer(outputCap, overflow)
	stderr := newCappedBuffer(outputCap, overflow)

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = e.buildEnv(dir)
	// On cancellation (deadline, caller, output cap): kill, then give the
	// child up to cleanupTimeout to be reaped before Wait gives up.
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = e.cfg.cleanupTimeout

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}

	var exitErr *exec.ExitError
	switch {
	case context.Cause(runCtx) == errOutputLimit:
		return "", "", 0, &rlm.ErrREPLExit{
			Language: string(lang),
			ExitCode: -1,
			Stderr:   fmt.Sprintf("output exceeded %d bytes", outputCap),
		}
	case ctx.Err() != nil:
		// Caller cancellation wins over the step deadline.
		return "", "", 0, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		return "", "", 0, errStepDeadline
	case errors.As(err, &exitErr):
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	default:
		return "", "", 0, fmt.Errorf("repl: spawn %s: %w", argv[0], err)
	}
}

// buildEnv constructs a minimal environment for the child.
func (e *SubprocessExecutor) buildEnv(dir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LANG=en_US.UTF-8",
	}
	for k, v := range e.cfg.envVars {
		env = append(env, k+"="+v)
	}
	return env
}

// cappedBuffer accumulates up to max bytes and invokes onOverflow once when
// a write would exceed the budget. Overflowing writes are truncated, not
// failed, so the child dies from the cancellation rather than a pipe error.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        []byte
	max        int
	overflowed bool
	onOverflow func()
}

func newCappedBuffer(max int, onOverflow func()) *cappedBuffer {
	return &cappedBuffer{max: max, onOverflow: onOverflow}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if remaining > 0 {
		if len(p) < remaining {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:remaining]...)
		}
	}
	if len(p) > remaining && !b.overflowed {
		b.overflowed = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
