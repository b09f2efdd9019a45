// Package code provides ReplExecutor implementations for sandboxed
// execution of LLM-written code blocks.
package code

import (
	"log/slog"
	"time"

	"github.com/nevindra/rlmengine"
)

// Option configures a SubprocessExecutor or DockerExecutor.
type Option func(*runnerConfig)

type runnerConfig struct {
	timeouts       map[rlm.Language]time.Duration
	defaultTimeout time.Duration
	cleanupTimeout time.Duration
	maxOutput      int
	binaries       map[rlm.Language]string
	images         map[rlm.Language]string
	envVars        map[string]string
	logger         *slog.Logger
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		defaultTimeout: 30 * time.Second,
		timeouts: map[rlm.Language]time.Duration{
			// Rust pays a compile step on every execution.
			rlm.LangRust: 60 * time.Second,
		},
		cleanupTimeout: 5 * time.Second,
		maxOutput:      64 * 1024,
		binaries: map[rlm.Language]string{
			rlm.LangPython:     "python3",
			rlm.LangBash:       "bash",
			rlm.LangJavaScript: "node",
			rlm.LangJava:       "java",
			rlm.LangRust:       "cargo",
		},
		images: map[rlm.Language]string{
			rlm.LangPython:     "python:3.12-slim",
			rlm.LangBash:       "bash:5",
			rlm.LangJavaScript: "node:22-slim",
			rlm.LangJava:       "eclipse-temurin:21",
			rlm.LangRust:       "rust:1-slim",
		},
	}
}

// WithTimeout sets the default per-execution deadline (default: 30s,
// rust 60s). The child is killed and reaped on expiry.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithLanguageTimeout overrides the deadline for one language.
func WithLanguageTimeout(lang rlm.Language, d time.Duration) Option {
	return func(c *runnerConfig) {
		if d > 0 {
			c.timeouts[lang] = d
		}
	}
}

// WithCleanupTimeout bounds the kill-and-reap window after a deadline
// expiry (default: 5s).
func WithCleanupTimeout(d time.Duration) Option {
	return func(c *runnerConfig) {
		if d > 0 {
			c.cleanupTimeout = d
		}
	}
}

// WithMaxOutput caps stdout and stderr bytes, each stream separately. The
// subprocess backend kills the child when either stream outgrows the cap;
// the Docker backend truncates the collected logs. Default: 64KB.
func WithMaxOutput(n int) Option {
	return func(c *runnerConfig) {
		if n > 0 {
			c.maxOutput = n
		}
	}
}

// WithBinary overrides the launcher binary for a language
// (e.g. "python3.13" for python).
func WithBinary(lang rlm.Language, path string) Option {
	return func(c *runnerConfig) { c.binaries[lang] = path }
}

// WithImage overrides the container image for a language (Docker backend).
func WithImage(lang rlm.Language, image string) Option {
	return func(c *runnerConfig) { c.images[lang] = image }
}

// WithEnv sets an environment variable for executed code. Multiple calls
// accumulate.
func WithEnv(key, value string) Option {
	return func(c *runnerConfig) {
		if c.envVars == nil {
			c.envVars = make(map[string]string)
		}
		c.envVars[key] = value
	}
}

// WithLogger sets a structured logger. Default: silent.
func WithLogger(l *slog.Logger) Option {
	return func(c *runnerConfig) { c.logger = l }
}

// timeoutFor resolves the deadline for a request: explicit request value,
// then per-language override, then the default.
func (c *runnerConfig) timeoutFor(req rlm.REPLRequest) time.Duration {
	if d := req.Timeout(); d > 0 {
		return d
	}
	if d, ok := c.timeouts[req.Language]; ok {
		return d
	}
	return c.defaultTimeout
}

// outputCapFor resolves the output budget for a request.
func (c *runnerConfig) outputCapFor(req rlm.REPLRequest) int {
	if req.MaxOutputBytes > 0 {
		return req.MaxOutputBytes
	}
	return c.maxOutput
}
