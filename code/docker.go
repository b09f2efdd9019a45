package code

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/nevindra/rlmengine"
)

// containerCommands maps each language to its in-container launch command.
// The scratch directory is bind-mounted at /work.
var containerCommands = map[rlm.Language][]string{
	rlm.LangPython:     {"python3", "/work/main.py"},
	rlm.LangBash:       {"bash", "/work/main.sh"},
	rlm.LangJavaScript: {"node", "/work/main.js"},
	rlm.LangJava:       {"sh", "-c", "cd /work && javac Main.java && java -cp . Main"},
	rlm.LangRust:       {"sh", "-c", "cd /work && cargo run --release --quiet"},
}

// DockerExecutor runs code blocks inside ephemeral containers for stronger
// isolation than bare subprocesses. It honors the same contract as
// SubprocessExecutor: per-call scratch directory, deadline with bounded
// cleanup, output cap, and no container or temp file outliving the call.
//
// Falling back to SubprocessExecutor when the daemon is unreachable is a
// caller policy, not handled here.
type DockerExecutor struct {
	cli *client.Client
	cfg runnerConfig
}

// compile-time check
var _ rlm.ReplExecutor = (*DockerExecutor)(nil)

// NewDockerExecutor creates an executor talking to the Docker daemon
// resolved from the environment (DOCKER_HOST et al.). Images must already
// be present or pullable by the daemon.
func NewDockerExecutor(opts ...Option) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("repl: docker client: %w", err)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &DockerExecutor{cli: cli, cfg: cfg}, nil
}

// Supports reports whether lang has a container command and image.
func (e *DockerExecutor) Supports(lang rlm.Language) bool {
	_, ok := containerCommands[lang]
	return ok && e.cfg.images[lang] != ""
}

// Execute runs req.Code in a one-shot container. The container is stopped
// and removed on every exit path, including timeout and cancellation.
func (e *DockerExecutor) Execute(ctx context.Context, req rlm.REPLRequest) (rlm.REPLResponse, error) {
	cmd, ok := containerCommands[req.Language]
	if !ok {
		return rlm.REPLResponse{}, &rlm.ErrUnsupportedLanguage{Language: string(req.Language)}
	}
	l := launchers[req.Language]

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
	start := time.Now()

	env := make([]string, 0, len(e.cfg.envVars))
	for k, v := range e.cfg.envVars {
		env = append(env, k+"="+v)
	}

	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           e.cfg.images[req.Language],
			Cmd:             cmd,
			WorkingDir:      "/work",
			Env:             env,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Binds: []string{dir + ":/work"},
		},
		nil, nil, "")
	if err != nil {
		return rlm.REPLResponse{}, fmt.Errorf("repl: create container: %w", err)
	}
	// Cleanup runs on a fresh context: the request context may already be
	// dead, and the container must still be reclaimed.
	defer e.remove(created.ID)

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return rlm.REPLResponse{}, fmt.Errorf("repl: start container: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := e.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			return rlm.REPLResponse{}, ctx.Err()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return rlm.REPLResponse{}, &rlm.ErrREPLTimeout{Language: string(req.Language), Timeout: timeout}
		}
		return rlm.REPLResponse{}, fmt.Errorf("repl: container wait: %w", err)
	}

	stdout, stderr, err := e.collectLogs(created.ID, e.cfg.outputCapFor(req))
	if err != nil {
		return rlm.REPLResponse{}, err
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
	return resp, nil
}

// collectLogs demultiplexes the container's log stream into stdout/stderr,
// truncated to the output cap.
func (e *DockerExecutor) collectLogs(id string, outputCap int) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.cleanupTimeout)
	defer cancel()

	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("repl: container logs: %w", err)
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, rc); err != nil {
		return "", "", fmt.Errorf("repl: demux logs: %w", err)
	}
	return truncate(outBuf.String(), outputCap), truncate(errBuf.String(), outputCap), nil
}

// remove force-stops and deletes the container within the cleanup window.
func (e *DockerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.cleanupTimeout)
	defer cancel()

	stopSecs := int(e.cfg.cleanupTimeout / time.Second)
	_ = e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopSecs})
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && e.cfg.logger != nil {
		e.cfg.logger.Warn("repl: container not removed", "container", id[:12], "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
