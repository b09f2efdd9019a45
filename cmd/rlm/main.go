// Command rlm runs one RLM task against a cluster from the command line.
//
// Usage:
//
//	rlm -task my-task "Summarize the repo and verify with code"
//	rlm -config rlm.toml -prompt-file prompt.txt
//
// Configuration comes from rlm.toml (see internal/config) with RLM_*
// environment overrides. The final answer is printed to stdout; progress
// goes to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/rlmengine"
	"github.com/nevindra/rlmengine/cluster"
	"github.com/nevindra/rlmengine/code"
	"github.com/nevindra/rlmengine/internal/config"
	"github.com/nevindra/rlmengine/observer"
	"github.com/nevindra/rlmengine/store/postgres"
	"github.com/nevindra/rlmengine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to rlm.toml (default: ./rlm.toml)")
	taskID := flag.String("task", "", "task id (default: generated)")
	promptFile := flag.String("prompt-file", "", "read the prompt from a file instead of argv")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[rlm] ")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	prompt, err := readPrompt(*promptFile, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
	id := *taskID
	if id == "" {
		id = rlm.NewID()
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	answer, err := run(ctx, cfg, logger, id, prompt)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(answer)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, taskID, prompt string) (string, error) {
	var tracer rlm.Tracer
	if cfg.Observer.Enabled {
		_, shutdown, err := observer.Init(ctx)
		if err != nil {
			return "", fmt.Errorf("observer: %w", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	cc := cluster.New(cfg.Cluster.BaseURL,
		cluster.WithAPIKey(cfg.Cluster.APIKey),
		cluster.WithPoolMaxIdlePerHost(cfg.HTTP.PoolMaxIdlePerHost),
		cluster.WithLogger(logger),
	)

	local, err := buildLocalExecutor(cfg)
	if err != nil {
		return "", err
	}

	cache, closeStore, err := buildCache(ctx, cfg, logger)
	if err != nil {
		return "", err
	}
	defer closeStore()

	batchOpts := []rlm.BatchOption{
		rlm.BatchConcurrency(cfg.Batch.Concurrency),
		rlm.BatchTimeout(cfg.Batch.Timeout.Std()),
	}
	if !cfg.Batch.EnableParallel {
		batchOpts = append(batchOpts, rlm.BatchSerial())
	}
	if cfg.Batch.MaxCallsPerSec > 0 {
		batchOpts = append(batchOpts, rlm.BatchRateLimit(cfg.Batch.MaxCallsPerSec))
	}

	health := rlm.NewHealthMonitor(cc,
		rlm.HealthCheckInterval(cfg.Health.CheckInterval.Std()),
		rlm.HealthFailureThreshold(cfg.Health.FailureThreshold),
		rlm.HealthLogger(logger),
	)

	opts := []rlm.Option{
		rlm.WithHealthMonitor(health),
		rlm.WithMaxIterations(cfg.Executor.MaxIterations),
		rlm.WithMaxContextLength(cfg.Executor.MaxContextLength),
		rlm.WithFolding(cfg.Executor.EnableContextFolding),
		rlm.WithIterationTimeout(cfg.Executor.IterationTimeout.Std()),
		rlm.WithMaxReplOutput(cfg.Repl.MaxOutputBytes),
		rlm.WithModel(cfg.Executor.Model),
		rlm.WithLocalExecutor(cfg.Repl.LocalDeviceID, local),
		rlm.WithConversationCache(cache),
		rlm.WithBatchOptions(batchOpts...),
		rlm.WithLogger(logger),
		// A bare answer never terminates early without a signal; stop once
		// the model marks the answer final.
		rlm.WithReady(func(ec *rlm.ExecutionContext) bool {
			return strings.Contains(ec.Answer(), "FINAL ANSWER")
		}),
	}
	if tracer != nil {
		opts = append(opts, rlm.WithTracer(tracer))
	}

	ex, err := rlm.New(cc, opts...)
	if err != nil {
		return "", err
	}
	if err := ex.SyncDevices(ctx); err != nil {
		logger.Warn("device sync failed; running with local runtime only", "error", err)
	}
	go ex.Health().Run(ctx)

	return ex.Execute(ctx, taskID, prompt)
}

func buildLocalExecutor(cfg config.Config) (rlm.ReplExecutor, error) {
	opts := []code.Option{
		code.WithTimeout(cfg.Repl.Timeout.Std()),
		code.WithMaxOutput(cfg.Repl.MaxOutputBytes),
	}
	if cfg.Repl.Backend == "docker" {
		return code.NewDockerExecutor(opts...)
	}
	return code.NewSubprocessExecutor(opts...), nil
}

func buildCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (*rlm.ConversationCache, func(), error) {
	noop := func() {}
	switch cfg.Cache.Store {
	case "sqlite":
		s := sqlite.New(cfg.Cache.SQLitePath, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, noop, err
		}
		cache := rlm.NewConversationCache(cfg.Cache.Size, rlm.CacheStore(s), rlm.CacheLogger(logger))
		return cache, func() { s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Cache.PostgresURL)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres pool: %w", err)
		}
		s := postgres.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		cache := rlm.NewConversationCache(cfg.Cache.Size, rlm.CacheStore(s), rlm.CacheLogger(logger))
		return cache, func() { pool.Close() }, nil
	default:
		return rlm.NewConversationCache(cfg.Cache.Size, rlm.CacheLogger(logger)), noop, nil
	}
}

func readPrompt(promptFile string, args []string) (string, error) {
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	// Fall back to stdin so prompts can be piped in.
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("no prompt: pass as argument, -prompt-file, or stdin")
	}
	return prompt, nil
}
