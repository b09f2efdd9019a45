// Command replserver is the device-side code execution service for the RLM
// engine.
//
// It receives REPL requests via HTTP, executes them with the subprocess (or
// Docker) backend, and returns results. The control plane fronts a fleet of
// these; the engine reaches them through POST /api/repl/execute and probes
// them through GET /ping/<device_id>.
//
// The reference server is a minimal, single-tenant execution service suitable
// for development and small deployments. For workloads requiring stronger
// isolation, run it with REPLSERVER_BACKEND=docker or behind your own
// sandbox.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nevindra/rlmengine"
	"github.com/nevindra/rlmengine/code"
)

type config struct {
	addr           string
	deviceID       string
	backend        string
	maxConcurrent  int
	maxOutputBytes int
	timeout        time.Duration
}

func loadConfig() config {
	cfg := config{
		addr:           ":9000",
		deviceID:       "repl-0",
		backend:        "subprocess",
		maxConcurrent:  4,
		maxOutputBytes: 512 * 1024,
		timeout:        30 * time.Second,
	}
	if v := os.Getenv("REPLSERVER_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("REPLSERVER_DEVICE_ID"); v != "" {
		cfg.deviceID = v
	}
	if v := os.Getenv("REPLSERVER_BACKEND"); v != "" {
		cfg.backend = v
	}
	if v := os.Getenv("REPLSERVER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	if v := os.Getenv("REPLSERVER_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutputBytes = n
		}
	}
	if v := os.Getenv("REPLSERVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.timeout = d
		}
	}
	return cfg
}

func buildExecutor(cfg config) (rlm.ReplExecutor, error) {
	opts := []code.Option{
		code.WithTimeout(cfg.timeout),
		code.WithMaxOutput(cfg.maxOutputBytes),
	}
	if cfg.backend == "docker" {
		return code.NewDockerExecutor(opts...)
	}
	return code.NewSubprocessExecutor(opts...), nil
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[replserver] ")

	cfg := loadConfig()
	executor, err := buildExecutor(cfg)
	if err != nil {
		log.Fatalf("backend %s: %v", cfg.backend, err)
	}

	h := newHandler(cfg.deviceID, executor, cfg.maxConcurrent)
	srv := &http.Server{
		Addr:    cfg.addr,
		Handler: h.routes(),
	}

	go func() {
		log.Printf("listening on %s (device %s, backend %s)", cfg.addr, cfg.deviceID, cfg.backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
