package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/nevindra/rlmengine"
)

// handler serves the execution API with a bounded concurrency slot pool.
type handler struct {
	deviceID string
	executor rlm.ReplExecutor
	slots    chan struct{}
}

func newHandler(deviceID string, executor rlm.ReplExecutor, maxConcurrent int) *handler {
	return &handler{
		deviceID: deviceID,
		executor: executor,
		slots:    make(chan struct{}, maxConcurrent),
	}
}

func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/repl/execute", h.handleExecute)
	mux.HandleFunc("GET /ping/", h.handlePing)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	return mux
}

// submission matches the control plane's execute body. The device_id is
// accepted for protocol compatibility; a standalone server executes
// regardless of which id the caller routed to.
type submission struct {
	DeviceID string          `json:"device_id"`
	Request  rlm.REPLRequest `json:"request"`
}

func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var sub submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if sub.Request.Code == "" {
		http.Error(w, "empty code", http.StatusBadRequest)
		return
	}

	select {
	case h.slots <- struct{}{}:
		defer func() { <-h.slots }()
	case <-r.Context().Done():
		return
	}

	log.Printf("execute: language=%s bytes=%d", sub.Request.Language, len(sub.Request.Code))
	resp, err := h.executor.Execute(r.Context(), sub.Request)
	if err != nil {
		// REPL-semantic failures still produce a structured response; the
		// engine inspects exit_code and stderr.
		var exitErr *rlm.ErrREPLExit
		var toErr *rlm.ErrREPLTimeout
		switch {
		case errors.As(err, &exitErr):
			if resp.ExitCode == 0 {
				// Some failures (output cap) carry no response of their own.
				resp.ExitCode = exitErr.ExitCode
				resp.Stderr = exitErr.Stderr
			}
			writeJSON(w, resp)
			return
		case errors.As(err, &toErr):
			writeJSON(w, rlm.REPLResponse{
				Stderr:   toErr.Error(),
				ExitCode: -1,
			})
			return
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, resp)
}

func (h *handler) handlePing(w http.ResponseWriter, r *http.Request) {
	// Accept /ping/<any-device-id>; the probe measures this process.
	id := strings.TrimPrefix(r.URL.Path, "/ping/")
	writeJSON(w, map[string]string{"device_id": firstNonEmpty(id, h.deviceID), "status": "ok"})
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"device_id": h.deviceID,
		"capacity":  cap(h.slots),
		"in_flight": len(h.slots),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
