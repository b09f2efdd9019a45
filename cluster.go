package rlm

import (
	"context"
	"time"
)

// ClusterClient is the thin adapter over the cluster control plane. The
// cluster package provides the HTTP implementation; tests substitute fakes.
type ClusterClient interface {
	// Devices returns the devices the cluster currently announces.
	Devices(ctx context.Context) ([]Device, error)
	// ExecuteREPL submits a code-block execution to a remote device.
	ExecuteREPL(ctx context.Context, deviceID string, req REPLRequest) (REPLResponse, error)
	// Chat sends one chat-completion request, routed toward deviceID.
	Chat(ctx context.Context, deviceID, model string, req ChatRequest) (ChatResponse, error)
	// Ping measures round-trip liveness of a device.
	Ping(ctx context.Context, deviceID string) (time.Duration, error)
}
