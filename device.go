package rlm

import "time"

// Device is one compute endpoint in the cluster: a machine (local or remote)
// with declared runtimes, memory, and an inference-throughput estimate.
// Device records are mutated only by the HealthMonitor; everywhere else they
// travel as read-only copies.
type Device struct {
	ID      string `json:"device_id"`
	Address string `json:"address"`
	// Runtimes lists the languages this device can execute, plus "llm" when
	// it serves chat completions.
	Runtimes []Language `json:"runtimes"`
	// MemoryTotal and MemoryAvailable are in bytes.
	MemoryTotal     uint64 `json:"memory_total"`
	MemoryAvailable uint64 `json:"memory_available"`
	// TokensPerSec is the device's estimated inference throughput.
	TokensPerSec float64 `json:"tokens_per_sec"`
	// LatencyMS is the last measured round-trip time, maintained by the
	// HealthMonitor.
	LatencyMS int64 `json:"latency_ms"`
	// Models lists model names currently loaded on the device.
	Models []string `json:"models"`
}

// Supports reports whether the device declares the given runtime.
func (d Device) Supports(lang Language) bool {
	for _, r := range d.Runtimes {
		if r == lang {
			return true
		}
	}
	return false
}

// HasModel reports whether the device has the named model loaded.
// An empty model name matches any device.
func (d Device) HasModel(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Load is memory_used / memory_total clamped to [0,1]. A device reporting
// zero total memory counts as fully loaded.
func (d Device) Load() float64 {
	if d.MemoryTotal == 0 {
		return 1
	}
	used := float64(d.MemoryTotal) - float64(d.MemoryAvailable)
	load := used / float64(d.MemoryTotal)
	if load < 0 {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}

// DeviceHealth is the monitor's liveness record for one device.
// Invariant: Healthy implies ConsecutiveFailures < the monitor's threshold.
type DeviceHealth struct {
	Healthy             bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastLatencyMS       int64
}
