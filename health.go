package rlm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger measures liveness of a single device. The cluster client provides
// one backed by GET /ping/<device_id>.
type Pinger interface {
	Ping(ctx context.Context, deviceID string) (time.Duration, error)
}

// HealthMonitor tracks device liveness, latency, and consecutive failures,
// and answers healthy-set queries for the scheduler. It acts as the circuit
// breaker: a device that fails failureThreshold times in a row leaves the
// healthy set, and the first success readmits it.
//
// All state sits behind a single RWMutex. Critical sections are short;
// readers get point-in-time copies and never observe a partially-updated
// device record.
type HealthMonitor struct {
	mu      sync.RWMutex
	devices map[string]*deviceState

	failureThreshold int
	checkInterval    time.Duration
	pinger           Pinger
	logger           *slog.Logger
}

type deviceState struct {
	dev    Device
	health DeviceHealth
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// HealthFailureThreshold sets consecutive failures before a device is
// marked unhealthy (default: 3).
func HealthFailureThreshold(n int) HealthOption {
	return func(m *HealthMonitor) {
		if n > 0 {
			m.failureThreshold = n
		}
	}
}

// HealthCheckInterval sets the background probe period (default: 10s).
func HealthCheckInterval(d time.Duration) HealthOption {
	return func(m *HealthMonitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// HealthLogger sets a structured logger. Default: silent.
func HealthLogger(l *slog.Logger) HealthOption {
	return func(m *HealthMonitor) { m.logger = l }
}

// NewHealthMonitor creates a monitor probing through p. A nil pinger is
// allowed; Run then probes nothing and the monitor is driven entirely
// by MarkSuccess/MarkFailure from operation outcomes.
func NewHealthMonitor(p Pinger, opts ...HealthOption) *HealthMonitor {
	m := &HealthMonitor{
		devices:          make(map[string]*deviceState),
		failureThreshold: 3,
		checkInterval:    10 * time.Second,
		pinger:           p,
		logger:           slog.New(discardLogHandler{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds (or replaces) a device. New devices start healthy.
func (m *HealthMonitor) Register(dev Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.devices[dev.ID]; ok {
		// Cluster re-announce: refresh the record, keep the health history.
		dev.LatencyMS = st.health.LastLatencyMS
		st.dev = dev
		return
	}
	m.devices[dev.ID] = &deviceState{
		dev:    dev,
		health: DeviceHealth{Healthy: true, LastCheck: time.Now()},
	}
}

// Remove drops a device, e.g. when the cluster no longer lists it.
func (m *HealthMonitor) Remove(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
}

// MarkSuccess records a successful operation: the device becomes healthy,
// its failure counter resets, and its latency sample is updated. Recovery is
// monotone — one success readmits a device regardless of prior failures.
func (m *HealthMonitor) MarkSuccess(deviceID string, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[deviceID]
	if !ok {
		return
	}
	st.health.Healthy = true
	st.health.ConsecutiveFailures = 0
	st.health.LastCheck = time.Now()
	st.health.LastLatencyMS = rtt.Milliseconds()
	st.dev.LatencyMS = rtt.Milliseconds()
}

// MarkFailure records a failed operation. Crossing the failure threshold
// flips the device unhealthy atomically.
func (m *HealthMonitor) MarkFailure(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[deviceID]
	if !ok {
		return
	}
	st.health.ConsecutiveFailures++
	st.health.LastCheck = time.Now()
	if st.health.ConsecutiveFailures >= m.failureThreshold {
		if st.health.Healthy {
			m.logger.Warn("rlm: device unhealthy",
				"device", deviceID,
				"consecutive_failures", st.health.ConsecutiveFailures)
		}
		st.health.Healthy = false
	}
}

// Health returns the health record for one device.
func (m *HealthMonitor) Health(deviceID string) (DeviceHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.devices[deviceID]
	if !ok {
		return DeviceHealth{}, false
	}
	return st.health, true
}

// HealthyDevices returns a point-in-time copy of the healthy subset.
func (m *HealthMonitor) HealthyDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, st := range m.devices {
		if st.health.Healthy {
			out = append(out, st.dev)
		}
	}
	return out
}

// KnownIDs returns the ids of every tracked device, healthy or not.
func (m *HealthMonitor) KnownIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.devices))
	for id := range m.devices {
		out = append(out, id)
	}
	return out
}

// DevicesWithRuntime filters healthy devices by declared runtime support.
func (m *HealthMonitor) DevicesWithRuntime(lang Language) []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Device
	for _, st := range m.devices {
		if st.health.Healthy && st.dev.Supports(lang) {
			out = append(out, st.dev)
		}
	}
	return out
}

// Run starts the background probe loop, checking every device each tick.
// It blocks until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	if m.pinger == nil {
		<-ctx.Done()
		return
	}
	m.logger.Debug("rlm: health monitor started", "interval", m.checkInterval)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("rlm: health monitor stopped")
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *HealthMonitor) checkAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		rtt, err := m.pinger.Ping(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.MarkFailure(id)
			continue
		}
		m.MarkSuccess(id, rtt)
	}
}

// discardLogHandler is a slog.Handler that drops everything. Components
// default to it so logging is opt-in.
type discardLogHandler struct{}

func (discardLogHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardLogHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardLogHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardLogHandler) WithGroup(string) slog.Handler           { return d }
