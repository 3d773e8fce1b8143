package uplink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meterpoint/metersync/internal/infrastructure/logging"
)

// Connectivity poll defaults.
const (
	defaultPollInterval = 60 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

// ConnState is the monitor's view of remote reachability.
type ConnState int

const (
	// StateUnknown means no probe has completed yet.
	StateUnknown ConnState = iota

	// StateConnected means the last probe succeeded.
	StateConnected

	// StateDisconnected means the last probe failed.
	StateDisconnected
)

// String returns the state name for logs and status payloads.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MonitorStatus is a snapshot of the monitor for status reporting.
type MonitorStatus struct {
	State      ConnState
	LastChange time.Time
	LastProbe  time.Time
	LastError  string
}

// MonitorConfig configures a connectivity Monitor.
type MonitorConfig struct {
	// Remote is probed for reachability. Required.
	Remote Remote

	// Logger is required.
	Logger *logging.Logger

	// PollInterval is the time between probes. Default: 60 seconds.
	PollInterval time.Duration

	// ProbeTimeout bounds one probe. Default: 10 seconds.
	ProbeTimeout time.Duration

	// OnConnect fires exactly once per Disconnected to Connected
	// transition. The very first successful probe after start does not
	// fire it; nothing was lost, so there is nothing to catch up on.
	OnConnect func()
}

// Monitor polls the remote sync service and tracks reachability.
// Probe failures are expected operation for an edge deployment and are
// absorbed into the state; they never propagate as errors.
type Monitor struct {
	cfg MonitorConfig

	mu         sync.Mutex
	state      ConnState
	lastChange time.Time
	lastProbe  time.Time
	lastErr    error
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewMonitor validates the configuration and returns a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Remote == nil {
		return nil, errors.New("uplink: monitor remote is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("uplink: monitor logger is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Monitor{cfg: cfg, state: StateUnknown}, nil
}

// Start begins polling. It probes once immediately so the state leaves
// Unknown without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.started = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(runCtx, done)

	m.cfg.Logger.Info("connectivity monitor started", "interval", m.cfg.PollInterval)
	return nil
}

// Stop halts polling and waits for the poll loop to exit. Safe to call
// multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// State returns the current connectivity state.
func (m *Monitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for status reporting.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := MonitorStatus{
		State:      m.state,
		LastChange: m.lastChange,
		LastProbe:  m.lastProbe,
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.probe(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe runs one reachability check and applies the state transition.
func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.cfg.Remote.Ping(probeCtx)
	cancel()

	if ctx.Err() != nil {
		// Shutdown race: a cancelled probe says nothing about the remote.
		return
	}

	m.mu.Lock()
	prev := m.state
	m.lastProbe = time.Now()
	m.lastErr = err
	if err != nil {
		m.state = StateDisconnected
	} else {
		m.state = StateConnected
	}
	next := m.state
	if next != prev {
		m.lastChange = m.lastProbe
	}
	m.mu.Unlock()

	if next == prev {
		return
	}

	switch next {
	case StateConnected:
		m.cfg.Logger.Info("uplink connectivity restored", "previous", prev.String())
	default:
		m.cfg.Logger.Warn("uplink connectivity lost", "error", err)
	}

	if prev == StateDisconnected && next == StateConnected && m.cfg.OnConnect != nil {
		m.cfg.OnConnect()
	}
}
