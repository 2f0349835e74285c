// Package connwatch tracks whether the services mnemo depends on (the
// model provider, the MQTT broker) are reachable.
//
// A Watcher probes one service. While the service is down it retries with
// exponential backoff; once up it polls at a steady interval. Transitions
// are logged and reported through an optional callback.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures a single service watcher. Zero durations take the
// defaults from [DefaultConfig].
type Config struct {
	Name  string
	Probe ProbeFunc

	// Interval is the polling period while the service is up.
	Interval time.Duration
	// RetryMin and RetryMax bound the backoff while it is down.
	RetryMin time.Duration
	RetryMax time.Duration
	// Timeout limits each probe call.
	Timeout time.Duration

	// OnChange is called on every ready/not-ready transition, including
	// the first probe result. It runs on the watcher goroutine and must
	// not block.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// DefaultConfig returns the standard timing: 60s polling, 2s to 60s
// backoff, 10s probe timeout.
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		RetryMin: 2 * time.Second,
		RetryMax: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// ServiceStatus is the health of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.cfg.RetryMin
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		next := w.cfg.Interval
		if err != nil {
			next = delay
			delay = min(delay*2, w.cfg.RetryMax)
		} else {
			delay = w.cfg.RetryMin
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores the probe outcome and reports transitions.
func (w *Watcher) record(err error) {
	ready := err == nil

	w.mu.Lock()
	changed := !w.status.Checked || w.status.Ready != ready
	w.status.Checked = true
	w.status.Ready = ready
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	if !changed {
		if err != nil {
			w.cfg.Logger.Debug("service still unreachable", "service", w.cfg.Name, "error", err)
		}
		return
	}
	if ready {
		w.cfg.Logger.Info("service reachable", "service", w.cfg.Name)
	} else {
		w.cfg.Logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(ready, err)
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher that runs until ctx is cancelled
// or Stop is called. It panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = def.RetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = max(def.RetryMax, cfg.RetryMin)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns the health of every watched service. It is safe to
// call on a nil Manager.
func (m *Manager) Status() map[string]ServiceStatus {
	if m == nil {
		return map[string]ServiceStatus{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := slices.Collect(maps.Values(m.watchers))
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
