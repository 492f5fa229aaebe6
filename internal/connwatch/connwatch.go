// Package connwatch tracks the health of the bridge's external
// dependencies: the Firewalla MSP API and the MQTT broker.
//
// httpkit retries individual requests across sub-second dial failures;
// connwatch covers longer outages. Each Watcher probes one service,
// first with exponential backoff while the bridge starts up (2s, 4s,
// 8s, ... capped at 60s), then on a fixed poll interval, and reports
// up/down transitions through callbacks and the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/firewalla-bridge/internal/events"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay (2s)
	MaxDelay     time.Duration // retry delay ceiling (60s)
	Multiplier   float64       // growth per retry (2.0)
	MaxRetries   int           // startup attempts before polling (10)
	PollInterval time.Duration // background probe interval (60s)
	ProbeTimeout time.Duration // per-probe deadline (10s)
}

// DefaultBackoffConfig returns the default schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures one watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, events and status ("firewalla", "mqtt").
	Name string

	// Probe must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	// Both are optional.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is a watcher's state for the status endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	bus    *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// Status returns the watcher's current state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.cfg.Backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// startup probes with exponential backoff until the first success or
// MaxRetries attempts. It returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	b := w.cfg.Backoff
	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			return true
		}
		if attempt >= b.MaxRetries {
			w.cfg.Logger.Info("startup connection failed, entering background polling",
				"service", w.cfg.Name, "attempts", attempt, "error", err)
			return true
		}
		w.cfg.Logger.Debug("startup probe failed, retrying",
			"service", w.cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}
}

// check probes once, records the result and fires transition hooks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	was := w.ready.Swap(err == nil)
	switch {
	case !was && err == nil:
		w.cfg.Logger.Info("service connected", "service", w.cfg.Name)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{"service": w.cfg.Name})
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case was && err != nil:
		w.cfg.Logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.cfg.Name,
			"error":   err.Error(),
		})
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case err != nil:
		w.cfg.Logger.Debug("service still unreachable", "service", w.cfg.Name, "error", err)
	}
	return err
}

// Manager owns a set of watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a Manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. An empty Name or nil Probe is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns every watcher's state keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Ready reports whether every watched service is reachable.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop stops every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
