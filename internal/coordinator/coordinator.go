// Package coordinator owns the bridge's refresh loop and the one
// retained snapshot of Firewalla data. Each refresh fetches the core
// collections (devices, boxes) and whichever optional collections
// (rules, alarms, flows) are enabled, then merges the result over the
// retained snapshot so that an outage shows stale data instead of no
// data.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/firewalla-bridge/internal/events"
	"github.com/nugget/firewalla-bridge/internal/firewalla"
)

// Source provides the five collections. *firewalla.Client satisfies it.
type Source interface {
	Boxes(ctx context.Context) ([]firewalla.Record, error)
	Devices(ctx context.Context) ([]firewalla.Record, error)
	Rules(ctx context.Context) ([]firewalla.Record, error)
	Alarms(ctx context.Context) ([]firewalla.Record, error)
	Flows(ctx context.Context) ([]firewalla.Record, error)
}

// Config configures a Coordinator.
type Config struct {
	// Source is the API the snapshot is fetched from.
	Source Source

	// Flags gates the optional collections. Nil disables all of them.
	Flags FlagResolver

	// Interval between refreshes when running Start.
	Interval time.Duration

	// FetchTimeout bounds each individual collection fetch. Zero means
	// only the caller's context applies.
	FetchTimeout time.Duration

	// Bus receives refresh events. May be nil.
	Bus *events.Bus

	Logger *slog.Logger
}

// Status describes the outcome of recent refreshes.
type Status struct {
	LastRefresh time.Time         `json:"last_refresh"`
	LastSuccess time.Time         `json:"last_success"`
	LastError   string            `json:"last_error,omitempty"`
	Stale       bool              `json:"stale"`
	HasData     bool              `json:"has_data"`
	Refreshes   int               `json:"refreshes"`
	Failures    int               `json:"failures"`
	Skipped     map[string]string `json:"skipped,omitempty"` // collection → error, last refresh only
	Interval    time.Duration     `json:"interval_ns"`
}

// Coordinator runs refreshes and holds the retained snapshot. Refresh
// is the only writer; Data and Status may be called from any goroutine.
type Coordinator struct {
	cfg Config

	// refreshMu keeps at most one refresh in flight.
	refreshMu sync.Mutex

	mu       sync.RWMutex
	retained Snapshot
	hasData  bool
	status   Status

	listenMu  sync.Mutex
	listeners []func(Snapshot)

	trigger chan struct{}
}

// New creates a Coordinator. It does not fetch anything until Refresh
// or Start is called.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Flags == nil {
		cfg.Flags = StaticFlags(nil)
	}
	return &Coordinator{
		cfg:     cfg,
		status:  Status{Interval: cfg.Interval},
		trigger: make(chan struct{}, 1),
	}
}

// OnUpdate registers fn to be called after every refresh that yields a
// snapshot, fresh or stale. Listeners run synchronously on the
// refreshing goroutine and must not call Refresh.
func (c *Coordinator) OnUpdate(fn func(Snapshot)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Data returns a copy of the retained snapshot and whether one exists.
func (c *Coordinator) Data() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasData {
		return Snapshot{}.normalized(), false
	}
	return c.retained.Clone(), true
}

// Status returns a copy of the refresh status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	st.HasData = c.hasData
	if c.status.Skipped != nil {
		st.Skipped = make(map[string]string, len(c.status.Skipped))
		for k, v := range c.status.Skipped {
			st.Skipped[k] = v
		}
	}
	return st
}

// RequestRefresh asks a running Start loop to refresh now. It never
// blocks; requests made while one is already pending are coalesced.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Start refreshes immediately, then on every Interval tick and on every
// RequestRefresh, until ctx is cancelled. It blocks.
func (c *Coordinator) Start(ctx context.Context) {
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		case <-c.trigger:
			c.tick(ctx)
			ticker.Reset(interval)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.cfg.Logger.Warn("firewalla refresh failed", "error", err)
	}
}

// Refresh runs one fetch-and-merge cycle.
//
// Core collections are always fetched. Once a snapshot is retained, a
// transport failure of one core collection leaves it empty for this
// tick, to be filled from the retained snapshot. When every core fetch
// fails the refresh falls back to the retained snapshot unchanged. With
// nothing retained, any core failure returns an error matching
// ErrRefreshFailed.
//
// Optional collections are fetched only when enabled; their transport
// failures are logged and treated as empty. Errors that are not
// transport failures are returned as-is and leave the retained snapshot
// untouched.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	skipped := make(map[string]string)

	var fresh Snapshot
	var coreErrs []error
	core := []struct {
		name  string
		fetch func(context.Context) ([]firewalla.Record, error)
	}{
		{firewalla.CollectionDevices, c.cfg.Source.Devices},
		{firewalla.CollectionBoxes, c.cfg.Source.Boxes},
	}
	for _, f := range core {
		recs, err := c.fetch(ctx, f.fetch)
		if err != nil {
			if !recoverable(ctx, err) {
				return c.abort(start, fmt.Errorf("fetch %s: %w", f.name, err))
			}
			coreErrs = append(coreErrs, err)
			skipped[f.name] = err.Error()
			continue
		}
		*fresh.slot(f.name) = recs
	}
	c.mu.RLock()
	hasData := c.hasData
	c.mu.RUnlock()
	// A partial core failure is only filled from the cache when one exists.
	if len(coreErrs) == len(core) || (len(coreErrs) > 0 && !hasData) {
		return c.coreFailed(start, errors.Join(coreErrs...), skipped)
	}
	for _, err := range coreErrs {
		c.cfg.Logger.Warn("core collection fetch failed, keeping cached records", "error", err)
	}

	optional := []struct {
		name  string
		fetch func(context.Context) ([]firewalla.Record, error)
	}{
		{firewalla.CollectionRules, c.cfg.Source.Rules},
		{firewalla.CollectionAlarms, c.cfg.Source.Alarms},
		{firewalla.CollectionFlows, c.cfg.Source.Flows},
	}
	for _, f := range optional {
		if !c.cfg.Flags.Enabled(f.name) {
			continue
		}
		recs, err := c.fetch(ctx, f.fetch)
		if err != nil {
			if !recoverable(ctx, err) {
				return c.abort(start, fmt.Errorf("fetch %s: %w", f.name, err))
			}
			c.cfg.Logger.Warn("could not fetch collection", "collection", f.name, "error", err)
			c.cfg.Bus.Emit(events.SourceCoordinator, events.KindCollectionSkipped, map[string]any{
				"collection": f.name,
				"error":      err.Error(),
			})
			skipped[f.name] = err.Error()
			continue
		}
		*fresh.slot(f.name) = recs
	}

	c.mu.Lock()
	merged := merge(fresh, c.retained)
	c.retained = merged
	c.hasData = true
	c.status.LastRefresh = start
	c.status.LastSuccess = start
	c.status.LastError = ""
	c.status.Stale = false
	c.status.Refreshes++
	c.status.Skipped = nil
	if len(skipped) > 0 {
		c.status.Skipped = skipped
	}
	out := merged.Clone()
	c.mu.Unlock()

	elapsed := time.Since(start)
	counts := out.Counts()
	c.cfg.Logger.Debug("firewalla refresh complete",
		"devices", counts[firewalla.CollectionDevices],
		"boxes", counts[firewalla.CollectionBoxes],
		"rules", counts[firewalla.CollectionRules],
		"alarms", counts[firewalla.CollectionAlarms],
		"flows", counts[firewalla.CollectionFlows],
		"elapsed", elapsed.Round(time.Millisecond),
	)
	data := make(map[string]any, len(counts)+1)
	for k, v := range counts {
		data[k] = v
	}
	data["elapsed_ms"] = elapsed.Milliseconds()
	c.cfg.Bus.Emit(events.SourceCoordinator, events.KindRefreshComplete, data)

	c.notify(out)
	return out, nil
}

// fetch runs one collection fetch under the per-fetch timeout.
func (c *Coordinator) fetch(ctx context.Context, fn func(context.Context) ([]firewalla.Record, error)) ([]firewalla.Record, error) {
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// coreFailed serves the retained snapshot, or reports ErrRefreshFailed
// when nothing has been retained yet.
func (c *Coordinator) coreFailed(start time.Time, cause error, skipped map[string]string) (Snapshot, error) {
	c.mu.Lock()
	c.status.LastRefresh = start
	c.status.Skipped = skipped
	c.status.LastError = cause.Error()
	c.status.Refreshes++
	c.status.Failures++
	if !c.hasData {
		c.mu.Unlock()
		err := &RefreshError{Err: cause}
		c.cfg.Bus.Emit(events.SourceCoordinator, events.KindRefreshFailed, map[string]any{"error": cause.Error()})
		return Snapshot{}, err
	}
	c.status.Stale = true
	out := c.retained.Clone()
	c.mu.Unlock()

	c.cfg.Logger.Error("API error, using cached data", "error", cause)
	c.cfg.Bus.Emit(events.SourceCoordinator, events.KindRefreshStale, map[string]any{"error": cause.Error()})
	c.notify(out)
	return out, nil
}

// abort records an unrecoverable error without touching the retained
// snapshot.
func (c *Coordinator) abort(start time.Time, err error) (Snapshot, error) {
	c.mu.Lock()
	c.status.LastRefresh = start
	c.status.Skipped = nil
	c.status.LastError = err.Error()
	c.status.Refreshes++
	c.status.Failures++
	c.mu.Unlock()
	return Snapshot{}, err
}

func (c *Coordinator) notify(s Snapshot) {
	c.listenMu.Lock()
	fns := append([]func(Snapshot){}, c.listeners...)
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
