// Package events carries operational events from the bridge's
// components (refresh loop, MQTT publisher, status API) to live
// observers such as the /v1/ws stream. A nil *Bus accepts publishes and
// drops them, so components never need to guard their calls.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceCoordinator = "coordinator"
	SourceMQTT        = "mqtt"
	SourceAPI         = "api"
	SourceConnwatch   = "connwatch"
)

// Kinds.
const (
	// KindRefreshComplete: a refresh merged fresh data.
	// Data: devices, boxes, rules, alarms, flows, elapsed_ms.
	KindRefreshComplete = "refresh_complete"
	// KindRefreshStale: the core fetch failed and the retained snapshot
	// was served instead. Data: error.
	KindRefreshStale = "refresh_stale"
	// KindRefreshFailed: the core fetch failed with nothing retained.
	// Data: error.
	KindRefreshFailed = "refresh_failed"
	// KindRefreshRequested: a refresh was requested out of schedule.
	// Data: remote_addr.
	KindRefreshRequested = "refresh_requested"

	// KindCollectionSkipped: an optional collection fetch failed and
	// counted as empty for the tick. Data: collection, error.
	KindCollectionSkipped = "collection_skipped"

	// KindDiscoveryPublished: new entities were announced to Home
	// Assistant. Data: count.
	KindDiscoveryPublished = "discovery_published"
	// KindFeatureChanged: a feature flag override was written.
	// Data: feature, enabled (absent when cleared), origin.
	KindFeatureChanged = "feature_changed"

	// KindServiceUp / KindServiceDown: a watched dependency changed
	// state. Data: service, error (down only).
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Each subscriber owns a buffered
// channel; when it is full the event is dropped for that subscriber
// only.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// byRecv resolves the receive-only view handed to callers back to
	// the channel we send on.
	byRecv map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		byRecv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber without blocking. A zero
// Timestamp is filled with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.byRecv[ch] = ch
	return ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.byRecv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.byRecv, ch)
	close(send)
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
