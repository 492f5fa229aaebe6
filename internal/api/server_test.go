package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/connwatch"
	"github.com/nugget/firewalla-bridge/internal/coordinator"
	"github.com/nugget/firewalla-bridge/internal/events"
	"github.com/nugget/firewalla-bridge/internal/firewalla"
)

type fakeSource struct {
	snap      coordinator.Snapshot
	has       bool
	status    coordinator.Status
	refreshes atomic.Int32
}

func (f *fakeSource) Data() (coordinator.Snapshot, bool) { return f.snap.Clone(), f.has }
func (f *fakeSource) Status() coordinator.Status         { return f.status }
func (f *fakeSource) RequestRefresh()                    { f.refreshes.Add(1) }

type memOverrides struct {
	mu   sync.Mutex
	vals map[string]bool
	err  error
}

func (m *memOverrides) Lookup(name string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[name]
	return v, ok
}

func (m *memOverrides) Set(_ context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.vals[name] = enabled
	return nil
}

func (m *memOverrides) Clear(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, name)
	return nil
}

type fakeHealth struct{ ready bool }

func (f fakeHealth) Ready() bool { return f.ready }
func (f fakeHealth) Status() map[string]connwatch.ServiceStatus {
	return map[string]connwatch.ServiceStatus{"mqtt": {Name: "mqtt", Ready: f.ready}}
}

type testEnv struct {
	src       *fakeSource
	overrides *memOverrides
	bus       *events.Bus
	srv       *httptest.Server
}

func newTestEnv(t *testing.T, has bool) *testEnv {
	t.Helper()
	src := &fakeSource{has: has}
	if has {
		src.snap = coordinator.Snapshot{
			Boxes: []firewalla.Record{{"id": "box1", "name": "Home", "model": "gold"}},
			Devices: []firewalla.Record{
				{"id": "aa:bb", "name": "Laptop", "ip": "10.0.0.2", "mac": "mac:aa:bb", "online": true},
			},
		}
		src.status = coordinator.Status{HasData: true, Refreshes: 3}
	}
	env := &testEnv{
		src:       src,
		overrides: &memOverrides{vals: map[string]bool{}},
		bus:       events.New(),
	}
	base := coordinator.StaticFlags{config.FeatureRules: true, config.FeatureAlarms: true}
	s := NewServer("", 0, Deps{
		Source:    src,
		Flags:     coordinator.LayeredFlags{Override: env.overrides, Base: base},
		Overrides: env.overrides,
		Health:    fakeHealth{ready: true},
		Bus:       env.bus,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	resp, body := env.do(t, "GET", "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, body)
	want := map[string]any{"status": "ok", "has_data": false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, true)
	_, body := env.do(t, "GET", "/v1/status", "")
	got := decode[struct {
		Refresh  coordinator.Status                 `json:"refresh"`
		Services map[string]connwatch.ServiceStatus `json:"services"`
	}](t, body)
	if got.Refresh.Refreshes != 3 || !got.Refresh.HasData {
		t.Errorf("refresh status = %+v", got.Refresh)
	}
	if !got.Services["mqtt"].Ready {
		t.Errorf("services = %+v", got.Services)
	}
}

func TestSnapshot_NoData(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/v1/snapshot", "/v1/snapshot/devices", "/v1/devices/x", "/v1/entities"} {
		resp, _ := env.do(t, "GET", path, "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, true)
	resp, body := env.do(t, "GET", "/v1/snapshot", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	got := decode[struct {
		Stale  bool           `json:"stale"`
		Counts map[string]int `json:"counts"`
		Data   struct {
			Rules []firewalla.Record `json:"rules"`
		} `json:"data"`
	}](t, body)
	if got.Counts["devices"] != 1 || got.Counts["boxes"] != 1 {
		t.Errorf("counts = %v", got.Counts)
	}
	if got.Data.Rules == nil {
		t.Error("empty collections should encode as [] not null")
	}
}

func TestCollection(t *testing.T) {
	env := newTestEnv(t, true)

	_, body := env.do(t, "GET", "/v1/snapshot/devices", "")
	got := decode[[]map[string]any](t, body)
	if len(got) != 1 || got[0]["name"] != "Laptop" {
		t.Errorf("devices = %v", got)
	}

	resp, _ := env.do(t, "GET", "/v1/snapshot/widgets", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown collection status = %d, want 404", resp.StatusCode)
	}
}

func TestDevice(t *testing.T) {
	env := newTestEnv(t, true)

	resp, body := env.do(t, "GET", "/v1/devices/aa:bb", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, body); got["ip"] != "10.0.0.2" {
		t.Errorf("device = %v", got)
	}

	resp, _ = env.do(t, "GET", "/v1/devices/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", resp.StatusCode)
	}
}

func TestEntities(t *testing.T) {
	env := newTestEnv(t, true)
	_, body := env.do(t, "GET", "/v1/entities", "")
	got := decode[[]struct {
		UniqueID string `json:"unique_id"`
		Payload  string `json:"payload"`
	}](t, body)

	payloads := make(map[string]string, len(got))
	for _, e := range got {
		payloads[e.UniqueID] = e.Payload
	}
	if p := payloads["firewalla_ip_address_aa:bb"]; p != "10.0.0.2" {
		t.Errorf("ip payload = %q (entities: %v)", p, payloads)
	}
	if p := payloads["firewalla_recent_alarms_summary_v2"]; p != "No Alarms" {
		t.Errorf("alarm summary payload = %q", p)
	}
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, true)
	ch := env.bus.Subscribe(4)
	defer env.bus.Unsubscribe(ch)

	resp, _ := env.do(t, "POST", "/v1/refresh", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if n := env.src.refreshes.Load(); n != 1 {
		t.Errorf("RequestRefresh called %d times", n)
	}
	select {
	case e := <-ch:
		if e.Kind != events.KindRefreshRequested || e.Source != events.SourceAPI {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no event published")
	}
}

func TestFeatures_ListAndOverride(t *testing.T) {
	env := newTestEnv(t, true)

	_, body := env.do(t, "GET", "/v1/features", "")
	got := decode[[]featureView](t, body)
	want := []featureView{
		{Name: "rules", Enabled: true},
		{Name: "alarms", Enabled: true},
		{Name: "flows"},
		{Name: "traffic"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}

	resp, body := env.do(t, "PUT", "/v1/features/alarms", `{"enabled": false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", resp.StatusCode, body)
	}
	off := false
	want[1] = featureView{Name: "alarms", Enabled: false, Override: &off}
	if diff := cmp.Diff(want, decode[[]featureView](t, body)); diff != "" {
		t.Errorf("after override (-want +got):\n%s", diff)
	}
	if n := env.src.refreshes.Load(); n != 1 {
		t.Errorf("RequestRefresh called %d times, want 1", n)
	}

	_, body = env.do(t, "PUT", "/v1/features/alarms", `{"enabled": null}`)
	want[1] = featureView{Name: "alarms", Enabled: true}
	if diff := cmp.Diff(want, decode[[]featureView](t, body)); diff != "" {
		t.Errorf("after clear (-want +got):\n%s", diff)
	}
}

func TestSetFeature_Errors(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown feature", "/v1/features/widgets", `{"enabled": true}`, http.StatusNotFound},
		{"bad body", "/v1/features/rules", `{"enabled": "yes"}`, http.StatusBadRequest},
		{"empty body", "/v1/features/rules", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, "PUT", tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	env.overrides.mu.Lock()
	env.overrides.err = errors.New("disk full")
	env.overrides.mu.Unlock()
	resp, _ := env.do(t, "PUT", "/v1/features/rules", `{"enabled": false}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("store failure status = %d, want 500", resp.StatusCode)
	}
	if n := env.src.refreshes.Load(); n != 0 {
		t.Errorf("RequestRefresh called %d times after failed writes", n)
	}
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, true)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.Emit(events.SourceCoordinator, events.KindRefreshComplete, map[string]any{"devices": 1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := decode[events.Event](t, msg)
	if got.Kind != events.KindRefreshComplete || got.Source != events.SourceCoordinator {
		t.Errorf("event = %+v", got)
	}
	if !bytes.Contains(msg, []byte(`"devices":1`)) {
		t.Errorf("event data missing: %s", msg)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
