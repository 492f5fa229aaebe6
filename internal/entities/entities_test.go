package entities

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/firewalla-bridge/internal/coordinator"
	"github.com/nugget/firewalla-bridge/internal/firewalla"
)

func testSnapshot() coordinator.Snapshot {
	return coordinator.Snapshot{
		Boxes: []firewalla.Record{{"id": "gid-1", "name": "Home Gold", "model": "gold"}},
		Devices: []firewalla.Record{
			{
				"id":            "mac:AA:BB:CC:DD:EE:FF",
				"name":          "iPhone",
				"ip":            "192.168.1.20",
				"online":        true,
				"network":       map[string]any{"name": "LAN"},
				"totalDownload": 2048.0,
				"totalUpload":   1000.0,
			},
			{"id": "mac:11:22:33:44:55:66", "mac": "mac:11:22:33:44:55:66"},
			{"name": "no id, skipped"},
		},
		Flows: []firewalla.Record{
			{"id": "f1", "device": map[string]any{"id": "mac:AA:BB:CC:DD:EE:FF"},
				"destination": map[string]any{"name": "netflix.com"}, "download": 1024.0, "upload": 1024.0},
			{"id": "f2", "source": map[string]any{"id": "gone"},
				"destination": map[string]any{"ip": "1.2.3.4"}},
			{"id": "f3"},
			{"destination": map[string]any{"name": "no id"}},
		},
		Alarms: []firewalla.Record{
			{"aid": "1", "message": "New device joined"},
			{"aid": "2"}, {"aid": "3"}, {"aid": "4"}, {"aid": "5"}, {"aid": "6"},
		},
	}
}

func byUniqueID(t *testing.T, ents []Entity) map[string]Entity {
	t.Helper()
	out := make(map[string]Entity, len(ents))
	for _, e := range ents {
		if _, dup := out[e.UniqueID]; dup {
			t.Fatalf("duplicate unique id %q", e.UniqueID)
		}
		out[e.UniqueID] = e
	}
	return out
}

func TestBuild_BaselineEntities(t *testing.T) {
	ents := byUniqueID(t, Build(testSnapshot(), coordinator.StaticFlags{}))

	want := []string{
		"firewalla_mac_address_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_ip_address_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_network_name_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_tracker_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_mac_address_mac:11:22:33:44:55:66",
		"firewalla_ip_address_mac:11:22:33:44:55:66",
		"firewalla_network_name_mac:11:22:33:44:55:66",
		"firewalla_tracker_mac:11:22:33:44:55:66",
	}
	if len(ents) != len(want) {
		t.Errorf("got %d entities, want %d", len(ents), len(want))
	}
	for _, id := range want {
		if _, ok := ents[id]; !ok {
			t.Errorf("missing entity %q", id)
		}
	}
}

func TestBuild_FeatureGating(t *testing.T) {
	flags := coordinator.StaticFlags{"traffic": true, "flows": true, "alarms": true}
	ents := byUniqueID(t, Build(testSnapshot(), flags))

	for _, id := range []string{
		"firewalla_total_download_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_total_upload_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_flow_f1",
		"firewalla_flow_f2",
		"firewalla_flow_f3",
		"firewalla_recent_alarms_summary_v2",
	} {
		if _, ok := ents[id]; !ok {
			t.Errorf("missing entity %q", id)
		}
	}
	// The second device reports no traffic counters.
	if _, ok := ents["firewalla_total_download_mac:11:22:33:44:55:66"]; ok {
		t.Error("traffic sensor created for a device without totalDownload")
	}
}

func TestDeviceSensors_Values(t *testing.T) {
	snap := testSnapshot()
	ents := byUniqueID(t, Build(snap, coordinator.StaticFlags{"traffic": true}))

	tests := []struct {
		id   string
		want any
	}{
		{"firewalla_mac_address_mac:AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF"},
		{"firewalla_mac_address_mac:11:22:33:44:55:66", "11:22:33:44:55:66"},
		{"firewalla_ip_address_mac:AA:BB:CC:DD:EE:FF", "192.168.1.20"},
		{"firewalla_ip_address_mac:11:22:33:44:55:66", nil},
		{"firewalla_network_name_mac:AA:BB:CC:DD:EE:FF", "LAN"},
		{"firewalla_total_download_mac:AA:BB:CC:DD:EE:FF", 2.0},
		{"firewalla_total_upload_mac:AA:BB:CC:DD:EE:FF", 0.98},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			e, ok := ents[tt.id]
			if !ok {
				t.Fatalf("entity %q not built", tt.id)
			}
			if got := e.Value(snap).Value; got != tt.want {
				t.Errorf("value = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEntity_MissingRecordReadsAsNotFound(t *testing.T) {
	ents := byUniqueID(t, Build(testSnapshot(), coordinator.StaticFlags{"traffic": true, "flows": true}))
	empty := coordinator.Snapshot{}

	for _, id := range []string{
		"firewalla_ip_address_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_total_download_mac:AA:BB:CC:DD:EE:FF",
		"firewalla_flow_f1",
	} {
		st := ents[id].Value(empty)
		if st.Value != nil {
			t.Errorf("%s: value = %v, want nil", id, st.Value)
		}
		if st.Payload() != "None" {
			t.Errorf("%s: payload = %q, want None", id, st.Payload())
		}
	}

	tr := ents["firewalla_tracker_mac:AA:BB:CC:DD:EE:FF"].Value(empty)
	if tr.Value != "not_home" {
		t.Errorf("tracker for missing device = %v, want not_home", tr.Value)
	}
}

func TestTracker(t *testing.T) {
	snap := testSnapshot()
	ents := byUniqueID(t, Build(snap, nil))

	e := ents["firewalla_tracker_mac:AA:BB:CC:DD:EE:FF"]
	if e.Kind != KindTracker || e.Name != "iPhone" {
		t.Errorf("tracker = %+v", e)
	}
	if diff := cmp.Diff([]string{"firewalla_box_gid-1"}, e.Device.Identifiers); diff != "" {
		t.Errorf("tracker device (-want +got):\n%s", diff)
	}
	st := e.Value(snap)
	want := map[string]any{"source_type": "router", "ip": "192.168.1.20"}
	if st.Value != "home" {
		t.Errorf("state = %v, want home", st.Value)
	}
	if diff := cmp.Diff(want, st.Attributes); diff != "" {
		t.Errorf("attributes (-want +got):\n%s", diff)
	}

	if name := ents["firewalla_tracker_mac:11:22:33:44:55:66"].Name; name != "Firewalla Device mac:11:22:33:44:55:66" {
		t.Errorf("unnamed tracker name = %q", name)
	}
}

func TestFlowSensors(t *testing.T) {
	snap := testSnapshot()
	ents := byUniqueID(t, Build(snap, coordinator.StaticFlags{"flows": true}))

	f1 := ents["firewalla_flow_f1"]
	if f1.Name != "iPhone Flow to netflix.com" {
		t.Errorf("f1 name = %q", f1.Name)
	}
	if diff := cmp.Diff([]string{"firewalla_mac:AA:BB:CC:DD:EE:FF"}, f1.Device.Identifiers); diff != "" {
		t.Errorf("f1 should link to its device (-want +got):\n%s", diff)
	}
	if got := f1.Value(snap).Value; got != 2.0 {
		t.Errorf("f1 value = %v, want 2", got)
	}

	f2 := ents["firewalla_flow_f2"]
	if f2.Name != "Standalone Flow Flow to 1.2.3.4" {
		t.Errorf("f2 name = %q", f2.Name)
	}
	if diff := cmp.Diff([]string{"firewalla_box_gid-1"}, f2.Device.Identifiers); diff != "" {
		t.Errorf("f2 should link to the box (-want +got):\n%s", diff)
	}
	if got := f2.Value(snap).Value; got != 0.0 {
		t.Errorf("f2 value = %v, want 0", got)
	}

	if name := ents["firewalla_flow_f3"].Name; name != "Standalone Flow Flow to unknown" {
		t.Errorf("f3 name = %q", name)
	}
}

func TestRecentAlarms(t *testing.T) {
	snap := testSnapshot()
	e := byUniqueID(t, Build(snap, coordinator.StaticFlags{"alarms": true}))["firewalla_recent_alarms_summary_v2"]

	st := e.Value(snap)
	if st.Value != "New device joined" {
		t.Errorf("value = %v", st.Value)
	}
	if st.Attributes["total_alarms"] != 6 {
		t.Errorf("total_alarms = %v, want 6", st.Attributes["total_alarms"])
	}
	if recent := st.Attributes["recent_events"].([]firewalla.Record); len(recent) != 5 {
		t.Errorf("recent_events has %d entries, want 5", len(recent))
	}

	tests := []struct {
		name   string
		alarms []firewalla.Record
		want   string
	}{
		{"none", nil, "No Alarms"},
		{"no message", []firewalla.Record{{"aid": "9"}}, "Unknown Event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Value(coordinator.Snapshot{Alarms: tt.alarms}).Payload(); got != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoxDevice_Fallback(t *testing.T) {
	d := BoxDevice(coordinator.Snapshot{})
	if diff := cmp.Diff([]string{"firewalla_box_firewalla_hub"}, d.Identifiers); diff != "" {
		t.Errorf("fallback identifiers (-want +got):\n%s", diff)
	}
	if d.Name != "Firewalla Box" {
		t.Errorf("fallback name = %q", d.Name)
	}

	named := BoxDevice(testSnapshot())
	if named.Name != "Home Gold" || named.Model != "gold" {
		t.Errorf("box device = %+v", named)
	}
}

func TestStatePayload(t *testing.T) {
	tests := []struct {
		v    any
		want string
	}{
		{nil, "None"},
		{"home", "home"},
		{2.5, "2.5"},
		{3.0, "3"},
		{7, "7"},
		{true, "true"},
	}
	for _, tt := range tests {
		if got := (State{Value: tt.v}).Payload(); got != tt.want {
			t.Errorf("Payload(%#v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}
