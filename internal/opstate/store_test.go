package opstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/firewalla-bridge/internal/coordinator"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLookupMissing(t *testing.T) {
	s := testStore(t)
	v, found, err := s.Lookup(context.Background(), "ns", "missing")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found || v != "" {
		t.Errorf("Lookup = (%q, %v), want (\"\", false)", v, found)
	}
}

func TestSetOverwritesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for _, v := range []string{"v1", "v2"} {
		if err := s.Set(ctx, "ns", "key", v); err != nil {
			t.Fatalf("Set(%s): %v", v, err)
		}
	}
	v, found, err := s.Lookup(ctx, "ns", "key")
	if err != nil || !found || v != "v2" {
		t.Fatalf("Lookup = (%q, %v, %v), want v2", v, found, err)
	}

	if err := s.Delete(ctx, "ns", "key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "ns", "key"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, found, _ := s.Lookup(ctx, "ns", "key"); found {
		t.Error("key still present after Delete")
	}
}

func TestListIsNamespacedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	s.Set(ctx, "a", "zeta", "1")
	s.Set(ctx, "a", "alpha", "2")
	s.Set(ctx, "b", "other", "3")

	entries, err := s.List(ctx, "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
		if e.UpdatedAt.IsZero() {
			t.Errorf("%s: UpdatedAt not parsed", e.Key)
		}
	}
	if diff := cmp.Diff([]string{"alpha", "zeta"}, keys); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := NewFlagLayer(s1, nil).Set(ctx, "flows", true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s1.Close()

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if v, ok := NewFlagLayer(s2, nil).Lookup("flows"); !ok || !v {
		t.Errorf("Lookup after reopen = (%v, %v), want (true, true)", v, ok)
	}
}

func TestFlagLayer_OverridesConfig(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	layer := NewFlagLayer(s, nil)

	flags := coordinator.LayeredFlags{
		Override: layer,
		Base:     coordinator.StaticFlags{"rules": true, "alarms": true},
	}

	if err := layer.Set(ctx, "alarms", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := layer.Set(ctx, "flows", true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tests := []struct {
		name string
		want bool
	}{
		{"rules", true},
		{"alarms", false},
		{"flows", true},
		{"traffic", false},
	}
	for _, tt := range tests {
		if got := flags.Enabled(tt.name); got != tt.want {
			t.Errorf("Enabled(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}

	if err := layer.Clear(ctx, "alarms"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !flags.Enabled("alarms") {
		t.Error("clearing the override should restore the config value")
	}

	got, err := layer.Overrides(ctx)
	if err != nil {
		t.Fatalf("Overrides: %v", err)
	}
	if diff := cmp.Diff(map[string]bool{"flows": true}, got); diff != "" {
		t.Errorf("overrides (-want +got):\n%s", diff)
	}
}

func TestFlagLayer_MalformedValueIgnored(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	if err := s.Set(ctx, FeaturesNamespace, "rules", "maybe"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := NewFlagLayer(s, nil).Lookup("rules"); ok {
		t.Error("malformed override should be treated as absent")
	}
}
