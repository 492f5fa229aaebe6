package opstate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// FeaturesNamespace holds feature flag overrides.
const FeaturesNamespace = "features"

// lookupTimeout bounds a single flag read issued from the refresh path.
const lookupTimeout = 2 * time.Second

// FlagLayer exposes the features namespace as a flag layer. It is the
// override layer: values written here win over the config file.
type FlagLayer struct {
	store  *Store
	logger *slog.Logger
}

// NewFlagLayer wraps store. A nil logger uses slog.Default.
func NewFlagLayer(store *Store, logger *slog.Logger) *FlagLayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlagLayer{store: store, logger: logger}
}

// Lookup reports the override for name, if any. Read errors are logged
// and treated as "no override" so the config value applies.
func (f *FlagLayer) Lookup(name string) (bool, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	raw, found, err := f.store.Lookup(ctx, FeaturesNamespace, name)
	if err != nil {
		f.logger.Warn("feature override lookup failed", "feature", name, "error", err)
		return false, false
	}
	if !found {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		f.logger.Warn("ignoring malformed feature override", "feature", name, "value", raw)
		return false, false
	}
	return v, true
}

// Set stores an override for name.
func (f *FlagLayer) Set(ctx context.Context, name string, enabled bool) error {
	if err := f.store.Set(ctx, FeaturesNamespace, name, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("set feature %s: %w", name, err)
	}
	return nil
}

// Clear removes the override for name so the config value applies.
func (f *FlagLayer) Clear(ctx context.Context, name string) error {
	if err := f.store.Delete(ctx, FeaturesNamespace, name); err != nil {
		return fmt.Errorf("clear feature %s: %w", name, err)
	}
	return nil
}

// Overrides returns every stored override. Malformed values are
// skipped.
func (f *FlagLayer) Overrides(ctx context.Context) (map[string]bool, error) {
	entries, err := f.store.List(ctx, FeaturesNamespace)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if v, err := strconv.ParseBool(e.Value); err == nil {
			out[e.Key] = v
		}
	}
	return out, nil
}
