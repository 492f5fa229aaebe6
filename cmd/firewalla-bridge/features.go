package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/coordinator"
	"github.com/nugget/firewalla-bridge/internal/opstate"
)

// stateDBName is the SQLite file under data_dir holding overrides.
const stateDBName = "bridge.db"

// openState opens the state database and returns the override layer
// together with the resolved flags (overrides over the config file).
func openState(cfg *config.Config, logger *slog.Logger) (*opstate.Store, *opstate.FlagLayer, coordinator.LayeredFlags, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, coordinator.LayeredFlags{}, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, stateDBName)
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return nil, nil, coordinator.LayeredFlags{}, fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	layer := opstate.NewFlagLayer(store, logger)
	flags := coordinator.LayeredFlags{
		Override: layer,
		Base:     coordinator.StaticFlags(cfg.Features),
	}
	return store, layer, flags, nil
}

// featureRow is one line of `features list`.
type featureRow struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Source  string `json:"source"` // override, config or default
}

func runFeatures(ctx context.Context, w io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError, "text")

	store, layer, flags, err := openState(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "list":
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: firewalla-bridge features set NAME on|off")
		}
		name := args[1]
		if !config.IsFeature(name) {
			return fmt.Errorf("unknown feature: %s", name)
		}
		var enabled bool
		switch args[2] {
		case "on", "true":
			enabled = true
		case "off", "false":
		default:
			return fmt.Errorf("feature value must be on or off, got %q", args[2])
		}
		if err := layer.Set(ctx, name, enabled); err != nil {
			return err
		}
	case "clear":
		if len(args) != 2 {
			return fmt.Errorf("usage: firewalla-bridge features clear NAME")
		}
		if !config.IsFeature(args[1]) {
			return fmt.Errorf("unknown feature: %s", args[1])
		}
		if err := layer.Clear(ctx, args[1]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown features command: %s", sub)
	}

	stored, err := layer.Overrides(ctx)
	if err != nil {
		return fmt.Errorf("read overrides: %w", err)
	}
	rows := make([]featureRow, 0, len(config.FeatureNames))
	for _, name := range config.FeatureNames {
		row := featureRow{Name: name, Enabled: flags.Enabled(name), Source: "default"}
		if _, ok := stored[name]; ok {
			row.Source = "override"
		} else if _, ok := cfg.Features[name]; ok {
			row.Source = "config"
		}
		rows = append(rows, row)
	}

	if outputFmt == "json" {
		return writeJSON(w, rows)
	}
	for _, r := range rows {
		state := "off"
		if r.Enabled {
			state = "on"
		}
		fmt.Fprintf(w, "%-8s %-3s (%s)\n", r.Name, state, r.Source)
	}
	return nil
}
