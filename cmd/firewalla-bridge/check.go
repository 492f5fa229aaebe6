package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/coordinator"
)

// checkResult is the summary printed by `check`.
type checkResult struct {
	BaseURL  string            `json:"base_url"`
	Counts   map[string]int    `json:"counts"`
	Skipped  map[string]string `json:"skipped,omitempty"`
	Features map[string]bool   `json:"features"`
	Elapsed  string            `json:"elapsed"`
}

// runCheck authenticates, runs one refresh with the effective feature
// flags and prints what was fetched. It exercises the same code path as
// serve without touching MQTT.
func runCheck(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError, "text")

	client, err := newFirewallaClient(cfg, logger)
	if err != nil {
		return err
	}
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	err = client.Authenticate(authCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("firewalla authentication failed: %w", err)
	}

	store, _, flags, err := openState(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	coord := coordinator.New(coordinator.Config{
		Source:       client,
		Flags:        flags,
		FetchTimeout: time.Duration(cfg.Firewalla.FetchTimeoutSec) * time.Second,
		Logger:       logger,
	})

	start := time.Now()
	snap, err := coord.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	res := checkResult{
		BaseURL:  client.BaseURL(),
		Counts:   snap.Counts(),
		Skipped:  coord.Status().Skipped,
		Features: make(map[string]bool),
		Elapsed:  time.Since(start).Round(time.Millisecond).String(),
	}
	for _, name := range coordinator.OptionalCollections {
		res.Features[name] = flags.Enabled(name)
	}

	if outputFmt == "json" {
		return writeJSON(w, res)
	}

	fmt.Fprintf(w, "Connected to %s (%s)\n", res.BaseURL, res.Elapsed)
	for _, name := range coordinator.Collections {
		line := fmt.Sprintf("  %-8s %d", name, res.Counts[name])
		if enabled, optional := res.Features[name]; optional && !enabled {
			line += " (disabled)"
		}
		if reason, ok := res.Skipped[name]; ok {
			line += " (skipped: " + reason + ")"
		}
		fmt.Fprintln(w, line)
	}
	if len(res.Skipped) > 0 {
		names := make([]string, 0, len(res.Skipped))
		for n := range res.Skipped {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "%d collection(s) could not be fetched: %v\n", len(names), names)
	}
	return nil
}
