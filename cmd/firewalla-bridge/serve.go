package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/firewalla-bridge/internal/api"
	"github.com/nugget/firewalla-bridge/internal/buildinfo"
	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/connwatch"
	"github.com/nugget/firewalla-bridge/internal/coordinator"
	"github.com/nugget/firewalla-bridge/internal/events"
	"github.com/nugget/firewalla-bridge/internal/mqtt"
)

// authTimeout bounds the credential check made before the first refresh.
const authTimeout = 30 * time.Second

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting firewalla-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = cfg.Logger(stdout)
	logger.Info("config loaded",
		"path", cfgPath,
		"subdomain", cfg.Firewalla.Subdomain,
		"scan_interval", cfg.Firewalla.ScanIntervalSec,
		"mqtt", cfg.MQTT.Configured(),
		"port", cfg.Listen.Port,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Firewalla client ---
	// A rejected token will not fix itself, so fail before anything is
	// published rather than retrying forever.
	client, err := newFirewallaClient(cfg, logger)
	if err != nil {
		return err
	}
	authCtx, authCancel := context.WithTimeout(ctx, authTimeout)
	err = client.Authenticate(authCtx)
	authCancel()
	if err != nil {
		return fmt.Errorf("firewalla authentication failed: %w", err)
	}
	logger.Info("firewalla API authenticated", "url", client.BaseURL())

	// --- Operational state and feature flags ---
	store, overrides, flags, err := openState(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.New()

	// --- Refresh coordinator ---
	coord := coordinator.New(coordinator.Config{
		Source:       client,
		Flags:        flags,
		Interval:     time.Duration(cfg.Firewalla.ScanIntervalSec) * time.Second,
		FetchTimeout: time.Duration(cfg.Firewalla.FetchTimeoutSec) * time.Second,
		Bus:          bus,
		Logger:       logger,
	})

	// --- Connection health ---
	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()
	// Refresh as soon as the API comes back rather than waiting out the
	// interval. The first ready transition is startup and is skipped.
	var apiSeen atomic.Bool
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "firewalla",
		Probe:   client.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			if apiSeen.Swap(true) {
				coord.RequestRefresh()
			}
		},
	})

	// --- MQTT publisher ---
	// The publisher runs on its own context so the offline message can
	// still go out after the signal cancels ctx.
	var pub *mqtt.Publisher
	pubCtx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer pubCancel()
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		pub = mqtt.New(cfg.MQTT, instanceID, mqtt.Deps{
			Source:    coord,
			Flags:     flags,
			Overrides: overrides,
			Bus:       bus,
			Logger:    logger,
		})
		coord.OnUpdate(func(snap coordinator.Snapshot) {
			pub.Sync(pubCtx, snap)
		})
		go func() {
			if err := pub.Start(pubCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				return pub.AwaitConnection(pCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
		)
	} else {
		logger.Warn("mqtt not configured, entities will not reach Home Assistant")
	}

	go coord.Start(ctx)

	// --- Status API ---
	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Listen.Port > 0 {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
			Source:    coord,
			Flags:     flags,
			Overrides: overrides,
			Health:    connMgr,
			Bus:       bus,
			Logger:    logger,
		})
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("api server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if pub != nil {
		if err := pub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	pubCancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}

	logger.Info("firewalla-bridge stopped")
	return runErr
}
