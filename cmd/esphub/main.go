// Command esphub runs the state-synchronization hub: it ingests object
// reports from game clients over WebSocket, arbitrates them into one
// resolved world view and broadcasts deltas back out.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/prof-chen/esphub/internal/bus"
	"github.com/prof-chen/esphub/internal/config"
	"github.com/prof-chen/esphub/internal/hub"
	"github.com/prof-chen/esphub/internal/logging"
	"github.com/prof-chen/esphub/internal/metrics"
	"github.com/prof-chen/esphub/internal/state"
	"github.com/prof-chen/esphub/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.Options{Level: "info", Format: "json"})
		fallback.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().
		Str("addr", cfg.Addr).
		Float64("player_timeout_sec", cfg.PlayerTimeoutSec).
		Float64("waypoint_timeout_sec", cfg.WaypointTimeoutSec).
		Bool("same_server_filter", cfg.EnableSameServerFilter).
		Msg("Starting esphub")

	var publisher *bus.Publisher
	if cfg.EventBusURL != "" {
		publisher, err = bus.Connect(cfg.EventBusURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.EventBusURL).Msg("Failed to connect event bus")
		}
		defer publisher.Close()
	}

	worldState := state.New(state.Params{
		PlayerTimeoutSec:    cfg.PlayerTimeoutSec,
		EntityTimeoutSec:    cfg.EntityTimeoutSec,
		WaypointTimeoutSec:  cfg.WaypointTimeoutSec,
		SwitchThresholdSec:  cfg.SourceSwitchThresholdSec,
		RefreshLeadSec:      cfg.RefreshReqLeadSec,
		RefreshCooldownSec:  cfg.RefreshReqCooldownSec,
		TabReportTimeoutSec: cfg.TabReportTimeoutSec,
		SameServerFilter:    cfg.EnableSameServerFilter,
	})

	h := hub.New(hub.Options{
		Logger:            logger,
		State:             worldState,
		Bus:               publisher,
		DigestIntervalSec: cfg.DigestIntervalSec,
		TickInterval:      cfg.TickInterval(),
		Metrics:           metrics.Recorder{},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go h.Run(ctx)

	server := transport.New(cfg, logger, h)
	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}
