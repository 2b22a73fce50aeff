package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"watchsync/internal/config"
	"watchsync/internal/log"
	"watchsync/internal/media"
	"watchsync/internal/playlist"
	"watchsync/internal/scheduler"
	"watchsync/internal/state"
	"watchsync/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		base := log.Base()
		base.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := log.Configure(log.Config{Level: cfg.LogLevel}); err != nil {
		base := log.Base()
		base.Fatal().Err(err).Msg("configuring logger")
	}
	logger := log.WithComponent("main")

	if len(cfg.Servers) == 0 {
		logger.Fatal().Msg("no servers configured, set PLEX_BASEURL/JELLYFIN_BASEURL/EMBY_BASEURL with matching tokens")
	}
	if cfg.Dryrun {
		logger.Info().Msg("dryrun enabled, no changes will be written to any server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := media.Options{
		SSLBypass:         cfg.SSLBypass,
		GenerateGUIDs:     cfg.GenerateGUIDs,
		GenerateLocations: cfg.GenerateLocations,
	}
	var servers []media.Server
	for _, sc := range cfg.Servers {
		server, err := media.NewServer(ctx, sc, opts)
		if err != nil {
			logger.Error().Err(err).Str("type", string(sc.Type)).Str("url", sc.BaseURL).
				Msg("failed to connect to server, skipping")
			continue
		}
		logger.Info().Str("server", server.Info()).Str("machine_id", server.MachineID()).
			Msg("connected")
		servers = append(servers, server)
	}
	if len(servers) < 2 {
		logger.Fatal().Int("connected", len(servers)).
			Msg("need at least two reachable servers to sync between")
	}
	defer func() {
		for _, server := range servers {
			if err := server.Close(); err != nil {
				logger.Warn().Err(err).Str("server", server.Info()).Msg("close failed")
			}
		}
	}()

	store := state.New(cfg.WatchedStatePath, cfg.PlaylistStatePath)
	engine := sync.New(servers, cfg, store)
	reconciler := playlist.New(servers, cfg, store)

	if err := scheduler.New(cfg, engine, reconciler).Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("sync loop failed")
	}
	logger.Info().Msg("shutting down")
}
