package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/careloop/medwatch/pkg/api"
	"github.com/careloop/medwatch/pkg/engine"
	"github.com/careloop/medwatch/pkg/store"
	storeredis "github.com/careloop/medwatch/pkg/store/redis"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "medwatch-d").Logger()

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().Str("db", cfg.DBPath).Str("addr", cfg.Addr).Msg("medwatch starting")

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	engineCfg, err := engine.LoadConfig(cfg.ConfigPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal().Err(err).Msg("failed to load thresholds config")
		}
		log.Info().Str("path", cfg.ConfigPath).Msg("no thresholds file, using defaults")
		engineCfg = engine.DefaultConfig()
	}

	// Optional Redis: forecast cache + distributed sweep locks.
	var cache engine.ForecastCache
	var leases store.LeaseStore = st
	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		redisClient := goredis.NewClient(redisOpts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis unreachable")
		}
		cache = storeredis.NewForecastCache(redisClient, cfg.CacheTTL)
		leases = storeredis.NewPatientLocker(redisClient)
		log.Info().Msg("redis cache and locks enabled")
	}

	alerts := engine.NewAlertManager(st, engineCfg.Thresholds)
	checker := engine.NewChecker(st, alerts, engineCfg.ForecastOptions(), cache)

	holderID := "medwatch-d-" + uuid.NewString()[:8]
	sweeper := engine.NewSweeper(st, checker, leases, cfg.SweepInterval, holderID)
	pruner := engine.NewPruneWorker(st, engineCfg.Retention)

	server := api.NewServer(st, checker, alerts, cfg.Addr)
	if cfg.TLSCertFile != "" {
		server.SetTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Start(ctx)
	go pruner.Run(ctx)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	// SIGHUP reloads thresholds; SIGINT/SIGTERM shuts down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				reloaded, err := engine.LoadConfig(cfg.ConfigPath)
				if err != nil {
					log.Error().Err(err).Msg("config reload failed, keeping previous thresholds")
					continue
				}
				alerts.UpdateThresholds(reloaded.Thresholds)
				pruner.UpdateConfig(reloaded.Retention)
				log.Info().
					Int("critical_days", reloaded.Thresholds.CriticalDays).
					Int("warning_days", reloaded.Thresholds.WarningDays).
					Int("info_days", reloaded.Thresholds.InfoDays).
					Msg("thresholds reloaded")
				continue
			}

			log.Info().Str("signal", sig.String()).Msg("shutdown initiated")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := server.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			shutdownCancel()
			log.Info().Msg("shutdown complete")
			return
		case <-ctx.Done():
			return
		}
	}
}
