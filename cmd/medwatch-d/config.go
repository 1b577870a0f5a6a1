package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAddr          = "127.0.0.1:8980"
	defaultSweepInterval = 15 * time.Minute
	defaultCacheTTL      = 5 * time.Minute
)

type Config struct {
	DBPath        string
	ConfigPath    string
	Addr          string
	SweepInterval time.Duration
	RedisURL      string
	CacheTTL      time.Duration
	TLSCertFile   string
	TLSKeyFile    string
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultDBPath := filepath.Join(cwd, "medwatch.db")
	defaultConfigPath := filepath.Join(cwd, "thresholds.json")

	dbPath := envOrDefault("MEDWATCH_DB_PATH", defaultDBPath)
	configPath := envOrDefault("MEDWATCH_CONFIG_PATH", defaultConfigPath)
	addr := addrFromEnv(defaultAddr)
	sweepInterval := defaultSweepInterval
	if sweepEnv := os.Getenv("MEDWATCH_SWEEP_INTERVAL"); sweepEnv != "" {
		parsed, err := time.ParseDuration(sweepEnv)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MEDWATCH_SWEEP_INTERVAL: %w", err)
		}
		sweepInterval = parsed
	}
	redisURL := os.Getenv("MEDWATCH_REDIS_URL")
	cacheTTL := defaultCacheTTL
	if ttlEnv := os.Getenv("MEDWATCH_CACHE_TTL"); ttlEnv != "" {
		parsed, err := time.ParseDuration(ttlEnv)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MEDWATCH_CACHE_TTL: %w", err)
		}
		cacheTTL = parsed
	}

	flagSet := flag.NewFlagSet("medwatch-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagConfig := flagSet.String("config", configPath, "path to thresholds JSON")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagSweepInterval := flagSet.String("sweep-interval", sweepInterval.String(), "background sweep interval")
	flagRedis := flagSet.String("redis", redisURL, "Redis URL for forecast cache and sweep locks (optional)")
	flagCacheTTL := flagSet.String("cache-ttl", cacheTTL.String(), "forecast cache TTL")
	flagTLSCert := flagSet.String("tls-cert", os.Getenv("MEDWATCH_TLS_CERT"), "TLS certificate file (optional)")
	flagTLSKey := flagSet.String("tls-key", os.Getenv("MEDWATCH_TLS_KEY"), "TLS key file (optional)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	sweepParsed, err := time.ParseDuration(*flagSweepInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid sweep interval: %w", err)
	}
	ttlParsed, err := time.ParseDuration(*flagCacheTTL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid cache ttl: %w", err)
	}

	config := Config{
		DBPath:        resolvePath(*flagDB, cwd),
		ConfigPath:    resolvePath(*flagConfig, cwd),
		Addr:          strings.TrimSpace(*flagAddr),
		SweepInterval: sweepParsed,
		RedisURL:      strings.TrimSpace(*flagRedis),
		CacheTTL:      ttlParsed,
		TLSCertFile:   strings.TrimSpace(*flagTLSCert),
		TLSKeyFile:    strings.TrimSpace(*flagTLSKey),
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if config.SweepInterval <= 0 {
		return Config{}, errors.New("sweep interval must be positive")
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("MEDWATCH_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("MEDWATCH_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
