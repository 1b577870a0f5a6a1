package engine

import (
	"fmt"
	"time"

	"github.com/careloop/medwatch/pkg/engine/forecast"
)

// Config is the top-level structure of the thresholds JSON file.
// It is hot-reloadable: the daemon re-reads it on SIGHUP.
type Config struct {
	Thresholds ThresholdConfig `json:"thresholds"`
	Forecast   ForecastConfig  `json:"forecast"`
	Retention  RetentionConfig `json:"retention"`
}

// ThresholdConfig holds the days-remaining cutoffs, descending severity.
type ThresholdConfig struct {
	CriticalDays int `json:"critical_days"`
	WarningDays  int `json:"warning_days"`
	InfoDays     int `json:"info_days"`
}

// ForecastConfig holds the history-window parameters.
type ForecastConfig struct {
	WindowDays            int `json:"window_days"`
	MinHistoryDays        int `json:"min_history_days"`
	SufficientHistoryDays int `json:"sufficient_history_days"`
}

// RetentionConfig controls background pruning of resolved alerts,
// audit events, and old consumption records.
type RetentionConfig struct {
	Enabled           bool   `json:"enabled"`
	CheckInterval     string `json:"check_interval"`
	ResolvedAlertsTTL string `json:"resolved_alerts_ttl"`
	AuditEventsTTL    string `json:"audit_events_ttl"`
	ConsumptionTTL    string `json:"consumption_ttl"`
}

// DefaultConfig returns the standard thresholds: critical at 3 days of
// supply, warning at 7, info at 14.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: ThresholdConfig{
			CriticalDays: 3,
			WarningDays:  7,
			InfoDays:     14,
		},
		Forecast: ForecastConfig{
			WindowDays:            90,
			MinHistoryDays:        3,
			SufficientHistoryDays: 14,
		},
		Retention: RetentionConfig{
			Enabled:           true,
			CheckInterval:     "1h",
			ResolvedAlertsTTL: "2160h",
			AuditEventsTTL:    "720h",
			ConsumptionTTL:    "4320h",
		},
	}
}

// Validate checks ordering of the cutoffs and the history floors.
func (c *Config) Validate() error {
	t := c.Thresholds
	if t.CriticalDays < 0 || t.WarningDays < 0 || t.InfoDays < 0 {
		return fmt.Errorf("thresholds must be non-negative")
	}
	if !(t.CriticalDays <= t.WarningDays && t.WarningDays <= t.InfoDays) {
		return fmt.Errorf("thresholds must satisfy critical <= warning <= info, got %d/%d/%d",
			t.CriticalDays, t.WarningDays, t.InfoDays)
	}

	f := c.Forecast
	if f.MinHistoryDays < 1 || f.SufficientHistoryDays <= f.MinHistoryDays || f.WindowDays < f.SufficientHistoryDays {
		return fmt.Errorf("forecast history floors must satisfy 1 <= min < sufficient <= window, got %d/%d/%d",
			f.MinHistoryDays, f.SufficientHistoryDays, f.WindowDays)
	}

	if c.Retention.Enabled {
		for name, ttl := range map[string]string{
			"check_interval":      c.Retention.CheckInterval,
			"resolved_alerts_ttl": c.Retention.ResolvedAlertsTTL,
			"audit_events_ttl":    c.Retention.AuditEventsTTL,
			"consumption_ttl":     c.Retention.ConsumptionTTL,
		} {
			if _, err := time.ParseDuration(ttl); err != nil {
				return fmt.Errorf("invalid retention %s %q: %w", name, ttl, err)
			}
		}
	}
	return nil
}

// ForecastOptions maps the config onto the forecast package options.
func (c *Config) ForecastOptions() forecast.Options {
	return forecast.Options{
		WindowDays:            c.Forecast.WindowDays,
		MinHistoryDays:        c.Forecast.MinHistoryDays,
		SufficientHistoryDays: c.Forecast.SufficientHistoryDays,
	}
}
