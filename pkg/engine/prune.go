package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/careloop/medwatch/pkg/store"
)

// PruneWorker deletes resolved alerts, audit events, and consumption
// records past their retention TTLs. Open alerts are never touched.
type PruneWorker struct {
	store  *store.Store
	config RetentionConfig
	mu     sync.RWMutex
}

func NewPruneWorker(st *store.Store, cfg RetentionConfig) *PruneWorker {
	return &PruneWorker{
		store:  st,
		config: cfg,
	}
}

// UpdateConfig swaps retention settings on hot reload.
func (w *PruneWorker) UpdateConfig(cfg RetentionConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Run loops until the context is cancelled. It prunes once at startup
// and then on every tick.
func (w *PruneWorker) Run(ctx context.Context) {
	w.mu.RLock()
	disabled := !w.config.Enabled
	interval := 1 * time.Hour
	if !disabled && w.config.CheckInterval != "" {
		if d, err := time.ParseDuration(w.config.CheckInterval); err == nil {
			interval = d
		}
	}
	w.mu.RUnlock()

	if disabled {
		log.Info().Msg("retention pruning disabled")
		return
	}

	log.Info().Dur("interval", interval).Msg("prune worker started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("prune worker stopping")
			return
		case <-ticker.C:
			w.Prune(ctx)
		}
	}
}

// Prune runs a single retention pass.
func (w *PruneWorker) Prune(ctx context.Context) {
	w.mu.RLock()
	cfg := w.config
	w.mu.RUnlock()

	if !cfg.Enabled {
		return
	}

	w.pruneOne(ctx, "resolved alerts", cfg.ResolvedAlertsTTL, w.store.PruneResolvedAlerts)
	w.pruneOne(ctx, "audit events", cfg.AuditEventsTTL, w.store.PruneEvents)
	w.pruneOne(ctx, "consumption records", cfg.ConsumptionTTL, w.store.PruneConsumption)
}

func (w *PruneWorker) pruneOne(ctx context.Context, what, ttlStr string, fn func(context.Context, time.Duration) (int64, error)) {
	if ttlStr == "" {
		return
	}
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		log.Error().Err(err).Str("target", what).Msg("invalid retention ttl")
		return
	}
	deleted, err := fn(ctx, ttl)
	if err != nil {
		log.Error().Err(err).Str("target", what).Msg("prune failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Str("target", what).Dur("ttl", ttl).Msg("pruned")
	}
}
