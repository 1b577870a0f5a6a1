// Package redis provides the optional Redis-backed forecast cache and
// the cross-process patient locker used when multiple daemon instances
// share one database.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/careloop/medwatch/pkg/engine/forecast"
)

const medicationsSet = "medwatch:medications"

// ForecastCache stores the latest forecast per medication so read
// endpoints can serve predictions without recomputing. Failures are
// logged and swallowed: the cache is an optimization, never a source
// of truth.
type ForecastCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewForecastCache creates a cache. A zero ttl means entries never expire.
func NewForecastCache(client *redis.Client, ttl time.Duration) *ForecastCache {
	return &ForecastCache{client: client, ttl: ttl}
}

func (c *ForecastCache) makeKey(medicationID string) string {
	return fmt.Sprintf("medwatch:forecast:%s", medicationID)
}

// Set stores the forecast for its medication.
func (c *ForecastCache) Set(ctx context.Context, f forecast.Forecast) {
	key := c.makeKey(f.MedicationID)
	data, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("medication_id", f.MedicationID).Msg("failed to marshal forecast")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to cache forecast")
		return
	}
	if err := c.client.SAdd(ctx, medicationsSet, key).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to index forecast key")
	}
}

// Get returns the cached forecast for a medication, if present.
func (c *ForecastCache) Get(ctx context.Context, medicationID string) (forecast.Forecast, bool) {
	key := c.makeKey(medicationID)
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Error().Err(err).Str("key", key).Msg("failed to read cached forecast")
		}
		return forecast.Forecast{}, false
	}
	var f forecast.Forecast
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to unmarshal cached forecast")
		return forecast.Forecast{}, false
	}
	return f, true
}

// Invalidate drops the cached forecast for a medication, forcing the
// next read to recompute. Called on quantity updates.
func (c *ForecastCache) Invalidate(ctx context.Context, medicationID string) {
	key := c.makeKey(medicationID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to invalidate forecast")
	}
	if err := c.client.SRem(ctx, medicationsSet, key).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to unindex forecast key")
	}
}
