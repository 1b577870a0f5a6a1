package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/careloop/medwatch/pkg/engine/forecast"
	"github.com/careloop/medwatch/pkg/store"
)

// Outcome classifies what an evaluation did to the alert state.
type Outcome string

const (
	// OutcomeSkipped: indeterminate forecast, existing alerts untouched.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNone: determinate forecast, no severity qualifies, nothing open.
	OutcomeNone Outcome = "none"
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeResolved  Outcome = "resolved"
)

// AlertManager owns the alert state machine:
//
//	NoAlert -> Active -> {Acknowledged, AutoResolved}
//	Acknowledged -> AutoResolved
//
// At most one open (not auto-resolved) alert exists per medication;
// the store's partial unique index enforces it even under concurrent
// evaluations.
type AlertManager struct {
	store *store.Store

	mu         sync.RWMutex
	thresholds ThresholdConfig
}

// NewAlertManager creates an alert manager with the given cutoffs.
func NewAlertManager(st *store.Store, thresholds ThresholdConfig) *AlertManager {
	return &AlertManager{store: st, thresholds: thresholds}
}

// UpdateThresholds swaps the severity cutoffs (hot reload).
func (am *AlertManager) UpdateThresholds(t ThresholdConfig) {
	am.mu.Lock()
	am.thresholds = t
	am.mu.Unlock()
}

// level assigns the highest severity the days-remaining satisfies.
func (am *AlertManager) level(daysRemaining int) (store.AlertLevel, bool) {
	am.mu.RLock()
	t := am.thresholds
	am.mu.RUnlock()

	switch {
	case daysRemaining <= t.CriticalDays:
		return store.AlertLevelCritical, true
	case daysRemaining <= t.WarningDays:
		return store.AlertLevelWarning, true
	case daysRemaining <= t.InfoDays:
		return store.AlertLevelInfo, true
	default:
		return "", false
	}
}

// Evaluate reconciles the medication's open alert with a fresh
// forecast. Re-running with an unchanged forecast is a no-op, so
// repeated trigger checks never duplicate or churn alerts.
func (am *AlertManager) Evaluate(ctx context.Context, med *store.Medication, f forecast.Forecast, now time.Time) (Outcome, *store.Alert, error) {
	// Lack of data is not a refill signal: an indeterminate forecast
	// leaves whatever alert exists untouched.
	if !f.Determinate() {
		return OutcomeSkipped, nil, nil
	}

	level, qualifies := am.level(*f.DaysRemaining)

	open, err := am.store.GetOpenAlert(ctx, med.ID)
	if err != nil {
		return "", nil, err
	}

	if !qualifies {
		if open == nil {
			return OutcomeNone, nil, nil
		}
		resolved, err := am.store.ResolveOpenAlert(ctx, med.ID, now)
		if err != nil {
			return "", nil, err
		}
		am.audit(ctx, store.EventTypeAlertResolved, med, resolved, f)
		MedwatchAlertTransitionsTotal.WithLabelValues("resolved").Inc()
		return OutcomeResolved, resolved, nil
	}

	if open == nil {
		alert := &store.Alert{
			AlertID:            uuid.NewString(),
			PatientID:          med.PatientID,
			MedicationID:       med.ID,
			Level:              level,
			DaysRemaining:      *f.DaysRemaining,
			PredictedDepletion: *f.PredictedDepletion,
			CILow:              *f.CILow,
			CIHigh:             *f.CIHigh,
			ForecastMethod:     string(f.Method),
			CreatedAt:          now.UTC(),
			UpdatedAt:          now.UTC(),
			Version:            1,
		}
		if err := am.store.CreateAlert(ctx, alert); err != nil {
			return "", nil, err
		}
		am.audit(ctx, store.EventTypeAlertCreated, med, alert, f)
		MedwatchAlertTransitionsTotal.WithLabelValues("created").Inc()
		return OutcomeCreated, alert, nil
	}

	if !materialChange(open, level, f) {
		return OutcomeUnchanged, open, nil
	}

	open.Level = level
	open.DaysRemaining = *f.DaysRemaining
	open.PredictedDepletion = *f.PredictedDepletion
	open.CILow = *f.CILow
	open.CIHigh = *f.CIHigh
	open.ForecastMethod = string(f.Method)
	open.UpdatedAt = now.UTC()
	if err := am.store.UpdateOpenAlert(ctx, open); err != nil {
		return "", nil, err
	}
	am.audit(ctx, store.EventTypeAlertUpdated, med, open, f)
	MedwatchAlertTransitionsTotal.WithLabelValues("updated").Inc()
	return OutcomeUpdated, open, nil
}

// Acknowledge marks an alert as seen by a caregiver. Idempotent; only
// the acknowledgement fields change.
func (am *AlertManager) Acknowledge(ctx context.Context, alertID string, now time.Time) (*store.Alert, error) {
	before, err := am.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	alert, err := am.store.AcknowledgeAlert(ctx, alertID, now)
	if err != nil {
		return nil, err
	}

	if !before.Acknowledged {
		am.audit(ctx, store.EventTypeAlertAcknowledged, &store.Medication{ID: alert.MedicationID, PatientID: alert.PatientID}, alert, forecast.Forecast{})
		MedwatchAlertTransitionsTotal.WithLabelValues("acknowledged").Inc()
	}
	return alert, nil
}

// materialChange reports whether the new forecast is worth a write:
// severity moved, the day count moved, or the depletion date moved by
// at least a calendar day.
func materialChange(open *store.Alert, level store.AlertLevel, f forecast.Forecast) bool {
	if open.Level != level {
		return true
	}
	if open.DaysRemaining != *f.DaysRemaining {
		return true
	}
	delta := f.PredictedDepletion.Sub(open.PredictedDepletion)
	if delta < 0 {
		delta = -delta
	}
	return delta >= 24*time.Hour
}

func (am *AlertManager) audit(ctx context.Context, et store.EventType, med *store.Medication, alert *store.Alert, f forecast.Forecast) {
	payload := map[string]interface{}{}
	if alert != nil {
		payload["alert_id"] = alert.AlertID
		payload["level"] = alert.Level
		payload["days_remaining"] = alert.DaysRemaining
	}
	if f.Method != "" {
		payload["forecast_method"] = f.Method
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(et)).Msg("failed to marshal audit payload")
		return
	}

	now := time.Now().UTC()
	evt := &store.Event{
		EventID:      fmt.Sprintf("evt_%s", uuid.NewString()),
		EventType:    et,
		PatientID:    med.PatientID,
		MedicationID: med.ID,
		TsEvent:      now,
		TsIngest:     now,
		Payload:      data,
	}
	if err := am.store.AppendEvent(ctx, evt); err != nil {
		log.Error().Err(err).Str("event_type", string(et)).Msg("failed to append audit event")
	}
}
