package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/careloop/medwatch/pkg/engine/forecast"
	"github.com/careloop/medwatch/pkg/store"
)

// ForecastCache is the optional read-side cache of latest forecasts.
type ForecastCache interface {
	Get(ctx context.Context, medicationID string) (forecast.Forecast, bool)
	Set(ctx context.Context, f forecast.Forecast)
	Invalidate(ctx context.Context, medicationID string)
}

// CheckFailure reports one medication that could not be evaluated.
// Failures never abort the rest of a pass.
type CheckFailure struct {
	MedicationID string `json:"medication_id"`
	Error        string `json:"error"`
}

// CheckResult summarizes one trigger-check pass for a patient.
type CheckResult struct {
	PatientID          string         `json:"patient_id"`
	MedicationsChecked int            `json:"medications_checked"`
	AlertsGenerated    int            `json:"alerts_generated"`
	AlertsUpdated      int            `json:"alerts_updated"`
	AlertsResolved     int            `json:"alerts_resolved"`
	Alerts             []*store.Alert `json:"alerts"`
	Failures           []CheckFailure `json:"failures,omitempty"`
}

// MedicationForecast pairs a medication with its latest forecast for
// the predictions read API.
type MedicationForecast struct {
	Medication *store.Medication `json:"medication"`
	Forecast   forecast.Forecast `json:"forecast"`
}

// Checker orchestrates ConsumptionTracker -> forecast model ->
// AlertManager across a patient's tracked medications. Forecasting is
// pure; the alert upsert is the only mutation point and is retried once
// with fresh state on a concurrent-write conflict.
type Checker struct {
	store  *store.Store
	model  *forecast.Model
	alerts *AlertManager
	opts   forecast.Options
	cache  ForecastCache

	// now is injected for tests; defaults to time.Now.
	now func() time.Time
}

// NewChecker wires the evaluation pipeline. cache may be nil.
func NewChecker(st *store.Store, alerts *AlertManager, opts forecast.Options, cache ForecastCache) *Checker {
	return &Checker{
		store:  st,
		model:  forecast.NewModel(opts),
		alerts: alerts,
		opts:   opts,
		cache:  cache,
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (c *Checker) SetNowFunc(f func() time.Time) {
	c.now = f
}

// Run re-evaluates every tracked medication for a patient. Idempotent:
// a second pass over unchanged inputs reports zero transitions.
func (c *Checker) Run(ctx context.Context, patientID string) (*CheckResult, error) {
	meds, histories, err := c.store.LoadMedicationsWithHistory(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load medications for patient %s: %w", patientID, err)
	}

	now := c.now().UTC()
	result := &CheckResult{PatientID: patientID, Alerts: []*store.Alert{}}

	for i, med := range meds {
		if !med.TrackingEnabled {
			continue
		}
		result.MedicationsChecked++

		f := c.forecastFor(med, histories[i], now)
		outcome, alert, err := c.evaluateWithRetry(ctx, med, f, now)
		if err != nil {
			result.Failures = append(result.Failures, CheckFailure{MedicationID: med.ID, Error: err.Error()})
			MedwatchCheckFailuresTotal.Inc()
			log.Error().Err(err).Str("medication_id", med.ID).Str("patient_id", patientID).Msg("evaluation failed")
			continue
		}

		if c.cache != nil {
			c.cache.Set(ctx, f)
		}
		if f.DaysRemaining != nil {
			MedwatchDaysRemaining.WithLabelValues(med.ID).Set(float64(*f.DaysRemaining))
		}

		switch outcome {
		case OutcomeCreated:
			result.AlertsGenerated++
		case OutcomeUpdated:
			result.AlertsUpdated++
		case OutcomeResolved:
			result.AlertsResolved++
		}
		if alert != nil && alert.Open() {
			result.Alerts = append(result.Alerts, alert)
		}
	}

	MedwatchChecksTotal.Inc()
	c.refreshOpenAlertGauge(ctx)
	c.auditCheck(ctx, result, now)
	return result, nil
}

// Predictions computes (or serves cached) forecasts for a patient
// without touching alert state.
func (c *Checker) Predictions(ctx context.Context, patientID string) ([]MedicationForecast, error) {
	meds, histories, err := c.store.LoadMedicationsWithHistory(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load medications for patient %s: %w", patientID, err)
	}

	now := c.now().UTC()
	out := make([]MedicationForecast, 0, len(meds))
	for i, med := range meds {
		if c.cache != nil {
			if f, ok := c.cache.Get(ctx, med.ID); ok {
				out = append(out, MedicationForecast{Medication: med, Forecast: f})
				continue
			}
		}
		f := c.forecastFor(med, histories[i], now)
		if c.cache != nil {
			c.cache.Set(ctx, f)
		}
		out = append(out, MedicationForecast{Medication: med, Forecast: f})
	}
	return out, nil
}

// RecordDose appends a dose-taken event, decrements the remaining
// quantity (clamped at zero), and re-evaluates the medication.
func (c *Checker) RecordDose(ctx context.Context, medicationID string, quantity float64, takenAt time.Time) (*store.Medication, error) {
	rec := &store.ConsumptionRecord{
		ID:           uuid.NewString(),
		MedicationID: medicationID,
		Timestamp:    takenAt.UTC(),
		Quantity:     quantity,
	}
	if err := c.store.AppendConsumption(ctx, rec); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	med, err := c.store.DecrementQuantity(ctx, medicationID, quantity, now)
	if err != nil {
		return nil, err
	}

	c.auditQuantity(ctx, med, store.EventTypeDoseRecorded, quantity, now)
	if c.cache != nil {
		c.cache.Invalidate(ctx, medicationID)
	}

	if _, _, err := c.reevaluate(ctx, med, now); err != nil {
		log.Error().Err(err).Str("medication_id", medicationID).Msg("re-evaluation after dose failed")
	}
	return med, nil
}

// UpdateQuantity sets a medication's remaining quantity. A refill
// stamps the baseline and auto-resolves an open alert whose
// recomputed forecast no longer qualifies. Returns the updated
// medication and the number of alerts auto-resolved (0 or 1).
func (c *Checker) UpdateQuantity(ctx context.Context, medicationID string, quantity float64, action store.QuantityAction) (*store.Medication, int, error) {
	now := c.now().UTC()
	med, err := c.store.SaveMedicationQuantity(ctx, medicationID, quantity, action, now)
	if err != nil {
		return nil, 0, err
	}

	c.auditQuantity(ctx, med, store.EventTypeQuantityUpdated, quantity, now)
	if c.cache != nil {
		c.cache.Invalidate(ctx, medicationID)
	}

	outcome, _, err := c.reevaluate(ctx, med, now)
	if err != nil {
		return med, 0, err
	}

	resolved := 0
	if outcome == OutcomeResolved {
		resolved = 1
	}

	c.refreshOpenAlertGauge(ctx)
	return med, resolved, nil
}

// forecastFor runs the pure tracker -> model pipeline for one medication.
func (c *Checker) forecastFor(med *store.Medication, history []store.ConsumptionRecord, now time.Time) forecast.Forecast {
	stats := forecast.Analyze(history, now, c.opts)
	return c.model.Predict(med.ID, stats, med.QuantityRemaining, med.IsPRN, now)
}

// reevaluate recomputes a single medication's forecast and feeds it to
// the alert manager.
func (c *Checker) reevaluate(ctx context.Context, med *store.Medication, now time.Time) (Outcome, *store.Alert, error) {
	history, err := c.store.ListConsumption(ctx, med.ID, time.Time{})
	if err != nil {
		return "", nil, err
	}

	f := c.forecastFor(med, history, now)
	if c.cache != nil {
		c.cache.Set(ctx, f)
	}
	return c.evaluateWithRetry(ctx, med, f, now)
}

// evaluateWithRetry retries a conflicted upsert once with fresh state.
// A conflict after the retry is reported as a transient failure for
// this medication only.
func (c *Checker) evaluateWithRetry(ctx context.Context, med *store.Medication, f forecast.Forecast, now time.Time) (Outcome, *store.Alert, error) {
	outcome, alert, err := c.alerts.Evaluate(ctx, med, f, now)
	if err != nil && errors.Is(err, store.ErrConflict) {
		outcome, alert, err = c.alerts.Evaluate(ctx, med, f, now)
	}
	return outcome, alert, err
}

func (c *Checker) refreshOpenAlertGauge(ctx context.Context) {
	sum, err := c.store.GetAlertSummary(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to refresh alert gauge")
		return
	}
	MedwatchOpenAlerts.WithLabelValues("critical").Set(float64(sum.Critical))
	MedwatchOpenAlerts.WithLabelValues("warning").Set(float64(sum.Warning))
	MedwatchOpenAlerts.WithLabelValues("info").Set(float64(sum.Info))
}

func (c *Checker) auditCheck(ctx context.Context, result *CheckResult, now time.Time) {
	payload, err := json.Marshal(map[string]interface{}{
		"medications_checked": result.MedicationsChecked,
		"alerts_generated":    result.AlertsGenerated,
		"alerts_updated":      result.AlertsUpdated,
		"alerts_resolved":     result.AlertsResolved,
		"failures":            len(result.Failures),
	})
	if err != nil {
		return
	}
	evt := &store.Event{
		EventID:      fmt.Sprintf("evt_%s", uuid.NewString()),
		EventType:    store.EventTypeCheckCompleted,
		PatientID:    result.PatientID,
		MedicationID: "", // patient-scoped
		TsEvent:      now,
		TsIngest:     now,
		Payload:      payload,
	}
	if err := c.store.AppendEvent(ctx, evt); err != nil {
		log.Error().Err(err).Str("patient_id", result.PatientID).Msg("failed to append check event")
	}
}

func (c *Checker) auditQuantity(ctx context.Context, med *store.Medication, et store.EventType, quantity float64, now time.Time) {
	payload, err := json.Marshal(map[string]interface{}{
		"quantity":           quantity,
		"quantity_remaining": med.QuantityRemaining,
	})
	if err != nil {
		return
	}
	evt := &store.Event{
		EventID:      fmt.Sprintf("evt_%s", uuid.NewString()),
		EventType:    et,
		PatientID:    med.PatientID,
		MedicationID: med.ID,
		TsEvent:      now,
		TsIngest:     now,
		Payload:      payload,
	}
	if err := c.store.AppendEvent(ctx, evt); err != nil {
		log.Error().Err(err).Str("medication_id", med.ID).Msg("failed to append quantity event")
	}
}
