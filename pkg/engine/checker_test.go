package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/careloop/medwatch/pkg/engine/forecast"
	"github.com/careloop/medwatch/pkg/store"
)

var checkerNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestChecker(t *testing.T) (*store.Store, *AlertManager, *Checker) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "medwatch.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	alerts := NewAlertManager(st, cfg.Thresholds)
	checker := NewChecker(st, alerts, cfg.ForecastOptions(), nil)
	checker.SetNowFunc(func() time.Time { return checkerNow })
	return st, alerts, checker
}

func seedMedication(t *testing.T, st *store.Store, id string, quantity float64, isPRN bool) {
	t.Helper()
	med := &store.Medication{
		ID:                id,
		PatientID:         "patient-1",
		Name:              "test med",
		QuantityRemaining: quantity,
		IsPRN:             isPRN,
		TrackingEnabled:   true,
		UpdatedAt:         checkerNow,
	}
	if err := st.SaveMedication(context.Background(), med); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}
}

// seedSteadyHistory appends one dose of the given quantity per day,
// from `days` days ago through today.
func seedSteadyHistory(t *testing.T, st *store.Store, medID string, days int, perDay float64) {
	t.Helper()
	for i := days; i >= 0; i-- {
		rec := &store.ConsumptionRecord{
			ID:           fmt.Sprintf("%s-dose-%d", medID, i),
			MedicationID: medID,
			Timestamp:    checkerNow.AddDate(0, 0, -i).Add(-4 * time.Hour),
			Quantity:     perDay,
		}
		if err := st.AppendConsumption(context.Background(), rec); err != nil {
			t.Fatalf("AppendConsumption failed: %v", err)
		}
	}
}

func TestRunCreatesWarningAlert(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	// 2/day for 22 days, 10 remaining: 5 days left -> warning.
	seedMedication(t, st, "med-1", 10, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)

	result, err := checker.Run(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.MedicationsChecked != 1 || result.AlertsGenerated != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", result.Failures)
	}

	alert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if alert == nil {
		t.Fatal("expected an open alert")
	}
	if alert.Level != store.AlertLevelWarning {
		t.Errorf("expected warning, got %s", alert.Level)
	}
	if alert.DaysRemaining != 5 {
		t.Errorf("expected 5 days remaining, got %d", alert.DaysRemaining)
	}
	if alert.ForecastMethod != string(forecast.MethodWeightedRegression) {
		t.Errorf("expected weighted method with long history, got %s", alert.ForecastMethod)
	}
}

func TestRunIdempotent(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 10, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)

	first, err := checker.Run(ctx, "patient-1")
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.AlertsGenerated != 1 {
		t.Fatalf("expected one alert on first pass: %+v", first)
	}
	firstAlert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil || firstAlert == nil {
		t.Fatalf("expected open alert after first run: %v", err)
	}

	second, err := checker.Run(ctx, "patient-1")
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.AlertsGenerated != 0 || second.AlertsUpdated != 0 || second.AlertsResolved != 0 {
		t.Errorf("second pass must report zero transitions: %+v", second)
	}

	secondAlert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil || secondAlert == nil {
		t.Fatalf("expected open alert after second run: %v", err)
	}
	if secondAlert.AlertID != firstAlert.AlertID {
		t.Error("re-running must not replace the open alert")
	}
	if secondAlert.Version != firstAlert.Version {
		t.Error("re-running with unchanged inputs must not rewrite the alert")
	}
}

func TestZeroQuantityIsCritical(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 0, false)
	seedSteadyHistory(t, st, "med-1", 7, 1)

	if _, err := checker.Run(ctx, "patient-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	alert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if alert == nil || alert.Level != store.AlertLevelCritical {
		t.Fatalf("expected critical alert, got %+v", alert)
	}
	if alert.DaysRemaining != 0 {
		t.Errorf("expected 0 days remaining, got %d", alert.DaysRemaining)
	}
}

func TestZeroQuantityShortHistoryStaysSilent(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	// An empty bottle with only two days of history yields an
	// indeterminate forecast, and indeterminate never alerts, not
	// even at quantity zero.
	seedMedication(t, st, "med-1", 0, false)
	seedSteadyHistory(t, st, "med-1", 1, 1)

	result, err := checker.Run(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.AlertsGenerated != 0 {
		t.Errorf("expected no alerts, got %+v", result)
	}

	alert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if alert != nil {
		t.Errorf("expected no alert with insufficient history, got %+v", alert)
	}
}

func TestHealthySupplyStoresNothing(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	// 2/day, 200 remaining: 100 days, far above every threshold.
	seedMedication(t, st, "med-1", 200, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)

	if _, err := checker.Run(ctx, "patient-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	alert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if alert != nil {
		t.Errorf("no alert row may exist for a healthy supply, got %+v", alert)
	}
}

func TestPRNNeverAlerts(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 2, true)
	seedSteadyHistory(t, st, "med-1", 21, 2)

	result, err := checker.Run(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.AlertsGenerated != 0 {
		t.Errorf("PRN medication must not alert: %+v", result)
	}

	alert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if alert != nil {
		t.Errorf("expected no alert for PRN medication, got %+v", alert)
	}
}

func TestIndeterminateLeavesAlertUntouched(t *testing.T) {
	st, alerts, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 10, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)
	if _, err := checker.Run(ctx, "patient-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	before, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil || before == nil {
		t.Fatalf("expected open alert: %v", err)
	}

	med, err := st.GetMedication(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetMedication failed: %v", err)
	}

	outcome, _, err := alerts.Evaluate(ctx, med, forecast.Forecast{Method: forecast.MethodInsufficientHistory}, checkerNow)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected skipped outcome, got %s", outcome)
	}

	after, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil || after == nil {
		t.Fatalf("alert vanished after indeterminate forecast: %v", err)
	}
	if after.Version != before.Version {
		t.Error("indeterminate forecast must not touch the alert")
	}
}

func TestRecordDoseDecrementsAndAppends(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 30, false)

	med, err := checker.RecordDose(ctx, "med-1", 1, checkerNow)
	if err != nil {
		t.Fatalf("RecordDose failed: %v", err)
	}
	if med.QuantityRemaining != 29 {
		t.Errorf("expected 29 remaining, got %f", med.QuantityRemaining)
	}

	recs, err := st.ListConsumption(ctx, "med-1", time.Time{})
	if err != nil {
		t.Fatalf("ListConsumption failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Quantity != 1 {
		t.Fatalf("expected one dose record, got %+v", recs)
	}

	if _, err := checker.RecordDose(ctx, "missing", 1, checkerNow); err == nil {
		t.Error("expected error for unknown medication")
	}
}

func TestAcknowledgeSurvivesUpdates(t *testing.T) {
	st, alerts, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 10, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)
	if _, err := checker.Run(ctx, "patient-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	open, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil || open == nil {
		t.Fatalf("expected open alert: %v", err)
	}

	acked, err := alerts.Acknowledge(ctx, open.AlertID, checkerNow)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !acked.Acknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledged alert, got %+v", acked)
	}

	// Supply drops further: the acknowledged alert keeps updating.
	med, resolved, err := checker.UpdateQuantity(ctx, "med-1", 4, store.ActionAdjusted)
	if err != nil {
		t.Fatalf("UpdateQuantity failed: %v", err)
	}
	if resolved != 0 {
		t.Errorf("adjustment must not resolve, got %d", resolved)
	}
	if med.QuantityRemaining != 4 {
		t.Errorf("expected 4 remaining, got %f", med.QuantityRemaining)
	}

	updated, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil || updated == nil {
		t.Fatalf("expected alert to stay open: %v", err)
	}
	if updated.Level != store.AlertLevelCritical {
		t.Errorf("expected escalation to critical, got %s", updated.Level)
	}
	if !updated.Acknowledged {
		t.Error("update must preserve the acknowledgement")
	}
	if !updated.AcknowledgedAt.Equal(*acked.AcknowledgedAt) {
		t.Error("update must not move acknowledged_at")
	}

	// Second acknowledge is a no-op.
	again, err := alerts.Acknowledge(ctx, open.AlertID, checkerNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Acknowledge failed: %v", err)
	}
	if !again.AcknowledgedAt.Equal(*acked.AcknowledgedAt) {
		t.Error("second acknowledge must not move acknowledged_at")
	}
}

func TestRefillAutoResolves(t *testing.T) {
	st, alerts, checker := newTestChecker(t)
	ctx := context.Background()

	// 2/day, 4 remaining: 2 days -> critical.
	seedMedication(t, st, "med-1", 4, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)
	if _, err := checker.Run(ctx, "patient-1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	open, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil || open == nil {
		t.Fatalf("expected critical alert: %v", err)
	}
	if open.Level != store.AlertLevelCritical {
		t.Fatalf("expected critical, got %s", open.Level)
	}
	if _, err := alerts.Acknowledge(ctx, open.AlertID, checkerNow); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	// Refill to 90: 45 days left, above every threshold.
	med, resolved, err := checker.UpdateQuantity(ctx, "med-1", 90, store.ActionRefilled)
	if err != nil {
		t.Fatalf("UpdateQuantity failed: %v", err)
	}
	if resolved != 1 {
		t.Errorf("expected 1 auto-resolved alert, got %d", resolved)
	}
	if med.BaselineStart == nil {
		t.Error("refill must stamp the baseline")
	}

	stillOpen, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if stillOpen != nil {
		t.Errorf("expected no open alert after refill, got %+v", stillOpen)
	}

	// History survives: the resolved row keeps its acknowledgement.
	final, err := st.GetAlert(ctx, open.AlertID)
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if !final.AutoResolved || final.ResolvedAt == nil {
		t.Errorf("expected resolved alert row, got %+v", final)
	}
	if !final.Acknowledged {
		t.Error("resolution must preserve the acknowledgement")
	}

	// The rate history itself is untouched by the refill.
	recs, err := st.ListConsumption(ctx, "med-1", time.Time{})
	if err != nil {
		t.Fatalf("ListConsumption failed: %v", err)
	}
	if len(recs) != 22 {
		t.Errorf("refill must not truncate consumption history, got %d records", len(recs))
	}
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	_, alerts, _ := newTestChecker(t)

	if _, err := alerts.Acknowledge(context.Background(), "missing", checkerNow); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunIsolatesUntracked(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 10, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)

	paused := &store.Medication{
		ID:                "med-2",
		PatientID:         "patient-1",
		Name:              "paused med",
		QuantityRemaining: 1,
		TrackingEnabled:   false,
		UpdatedAt:         checkerNow,
	}
	if err := st.SaveMedication(ctx, paused); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}

	result, err := checker.Run(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.MedicationsChecked != 1 {
		t.Errorf("untracked medication must be skipped: %+v", result)
	}

	alert, err := st.GetOpenAlert(ctx, "med-2")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if alert != nil {
		t.Errorf("untracked medication must never alert, got %+v", alert)
	}
}

func TestPredictionsReadOnly(t *testing.T) {
	st, _, checker := newTestChecker(t)
	ctx := context.Background()

	seedMedication(t, st, "med-1", 10, false)
	seedSteadyHistory(t, st, "med-1", 21, 2)

	preds, err := checker.Predictions(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Predictions failed: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("expected one prediction, got %d", len(preds))
	}
	f := preds[0].Forecast
	if !f.Determinate() || *f.DaysRemaining != 5 {
		t.Errorf("unexpected forecast: %+v", f)
	}

	// Reads never create alerts.
	alert, err := st.GetOpenAlert(ctx, "med-1")
	if err != nil {
		t.Fatalf("GetOpenAlert failed: %v", err)
	}
	if alert != nil {
		t.Errorf("Predictions must not write alert state, got %+v", alert)
	}
}
