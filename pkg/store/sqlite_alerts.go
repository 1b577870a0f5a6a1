package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const alertColumns = `alert_id, patient_id, medication_id, level, days_remaining,
	predicted_depletion, ci_low, ci_high, forecast_method,
	created_at, updated_at, acknowledged, acknowledged_at, auto_resolved, resolved_at, version`

// GetOpenAlert returns the single open (not auto-resolved) alert for a
// medication, or nil when none exists.
func (s *Store) GetOpenAlert(ctx context.Context, medicationID string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts WHERE medication_id = ? AND auto_resolved = 0
	`, medicationID)

	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open alert: %w", err)
	}
	return a, nil
}

// GetAlert returns one alert by id, or ErrNotFound.
func (s *Store) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts WHERE alert_id = ?
	`, alertID)

	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// CreateAlert inserts a new open alert. The partial unique index on
// open alerts makes this a conditional insert: a concurrent evaluation
// that already opened an alert for the medication causes ErrConflict,
// and the caller re-reads and retries once.
func (s *Store) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.AlertID, a.PatientID, a.MedicationID, a.Level, a.DaysRemaining,
		a.PredictedDepletion.UTC(), a.CILow.UTC(), a.CIHigh.UTC(), a.ForecastMethod,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), a.Acknowledged, a.AcknowledgedAt, a.AutoResolved, a.ResolvedAt, a.Version)

	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("open alert already exists for medication %s: %w", a.MedicationID, ErrConflict)
		}
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// UpdateOpenAlert rewrites the forecast snapshot of an open alert in
// place, guarded by the version read at evaluation time. Zero rows
// means the alert changed underneath us (or was resolved) — ErrConflict.
func (s *Store) UpdateOpenAlert(ctx context.Context, a *Alert) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET level = ?, days_remaining = ?, predicted_depletion = ?, ci_low = ?, ci_high = ?,
			forecast_method = ?, updated_at = ?, version = version + 1
		WHERE alert_id = ? AND auto_resolved = 0 AND version = ?
	`, a.Level, a.DaysRemaining, a.PredictedDepletion.UTC(), a.CILow.UTC(), a.CIHigh.UTC(),
		a.ForecastMethod, a.UpdatedAt.UTC(), a.AlertID, a.Version)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert %s version %d: %w", a.AlertID, a.Version, ErrConflict)
	}
	a.Version++
	return nil
}

// ResolveOpenAlert marks the medication's open alert auto-resolved,
// preserving the acknowledged flag. Returns the resolved alert, or nil
// when no open alert existed.
func (s *Store) ResolveOpenAlert(ctx context.Context, medicationID string, now time.Time) (*Alert, error) {
	open, err := s.GetOpenAlert(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET auto_resolved = 1, resolved_at = ?, updated_at = ?, version = version + 1
		WHERE alert_id = ? AND auto_resolved = 0
	`, now.UTC(), now.UTC(), open.AlertID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		// A concurrent pass resolved it first. Same outcome.
		return s.GetAlert(ctx, open.AlertID)
	}
	return s.GetAlert(ctx, open.AlertID)
}

// AcknowledgeAlert flips the acknowledged flag. Idempotent: a second
// call on an already-acknowledged alert is a no-op success and the
// original acknowledged_at is preserved. Only the two acknowledgement
// fields ever change.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID string, now time.Time) (*Alert, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET acknowledged = 1, acknowledged_at = ?
		WHERE alert_id = ? AND acknowledged = 0
	`, now.UTC(), alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	if _, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}

	// Zero rows means either already acknowledged (no-op success) or an
	// unknown id; the read distinguishes the two.
	return s.GetAlert(ctx, alertID)
}

// ListAlerts returns all alerts for a patient, open first, newest first
// within each group.
func (s *Store) ListAlerts(ctx context.Context, patientID string) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts WHERE patient_id = ?
		ORDER BY auto_resolved, updated_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// GetAlertSummary aggregates open alerts across all patients.
func (s *Store) GetAlertSummary(ctx context.Context) (*AlertSummary, error) {
	var sum AlertSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN level = 'critical' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN level = 'warning' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN level = 'info' THEN 1 ELSE 0 END), 0),
			COUNT(*),
			COUNT(DISTINCT patient_id)
		FROM alerts WHERE auto_resolved = 0
	`).Scan(&sum.Critical, &sum.Warning, &sum.Info, &sum.Total, &sum.PatientsWithAlerts)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	return &sum, nil
}

// PruneResolvedAlerts deletes auto-resolved alerts older than the
// retention TTL. Open alerts are never pruned.
func (s *Store) PruneResolvedAlerts(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE auto_resolved = 1 AND resolved_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune resolved alerts: %w", err)
	}
	return res.RowsAffected()
}

func scanAlert(r rowScanner) (*Alert, error) {
	var a Alert
	var ackAt, resolvedAt sql.NullTime
	err := r.Scan(&a.AlertID, &a.PatientID, &a.MedicationID, &a.Level, &a.DaysRemaining,
		&a.PredictedDepletion, &a.CILow, &a.CIHigh, &a.ForecastMethod,
		&a.CreatedAt, &a.UpdatedAt, &a.Acknowledged, &ackAt, &a.AutoResolved, &resolvedAt, &a.Version)
	if err != nil {
		return nil, err
	}
	if ackAt.Valid {
		t := ackAt.Time.UTC()
		a.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	a.PredictedDepletion = a.PredictedDepletion.UTC()
	a.CILow = a.CILow.UTC()
	a.CIHigh = a.CIHigh.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
