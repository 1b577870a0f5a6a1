package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveMedication inserts or replaces a medication row.
func (s *Store) SaveMedication(ctx context.Context, m *Medication) error {
	if m.ID == "" || m.PatientID == "" {
		return fmt.Errorf("%w: medication id and patient id are required", ErrValidation)
	}
	if m.QuantityRemaining < 0 {
		return fmt.Errorf("%w: quantity_remaining must be >= 0", ErrValidation)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medications (id, patient_id, name, quantity_remaining, initial_quantity, is_prn, tracking_enabled, baseline_start, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id,
			name = excluded.name,
			quantity_remaining = excluded.quantity_remaining,
			initial_quantity = excluded.initial_quantity,
			is_prn = excluded.is_prn,
			tracking_enabled = excluded.tracking_enabled,
			baseline_start = excluded.baseline_start,
			updated_at = excluded.updated_at
	`, m.ID, m.PatientID, m.Name, m.QuantityRemaining, m.InitialQuantity, m.IsPRN, m.TrackingEnabled, m.BaselineStart, m.UpdatedAt.UTC())

	if err != nil {
		return fmt.Errorf("failed to save medication: %w", err)
	}
	return nil
}

// GetMedication returns one medication by id, or ErrNotFound.
func (s *Store) GetMedication(ctx context.Context, id string) (*Medication, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, name, quantity_remaining, initial_quantity, is_prn, tracking_enabled, baseline_start, updated_at
		FROM medications WHERE id = ?
	`, id)

	m, err := scanMedication(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("medication %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get medication: %w", err)
	}
	return m, nil
}

// ListMedications returns all medications for a patient.
func (s *Store) ListMedications(ctx context.Context, patientID string) ([]*Medication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, name, quantity_remaining, initial_quantity, is_prn, tracking_enabled, baseline_start, updated_at
		FROM medications WHERE patient_id = ? ORDER BY name
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list medications: %w", err)
	}
	defer rows.Close()

	var meds []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication: %w", err)
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

// ListPatientIDs returns the distinct patients with at least one
// tracked medication. Used by the sweep loop.
func (s *Store) ListPatientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT patient_id FROM medications WHERE tracking_enabled = 1 ORDER BY patient_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan patient id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadMedicationsWithHistory returns each of the patient's medications
// paired with its full consumption history in chronological order. The
// tracker applies its own lookback window.
func (s *Store) LoadMedicationsWithHistory(ctx context.Context, patientID string) ([]*Medication, [][]ConsumptionRecord, error) {
	meds, err := s.ListMedications(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}

	histories := make([][]ConsumptionRecord, len(meds))
	for i, m := range meds {
		recs, err := s.ListConsumption(ctx, m.ID, time.Time{})
		if err != nil {
			return nil, nil, err
		}
		histories[i] = recs
	}
	return meds, histories, nil
}

// SaveMedicationQuantity sets the remaining quantity. A refill also
// stamps baseline_start and resets initial_quantity as supply
// bookkeeping. Returns the updated medication.
func (s *Store) SaveMedicationQuantity(ctx context.Context, medicationID string, quantity float64, action QuantityAction, now time.Time) (*Medication, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must be >= 0", ErrValidation)
	}
	if !ValidAction(action) {
		return nil, fmt.Errorf("%w: action must be one of refilled, adjusted", ErrValidation)
	}

	now = now.UTC()
	var res sql.Result
	var err error
	if action == ActionRefilled {
		res, err = s.db.ExecContext(ctx, `
			UPDATE medications
			SET quantity_remaining = ?, initial_quantity = ?, baseline_start = ?, updated_at = ?
			WHERE id = ?
		`, quantity, quantity, now, now, medicationID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE medications
			SET quantity_remaining = ?, updated_at = ?
			WHERE id = ?
		`, quantity, now, medicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update quantity: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("medication %s: %w", medicationID, ErrNotFound)
	}

	return s.GetMedication(ctx, medicationID)
}

// DecrementQuantity applies a dose-taken event, clamping at zero.
func (s *Store) DecrementQuantity(ctx context.Context, medicationID string, quantity float64, now time.Time) (*Medication, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: dose quantity must be > 0", ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE medications
		SET quantity_remaining = MAX(quantity_remaining - ?, 0), updated_at = ?
		WHERE id = ?
	`, quantity, now.UTC(), medicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement quantity: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("medication %s: %w", medicationID, ErrNotFound)
	}

	return s.GetMedication(ctx, medicationID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMedication(r rowScanner) (*Medication, error) {
	var m Medication
	var initial sql.NullFloat64
	var baseline sql.NullTime
	err := r.Scan(&m.ID, &m.PatientID, &m.Name, &m.QuantityRemaining, &initial, &m.IsPRN, &m.TrackingEnabled, &baseline, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if initial.Valid {
		m.InitialQuantity = &initial.Float64
	}
	if baseline.Valid {
		t := baseline.Time.UTC()
		m.BaselineStart = &t
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}
