package store

import (
	"context"
	"fmt"
	"time"
)

// AppendConsumption records one dose-taken observation. The history is
// append-only; corrections are made by newer records, never by edits.
func (s *Store) AppendConsumption(ctx context.Context, rec *ConsumptionRecord) error {
	if rec.MedicationID == "" {
		return fmt.Errorf("%w: medication_id is required", ErrValidation)
	}
	if rec.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrValidation)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumption_records (id, medication_id, ts, quantity)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.MedicationID, rec.Timestamp.UTC(), rec.Quantity)
	if err != nil {
		return fmt.Errorf("failed to append consumption record: %w", err)
	}
	return nil
}

// ListConsumption returns the medication's records in chronological
// order. A zero since returns the full history.
func (s *Store) ListConsumption(ctx context.Context, medicationID string, since time.Time) ([]ConsumptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, medication_id, ts, quantity
		FROM consumption_records
		WHERE medication_id = ? AND ts >= ?
		ORDER BY ts
	`, medicationID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list consumption: %w", err)
	}
	defer rows.Close()

	var recs []ConsumptionRecord
	for rows.Next() {
		var r ConsumptionRecord
		if err := rows.Scan(&r.ID, &r.MedicationID, &r.Timestamp, &r.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan consumption record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// GetDailyConsumption aggregates consumption into calendar-day buckets
// for the trends endpoint and CSV reports. Aggregation happens in SQL;
// there is no separate rollup worker because the records are already
// columnar.
func (s *Store) GetDailyConsumption(ctx context.Context, filter ConsumptionFilter) ([]DailyConsumption, error) {
	query := `
		SELECT date(c.ts) AS day, c.medication_id, m.patient_id,
			SUM(c.quantity) AS total_quantity, COUNT(*) AS dose_count
		FROM consumption_records c
		JOIN medications m ON m.id = c.medication_id
		WHERE c.ts >= ? AND c.ts < ?
	`
	args := []interface{}{filter.From.UTC(), filter.To.UTC()}

	if filter.PatientID != "" {
		query += " AND m.patient_id = ?"
		args = append(args, filter.PatientID)
	}
	if filter.MedicationID != "" {
		query += " AND c.medication_id = ?"
		args = append(args, filter.MedicationID)
	}
	query += " GROUP BY day, c.medication_id ORDER BY day, c.medication_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily consumption: %w", err)
	}
	defer rows.Close()

	var out []DailyConsumption
	for rows.Next() {
		var d DailyConsumption
		var day string
		if err := rows.Scan(&day, &d.MedicationID, &d.PatientID, &d.TotalQuantity, &d.DoseCount); err != nil {
			return nil, fmt.Errorf("failed to scan daily consumption: %w", err)
		}
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("failed to parse day bucket %q: %w", day, err)
		}
		d.Day = t
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneConsumption deletes records older than the retention TTL.
// Returns the number of rows removed.
func (s *Store) PruneConsumption(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM consumption_records WHERE ts < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune consumption records: %w", err)
	}
	return res.RowsAffected()
}
