package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AppendEvent writes one audit event. The trail is append-only.
func (s *Store) AppendEvent(ctx context.Context, evt *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, event_type, patient_id, medication_id, ts_event, ts_ingest, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.EventID, evt.EventType, evt.PatientID, evt.MedicationID, evt.TsEvent.UTC(), evt.TsIngest.UTC(), string(evt.Payload))
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ReadRecentEvents returns the newest events up to limit.
func (s *Store) ReadRecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, patient_id, medication_id, ts_event, ts_ingest, payload
		FROM audit_events ORDER BY ts_ingest DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// QueryEvents returns audit events matching the filter, oldest first.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT event_id, event_type, patient_id, medication_id, ts_event, ts_ingest, payload
		FROM audit_events WHERE ts_event >= ? AND ts_event < ?
	`
	args := []interface{}{filter.From.UTC(), filter.To.UTC()}

	if filter.PatientID != "" {
		query += " AND patient_id = ?"
		args = append(args, filter.PatientID)
	}
	if filter.MedicationID != "" {
		query += " AND medication_id = ?"
		args = append(args, filter.MedicationID)
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			placeholders[i] = "?"
			args = append(args, et)
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY ts_event"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// PruneEvents deletes audit events older than the retention TTL.
func (s *Store) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_events WHERE ts_ingest < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}

func collectEvents(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.EventID, &e.EventType, &e.PatientID, &e.MedicationID, &e.TsEvent, &e.TsIngest, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.TsEvent = e.TsEvent.UTC()
		e.TsIngest = e.TsIngest.UTC()
		e.Payload = []byte(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}
