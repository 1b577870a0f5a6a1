package reports

import (
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/careloop/medwatch/pkg/store"
)

var reportNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newReportStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "medwatch.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	med := &store.Medication{
		ID:                "med-1",
		PatientID:         "patient-1",
		Name:              "lisinopril 10mg",
		QuantityRemaining: 30,
		TrackingEnabled:   true,
		UpdatedAt:         reportNow,
	}
	if err := st.SaveMedication(context.Background(), med); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}
	return st
}

func readCSV(t *testing.T, gen Generator, params ReportParams) [][]string {
	t.Helper()
	reader, err := gen.Generate(context.Background(), params)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	rows, err := csv.NewReader(reader).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return rows
}

func TestNewReportGenerator(t *testing.T) {
	st := newReportStore(t)

	for _, rt := range []ReportType{ReportTypeAlertHistory, ReportTypeConsumption} {
		if _, err := NewReportGenerator(rt, st); err != nil {
			t.Errorf("expected generator for %s: %v", rt, err)
		}
	}
	if _, err := NewReportGenerator("bogus", st); err == nil {
		t.Error("expected error for unknown report type")
	}
}

func TestAlertHistoryReport(t *testing.T) {
	st := newReportStore(t)
	ctx := context.Background()

	events := []struct {
		et   store.EventType
		days string
	}{
		{store.EventTypeAlertCreated, "5"},
		{store.EventTypeAlertAcknowledged, ""},
		{store.EventTypeAlertResolved, "45"},
	}
	for i, e := range events {
		payload := `{"alert_id":"alert-1","level":"warning","forecast_method":"simple_average"}`
		if e.days != "" {
			payload = fmt.Sprintf(`{"alert_id":"alert-1","level":"warning","days_remaining":%s,"forecast_method":"simple_average"}`, e.days)
		}
		evt := &store.Event{
			EventID:      fmt.Sprintf("e-%d", i),
			EventType:    e.et,
			PatientID:    "patient-1",
			MedicationID: "med-1",
			TsEvent:      reportNow.Add(time.Duration(i) * time.Minute),
			TsIngest:     reportNow.Add(time.Duration(i) * time.Minute),
			Payload:      []byte(payload),
		}
		if err := st.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	// An unrelated event type stays out of the report.
	dose := &store.Event{
		EventID: "e-dose", EventType: store.EventTypeDoseRecorded,
		PatientID: "patient-1", MedicationID: "med-1",
		TsEvent: reportNow, TsIngest: reportNow, Payload: []byte(`{}`),
	}
	if err := st.AppendEvent(ctx, dose); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	gen := NewAlertHistoryReport(st)
	rows := readCSV(t, gen, ReportParams{
		Start:   reportNow.Add(-time.Hour),
		End:     reportNow.Add(time.Hour),
		Filters: map[string]interface{}{"patient_id": "patient-1"},
	})

	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "ts_event" || rows[0][4] != "alert_id" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != string(store.EventTypeAlertCreated) || rows[1][6] != "5" {
		t.Errorf("unexpected created row: %v", rows[1])
	}
	if rows[2][6] != "" {
		t.Errorf("acknowledge row must have empty days_remaining: %v", rows[2])
	}

	// A filter on another patient yields only the header.
	rows = readCSV(t, gen, ReportParams{
		Start:   reportNow.Add(-time.Hour),
		End:     reportNow.Add(time.Hour),
		Filters: map[string]interface{}{"patient_id": "patient-2"},
	})
	if len(rows) != 1 {
		t.Errorf("expected header only, got %d rows", len(rows))
	}
}

func TestConsumptionReport(t *testing.T) {
	st := newReportStore(t)
	ctx := context.Background()

	doses := []time.Time{
		reportNow.AddDate(0, 0, -1),
		reportNow.AddDate(0, 0, -1).Add(8 * time.Hour),
		reportNow,
	}
	for i, ts := range doses {
		rec := &store.ConsumptionRecord{
			ID:           fmt.Sprintf("r-%d", i),
			MedicationID: "med-1",
			Timestamp:    ts,
			Quantity:     1,
		}
		if err := st.AppendConsumption(ctx, rec); err != nil {
			t.Fatalf("AppendConsumption failed: %v", err)
		}
	}

	gen := NewConsumptionReport(st)
	rows := readCSV(t, gen, ReportParams{
		Start:   reportNow.AddDate(0, 0, -2),
		End:     reportNow.Add(time.Hour),
		Filters: map[string]interface{}{},
	})

	if len(rows) != 3 {
		t.Fatalf("expected header + 2 day buckets, got %d", len(rows))
	}
	if rows[0][0] != "day" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	// First bucket: two doses totalling 2.
	if rows[1][3] != "2" || rows[1][4] != "2" {
		t.Errorf("unexpected first bucket: %v", rows[1])
	}
	if rows[2][3] != "1" || rows[2][4] != "1" {
		t.Errorf("unexpected second bucket: %v", rows[2])
	}
}
