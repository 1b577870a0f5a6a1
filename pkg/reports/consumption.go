package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/careloop/medwatch/pkg/store"
)

// ConsumptionReport generates a CSV of daily consumption totals.
type ConsumptionReport struct {
	store ReportStore
}

func NewConsumptionReport(s ReportStore) *ConsumptionReport {
	return &ConsumptionReport{store: s}
}

// Generate produces one row per medication per day in the time range.
func (r *ConsumptionReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"day", "patient_id", "medication_id", "total_quantity", "dose_count"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	filter := store.ConsumptionFilter{
		From: params.Start,
		To:   params.End,
	}
	if patientID, ok := params.Filters["patient_id"].(string); ok && patientID != "" {
		filter.PatientID = patientID
	}
	if medicationID, ok := params.Filters["medication_id"].(string); ok && medicationID != "" {
		filter.MedicationID = medicationID
	}

	days, err := r.store.GetDailyConsumption(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily consumption: %w", err)
	}

	for _, d := range days {
		row := []string{
			d.Day.Format("2006-01-02"),
			d.PatientID,
			d.MedicationID,
			fmt.Sprintf("%g", d.TotalQuantity),
			fmt.Sprintf("%d", d.DoseCount),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}

	return buf, nil
}
