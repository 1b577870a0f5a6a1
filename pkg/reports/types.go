package reports

import (
	"context"
	"io"
	"time"

	"github.com/careloop/medwatch/pkg/store"
)

type ReportType string

const (
	ReportTypeAlertHistory ReportType = "alert_history"
	ReportTypeConsumption  ReportType = "consumption"
)

type ReportParams struct {
	Start   time.Time
	End     time.Time
	Filters map[string]interface{}
}

// ReportStore defines the data access required by report generators.
type ReportStore interface {
	QueryEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error)
	GetDailyConsumption(ctx context.Context, filter store.ConsumptionFilter) ([]store.DailyConsumption, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}
