package forecast

import "time"

// Method tags which estimation strategy produced a forecast,
// reflecting how much history was available.
type Method string

const (
	MethodInsufficientHistory Method = "insufficient_history"
	MethodSimpleAverage       Method = "simple_average"
	MethodWeightedRegression  Method = "weighted_regression"
)

// Stats are rolling consumption statistics for one medication over a
// bounded lookback window. Daily holds the per-day totals in
// chronological order (zero-filled days included) so the model can
// re-weight them without re-reading history.
type Stats struct {
	AvgDailyConsumption float64   `json:"avg_daily_consumption"`
	Variance            float64   `json:"consumption_variance"`
	DaysOfHistory       int       `json:"days_of_history"`
	Daily               []float64 `json:"-"`
}

// Forecast is a depletion estimate with uncertainty. DaysRemaining and
// the date fields are nil when the forecast is indeterminate.
type Forecast struct {
	MedicationID        string     `json:"medication_id"`
	AvgDailyConsumption float64    `json:"avg_daily_consumption"`
	Variance            float64    `json:"consumption_variance"`
	DaysRemaining       *int       `json:"days_remaining,omitempty"`
	PredictedDepletion  *time.Time `json:"predicted_depletion_date,omitempty"`
	CILow               *time.Time `json:"ci_low,omitempty"`
	CIHigh              *time.Time `json:"ci_high,omitempty"`
	Method              Method     `json:"forecast_method"`
	DaysOfHistory       int        `json:"days_of_history"`
	GeneratedAt         time.Time  `json:"generated_at"`
}

// Determinate reports whether the forecast carries a usable depletion
// estimate. Indeterminate forecasts are a normal result, not an error.
func (f *Forecast) Determinate() bool {
	return f.Method != MethodInsufficientHistory && f.DaysRemaining != nil
}

// Options bound the tracker window and the history thresholds that
// select the forecast method.
type Options struct {
	// WindowDays caps how far back the tracker looks.
	WindowDays int
	// MinHistoryDays is the floor below which no forecast is attempted.
	MinHistoryDays int
	// SufficientHistoryDays is the floor for the weighted method;
	// between the two floors the simple average is used.
	SufficientHistoryDays int
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		WindowDays:            90,
		MinHistoryDays:        3,
		SufficientHistoryDays: 14,
	}
}
