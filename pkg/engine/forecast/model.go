package forecast

import (
	"math"
	"time"
)

// Model turns consumption statistics and current stock into a
// depletion forecast. Deterministic given identical inputs; now is
// injected for testability.
type Model struct {
	opts Options
}

// NewModel creates a model with the given thresholds.
func NewModel(opts Options) *Model {
	return &Model{opts: opts}
}

// Predict estimates when the medication runs out.
//
// Method selection mirrors data sufficiency: PRN medications, a zero
// consumption rate, or too little history yield an indeterminate
// forecast; a short history uses the simple average; a full window
// re-weights the average toward recent days before the same division.
func (m *Model) Predict(medicationID string, stats Stats, quantityRemaining float64, isPRN bool, now time.Time) Forecast {
	now = now.UTC()

	f := Forecast{
		MedicationID:        medicationID,
		AvgDailyConsumption: stats.AvgDailyConsumption,
		Variance:            stats.Variance,
		DaysOfHistory:       stats.DaysOfHistory,
		Method:              MethodInsufficientHistory,
		GeneratedAt:         now,
	}

	// PRN consumption is not periodic; a depletion date would be noise.
	if isPRN || stats.AvgDailyConsumption == 0 || stats.DaysOfHistory < m.opts.MinHistoryDays {
		return f
	}

	rate := stats.AvgDailyConsumption
	if stats.DaysOfHistory < m.opts.SufficientHistoryDays {
		f.Method = MethodSimpleAverage
	} else {
		f.Method = MethodWeightedRegression
		if wm := weightedMean(stats.Daily); wm > 0 {
			rate = wm
			f.AvgDailyConsumption = wm
		}
	}

	days := int(math.Floor(quantityRemaining / rate))
	predicted := now.AddDate(0, 0, days)

	// One standard deviation on the rate, translated into dates. The
	// faster rate bounds the window early, the slower rate bounds it
	// late. The pessimistic rate is clamped so a large variance cannot
	// push the high bound out to infinity.
	sd := math.Sqrt(stats.Variance)
	fastRate := rate + sd
	slowRate := rate - sd
	if slowRate < rate/4 {
		slowRate = rate / 4
	}

	lowDays := int(math.Floor(quantityRemaining / fastRate))
	highDays := int(math.Floor(quantityRemaining / slowRate))
	if lowDays > days {
		lowDays = days
	}
	if highDays < days {
		highDays = days
	}

	low := now.AddDate(0, 0, lowDays)
	high := now.AddDate(0, 0, highDays)

	f.DaysRemaining = &days
	f.PredictedDepletion = &predicted
	f.CILow = &low
	f.CIHigh = &high
	return f
}
