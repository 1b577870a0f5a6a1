package forecast

import (
	"time"

	"github.com/careloop/medwatch/pkg/store"
)

// Analyze converts a medication's dose history into rolling statistics.
// Records are bucketed into UTC calendar days from the window start
// through the day of now, with missing days counted as zero
// consumption. Pure: never mutates records or touches a clock beyond
// the injected now.
//
// Refills are not consumption, so they never appear here: the rate is
// a property of the patient's dosing and survives supply resets.
func Analyze(records []store.ConsumptionRecord, now time.Time, opts Options) Stats {
	now = now.UTC()
	windowStart := day(now).AddDate(0, 0, -(opts.WindowDays - 1))

	var firstDay time.Time
	totals := make(map[time.Time]float64)
	for _, rec := range records {
		d := day(rec.Timestamp.UTC())
		if d.Before(windowStart) || d.After(day(now)) {
			continue
		}
		if firstDay.IsZero() || d.Before(firstDay) {
			firstDay = d
		}
		totals[d] += rec.Quantity
	}

	if firstDay.IsZero() {
		return Stats{}
	}

	// One bucket per calendar day from the first observation to now.
	n := int(day(now).Sub(firstDay).Hours()/24) + 1
	daily := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		daily[i] = totals[firstDay.AddDate(0, 0, i)]
		sum += daily[i]
	}

	mean := sum / float64(n)

	var variance float64
	if n > 1 {
		var sq float64
		for _, v := range daily {
			d := v - mean
			sq += d * d
		}
		variance = sq / float64(n-1)
	}

	return Stats{
		AvgDailyConsumption: mean,
		Variance:            variance,
		DaysOfHistory:       n,
		Daily:               daily,
	}
}

// weightedMean recomputes the daily average with linearly increasing
// recency weights, so the estimate tracks dose changes faster than the
// plain mean.
func weightedMean(daily []float64) float64 {
	if len(daily) == 0 {
		return 0
	}
	var weighted, weightSum float64
	for i, v := range daily {
		w := float64(i + 1)
		weighted += v * w
		weightSum += w
	}
	return weighted / weightSum
}

// day truncates t to its UTC calendar day.
func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
