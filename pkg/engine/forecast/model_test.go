package forecast

import (
	"testing"
)

func steadyStats(rate float64, days int) Stats {
	daily := make([]float64, days)
	for i := range daily {
		daily[i] = rate
	}
	return Stats{
		AvgDailyConsumption: rate,
		Variance:            0,
		DaysOfHistory:       days,
		Daily:               daily,
	}
}

func TestPredictInsufficientHistory(t *testing.T) {
	m := NewModel(DefaultOptions())

	cases := []struct {
		name  string
		stats Stats
		isPRN bool
	}{
		{"too few days", steadyStats(2, 2), false},
		{"zero rate", Stats{DaysOfHistory: 30}, false},
		{"prn", steadyStats(2, 30), true},
		{"no history at all", Stats{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := m.Predict("med-1", tc.stats, 30, tc.isPRN, testNow)
			if f.Method != MethodInsufficientHistory {
				t.Errorf("expected insufficient_history, got %s", f.Method)
			}
			if f.Determinate() {
				t.Errorf("expected indeterminate forecast")
			}
			if f.DaysRemaining != nil || f.PredictedDepletion != nil {
				t.Errorf("indeterminate forecast must not carry estimates")
			}
		})
	}
}

func TestPredictSimpleAverage(t *testing.T) {
	m := NewModel(DefaultOptions())

	f := m.Predict("med-1", steadyStats(2, 7), 30, false, testNow)

	if f.Method != MethodSimpleAverage {
		t.Fatalf("expected simple_average, got %s", f.Method)
	}
	if !f.Determinate() {
		t.Fatal("expected determinate forecast")
	}
	if *f.DaysRemaining != 15 {
		t.Errorf("expected 15 days remaining, got %d", *f.DaysRemaining)
	}
	want := testNow.AddDate(0, 0, 15)
	if !f.PredictedDepletion.Equal(want) {
		t.Errorf("expected depletion %s, got %s", want, f.PredictedDepletion)
	}
	// Zero variance collapses the interval onto the estimate.
	if !f.CILow.Equal(want) || !f.CIHigh.Equal(want) {
		t.Errorf("expected degenerate interval at %s, got [%s, %s]", want, f.CILow, f.CIHigh)
	}
}

func TestPredictWeightedRegression(t *testing.T) {
	m := NewModel(DefaultOptions())

	// 21 days of history, dose doubled for the last 7 days. The
	// weighted estimate must predict earlier depletion than the plain
	// mean would.
	daily := make([]float64, 21)
	var sum float64
	for i := range daily {
		daily[i] = 1
		if i >= 14 {
			daily[i] = 2
		}
		sum += daily[i]
	}
	stats := Stats{
		AvgDailyConsumption: sum / 21,
		Variance:            0.23,
		DaysOfHistory:       21,
		Daily:               daily,
	}

	f := m.Predict("med-1", stats, 30, false, testNow)

	if f.Method != MethodWeightedRegression {
		t.Fatalf("expected weighted_regression, got %s", f.Method)
	}
	plainDays := int(30 / (sum / 21))
	if *f.DaysRemaining >= plainDays {
		t.Errorf("expected weighted estimate < %d days, got %d", plainDays, *f.DaysRemaining)
	}
	if f.AvgDailyConsumption <= sum/21 {
		t.Errorf("expected re-weighted rate above plain mean %f, got %f", sum/21, f.AvgDailyConsumption)
	}
}

func TestPredictZeroQuantityIsImmediate(t *testing.T) {
	m := NewModel(DefaultOptions())

	f := m.Predict("med-1", steadyStats(2, 30), 0, false, testNow)
	if !f.Determinate() {
		t.Fatal("expected determinate forecast")
	}
	if *f.DaysRemaining != 0 {
		t.Errorf("expected 0 days remaining, got %d", *f.DaysRemaining)
	}
	if !f.PredictedDepletion.Equal(testNow) {
		t.Errorf("expected depletion today, got %s", f.PredictedDepletion)
	}
}

func TestPredictConfidenceIntervalOrdering(t *testing.T) {
	m := NewModel(DefaultOptions())

	stats := steadyStats(2, 30)
	stats.Variance = 1.0

	f := m.Predict("med-1", stats, 30, false, testNow)
	if f.CILow.After(*f.PredictedDepletion) {
		t.Errorf("ci_low %s after predicted %s", f.CILow, f.PredictedDepletion)
	}
	if f.CIHigh.Before(*f.PredictedDepletion) {
		t.Errorf("ci_high %s before predicted %s", f.CIHigh, f.PredictedDepletion)
	}
	if !f.CILow.Before(*f.CIHigh) {
		t.Errorf("expected a non-degenerate interval, got [%s, %s]", f.CILow, f.CIHigh)
	}
}

func TestPredictPessimisticRateClamped(t *testing.T) {
	m := NewModel(DefaultOptions())

	// Standard deviation exceeds the rate; without the clamp the slow
	// rate would go non-positive and the high bound would be undefined.
	stats := steadyStats(2, 30)
	stats.Variance = 9.0 // sd = 3 > rate

	f := m.Predict("med-1", stats, 30, false, testNow)

	// Clamp pins the slow rate at rate/4, so the high bound lands at
	// floor(30 / 0.5) = 60 days out.
	wantHigh := testNow.AddDate(0, 0, 60)
	if !f.CIHigh.Equal(wantHigh) {
		t.Errorf("expected clamped ci_high %s, got %s", wantHigh, f.CIHigh)
	}
}

func TestPredictDeterministic(t *testing.T) {
	m := NewModel(DefaultOptions())
	stats := steadyStats(1.5, 20)
	stats.Variance = 0.4

	a := m.Predict("med-1", stats, 45, false, testNow)
	b := m.Predict("med-1", stats, 45, false, testNow)

	if *a.DaysRemaining != *b.DaysRemaining || !a.PredictedDepletion.Equal(*b.PredictedDepletion) {
		t.Error("identical inputs produced different forecasts")
	}
}
