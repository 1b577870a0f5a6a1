package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/careloop/medwatch/pkg/api"
	"github.com/careloop/medwatch/pkg/client"
)

// medwatch-sim seeds synthetic patients and replays backdated
// dose-taken events against a running daemon, then triggers checks and
// prints the resulting alerts. Useful for demos and manual testing.
func main() {
	var (
		apiURL   string
		patients int
		days     int
		seed     int64
	)

	flag.StringVar(&apiURL, "api", "http://127.0.0.1:8980", "Base URL of medwatch-d API")
	flag.IntVar(&patients, "patients", 3, "Number of synthetic patients")
	flag.IntVar(&days, "days", 21, "Days of consumption history to replay")
	flag.Int64Var(&seed, "seed", 42, "Deterministic seed")
	flag.Parse()

	c := client.NewClient(apiURL)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		log.Fatalf("daemon unreachable at %s: %v", apiURL, err)
	}

	rng := rand.New(rand.NewSource(seed))
	now := time.Now().UTC()

	for p := 0; p < patients; p++ {
		patientID := fmt.Sprintf("sim-patient-%d", p+1)

		meds := []struct {
			name     string
			quantity float64
			perDay   float64
			isPRN    bool
		}{
			{"lisinopril 10mg", 30 + float64(rng.Intn(60)), 1, false},
			{"metformin 500mg", 60 + float64(rng.Intn(120)), 2, false},
			{"ibuprofen 200mg", 50, 0, true},
		}

		for _, m := range meds {
			med, err := c.RegisterMedication(ctx, api.MedicationRegistration{
				PatientID:         patientID,
				Name:              m.name,
				QuantityRemaining: m.quantity,
				IsPRN:             m.isPRN,
			})
			if err != nil {
				log.Fatalf("failed to register %s for %s: %v", m.name, patientID, err)
			}

			if m.isPRN {
				continue
			}

			// Replay one dose event per scheduled intake, backdated.
			// Occasional missed doses keep the variance realistic.
			for d := days; d > 0; d-- {
				for dose := 0; dose < int(m.perDay); dose++ {
					if rng.Float64() < 0.05 {
						continue // missed dose
					}
					takenAt := now.AddDate(0, 0, -d).Add(time.Duration(8+dose*8) * time.Hour)
					if _, err := c.RecordDose(ctx, med.ID, 1, takenAt); err != nil {
						log.Fatalf("failed to record dose for %s: %v", med.ID, err)
					}
				}
			}

			fmt.Fprintf(os.Stderr, "seeded %s / %s (%g remaining)\n", patientID, m.name, med.QuantityRemaining)
		}

		result, err := c.TriggerCheck(ctx, patientID)
		if err != nil {
			log.Fatalf("trigger check failed for %s: %v", patientID, err)
		}

		fmt.Printf("\n--- %s ---\n", patientID)
		fmt.Printf("medications checked: %d, alerts: %d generated / %d updated / %d resolved\n",
			result.MedicationsChecked, result.AlertsGenerated, result.AlertsUpdated, result.AlertsResolved)
		for _, a := range result.Alerts {
			fmt.Printf("  [%s] medication %s: %d days remaining (predicted %s, method %s)\n",
				a.Level, a.MedicationID, a.DaysRemaining,
				a.PredictedDepletion.Format("2006-01-02"), a.ForecastMethod)
		}
		if len(result.Failures) > 0 {
			for _, f := range result.Failures {
				fmt.Printf("  FAILED %s: %s\n", f.MedicationID, f.Error)
			}
		}
	}

	summary, err := c.GetSummary(ctx)
	if err != nil {
		log.Fatalf("failed to fetch summary: %v", err)
	}
	fmt.Printf("\nopen alerts: %d critical, %d warning, %d info (%d patients)\n",
		summary.Critical, summary.Warning, summary.Info, summary.PatientsWithAlerts)
}
