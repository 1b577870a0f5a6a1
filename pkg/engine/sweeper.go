package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/careloop/medwatch/pkg/store"
)

const (
	// sweepLockTTL bounds how long a crashed holder can block a patient.
	sweepLockTTL = 30 * time.Second
)

// Sweeper runs periodic trigger-check passes over every patient with
// tracked medications. Patients are processed independently: one
// patient's failure never aborts the sweep, and a per-patient lock
// keeps a manual check and the background sweep from evaluating the
// same patient at once.
type Sweeper struct {
	store    *store.Store
	checker  *Checker
	leases   store.LeaseStore
	interval time.Duration
	holderID string
}

// NewSweeper creates a sweeper. leases is the SQLite lease table in
// standalone mode or the Redis locker when instances share a database.
func NewSweeper(st *store.Store, checker *Checker, leases store.LeaseStore, interval time.Duration, holderID string) *Sweeper {
	return &Sweeper{
		store:    st,
		checker:  checker,
		leases:   leases,
		interval: interval,
		holderID: holderID,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopping")
			return
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// SweepAll runs one full pass across all patients.
func (s *Sweeper) SweepAll(ctx context.Context) {
	patients, err := s.store.ListPatientIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list patients for sweep")
		return
	}

	start := time.Now()
	var checked, failed int
	for _, patientID := range patients {
		if ctx.Err() != nil {
			return
		}
		if err := s.sweepPatient(ctx, patientID); err != nil {
			failed++
			log.Error().Err(err).Str("patient_id", patientID).Msg("patient sweep failed")
			continue
		}
		checked++
	}

	log.Info().
		Int("patients", checked).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("sweep completed")
}

func (s *Sweeper) sweepPatient(ctx context.Context, patientID string) error {
	lockName := "sweep:patient:" + patientID

	acquired, err := s.leases.Acquire(ctx, lockName, s.holderID, sweepLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		// Another evaluation holds the patient; the next tick catches up.
		log.Debug().Str("patient_id", patientID).Msg("patient locked, skipping")
		return nil
	}
	defer func() {
		if err := s.leases.Release(ctx, lockName, s.holderID); err != nil {
			log.Error().Err(err).Str("patient_id", patientID).Msg("failed to release sweep lock")
		}
	}()

	result, err := s.checker.Run(ctx, patientID)
	if err != nil {
		return err
	}

	if result.AlertsGenerated > 0 || result.AlertsUpdated > 0 || result.AlertsResolved > 0 {
		log.Info().
			Str("patient_id", patientID).
			Int("generated", result.AlertsGenerated).
			Int("updated", result.AlertsUpdated).
			Int("resolved", result.AlertsResolved).
			Msg("sweep transitions")
	}
	return nil
}
