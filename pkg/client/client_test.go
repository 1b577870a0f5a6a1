package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/careloop/medwatch/pkg/api"
	"github.com/careloop/medwatch/pkg/store"
)

// noBackoff keeps retry tests fast.
type noBackoff struct{}

func (noBackoff) Next(int) time.Duration { return 0 }

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(srv.URL)
	c.SetBackoff(noBackoff{})
	return c, srv
}

func TestPing(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if got := calls.Load(); got != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, got)
	}
}

func TestDoNeverRetriesClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "medication_not_found"})
	}))
	defer srv.Close()

	_, err := c.RecordDose(context.Background(), "missing", 1, time.Time{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", got)
	}
}

func TestDoMapsValidationErrors(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "validation_failed"})
	}))
	defer srv.Close()

	_, err := c.UpdateQuantity(context.Background(), "med-1", -1, "adjusted")
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRegisterMedicationRoundTrip(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/medications" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var reg api.MedicationRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Errorf("decode registration: %v", err)
		}
		json.NewEncoder(w).Encode(api.MedicationResponse{
			Medication: &store.Medication{
				ID:                "med-1",
				PatientID:         reg.PatientID,
				Name:              reg.Name,
				QuantityRemaining: reg.QuantityRemaining,
				TrackingEnabled:   true,
			},
			Status: "registered",
		})
	}))
	defer srv.Close()

	med, err := c.RegisterMedication(context.Background(), api.MedicationRegistration{
		PatientID:         "patient-1",
		Name:              "metformin 500mg",
		QuantityRemaining: 60,
	})
	if err != nil {
		t.Fatalf("RegisterMedication failed: %v", err)
	}
	if med.ID != "med-1" || med.PatientID != "patient-1" {
		t.Errorf("unexpected medication: %+v", med)
	}

	// Client-side validation short-circuits before any request.
	if _, err := c.RegisterMedication(context.Background(), api.MedicationRegistration{}); err == nil {
		t.Error("expected validation error for empty registration")
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c.SetBackoff(DefaultBackoff())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.Ping(ctx)
	if err == nil {
		t.Fatal("expected error under cancelled context")
	}
}
