package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/careloop/medwatch/pkg/api"
	"github.com/careloop/medwatch/pkg/engine"
	"github.com/careloop/medwatch/pkg/store"
)

const defaultEndpoint = "http://127.0.0.1:8980"

// maxAttempts bounds retries for transient failures (transport errors
// and 5xx responses). 4xx responses are never retried.
const maxAttempts = 3

// Client is the medwatch SDK client.
type Client struct {
	endpoint string
	http     *http.Client
	backoff  BackoffStrategy
}

// NewClient creates a new medwatch client.
// endpoint defaults to "http://127.0.0.1:8980" if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		backoff: DefaultBackoff(),
	}
}

// SetBackoff overrides the retry strategy.
func (c *Client) SetBackoff(b BackoffStrategy) {
	c.backoff = b
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return fmt.Errorf("unexpected health status: %s", status.Status)
	}
	return nil
}

// RegisterMedication registers a medication for tracking.
func (c *Client) RegisterMedication(ctx context.Context, reg api.MedicationRegistration) (*store.Medication, error) {
	if reg.PatientID == "" || reg.Name == "" {
		return nil, fmt.Errorf("invalid registration: missing required fields")
	}
	var resp api.MedicationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/medications", reg, &resp); err != nil {
		return nil, err
	}
	return resp.Medication, nil
}

// RecordDose records one dose taken against a medication.
func (c *Client) RecordDose(ctx context.Context, medicationID string, quantity float64, takenAt time.Time) (*store.Medication, error) {
	req := api.DoseRequest{Quantity: quantity}
	if !takenAt.IsZero() {
		req.TakenAt = takenAt.UTC().Format(time.RFC3339)
	}
	var resp api.DoseResponse
	path := "/v1/medications/" + url.PathEscape(medicationID) + "/doses"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return resp.Medication, nil
}

// UpdateQuantity sets a medication's remaining quantity. action is
// "refilled" or "adjusted".
func (c *Client) UpdateQuantity(ctx context.Context, medicationID string, quantity float64, action string) (*api.QuantityResponse, error) {
	req := api.QuantityRequest{Quantity: quantity, Action: action}
	var resp api.QuantityResponse
	path := "/v1/medications/" + url.PathEscape(medicationID) + "/quantity"
	if err := c.do(ctx, http.MethodPut, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerCheck runs a full evaluation pass for one patient.
func (c *Client) TriggerCheck(ctx context.Context, patientID string) (*engine.CheckResult, error) {
	var result engine.CheckResult
	path := "/v1/patients/" + url.PathEscape(patientID) + "/check"
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPredictions fetches per-medication depletion forecasts.
func (c *Client) GetPredictions(ctx context.Context, patientID string) (*api.PredictionsResponse, error) {
	var resp api.PredictionsResponse
	path := "/v1/patients/" + url.PathEscape(patientID) + "/predictions"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAlerts fetches a patient's active and historical alerts.
func (c *Client) GetAlerts(ctx context.Context, patientID string) (*api.AlertsResponse, error) {
	var resp api.AlertsResponse
	path := "/v1/patients/" + url.PathEscape(patientID) + "/alerts"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcknowledgeAlert marks an alert as seen. Idempotent.
func (c *Client) AcknowledgeAlert(ctx context.Context, alertID string) (*store.Alert, error) {
	var resp api.AckResponse
	path := "/v1/alerts/" + url.PathEscape(alertID) + "/ack"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Alert, nil
}

// GetSummary fetches the cross-patient open-alert summary.
func (c *Client) GetSummary(ctx context.Context) (*store.AlertSummary, error) {
	var resp store.AlertSummary
	if err := c.do(ctx, http.MethodGet, "/v1/summary", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEvents fetches recent audit events from the daemon.
func (c *Client) GetEvents(ctx context.Context, limit int) ([]*store.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []*store.Event
	path := fmt.Sprintf("/v1/events?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// do sends one JSON request with retries on transport errors and 5xx.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff.Next(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader *bytes.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("daemon unreachable: %w", err)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream error: status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			var apiErr struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)
			resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("%s: %w", apiErr.Error, store.ErrNotFound)
			}
			if resp.StatusCode == http.StatusBadRequest {
				return fmt.Errorf("%s: %w", apiErr.Error, store.ErrValidation)
			}
			return fmt.Errorf("request failed: status %d: %s", resp.StatusCode, apiErr.Error)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				resp.Body.Close()
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		resp.Body.Close()
		return nil
	}
	return lastErr
}
