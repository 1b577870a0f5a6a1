package api

import (
	"github.com/careloop/medwatch/pkg/engine"
	"github.com/careloop/medwatch/pkg/store"
)

// MedicationRegistration is the POST /v1/medications request body.
type MedicationRegistration struct {
	ID                string   `json:"id,omitempty"`
	PatientID         string   `json:"patient_id"`
	Name              string   `json:"name"`
	QuantityRemaining float64  `json:"quantity_remaining"`
	InitialQuantity   *float64 `json:"initial_quantity,omitempty"`
	IsPRN             bool     `json:"is_prn"`
	TrackingEnabled   *bool    `json:"tracking_enabled,omitempty"`
}

// MedicationResponse confirms a registration.
type MedicationResponse struct {
	Medication *store.Medication `json:"medication"`
	Status     string            `json:"status"`
}

// DoseRequest is the POST /v1/medications/{id}/doses request body.
// TakenAt defaults to the current time when omitted.
type DoseRequest struct {
	Quantity float64 `json:"quantity"`
	TakenAt  string  `json:"taken_at,omitempty"`
}

// DoseResponse reports the post-dose medication state.
type DoseResponse struct {
	Medication *store.Medication `json:"medication"`
	Status     string            `json:"status"`
}

// QuantityRequest is the PUT /v1/medications/{id}/quantity request body.
type QuantityRequest struct {
	Quantity float64 `json:"quantity"`
	Action   string  `json:"action"`
}

// QuantityResponse reports the updated medication and any alerts the
// update auto-resolved.
type QuantityResponse struct {
	Medication         *store.Medication `json:"medication"`
	AutoResolvedAlerts int               `json:"auto_resolved_alerts"`
}

// AckResponse confirms an acknowledgement.
type AckResponse struct {
	Acknowledged bool         `json:"acknowledged"`
	Alert        *store.Alert `json:"alert"`
}

// PredictionsResponse is the GET /v1/patients/{id}/predictions body.
// TotalAlerts counts the patient's open alerts so callers get the
// supply picture without a second request.
type PredictionsResponse struct {
	PatientID        string                      `json:"patient_id"`
	Medications      []engine.MedicationForecast `json:"medications"`
	TotalMedications int                         `json:"total_medications"`
	TotalAlerts      int                         `json:"total_alerts"`
}

// AlertCounts breaks open alerts down by severity and acknowledgement.
type AlertCounts struct {
	Critical          int `json:"critical"`
	Warning           int `json:"warning"`
	Info              int `json:"info"`
	Total             int `json:"total"`
	TotalAcknowledged int `json:"total_acknowledged"`
}

// AlertsResponse is the GET /v1/patients/{id}/alerts body. Active holds
// open alerts, History the auto-resolved ones.
type AlertsResponse struct {
	PatientID string         `json:"patient_id"`
	Active    []*store.Alert `json:"active"`
	History   []*store.Alert `json:"history"`
	Counts    AlertCounts    `json:"counts"`
}
