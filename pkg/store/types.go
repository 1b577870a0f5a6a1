package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors surfaced to callers. Handlers map these to HTTP statuses.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("concurrent write conflict")
)

// AlertLevel is the severity of a refill alert. "none" is never stored:
// a medication with no risk condition simply has no open alert row.
type AlertLevel string

const (
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelInfo     AlertLevel = "info"
)

// QuantityAction describes why a medication quantity changed.
type QuantityAction string

const (
	ActionRefilled QuantityAction = "refilled"
	ActionAdjusted QuantityAction = "adjusted"
)

// ValidAction reports whether a is one of the accepted quantity actions.
func ValidAction(a QuantityAction) bool {
	return a == ActionRefilled || a == ActionAdjusted
}

// Medication is a tracked supply. QuantityRemaining is clamped at zero;
// BaselineStart records the most recent refill.
type Medication struct {
	ID                string     `json:"id"`
	PatientID         string     `json:"patient_id"`
	Name              string     `json:"name"`
	QuantityRemaining float64    `json:"quantity_remaining"`
	InitialQuantity   *float64   `json:"initial_quantity,omitempty"`
	IsPRN             bool       `json:"is_prn"`
	TrackingEnabled   bool       `json:"tracking_enabled"`
	BaselineStart     *time.Time `json:"baseline_start,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ConsumptionRecord is a single dose-taken observation. Append-only;
// records are never mutated, only superseded by newer records.
type ConsumptionRecord struct {
	ID           string    `json:"id"`
	MedicationID string    `json:"medication_id"`
	Timestamp    time.Time `json:"timestamp"`
	Quantity     float64   `json:"quantity"`
}

// Alert is a persisted refill alert. Rows are never deleted inside the
// retention window; lifecycle transitions only flip acknowledged and
// auto_resolved. Version supports optimistic concurrency on updates.
type Alert struct {
	AlertID            string     `json:"alert_id"`
	PatientID          string     `json:"patient_id"`
	MedicationID       string     `json:"medication_id"`
	Level              AlertLevel `json:"alert_level"`
	DaysRemaining      int        `json:"days_remaining"`
	PredictedDepletion time.Time  `json:"predicted_depletion_date"`
	CILow              time.Time  `json:"ci_low"`
	CIHigh             time.Time  `json:"ci_high"`
	ForecastMethod     string     `json:"forecast_method"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Acknowledged       bool       `json:"acknowledged"`
	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
	AutoResolved       bool       `json:"auto_resolved"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	Version            int64      `json:"version"`
}

// Open reports whether the alert is still subject to automatic updates.
// Acknowledged alerts remain open until a quantity change resolves them.
func (a *Alert) Open() bool {
	return !a.AutoResolved
}

// Active reports whether the alert is unacknowledged and unresolved.
func (a *Alert) Active() bool {
	return !a.Acknowledged && !a.AutoResolved
}

// AlertSummary aggregates open alerts across all patients for
// operational dashboards.
type AlertSummary struct {
	Critical           int `json:"critical"`
	Warning            int `json:"warning"`
	Info               int `json:"info"`
	Total              int `json:"total"`
	PatientsWithAlerts int `json:"patients_with_alerts"`
}

// EventType classifies audit trail entries.
type EventType string

const (
	EventTypeAlertCreated      EventType = "alert_created"
	EventTypeAlertUpdated      EventType = "alert_updated"
	EventTypeAlertAcknowledged EventType = "alert_acknowledged"
	EventTypeAlertResolved     EventType = "alert_resolved"
	EventTypeDoseRecorded      EventType = "dose_recorded"
	EventTypeQuantityUpdated   EventType = "quantity_updated"
	EventTypeCheckCompleted    EventType = "check_completed"
)

// Event is the append-only audit envelope for state transitions.
type Event struct {
	EventID      string          `json:"event_id"`
	EventType    EventType       `json:"event_type"`
	PatientID    string          `json:"patient_id"`
	MedicationID string          `json:"medication_id"`
	TsEvent      time.Time       `json:"ts_event"`
	TsIngest     time.Time       `json:"ts_ingest"`
	Payload      json.RawMessage `json:"payload"`
}

// EventFilter narrows audit event queries.
type EventFilter struct {
	From         time.Time
	To           time.Time
	EventTypes   []EventType
	PatientID    string
	MedicationID string
	Limit        int
}

// DailyConsumption is one day bucket of aggregated consumption,
// served by the trends endpoint and the consumption report.
type DailyConsumption struct {
	Day           time.Time `json:"day"`
	MedicationID  string    `json:"medication_id"`
	PatientID     string    `json:"patient_id"`
	TotalQuantity float64   `json:"total_quantity"`
	DoseCount     int       `json:"dose_count"`
}

// ConsumptionFilter narrows daily consumption queries.
type ConsumptionFilter struct {
	From         time.Time
	To           time.Time
	PatientID    string
	MedicationID string
}

// Lease represents a held exclusive section, keyed by name
// (one per patient during sweeps).
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"`
}
