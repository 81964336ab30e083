// Package orchestration hosts the domain agents that turn sensor readings
// into validated anomalies, failure predictions, and maintenance decisions:
// ValidationAgent, AnomalyDetectionAgent, PredictionAgent, OrchestratorAgent,
// and the Coordinator that wires them to a core.EventBus.
package orchestration

import (
	"math"
	"time"

	"github.com/smartmaint/backbone/core"
)

// Event type tags used to Subscribe/Publish on the bus.
const (
	EventSensorDataReceived    = "SensorDataReceived"
	EventDataProcessed         = "DataProcessed"
	EventDataProcessingFailed  = "DataProcessingFailed"
	EventAnomalyDetected       = "AnomalyDetected"
	EventAnomalyValidated      = "AnomalyValidated"
	EventMaintenancePredicted  = "MaintenancePredicted"
	EventHumanDecisionRequired = "HumanDecisionRequired"
	EventHumanDecisionResponse = "HumanDecisionResponse"
	EventScheduleMaintenance   = "ScheduleMaintenanceCommand"
	EventMaintenanceScheduled  = "MaintenanceScheduled"
	EventMaintenanceCompleted  = "MaintenanceCompleted"
)

// SensorType enumerates the kinds of sensors a SensorReading can come from.
type SensorType string

const (
	SensorTemperature SensorType = "TEMPERATURE"
	SensorVibration   SensorType = "VIBRATION"
	SensorPressure    SensorType = "PRESSURE"
	SensorHumidity    SensorType = "HUMIDITY"
	SensorVoltage     SensorType = "VOLTAGE"
)

// SensorReading is a single measurement. Value must be finite and SensorID
// non-empty — Validate enforces both.
type SensorReading struct {
	SensorID  string                 `json:"sensor_id"`
	Value     float64                `json:"value"`
	Timestamp time.Time              `json:"timestamp"`
	Type      SensorType             `json:"sensor_type"`
	Unit      string                 `json:"unit"`
	Quality   float64                `json:"quality"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Validate enforces SensorReading's invariants: a non-empty SensorID and a
// finite Value. Quality, when set, must fall within [0,1].
func (r SensorReading) Validate() error {
	if r.SensorID == "" {
		return core.DataValidationError("SensorReading.Validate", "", "sensor_id must not be empty")
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return core.DataValidationError("SensorReading.Validate", r.SensorID, "value must be finite")
	}
	if r.Quality != 0 && (r.Quality < 0 || r.Quality > 1) {
		return core.DataValidationError("SensorReading.Validate", r.SensorID, "quality must fall within [0,1]")
	}
	return nil
}

// Severity buckets a confidence score into a five-level scale
// (very_low..critical). Monotone in confidence by construction: each
// threshold cleanly orders the next, so Severity is never lower for a
// higher confidence input.
type Severity string

const (
	SeverityVeryLow  Severity = "very_low"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFromConfidence maps a [0,1] confidence to a (numeric, label)
// severity pair (>0.8->5, >0.6->4, >0.4->3, >0.2->2, else 1).
func SeverityFromConfidence(confidence float64) (int, Severity) {
	switch {
	case confidence > 0.8:
		return 5, SeverityCritical
	case confidence > 0.6:
		return 4, SeverityHigh
	case confidence > 0.4:
		return 3, SeverityMedium
	case confidence > 0.2:
		return 2, SeverityLow
	default:
		return 1, SeverityVeryLow
	}
}

// AnomalyDetails is the evidence payload an anomaly carries: what was
// observed, how confident the detector was, and a human-readable
// description.
type AnomalyDetails struct {
	SensorID    string   `json:"sensor_id"`
	AnomalyType string   `json:"anomaly_type"`
	Confidence  float64  `json:"confidence"`
	Severity    int      `json:"severity"`
	Description string   `json:"description"`
	Detectors   []string `json:"detectors"` // which ensemble members flagged it
}

// ValidationStatus is the outcome of ValidationAgent's confidence
// adjustment. CredibleAnomaly is the canonical spelling; "CONFIRMED" and
// "confirmed_credible" seen in the original source are treated as the same
// logical state (see DESIGN.md's Open Question decision).
type ValidationStatus string

const (
	ValidationCredibleAnomaly      ValidationStatus = "CREDIBLE_ANOMALY"
	ValidationFalsePositiveSuspect ValidationStatus = "FALSE_POSITIVE_SUSPECTED"
	ValidationFurtherInvestigation ValidationStatus = "FURTHER_INVESTIGATION_NEEDED"
	ValidationUncertain            ValidationStatus = "UNCERTAIN"
)

// DecisionType enumerates the kinds of human decisions the orchestrator can
// request. Only maintenance approval is used today; the type exists so new
// decision kinds don't require a breaking change to DecisionRequest.
type DecisionType string

const DecisionTypeMaintenanceApproval DecisionType = "MAINTENANCE_APPROVAL"

// DecisionRequest is what the orchestrator emits on HumanDecisionRequired.
type DecisionRequest struct {
	RequestID        string                 `json:"request_id"`
	DecisionType     DecisionType           `json:"decision_type"`
	Options          []string               `json:"options"`
	Context          map[string]interface{} `json:"context"`
	Priority         string                 `json:"priority"` // "high" | "medium"
	RequesterAgentID string                 `json:"requester_agent_id"`
	CorrelationID    string                 `json:"correlation_id,omitempty"`
}

// DecisionResponse is submitted by a human operator in reply to a
// DecisionRequest.
type DecisionResponse struct {
	RequestID     string    `json:"request_id"`
	Decision      string    `json:"decision"` // approve | approved | modify | reject | defer
	Justification string    `json:"justification,omitempty"`
	OperatorID    string    `json:"operator_id"`
	Confidence    float64   `json:"confidence,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// --- Typed event payloads (carried as core.Event.Payload) ---

type SensorDataReceived struct {
	RawData  map[string]interface{} `json:"raw_data"`
	SensorID string                 `json:"sensor_id"`
}

type DataProcessed struct {
	ProcessedData   SensorReading `json:"processed_data"`
	OriginalEventID string        `json:"original_event_id"`
	SourceSensorID  string        `json:"source_sensor_id"`
}

type DataProcessingFailed struct {
	AgentID              string      `json:"agent_id"`
	ErrorMessage         string      `json:"error_message"`
	Traceback            string      `json:"traceback,omitempty"`
	OriginalEventType    string      `json:"original_event_type"`
	OriginalEventPayload interface{} `json:"original_event_payload,omitempty"`
}

type AnomalyDetected struct {
	AnomalyDetails  AnomalyDetails `json:"anomaly_details"`
	TriggeringData  SensorReading  `json:"triggering_data"`
	Severity        Severity       `json:"severity"`
}

type AnomalyValidated struct {
	OriginalAnomalyAlertPayload AnomalyDetails    `json:"original_anomaly_alert_payload"`
	TriggeringReadingPayload    SensorReading     `json:"triggering_reading_payload"`
	ValidationStatus            ValidationStatus  `json:"validation_status"`
	FinalConfidence             float64           `json:"final_confidence"`
	ValidationReasons           []string          `json:"validation_reasons"`
	ValidatedAt                 time.Time         `json:"validated_at"`
	AgentID                     string            `json:"agent_id"`
}

type MaintenancePredicted struct {
	EquipmentID             string    `json:"equipment_id"`
	PredictedFailureDate    time.Time `json:"predicted_failure_date"`
	ConfidenceIntervalLower float64   `json:"confidence_interval_lower"`
	ConfidenceIntervalUpper float64   `json:"confidence_interval_upper"`
	PredictionConfidence    float64   `json:"prediction_confidence"`
	TimeToFailureDays       float64   `json:"time_to_failure_days"`
	MaintenanceType         string    `json:"maintenance_type"` // urgent_corrective | preventive | inspection
	RecommendedActions      []string  `json:"recommended_actions"`
	AgentID                 string    `json:"agent_id"`
}

type HumanDecisionRequired struct {
	Payload DecisionRequest `json:"payload"`
}

type HumanDecisionResponse struct {
	Payload DecisionResponse `json:"payload"`
}

type ScheduleMaintenanceCommand struct {
	MaintenanceData         map[string]interface{} `json:"maintenance_data"`
	UrgencyLevel            string                  `json:"urgency_level"`
	AutoApproved            bool                    `json:"auto_approved"`
	HumanApproved           bool                    `json:"human_approved,omitempty"`
	SourcePredictionEventID string                  `json:"source_prediction_event_id"`
}

type MaintenanceScheduled struct {
	EquipmentID          string                 `json:"equipment_id"`
	AssignedTechnicianID string                 `json:"assigned_technician_id"`
	ScheduledStartTime   time.Time              `json:"scheduled_start_time"`
	ScheduledEndTime     time.Time              `json:"scheduled_end_time"`
	ScheduleDetails      map[string]interface{} `json:"schedule_details,omitempty"`
	ConstraintsViolated  []string               `json:"constraints_violated,omitempty"`
}

type MaintenanceCompleted struct {
	TaskID              string    `json:"task_id"`
	EquipmentID         string    `json:"equipment_id"`
	TechnicianID        string    `json:"technician_id"`
	CompletionDate      time.Time `json:"completion_date"`
	Status              string    `json:"status"`
	Notes               string    `json:"notes,omitempty"`
	ActualDurationHours float64   `json:"actual_duration_hours"`
}

// DecisionLogEntry is one append-only record of something the orchestrator
// decided and why.
type DecisionLogEntry struct {
	DecisionType  string                 `json:"decision_type"`
	TriggerEvent  string                 `json:"trigger_event"`
	Rationale     string                 `json:"rationale"`
	Action        string                 `json:"action"`
	Context       map[string]interface{} `json:"context,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}
