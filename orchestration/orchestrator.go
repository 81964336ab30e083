package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smartmaint/backbone/core"
)

// state key prefixes, matching the original decision-tracking keys exactly
// so operators reading a dumped GetSystemState() recognize the shape.
const (
	stateKeyAnomalyPrefix         = "anomaly_"
	stateKeyPredictionPrefix      = "prediction_"
	stateKeyPendingApprovalPrefix = "pending_human_approval_"
	stateKeyHumanDecisionPrefix   = "human_decision_"

	requestIDPrefix = "maintenance_approval_"
)

// OrchestratorAgent is the workflow state machine: it reacts to validated
// anomalies, failure predictions, and human decision responses, and decides
// whether maintenance is auto-scheduled or routed to a human for approval.
// State and the decision log are both mutex-guarded; handlers never block
// each other for longer than the critical section around a single map
// update.
type OrchestratorAgent struct {
	*core.BaseAgent

	cfg *core.Config

	stateMu sync.Mutex
	state   map[string]map[string]interface{}

	logMu       sync.Mutex
	decisionLog []DecisionLogEntry

	metrics DecisionMetrics
}

// DecisionMetrics is the optional telemetry hook the orchestrator records
// each routing decision against. A narrow interface, same rationale as
// core.BusMetrics: keeps this package free of a hard telemetry dependency.
type DecisionMetrics interface {
	RecordDecision(decisionType, action string)
}

// SetMetrics attaches a DecisionMetrics recorder.
func (o *OrchestratorAgent) SetMetrics(m DecisionMetrics) {
	o.metrics = m
}

// NewOrchestratorAgent constructs the agent. cfg supplies the routing
// thresholds; a nil cfg falls back to core.DefaultConfig().
func NewOrchestratorAgent(id string, bus *core.EventBus, logger core.Logger, cfg *core.Config) *OrchestratorAgent {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &OrchestratorAgent{
		BaseAgent: core.NewBaseAgent(id, bus, logger),
		cfg:       cfg,
		state:     make(map[string]map[string]interface{}),
	}
}

// RegisterCapabilities advertises the three responsibilities the original
// orchestrator exposes: reacting to the workflow's key events, managing
// human-in-the-loop decisions, and holding process state.
func (o *OrchestratorAgent) RegisterCapabilities() {
	o.SetCapabilities([]core.Capability{
		{
			Name:        "workflow_orchestration",
			Description: "Routes validated anomalies and maintenance predictions to auto-approval or human review.",
			InputTypes:  []string{EventAnomalyValidated, EventMaintenancePredicted, EventHumanDecisionResponse},
			OutputTypes: []string{EventHumanDecisionRequired, EventScheduleMaintenance},
		},
		{
			Name:        "decision_management",
			Description: "Tracks outstanding human decision requests and their resolutions.",
		},
		{
			Name:        "state_management",
			Description: "Holds process-wide anomaly/prediction/approval state and an append-only decision log.",
		},
	})
}

// Start subscribes the orchestrator's handlers to the bus and marks it
// running. It is idempotent: the bus itself de-dupes (eventType, name)
// subscriptions.
func (o *OrchestratorAgent) Start(ctx context.Context) error {
	o.RegisterCapabilities()
	o.Bus.Subscribe(EventAnomalyValidated, o.AgentID(), o.handleAnomalyValidated)
	o.Bus.Subscribe(EventMaintenancePredicted, o.AgentID(), o.handleMaintenancePredicted)
	o.Bus.Subscribe(EventHumanDecisionResponse, o.AgentID(), o.handleHumanDecisionResponse)
	o.SetStatus(core.StatusRunning)
	return nil
}

// Stop unsubscribes the orchestrator's handlers and marks it stopped.
func (o *OrchestratorAgent) Stop(ctx context.Context) error {
	o.Bus.Unsubscribe(EventAnomalyValidated, o.AgentID())
	o.Bus.Unsubscribe(EventMaintenancePredicted, o.AgentID())
	o.Bus.Unsubscribe(EventHumanDecisionResponse, o.AgentID())
	o.SetStatus(core.StatusStopped)
	return nil
}

// Process is not used directly — the orchestrator acts entirely through its
// subscribed handlers — but is implemented to satisfy core.Agent.
func (o *OrchestratorAgent) Process(ctx context.Context, data interface{}) (interface{}, error) {
	return nil, core.WorkflowError("orchestrator.Process", "", "orchestrator is event-driven; call Start and publish events instead")
}

// Health extends the base snapshot with orchestrator-specific counters.
func (o *OrchestratorAgent) Health() core.Health {
	h := o.BaseHealth()
	o.stateMu.Lock()
	stateEntries := len(o.state)
	o.stateMu.Unlock()

	o.logMu.Lock()
	logEntries := len(o.decisionLog)
	var last *DecisionLogEntry
	if logEntries > 0 {
		l := o.decisionLog[logEntries-1]
		last = &l
	}
	o.logMu.Unlock()

	h.Extra = map[string]interface{}{
		"state_entries":        stateEntries,
		"decision_log_entries": logEntries,
	}
	if last != nil {
		h.Extra["last_decision"] = last
	}
	return h
}

func (o *OrchestratorAgent) updateState(key string, data map[string]interface{}) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.state[key] = data
}

func (o *OrchestratorAgent) getState(key string) (map[string]interface{}, bool) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	v, ok := o.state[key]
	return v, ok
}

func (o *OrchestratorAgent) removeState(key string) bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if _, ok := o.state[key]; !ok {
		return false
	}
	delete(o.state, key)
	return true
}

// GetSystemState returns a shallow copy of the current state map, safe for a
// caller to range over without holding the orchestrator's lock.
func (o *OrchestratorAgent) GetSystemState() map[string]map[string]interface{} {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	out := make(map[string]map[string]interface{}, len(o.state))
	for k, v := range o.state {
		out[k] = v
	}
	return out
}

// GetDecisionLog returns a copy of the append-only decision log.
func (o *OrchestratorAgent) GetDecisionLog() []DecisionLogEntry {
	o.logMu.Lock()
	defer o.logMu.Unlock()
	out := make([]DecisionLogEntry, len(o.decisionLog))
	copy(out, o.decisionLog)
	return out
}

func (o *OrchestratorAgent) logDecision(entry DecisionLogEntry) {
	entry.Timestamp = time.Now().UTC()
	o.logMu.Lock()
	o.decisionLog = append(o.decisionLog, entry)
	o.logMu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordDecision(entry.DecisionType, entry.Action)
	}
}

// handleAnomalyValidated records the validation outcome and logs whether it
// is confident enough to warrant the prediction agent's attention.
func (o *OrchestratorAgent) handleAnomalyValidated(ctx context.Context, evt core.Event) error {
	payload, ok := evt.Payload.(AnomalyValidated)
	if !ok {
		return core.DataValidationError("orchestrator.handleAnomalyValidated", evt.EventID, "payload is not AnomalyValidated")
	}

	sensorID := payload.TriggeringReadingPayload.SensorID
	if sensorID == "" {
		sensorID = "unknown"
		o.Logger.Warn("anomaly validated event missing sensor_id", map[string]interface{}{
			"event_id": evt.EventID,
		})
	}

	o.updateState(stateKeyAnomalyPrefix+evt.EventID, map[string]interface{}{
		"validation_status": payload.ValidationStatus,
		"final_confidence":  payload.FinalConfidence,
		"equipment_id":      sensorID,
		"timestamp":         payload.ValidatedAt,
		"handled_at":        time.Now().UTC(),
	})

	var rationale, action string
	if payload.FinalConfidence > 0.7 {
		rationale = fmt.Sprintf("High confidence anomaly (%.2f) - proceeding to prediction", payload.FinalConfidence)
		action = "Logged for prediction agent processing"
	} else {
		rationale = fmt.Sprintf("Low confidence anomaly (%.2f) - monitoring only", payload.FinalConfidence)
		action = "Logged for monitoring, no immediate action"
	}

	o.logDecision(DecisionLogEntry{
		DecisionType:  "anomaly_processing",
		TriggerEvent:  evt.EventID,
		Rationale:     rationale,
		Action:        action,
		CorrelationID: evt.CorrelationID,
	})
	return nil
}

// handleMaintenancePredicted is the routing heart of the orchestrator: it
// applies the confidence/urgency thresholds to decide between auto-approval
// and human review, and suppresses duplicate predictions for equipment with
// an approval already outstanding.
func (o *OrchestratorAgent) handleMaintenancePredicted(ctx context.Context, evt core.Event) error {
	payload, ok := evt.Payload.(MaintenancePredicted)
	if !ok {
		return core.DataValidationError("orchestrator.handleMaintenancePredicted", evt.EventID, "payload is not MaintenancePredicted")
	}
	equipmentID := payload.EquipmentID

	if _, pending := o.getState(stateKeyPendingApprovalPrefix + equipmentID); pending {
		o.logDecision(DecisionLogEntry{
			DecisionType:  "duplicate_prediction_handling",
			TriggerEvent:  evt.EventID,
			Rationale:     fmt.Sprintf("Prediction for %s received while a previous decision is still pending. Ignored due to pending decision.", equipmentID),
			Action:        "Ignored due to pending decision",
			CorrelationID: evt.CorrelationID,
		})
		return nil
	}

	o.updateState(stateKeyPredictionPrefix+evt.EventID, map[string]interface{}{
		"equipment_id":          equipmentID,
		"time_to_failure_days":  payload.TimeToFailureDays,
		"prediction_confidence": payload.PredictionConfidence,
		"maintenance_type":      payload.MaintenanceType,
		"timestamp":             payload.PredictedFailureDate,
		"handled_at":            time.Now().UTC(),
		"correlation_id":        evt.CorrelationID,
	})

	urgentDays := o.cfg.OrchestratorUrgentMaintenanceDays
	veryUrgentThreshold := urgentDays * o.cfg.OrchestratorVeryUrgentMaintenanceDaysFactor
	high := o.cfg.OrchestratorHighConfidenceThreshold
	moderate := o.cfg.OrchestratorModerateConfidenceThreshold
	autoApprovalMaxDays := o.cfg.OrchestratorAutoApprovalMaxDaysModerateConfidence

	ttf := payload.TimeToFailureDays
	confidence := payload.PredictionConfidence

	var requiresHuman bool
	var rationale, urgencyLevel, priority string

	switch {
	case ttf < veryUrgentThreshold:
		urgencyLevel, priority = "high", "high"
		if confidence >= high {
			requiresHuman = false
			rationale = fmt.Sprintf("Very urgent maintenance (%.1f days) with high confidence (%.2f) - Auto-approving.", ttf, confidence)
		} else {
			requiresHuman = true
			rationale = fmt.Sprintf("Very urgent maintenance (%.1f days) but confidence (%.2f) is not high. Requesting human approval.", ttf, confidence)
		}
	case ttf < urgentDays:
		urgencyLevel, priority = "high", "high"
		switch {
		case confidence >= high:
			requiresHuman = false
			rationale = fmt.Sprintf("Urgent maintenance (%.1f days) with high confidence (%.2f) - Auto-approving.", ttf, confidence)
		case confidence >= moderate:
			requiresHuman = true
			rationale = fmt.Sprintf("Urgent maintenance (%.1f days) with moderate confidence (%.2f) - Requesting human approval.", ttf, confidence)
		default:
			requiresHuman = true
			rationale = fmt.Sprintf("Urgent maintenance (%.1f days) with low confidence (%.2f) - Requesting human approval.", ttf, confidence)
		}
	default:
		urgencyLevel, priority = "medium", "medium"
		switch {
		case confidence >= high:
			requiresHuman = false
			rationale = fmt.Sprintf("Routine maintenance (%.1f days) with high confidence (%.2f) - Auto-approving.", ttf, confidence)
		case confidence >= moderate && ttf < autoApprovalMaxDays:
			requiresHuman = false
			rationale = fmt.Sprintf("Routine maintenance (%.1f days, within auto-approval window) with moderate confidence (%.2f) - Auto-approving.", ttf, confidence)
		case confidence >= moderate:
			requiresHuman = true
			rationale = fmt.Sprintf("Routine maintenance (%.1f days, beyond auto-approval window) with moderate confidence (%.2f) - Requesting human approval.", ttf, confidence)
		default:
			requiresHuman = true
			rationale = fmt.Sprintf("Routine maintenance (%.1f days) with low confidence (%.2f) - Requesting human approval.", ttf, confidence)
		}
	}

	rulesApplied := map[string]interface{}{
		"urgent_maintenance_days":                    urgentDays,
		"very_urgent_maintenance_days_factor":        o.cfg.OrchestratorVeryUrgentMaintenanceDaysFactor,
		"high_confidence_threshold":                  high,
		"moderate_confidence_threshold":              moderate,
		"auto_approval_max_days_moderate_confidence": autoApprovalMaxDays,
	}

	if requiresHuman {
		requestID := requestIDPrefix + evt.EventID
		req := DecisionRequest{
			RequestID:    requestID,
			DecisionType: DecisionTypeMaintenanceApproval,
			Options:      []string{"approve", "modify", "reject", "defer"},
			Context: map[string]interface{}{
				"equipment_id":           equipmentID,
				"time_to_failure_days":   ttf,
				"prediction_confidence":  confidence,
				"maintenance_type":       payload.MaintenanceType,
				"predicted_failure_date": payload.PredictedFailureDate,
				"recommended_actions":    payload.RecommendedActions,
				"urgency_reason":         rationale,
			},
			Priority:         priority,
			RequesterAgentID: o.AgentID(),
			CorrelationID:    evt.CorrelationID,
		}
		o.Bus.Publish(ctx, core.NewEvent(EventHumanDecisionRequired, evt.CorrelationID, HumanDecisionRequired{Payload: req}))
		o.updateState(stateKeyPendingApprovalPrefix+equipmentID, map[string]interface{}{
			"request_id": requestID,
			"timestamp":  time.Now().UTC(),
		})
	} else {
		cmd := ScheduleMaintenanceCommand{
			MaintenanceData: map[string]interface{}{
				"equipment_id":           equipmentID,
				"maintenance_type":       payload.MaintenanceType,
				"time_to_failure_days":   ttf,
				"prediction_confidence":  confidence,
				"predicted_failure_date": payload.PredictedFailureDate,
				"recommended_actions":    payload.RecommendedActions,
				"priority":               priority,
			},
			UrgencyLevel:            urgencyLevel,
			AutoApproved:            true,
			SourcePredictionEventID: evt.EventID,
		}
		o.Bus.Publish(ctx, core.NewEvent(EventScheduleMaintenance, evt.CorrelationID, cmd))
	}

	action := "Requested human approval"
	if !requiresHuman {
		action = "Auto-approved and scheduled"
	}
	rulesApplied["requires_human_approval"] = requiresHuman
	o.logDecision(DecisionLogEntry{
		DecisionType:  "maintenance_approval_routing",
		TriggerEvent:  evt.EventID,
		Rationale:     rationale,
		Action:        action,
		Context:       rulesApplied,
		CorrelationID: evt.CorrelationID,
	})
	return nil
}

// handleHumanDecisionResponse resolves a previously requested decision: an
// approval schedules maintenance, anything else is logged and dropped. The
// pending-approval lock for the equipment is always cleared, regardless of
// outcome.
func (o *OrchestratorAgent) handleHumanDecisionResponse(ctx context.Context, evt core.Event) error {
	payload, ok := evt.Payload.(HumanDecisionResponse)
	if !ok {
		return core.DataValidationError("orchestrator.handleHumanDecisionResponse", evt.EventID, "payload is not HumanDecisionResponse")
	}
	resp := payload.Payload
	if resp.RequestID == "" {
		return core.DataValidationError("orchestrator.handleHumanDecisionResponse", evt.EventID, "request_id is required")
	}

	o.updateState(stateKeyHumanDecisionPrefix+resp.RequestID, map[string]interface{}{
		"request_id":     resp.RequestID,
		"decision":       resp.Decision,
		"justification":  resp.Justification,
		"operator_id":    resp.OperatorID,
		"confidence":     resp.Confidence,
		"timestamp":      resp.Timestamp,
		"handled_at":     time.Now().UTC(),
	})

	predictionEventID := strings.TrimPrefix(resp.RequestID, requestIDPrefix)
	predictionState, havePrediction := o.getState(stateKeyPredictionPrefix + predictionEventID)

	var equipmentID string
	if havePrediction {
		if v, ok := predictionState["equipment_id"].(string); ok {
			equipmentID = v
		}
	}

	decision := strings.ToLower(resp.Decision)
	approved := decision == "approve" || decision == "approved"

	var action string
	if approved {
		if !havePrediction {
			return core.WorkflowError("orchestrator.handleHumanDecisionResponse", resp.RequestID, "no prediction state found for approved decision")
		}
		cmd := ScheduleMaintenanceCommand{
			MaintenanceData: map[string]interface{}{
				"equipment_id":          equipmentID,
				"maintenance_type":      predictionState["maintenance_type"],
				"time_to_failure_days":  predictionState["time_to_failure_days"],
				"human_approved":        true,
				"approval_justification": resp.Justification,
				"operator_id":           resp.OperatorID,
				"approval_confidence":   resp.Confidence,
				"priority":              "high",
			},
			UrgencyLevel:            "high",
			AutoApproved:            false,
			HumanApproved:           true,
			SourcePredictionEventID: predictionEventID,
		}
		o.Bus.Publish(ctx, core.NewEvent(EventScheduleMaintenance, evt.CorrelationID, cmd))
		action = "Scheduled maintenance from human approval"
	} else {
		action = fmt.Sprintf("Logged decision: %s", resp.Decision)
	}

	if equipmentID != "" {
		o.removeState(stateKeyPendingApprovalPrefix + equipmentID)
	} else {
		o.Logger.Warn("could not resolve equipment_id to clear pending approval lock", map[string]interface{}{
			"request_id": resp.RequestID,
		})
	}

	o.logDecision(DecisionLogEntry{
		DecisionType:  "human_decision_processing",
		TriggerEvent:  evt.EventID,
		Rationale:     fmt.Sprintf("Operator %s responded %q to %s", resp.OperatorID, resp.Decision, resp.RequestID),
		Action:        action,
		CorrelationID: evt.CorrelationID,
	})
	return nil
}
