package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is().
var (
	ErrAgentNotReady        = errors.New("agent not ready")
	ErrAlreadyStarted       = errors.New("already started")
	ErrAlreadySubscribed    = errors.New("handler already subscribed")
	ErrNotInitialized       = errors.New("not initialized")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")
	ErrPendingApproval      = errors.New("pending human approval already outstanding")
	ErrUnknownRequest       = errors.New("unknown decision request id")
	ErrBusStopped           = errors.New("event bus stopped")
)

// Kind enumerates the error taxonomy from the orchestration design: each
// agent-raised error is classified into one of these before it is logged or
// surfaced on a DataProcessingFailed event. Kind is a string, not a Go type,
// so it travels cleanly through logs and DLQ records.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindDataValidation    Kind = "data_validation"
	KindMLModel           Kind = "ml_model"
	KindAgentProcessing   Kind = "agent_processing"
	KindWorkflow          Kind = "workflow"
	KindEventPublish      Kind = "event_publish"
	KindServiceUnavailable Kind = "service_unavailable"
)

// FrameworkError carries structured context about a failure: which
// operation failed, what kind of failure it was, which entity was involved,
// and the underlying cause. It implements Unwrap so errors.Is/errors.As see
// through it to the wrapped error.
type FrameworkError struct {
	Op            string // e.g. "orchestrator.handle_maintenance_predicted"
	Kind          Kind
	ID            string // correlation_id or equipment_id, when known
	Message       string
	Err           error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewError wraps err with operation/kind/id context.
func NewError(op string, kind Kind, id string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Err: err}
}

// AgentProcessingError wraps an unclassified failure raised from an agent's
// Process step, per the taxonomy's catch-all kind.
func AgentProcessingError(op, id string, err error) *FrameworkError {
	return NewError(op, KindAgentProcessing, id, err)
}

// WorkflowError signals an orchestration consistency violation, e.g. a
// HumanDecisionResponse whose request_id has no matching prediction state.
func WorkflowError(op, id, message string) *FrameworkError {
	return &FrameworkError{Op: op, Kind: KindWorkflow, ID: id, Message: message}
}

// EventPublishError signals that a publish exhausted its retries. Callers
// downstream of a detection/prediction flow log it and continue rather than
// aborting the flow.
func EventPublishError(op, eventType string, err error) *FrameworkError {
	return NewError(op, KindEventPublish, eventType, err)
}

// DataValidationError signals a malformed event payload.
func DataValidationError(op, id, message string) *FrameworkError {
	return &FrameworkError{Op: op, Kind: KindDataValidation, ID: id, Message: message}
}

// IsKind reports whether err (or any error it wraps) is a FrameworkError of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
