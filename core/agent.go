package core

import (
	"context"
	"sync"
	"time"
)

// Status is an agent's lifecycle state. Agents only ever move forward:
// initializing -> running -> stopped.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
)

// Capability is a pure descriptor of something an agent can do, consumed by
// registries/dashboards. It carries no behavior of its own.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputTypes  []string `json:"input_types"`
	OutputTypes []string `json:"output_types"`
}

// Health is the snapshot returned by an agent's Health method.
type Health struct {
	AgentID   string                 `json:"agent_id"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Agent is the contract every agent in the pipeline satisfies: identity,
// lifecycle, capability registration, a processing entry point, and a
// health snapshot. Start must call RegisterCapabilities before subscribing
// to any events, per the runtime contract.
type Agent interface {
	AgentID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RegisterCapabilities()
	Process(ctx context.Context, data interface{}) (interface{}, error)
	Health() Health
}

// BaseAgent supplies the fields and helpers every concrete agent embeds:
// status tracking, a capability list, access to the shared bus, and error
// classification. Concrete agents (OrchestratorAgent, ValidationAgent, ...)
// embed *BaseAgent and implement Start/Stop/Process/RegisterCapabilities
// themselves — Go has no virtual dispatch through embedding, so the base
// does not attempt to call back into the concrete type.
type BaseAgent struct {
	id     string
	Bus    *EventBus
	Logger Logger

	mu           sync.RWMutex
	status       Status
	capabilities []Capability
}

// NewBaseAgent wires the shared bus/logger handles and starts the agent in
// the initializing state. A nil logger falls back to NoOpLogger.
func NewBaseAgent(id string, bus *EventBus, logger Logger) *BaseAgent {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &BaseAgent{id: id, Bus: bus, Logger: logger, status: StatusInitializing}
}

func (b *BaseAgent) AgentID() string { return b.id }

func (b *BaseAgent) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *BaseAgent) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

// SetCapabilities replaces the registered capability descriptors; called by
// the concrete agent's RegisterCapabilities implementation.
func (b *BaseAgent) SetCapabilities(caps []Capability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capabilities = caps
}

func (b *BaseAgent) Capabilities() []Capability {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Capability, len(b.capabilities))
	copy(out, b.capabilities)
	return out
}

// BaseHealth returns the common fields of a Health snapshot; concrete
// agents call this and add their own Extra map entries.
func (b *BaseAgent) BaseHealth() Health {
	return Health{
		AgentID:   b.id,
		Status:    b.Status(),
		Timestamp: time.Now().UTC(),
	}
}

// HandleProcessingError classifies an error raised from a Process step into
// the error taxonomy (wrapping as AgentProcessingError when it isn't
// already a FrameworkError), logs it with the correlation id, and returns
// it for the caller to decide whether to surface a DataProcessingFailed
// event. It never panics and never crashes the agent.
func (b *BaseAgent) HandleProcessingError(op, correlationID string, err error) *FrameworkError {
	if err == nil {
		return nil
	}
	fe, ok := err.(*FrameworkError)
	if !ok {
		fe = AgentProcessingError(op, correlationID, err)
	}
	b.Logger.Error("agent processing error", map[string]interface{}{
		"agent_id":       b.id,
		"op":             op,
		"kind":           string(fe.Kind),
		"correlation_id": correlationID,
		"error":          fe.Error(),
	})
	return fe
}
