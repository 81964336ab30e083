package orchestration

import (
	"context"
	"sync"

	"github.com/smartmaint/backbone/core"
)

// Coordinator wires a core.EventBus to the full agent pipeline
// (AnomalyDetectionAgent -> ValidationAgent -> PredictionAgent ->
// OrchestratorAgent) and tracks the most recently scheduled maintenance
// work so operators and the HTTP surface can query it without re-reading
// the bus's history.
type Coordinator struct {
	Bus          *core.EventBus
	Detection    *AnomalyDetectionAgent
	Validation   *ValidationAgent
	Prediction   *PredictionAgent
	Orchestrator *OrchestratorAgent
	Scheduling   *SchedulingAgent

	mu        sync.Mutex
	schedules []MaintenanceScheduled
}

// CoordinatorOptions supplies the collaborators each agent needs. Bus is
// required; any of the others may be nil, in which case the corresponding
// agent runs in its reduced-functionality (no ML, no historical context,
// no persistence) mode rather than failing to construct.
type CoordinatorOptions struct {
	Bus         *core.EventBus
	Logger      core.Logger
	Config      *core.Config
	ModelLoader ModelLoader
	CRUD        SensorReadingCRUD
	RuleEngine  RuleEngine
	Technicians []string
}

// NewCoordinator constructs every agent and the Coordinator that owns them,
// but does not start anything — call Start to subscribe and run.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
	}

	c := &Coordinator{
		Bus:          opts.Bus,
		Detection:    NewAnomalyDetectionAgent("anomaly_detection_agent", opts.Bus, logger, cfg, opts.ModelLoader),
		Validation:   NewValidationAgent("validation_agent", opts.Bus, logger, cfg, opts.CRUD, opts.RuleEngine),
		Prediction:   NewPredictionAgent("prediction_agent", opts.Bus, logger, cfg, opts.CRUD),
		Orchestrator: NewOrchestratorAgent("orchestrator_agent", opts.Bus, logger, cfg),
		Scheduling:   NewSchedulingAgent("scheduling_agent", opts.Bus, logger, opts.Technicians),
	}
	c.Bus.Subscribe(EventMaintenanceScheduled, "coordinator.schedule_tracker", c.trackSchedule)
	return c
}

// Start brings every agent up, in pipeline order. Order only matters for
// RegisterCapabilities/log readability — the bus itself tolerates
// subscribers registering in any order since events aren't dispatched until
// Publish is called.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, agent := range []core.Agent{c.Detection, c.Validation, c.Prediction, c.Orchestrator, c.Scheduling} {
		if err := agent.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears every agent down in reverse pipeline order and then drains the
// bus. A stopped agent is unsubscribed, so no new event is dispatched to
// it; dispatches already in flight run to completion during the drain.
func (c *Coordinator) Stop(ctx context.Context) error {
	for _, agent := range []core.Agent{c.Scheduling, c.Orchestrator, c.Prediction, c.Validation, c.Detection} {
		if err := agent.Stop(ctx); err != nil {
			return err
		}
	}
	c.Bus.Stop()
	return nil
}

// Ingest is the entry point for a raw sensor reading: it wraps the reading
// in a DataProcessed event and publishes it, letting the pipeline run
// end-to-end from the bus's own dispatch/retry/DLQ machinery.
func (c *Coordinator) Ingest(ctx context.Context, reading SensorReading, correlationID string) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	c.Bus.Publish(ctx, core.NewEvent(EventDataProcessed, correlationID, DataProcessed{
		ProcessedData:  reading,
		SourceSensorID: reading.SensorID,
	}))
	return nil
}

// SubmitDecision delivers an operator's response to an outstanding
// HumanDecisionRequired request.
func (c *Coordinator) SubmitDecision(ctx context.Context, resp DecisionResponse, correlationID string) {
	c.Bus.Publish(ctx, core.NewEvent(EventHumanDecisionResponse, correlationID, HumanDecisionResponse{Payload: resp}))
}

const maxTrackedSchedules = 100

func (c *Coordinator) trackSchedule(ctx context.Context, evt core.Event) error {
	payload, ok := evt.Payload.(MaintenanceScheduled)
	if !ok {
		return core.DataValidationError("coordinator.trackSchedule", evt.EventID, "payload is not MaintenanceScheduled")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedules = append(c.schedules, payload)
	if len(c.schedules) > maxTrackedSchedules {
		c.schedules = c.schedules[len(c.schedules)-maxTrackedSchedules:]
	}
	return nil
}

// RecentSchedules returns up to limit of the most recently tracked
// MaintenanceScheduled records, newest last.
func (c *Coordinator) RecentSchedules(limit int) []MaintenanceScheduled {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.schedules) {
		limit = len(c.schedules)
	}
	out := make([]MaintenanceScheduled, limit)
	copy(out, c.schedules[len(c.schedules)-limit:])
	return out
}

// Health aggregates every agent's health snapshot.
func (c *Coordinator) Health() map[string]core.Health {
	return map[string]core.Health{
		c.Detection.AgentID():    c.Detection.Health(),
		c.Validation.AgentID():   c.Validation.Health(),
		c.Prediction.AgentID():   c.Prediction.Health(),
		c.Orchestrator.AgentID(): c.Orchestrator.Health(),
		c.Scheduling.AgentID():   c.Scheduling.Health(),
	}
}
