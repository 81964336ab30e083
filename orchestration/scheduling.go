package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/smartmaint/backbone/core"
)

// SchedulingAgent is the intentionally simple stand-in for the scheduling
// optimization work an external system would normally own: it turns an
// approved ScheduleMaintenanceCommand into a concrete technician/time
// assignment. Real constraint-solving (technician availability, part
// lead-times, route optimization) is out of scope; this deterministically
// picks the next slot from a fixed work-day window and round-robins across
// a configured technician pool, which is enough to exercise the command ->
// scheduled event leg of the pipeline end to end.
type SchedulingAgent struct {
	*core.BaseAgent

	technicians []string
	workdayFrom int // hour of day, e.g. 8
	workdayTo   int // hour of day, e.g. 17

	nextMu sync.Mutex
	next   int
}

func NewSchedulingAgent(id string, bus *core.EventBus, logger core.Logger, technicians []string) *SchedulingAgent {
	if len(technicians) == 0 {
		technicians = []string{"tech_pool_1"}
	}
	return &SchedulingAgent{
		BaseAgent:   core.NewBaseAgent(id, bus, logger),
		technicians: technicians,
		workdayFrom: 8,
		workdayTo:   17,
	}
}

func (s *SchedulingAgent) RegisterCapabilities() {
	s.SetCapabilities([]core.Capability{
		{
			Name:        "schedule_maintenance",
			Description: "Assigns a technician and time window to an approved maintenance command.",
			InputTypes:  []string{EventScheduleMaintenance},
			OutputTypes: []string{EventMaintenanceScheduled},
		},
	})
}

func (s *SchedulingAgent) Start(ctx context.Context) error {
	s.RegisterCapabilities()
	s.Bus.Subscribe(EventScheduleMaintenance, s.AgentID(), s.handleScheduleCommand)
	s.SetStatus(core.StatusRunning)
	return nil
}

func (s *SchedulingAgent) Stop(ctx context.Context) error {
	s.Bus.Unsubscribe(EventScheduleMaintenance, s.AgentID())
	s.SetStatus(core.StatusStopped)
	return nil
}

func (s *SchedulingAgent) Process(ctx context.Context, data interface{}) (interface{}, error) {
	cmd, ok := data.(ScheduleMaintenanceCommand)
	if !ok {
		return nil, core.DataValidationError("scheduling.Process", "", "data is not ScheduleMaintenanceCommand")
	}
	return s.schedule(cmd), nil
}

func (s *SchedulingAgent) Health() core.Health {
	return s.BaseHealth()
}

func (s *SchedulingAgent) handleScheduleCommand(ctx context.Context, evt core.Event) error {
	cmd, ok := evt.Payload.(ScheduleMaintenanceCommand)
	if !ok {
		return core.DataValidationError("scheduling.handleScheduleCommand", evt.EventID, "payload is not ScheduleMaintenanceCommand")
	}
	scheduled := s.schedule(cmd)
	s.Bus.Publish(ctx, core.NewEvent(EventMaintenanceScheduled, evt.CorrelationID, scheduled))
	return nil
}

func (s *SchedulingAgent) schedule(cmd ScheduleMaintenanceCommand) MaintenanceScheduled {
	equipmentID, _ := cmd.MaintenanceData["equipment_id"].(string)

	s.nextMu.Lock()
	tech := s.technicians[s.next%len(s.technicians)]
	s.next++
	s.nextMu.Unlock()

	start := nextWorkdaySlot(time.Now().UTC(), s.workdayFrom, s.workdayTo)
	duration := durationForUrgency(cmd.UrgencyLevel)
	end := start.Add(duration)

	return MaintenanceScheduled{
		EquipmentID:          equipmentID,
		AssignedTechnicianID: tech,
		ScheduledStartTime:   start,
		ScheduledEndTime:     end,
		ScheduleDetails: map[string]interface{}{
			"urgency_level":  cmd.UrgencyLevel,
			"auto_approved":  cmd.AutoApproved,
			"human_approved": cmd.HumanApproved,
		},
	}
}

func nextWorkdaySlot(from time.Time, workdayFrom, workdayTo int) time.Time {
	candidate := from
	if candidate.Hour() >= workdayTo {
		candidate = candidate.AddDate(0, 0, 1)
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), workdayFrom, 0, 0, 0, candidate.Location())
	} else if candidate.Hour() < workdayFrom {
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), workdayFrom, 0, 0, 0, candidate.Location())
	}
	return candidate
}

func durationForUrgency(urgency string) time.Duration {
	switch urgency {
	case "high":
		return 2 * time.Hour
	case "medium":
		return 4 * time.Hour
	default:
		return 3 * time.Hour
	}
}
