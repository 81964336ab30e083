package orchestration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/resilience"
)

// PredictionAgent forecasts a time-to-failure from a sensor's historical
// series once an anomaly has been validated credible enough to act on. The
// original agent fits a Prophet time-series model; no such library appears
// anywhere in the retrieval pack, so the forecast here is a linear trend
// (ordinary least squares over (time, value)) projected forward to the
// point it crosses a failure threshold — the same "trend extrapolation"
// idea Prophet's additive model reduces to for a short, noise-dominated
// series, without pulling in a dependency nothing else in the pack uses.
type PredictionAgent struct {
	*core.BaseAgent

	cfg     *core.Config
	crud    SensorReadingCRUD
	breaker *resilience.CircuitBreaker
}

func NewPredictionAgent(id string, bus *core.EventBus, logger core.Logger, cfg *core.Config, crud SensorReadingCRUD) *PredictionAgent {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &PredictionAgent{
		BaseAgent: core.NewBaseAgent(id, bus, logger),
		cfg:       cfg,
		crud:      crud,
		breaker:   resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "prediction_historical_reads"}),
	}
}

func (p *PredictionAgent) RegisterCapabilities() {
	p.SetCapabilities([]core.Capability{
		{
			Name:        "predict_failure",
			Description: "Forecasts time-to-failure from a sensor's historical trend for credible, high-confidence anomalies.",
			InputTypes:  []string{EventAnomalyValidated},
			OutputTypes: []string{EventMaintenancePredicted},
		},
	})
}

func (p *PredictionAgent) Start(ctx context.Context) error {
	p.RegisterCapabilities()
	p.Bus.Subscribe(EventAnomalyValidated, p.AgentID(), p.handleAnomalyValidated)
	p.SetStatus(core.StatusRunning)
	return nil
}

func (p *PredictionAgent) Stop(ctx context.Context) error {
	p.Bus.Unsubscribe(EventAnomalyValidated, p.AgentID())
	p.SetStatus(core.StatusStopped)
	return nil
}

func (p *PredictionAgent) Process(ctx context.Context, data interface{}) (interface{}, error) {
	evt, ok := data.(AnomalyValidated)
	if !ok {
		return nil, core.DataValidationError("prediction.Process", "", "data is not AnomalyValidated")
	}
	predicted, err := p.predict(ctx, evt, "")
	if err != nil {
		return nil, err
	}
	if predicted == nil {
		return nil, nil
	}
	return predicted, nil
}

func (p *PredictionAgent) Health() core.Health {
	return p.BaseHealth()
}

func (p *PredictionAgent) handleAnomalyValidated(ctx context.Context, evt core.Event) error {
	payload, ok := evt.Payload.(AnomalyValidated)
	if !ok {
		return core.DataValidationError("prediction.handleAnomalyValidated", evt.EventID, "payload is not AnomalyValidated")
	}

	if !p.shouldPredict(payload) {
		return nil
	}

	predicted, err := p.predict(ctx, payload, evt.CorrelationID)
	if err != nil {
		return p.HandleProcessingError("prediction.handleAnomalyValidated", evt.CorrelationID, err)
	}
	if predicted == nil {
		return nil
	}

	p.Bus.Publish(ctx, core.NewEvent(EventMaintenancePredicted, evt.CorrelationID, *predicted))
	return nil
}

// shouldPredict mirrors the original gate: a credible anomaly always
// proceeds, and anything else still proceeds if its final confidence alone
// clears the prediction-specific threshold (distinct from, and usually
// lower than, the validation credible threshold).
func (p *PredictionAgent) shouldPredict(evt AnomalyValidated) bool {
	switch evt.ValidationStatus {
	case ValidationCredibleAnomaly, "CONFIRMED", "confirmed_credible":
		return true
	}
	return evt.FinalConfidence >= p.cfg.PredictionConfidenceThreshold
}

// predict fetches history, fits a trend, and returns nil (no error) when
// there isn't enough history to forecast from — sparse data is a routine
// "skip", not a failure.
func (p *PredictionAgent) predict(ctx context.Context, evt AnomalyValidated, correlationID string) (*MaintenancePredicted, error) {
	sensorID := evt.TriggeringReadingPayload.SensorID
	if sensorID == "" {
		sensorID = evt.OriginalAnomalyAlertPayload.SensorID
	}
	if sensorID == "" {
		return nil, nil
	}

	if p.crud == nil {
		return nil, nil
	}

	var history []SensorReading
	err := p.breaker.Execute(ctx, func() error {
		h, ferr := p.crud.GetBySensorID(ctx, sensorID, p.cfg.PredictionHistoricalDataLimit, &evt.TriggeringReadingPayload.Timestamp)
		if ferr != nil {
			return ferr
		}
		history = h
		return nil
	})
	if err != nil {
		return nil, core.NewError("prediction.predict", core.KindServiceUnavailable, sensorID, err)
	}
	if len(history) < p.cfg.PredictionMinHistoricalPoints {
		p.Logger.Debug("insufficient historical points for prediction", map[string]interface{}{
			"sensor_id":      sensorID,
			"have":           len(history),
			"need":           p.cfg.PredictionMinHistoricalPoints,
			"correlation_id": correlationID,
		})
		return nil, nil
	}

	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })
	history = dedupeByTimestamp(history)

	slope, intercept, fitStart := fitLinearTrend(history)

	ttfDays, predictedDate, ok := timeToThresholdCrossing(slope, intercept, fitStart, history[len(history)-1].Value)
	if !ok {
		// Trend is flat or moving away from any failure threshold: nothing
		// actionable to report.
		return nil, nil
	}

	confidence := trendConfidence(slope, len(history))
	maintenanceType := maintenanceTypeFor(ttfDays)

	return &MaintenancePredicted{
		EquipmentID:             sensorID,
		PredictedFailureDate:    predictedDate,
		ConfidenceIntervalLower: ttfDays * 0.85,
		ConfidenceIntervalUpper: ttfDays * 1.15,
		PredictionConfidence:    confidence,
		TimeToFailureDays:       ttfDays,
		MaintenanceType:         maintenanceType,
		RecommendedActions:      recommendedActions(ttfDays, maintenanceType, slope),
		AgentID:                 p.AgentID(),
	}, nil
}

func dedupeByTimestamp(readings []SensorReading) []SensorReading {
	out := make([]SensorReading, 0, len(readings))
	var last time.Time
	for i, r := range readings {
		if i > 0 && r.Timestamp.Equal(last) {
			continue
		}
		out = append(out, r)
		last = r.Timestamp
	}
	return out
}

// fitLinearTrend performs ordinary least squares of value against elapsed
// seconds since the first reading, returning slope (value/second),
// intercept, and the reference start time the fit is relative to.
func fitLinearTrend(readings []SensorReading) (slope, intercept float64, start time.Time) {
	start = readings[0].Timestamp
	n := float64(len(readings))

	var sumX, sumY, sumXY, sumXX float64
	for _, r := range readings {
		x := r.Timestamp.Sub(start).Seconds()
		y := r.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, start
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, start
}

// failureThresholdFactor is how far (as a fraction of the current value)
// the trend must move before it is considered a failure crossing — a
// simple, sensor-agnostic stand-in for a real engineering limit, which
// this backbone has no per-sensor-type specification for.
const failureThresholdFactor = 0.5

// timeToThresholdCrossing projects the fitted line forward to the point it
// has moved failureThresholdFactor away from its current value, returning
// days-until-crossing and the calendar date. ok is false when the trend is
// flat (slope ~ 0), since a flat trend never crosses any threshold.
func timeToThresholdCrossing(slope, intercept float64, start time.Time, currentValue float64) (days float64, predictedDate time.Time, ok bool) {
	if math.Abs(slope) < 1e-9 {
		return 0, time.Time{}, false
	}

	threshold := currentValue * (1 + failureThresholdFactor*sign(slope))
	// Solve intercept + slope*x = threshold for x (seconds since start),
	// then express relative to "now" (the last observation, effectively).
	crossingSeconds := (threshold - intercept) / slope
	now := time.Now().UTC()
	crossingTime := start.Add(time.Duration(crossingSeconds) * time.Second)
	remaining := crossingTime.Sub(now)
	if remaining <= 0 {
		return 0, time.Time{}, false
	}
	return remaining.Hours() / 24, crossingTime, true
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// trendConfidence scales with how much history backs the fit, since a
// longer, denser series makes a linear extrapolation more trustworthy.
func trendConfidence(slope float64, points int) float64 {
	base := 0.5 + math.Min(0.3, float64(points)/500.0)
	if math.Abs(slope) < 1e-6 {
		base -= 0.1
	}
	return math.Max(0, math.Min(0.95, base))
}

func maintenanceTypeFor(ttfDays float64) string {
	switch {
	case ttfDays < 14:
		return "urgent_corrective"
	case ttfDays < 60:
		return "preventive"
	default:
		return "inspection"
	}
}

func recommendedActions(ttfDays float64, maintenanceType string, slope float64) []string {
	var actions []string
	switch maintenanceType {
	case "urgent_corrective":
		actions = append(actions, "Schedule immediate maintenance intervention")
	case "preventive":
		actions = append(actions, "Schedule preventive maintenance within recommended timeframe")
	default:
		actions = append(actions, "Schedule routine inspection")
	}

	if math.Abs(slope) > 1e-7 {
		direction := "upward"
		if slope < 0 {
			direction = "downward"
		}
		actions = append(actions, fmt.Sprintf("Monitor %s trend in sensor readings", direction))
	}
	return actions
}
