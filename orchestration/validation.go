package orchestration

import (
	"context"
	"fmt"
	"math"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/resilience"
)

// recurringAnomalyThresholdPct and recurringAnomalyDiffFactor tune the
// recurring-oscillation check: a sensor whose historical readings swing by
// more than diffFactor between consecutive points, in more than
// thresholdPct of comparisons, is treated as chronically noisy rather than
// freshly anomalous.
const (
	recurringAnomalyThresholdPct = 0.25
	recurringAnomalyDiffFactor   = 0.5
	recentStabilityDiffFactor    = 0.05
)

// ValidationAgent adjusts a detected anomaly's confidence using a pluggable
// RuleEngine plus two historical-context heuristics (recent stability,
// recurring anomaly pattern), then maps the final confidence to a
// ValidationStatus.
type ValidationAgent struct {
	*core.BaseAgent

	cfg        *core.Config
	crud       SensorReadingCRUD
	ruleEngine RuleEngine
	breaker    *resilience.CircuitBreaker
}

func NewValidationAgent(id string, bus *core.EventBus, logger core.Logger, cfg *core.Config, crud SensorReadingCRUD, ruleEngine RuleEngine) *ValidationAgent {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &ValidationAgent{
		BaseAgent:  core.NewBaseAgent(id, bus, logger),
		cfg:        cfg,
		crud:       crud,
		ruleEngine: ruleEngine,
		breaker:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "validation_historical_reads"}),
	}
}

func (v *ValidationAgent) RegisterCapabilities() {
	v.SetCapabilities([]core.Capability{
		{
			Name:        "validate_anomaly",
			Description: "Adjusts anomaly confidence using rules and historical context, then classifies the result.",
			InputTypes:  []string{EventAnomalyDetected},
			OutputTypes: []string{EventAnomalyValidated},
		},
	})
}

func (v *ValidationAgent) Start(ctx context.Context) error {
	v.RegisterCapabilities()
	v.Bus.Subscribe(EventAnomalyDetected, v.AgentID(), v.handleAnomalyDetected)
	v.SetStatus(core.StatusRunning)
	return nil
}

func (v *ValidationAgent) Stop(ctx context.Context) error {
	v.Bus.Unsubscribe(EventAnomalyDetected, v.AgentID())
	v.SetStatus(core.StatusStopped)
	return nil
}

func (v *ValidationAgent) Process(ctx context.Context, data interface{}) (interface{}, error) {
	evt, ok := data.(AnomalyDetected)
	if !ok {
		return nil, core.DataValidationError("validation.Process", "", "data is not AnomalyDetected")
	}
	return v.validate(ctx, evt, "")
}

func (v *ValidationAgent) Health() core.Health {
	return v.BaseHealth()
}

func (v *ValidationAgent) handleAnomalyDetected(ctx context.Context, evt core.Event) error {
	payload, ok := evt.Payload.(AnomalyDetected)
	if !ok {
		return core.DataValidationError("validation.handleAnomalyDetected", evt.EventID, "payload is not AnomalyDetected")
	}

	validated, err := v.validate(ctx, payload, evt.CorrelationID)
	if err != nil {
		return v.HandleProcessingError("validation.handleAnomalyDetected", evt.CorrelationID, err)
	}

	v.Bus.Publish(ctx, core.NewEvent(EventAnomalyValidated, evt.CorrelationID, *validated))
	return nil
}

func (v *ValidationAgent) validate(ctx context.Context, detected AnomalyDetected, correlationID string) (*AnomalyValidated, error) {
	confidence := detected.AnomalyDetails.Confidence
	var reasons []string

	if v.ruleEngine != nil {
		delta, ruleReasons, err := v.ruleEngine.EvaluateRules(ctx, detected.AnomalyDetails, detected.TriggeringData)
		if err != nil {
			v.Logger.Error("rule engine evaluation failed", map[string]interface{}{
				"sensor_id":      detected.AnomalyDetails.SensorID,
				"correlation_id": correlationID,
				"error":          err.Error(),
			})
			reasons = append(reasons, fmt.Sprintf("Rule engine error: %s", err.Error()))
		} else {
			confidence += delta
			reasons = append(reasons, ruleReasons...)
		}
	}

	confidence, histReasons := v.applyHistoricalContext(ctx, detected, confidence, correlationID)
	reasons = append(reasons, histReasons...)

	confidence = math.Max(0, math.Min(1, confidence))

	status := v.classify(confidence)

	return &AnomalyValidated{
		OriginalAnomalyAlertPayload: detected.AnomalyDetails,
		TriggeringReadingPayload:    detected.TriggeringData,
		ValidationStatus:            status,
		FinalConfidence:             confidence,
		ValidationReasons:           reasons,
		AgentID:                     v.AgentID(),
	}, nil
}

func (v *ValidationAgent) classify(confidence float64) ValidationStatus {
	switch {
	case confidence >= v.cfg.ValidationCredibleThreshold:
		return ValidationCredibleAnomaly
	case confidence < v.cfg.ValidationFalsePositiveThreshold:
		return ValidationFalsePositiveSuspect
	default:
		return ValidationUncertain
	}
}

// applyHistoricalContext fetches recent readings for the sensor and applies
// two adjustments: a -0.1 penalty when the current value sits within 5% of
// the recent window's mean (the anomaly looks like normal noise), and a
// -0.05 penalty when the sensor has a history of large consecutive swings
// (the anomaly looks like a chronic oscillation, not a fresh event). A
// historical-fetch failure degrades to "no adjustment" rather than failing
// validation outright.
func (v *ValidationAgent) applyHistoricalContext(ctx context.Context, detected AnomalyDetected, confidence float64, correlationID string) (float64, []string) {
	if v.crud == nil {
		return confidence, nil
	}

	sensorID := detected.AnomalyDetails.SensorID
	var history []SensorReading
	err := v.breaker.Execute(ctx, func() error {
		h, ferr := v.crud.GetBySensorID(ctx, sensorID, v.cfg.ValidationHistoricalCheckLimit, &detected.TriggeringData.Timestamp)
		if ferr != nil {
			return ferr
		}
		history = h
		return nil
	})
	if err != nil {
		v.Logger.Warn("failed to fetch historical readings", map[string]interface{}{
			"sensor_id":      sensorID,
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
		return confidence, []string{fmt.Sprintf("Failed to fetch historical readings: %s", err.Error())}
	}

	var reasons []string

	if window := v.cfg.ValidationRecentStabilityWindow; window > 0 && len(history) >= window {
		recent := history[len(history)-window:]
		var sum float64
		for _, r := range recent {
			sum += r.Value
		}
		mean := sum / float64(window)
		diff := math.Abs(detected.TriggeringData.Value - mean)
		if diff < recentStabilityDiffFactor*math.Abs(mean) {
			confidence -= 0.1
			reasons = append(reasons, fmt.Sprintf("Recent value stability: current %.4f within %.0f%% of recent mean %.4f", detected.TriggeringData.Value, recentStabilityDiffFactor*100, mean))
		}
	}

	if n := len(history); n >= 2 {
		var anomalousComparisons, totalComparisons int
		for i := 0; i < n-1; i++ {
			prev := history[i+1].Value
			if prev == 0 {
				continue
			}
			totalComparisons++
			diffPct := math.Abs(history[i].Value-prev) / math.Abs(prev)
			if diffPct > recurringAnomalyDiffFactor {
				anomalousComparisons++
			}
		}
		if totalComparisons > 0 && float64(anomalousComparisons)/float64(totalComparisons) > recurringAnomalyThresholdPct {
			confidence -= 0.05
			reasons = append(reasons, "Recurring anomaly pattern: sensor has a history of large consecutive swings")
		}
	}

	return confidence, reasons
}
