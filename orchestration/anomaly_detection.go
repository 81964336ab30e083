package orchestration

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/resilience"
)

// statisticalBaseline is the (mean, std) pair the statistical detector
// caches per sensor: seeded from the sensor's first reading and
// DefaultHistoricalStd, and not updated afterwards.
type statisticalBaseline struct {
	mean float64
	std  float64
}

// AnomalyDetectionAgent combines an ML model (via ModelLoader) with a
// z-score statistical detector into a single confidence score, per the
// ensemble combination rules below. Either detector may fail independently;
// the agent degrades to whichever one still works and only gives up if both
// fail on the same reading.
type AnomalyDetectionAgent struct {
	*core.BaseAgent

	cfg         *core.Config
	modelLoader ModelLoader

	baselinesMu sync.RWMutex
	baselines   map[string]statisticalBaseline
}

// NewAnomalyDetectionAgent constructs the agent. A nil modelLoader is valid
// — the ensemble then runs on the statistical detector alone, which is
// itself the graceful-degradation path for ML failures.
func NewAnomalyDetectionAgent(id string, bus *core.EventBus, logger core.Logger, cfg *core.Config, modelLoader ModelLoader) *AnomalyDetectionAgent {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &AnomalyDetectionAgent{
		BaseAgent:   core.NewBaseAgent(id, bus, logger),
		cfg:         cfg,
		modelLoader: modelLoader,
		baselines:   make(map[string]statisticalBaseline),
	}
}

func (a *AnomalyDetectionAgent) RegisterCapabilities() {
	a.SetCapabilities([]core.Capability{
		{
			Name:        "detect_anomalies",
			Description: "Detects anomalies in processed sensor data using an ML/statistical ensemble.",
			InputTypes:  []string{EventDataProcessed},
			OutputTypes: []string{EventAnomalyDetected},
		},
	})
}

func (a *AnomalyDetectionAgent) Start(ctx context.Context) error {
	a.RegisterCapabilities()
	a.Bus.Subscribe(EventDataProcessed, a.AgentID(), a.handleDataProcessed)
	a.SetStatus(core.StatusRunning)
	return nil
}

func (a *AnomalyDetectionAgent) Stop(ctx context.Context) error {
	a.Bus.Unsubscribe(EventDataProcessed, a.AgentID())
	a.SetStatus(core.StatusStopped)
	return nil
}

// Process runs the ensemble directly on a reading, bypassing the bus —
// useful for synchronous callers such as tests.
func (a *AnomalyDetectionAgent) Process(ctx context.Context, data interface{}) (interface{}, error) {
	reading, ok := data.(SensorReading)
	if !ok {
		return nil, core.DataValidationError("anomaly_detection.Process", "", "data is not a SensorReading")
	}
	detected, err := a.detect(ctx, reading, "")
	if err != nil {
		return nil, err
	}
	if detected == nil {
		// Returning the nil *AnomalyDetected directly here would box a
		// non-nil interface around a nil pointer; return an untyped nil so
		// callers' `result == nil` checks behave as expected.
		return nil, nil
	}
	return detected, nil
}

func (a *AnomalyDetectionAgent) Health() core.Health {
	h := a.BaseHealth()
	a.baselinesMu.RLock()
	known := len(a.baselines)
	a.baselinesMu.RUnlock()
	h.Extra = map[string]interface{}{"unknown_sensor_baselines": known}
	return h
}

func (a *AnomalyDetectionAgent) handleDataProcessed(ctx context.Context, evt core.Event) error {
	payload, ok := evt.Payload.(DataProcessed)
	if !ok {
		return core.DataValidationError("anomaly_detection.handleDataProcessed", evt.EventID, "payload is not DataProcessed")
	}
	reading := payload.ProcessedData
	if err := reading.Validate(); err != nil {
		return err
	}

	detected, err := a.detect(ctx, reading, evt.CorrelationID)
	if err != nil {
		return a.HandleProcessingError("anomaly_detection.handleDataProcessed", evt.CorrelationID, err)
	}
	if detected == nil {
		return nil
	}

	a.publishAnomaly(ctx, *detected, evt.CorrelationID)
	return nil
}

// detect runs the ML and statistical detectors and combines their verdicts.
// It returns (nil, nil) when no anomaly is found.
func (a *AnomalyDetectionAgent) detect(ctx context.Context, reading SensorReading, correlationID string) (*AnomalyDetected, error) {
	mlIsAnomaly, mlConfidence, mlFailed := a.runML(ctx, reading)
	statIsAnomaly, statConfidence, statDesc, statFailed := a.runStatistical(reading)

	if mlFailed && statFailed {
		return nil, core.NewError("anomaly_detection.detect", core.KindMLModel, reading.SensorID, fmt.Errorf("all anomaly detection methods failed for %s", reading.SensorID))
	}
	if mlFailed {
		a.Logger.Warn("ML detector failed, using statistical method only", map[string]interface{}{"sensor_id": reading.SensorID, "correlation_id": correlationID})
	}
	if statFailed {
		a.Logger.Warn("statistical detector failed, using ML method only", map[string]interface{}{"sensor_id": reading.SensorID, "correlation_id": correlationID})
	}

	isAnomaly, confidence, description, detectors := combineEnsemble(mlIsAnomaly, mlConfidence, statIsAnomaly, statConfidence, statDesc)
	if !isAnomaly {
		return nil, nil
	}

	_, severityLabel := SeverityFromConfidence(confidence)
	details := AnomalyDetails{
		SensorID:    reading.SensorID,
		AnomalyType: description,
		Confidence:  confidence,
		Severity:    severityFromLabel(severityLabel),
		Description: fmt.Sprintf("Anomaly: %s (%s). Value: %.4f.", reading.SensorID, reading.Type, reading.Value),
		Detectors:   detectors,
	}
	return &AnomalyDetected{
		AnomalyDetails: details,
		TriggeringData: reading,
		Severity:       severityLabel,
	}, nil
}

func severityFromLabel(label Severity) int {
	switch label {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	default:
		return 1
	}
}

// runML asks the ModelLoader to score the reading. isAnomaly == true means
// anomaly. failed indicates the ML path could not produce a verdict at all
// (missing loader, load error, or predict error) so the caller should fall
// back to the statistical detector alone.
func (a *AnomalyDetectionAgent) runML(ctx context.Context, reading SensorReading) (isAnomaly bool, confidence float64, failed bool) {
	if a.modelLoader == nil {
		return false, 0, true
	}
	model, preprocessor, err := a.modelLoader.LoadModelForSensor(ctx, reading)
	if err != nil {
		a.Logger.Error("model load failed", map[string]interface{}{"sensor_id": reading.SensorID, "error": err.Error()})
		return false, 0, true
	}
	scorer, ok := model.(interface{ Score(interface{}) (bool, float64, error) })
	if !ok {
		a.Logger.Error("model does not implement Score", map[string]interface{}{"sensor_id": reading.SensorID})
		return false, 0, true
	}

	features := interface{}(reading)
	if preprocessor != nil {
		prepared, perr := preprocessor.Prepare(reading)
		if perr != nil {
			a.Logger.Warn("preprocessing failed, using raw reading", map[string]interface{}{"sensor_id": reading.SensorID, "error": perr.Error()})
		} else {
			features = prepared
		}
	}

	anomaly, score, err := scorer.Score(features)
	if err != nil {
		a.Logger.Error("model prediction failed", map[string]interface{}{"sensor_id": reading.SensorID, "error": err.Error()})
		return false, 0, true
	}
	return anomaly, score, false
}

// runStatistical is a z-score detector against a cached or freshly seeded
// (mean, std) baseline. |z| > 3 is a hard anomaly (confidence 0.9); |z| > 2
// is a soft one (confidence scaled by how far past 2 the z-score sits).
func (a *AnomalyDetectionAgent) runStatistical(reading SensorReading) (isAnomaly bool, confidence float64, description string, failed bool) {
	mean, std := a.baselineFor(reading)
	if std <= 0 {
		return false, 0, "", true
	}

	z := math.Abs(reading.Value-mean) / std
	switch {
	case z > 3:
		return true, 0.9, "z_score_violation", false
	case z > 2:
		conf := 0.6 + math.Min(0.3, (z-2)*0.3)
		return true, conf, "z_score_violation", false
	default:
		return false, 0, "normal", false
	}
}

func (a *AnomalyDetectionAgent) baselineFor(reading SensorReading) (float64, float64) {
	a.baselinesMu.RLock()
	b, ok := a.baselines[reading.SensorID]
	a.baselinesMu.RUnlock()
	if ok {
		return b.mean, b.std
	}

	a.baselinesMu.Lock()
	defer a.baselinesMu.Unlock()
	if b, ok := a.baselines[reading.SensorID]; ok {
		return b.mean, b.std
	}
	std := a.cfg.DefaultHistoricalStd
	a.baselines[reading.SensorID] = statisticalBaseline{mean: reading.Value, std: std}
	return reading.Value, std
}

// combineEnsemble applies the ensemble combination rule: both detectors
// agree -> weighted 0.6/0.4 toward ML; only one flags it -> that detector's
// confidence discounted 20%.
func combineEnsemble(mlAnomaly bool, mlConfidence float64, statAnomaly bool, statConfidence float64, statDesc string) (isAnomaly bool, confidence float64, description string, detectors []string) {
	isAnomaly = mlAnomaly || statAnomaly
	if !isAnomaly {
		return false, 0, "normal", nil
	}

	switch {
	case mlAnomaly && statAnomaly:
		confidence = 0.6*mlConfidence + 0.4*statConfidence
		detectors = []string{"ml_model", "statistical"}
		description = "ensemble_ml_statistical"
	case mlAnomaly:
		confidence = mlConfidence * 0.8
		detectors = []string{"ml_model"}
		description = "ml_model_anomaly"
	default:
		confidence = statConfidence * 0.8
		detectors = []string{"statistical"}
		description = statDesc
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return isAnomaly, confidence, description, detectors
}

// publishAnomaly publishes AnomalyDetected with bounded retry (3 attempts,
// 100ms delay) and logs — but does not propagate — a final failure, so a
// flaky bus publish degrades gracefully instead of losing the whole
// processing flow.
func (a *AnomalyDetectionAgent) publishAnomaly(ctx context.Context, evt AnomalyDetected, correlationID string) {
	retryCfg := resilience.ConstantRetryConfig(3, 100*time.Millisecond)
	err := resilience.Retry(ctx, retryCfg, func() error {
		a.Bus.Publish(ctx, core.NewEvent(EventAnomalyDetected, correlationID, evt))
		return nil
	})
	if err != nil {
		pubErr := core.EventPublishError("anomaly_detection.publishAnomaly", EventAnomalyDetected, err)
		a.Logger.Error("failed to publish AnomalyDetected after retries", map[string]interface{}{
			"sensor_id":      evt.AnomalyDetails.SensorID,
			"correlation_id": correlationID,
			"error":          pubErr.Error(),
		})
	}
}
