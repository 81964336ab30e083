package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/smartmaint/backbone/core"
)

type fakeCRUD struct {
	readings []SensorReading
	err      error
}

func (f *fakeCRUD) GetBySensorID(ctx context.Context, sensorID string, limit int, before *time.Time) ([]SensorReading, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.readings, nil
}

func newDecliningReadings(n int, start time.Time) []SensorReading {
	out := make([]SensorReading, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, SensorReading{
			SensorID:  "sensor-z",
			Value:     100 - float64(i)*2, // steadily declining trend
			Timestamp: start.Add(time.Duration(i) * time.Hour),
		})
	}
	return out
}

func TestPredictionAgent_InsufficientHistory_ReturnsNilWithoutError(t *testing.T) {
	cfg := core.DefaultConfig()
	crud := &fakeCRUD{readings: newDecliningReadings(cfg.PredictionMinHistoricalPoints-1, time.Now().Add(-10*time.Hour))}
	agent := NewPredictionAgent("predictor", core.NewEventBus(core.DefaultBusConfig(), nil, nil), nil, cfg, crud)

	result, err := agent.Process(context.Background(), AnomalyValidated{
		TriggeringReadingPayload: SensorReading{SensorID: "sensor-z"},
		ValidationStatus:         ValidationCredibleAnomaly,
		FinalConfidence:          0.9,
	})
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if result != nil {
		t.Errorf("expected a nil result for insufficient history, got %+v", result)
	}
}

func TestPredictionAgent_ZeroHistoricalRows_NoPrediction(t *testing.T) {
	cfg := core.DefaultConfig()
	crud := &fakeCRUD{readings: nil}
	agent := NewPredictionAgent("predictor", core.NewEventBus(core.DefaultBusConfig(), nil, nil), nil, cfg, crud)

	result, err := agent.Process(context.Background(), AnomalyValidated{
		TriggeringReadingPayload: SensorReading{SensorID: "sensor-z"},
		ValidationStatus:         ValidationCredibleAnomaly,
	})
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result for zero historical rows, got %+v", result)
	}
}

func TestPredictionAgent_DecliningTrend_ProducesForecast(t *testing.T) {
	cfg := core.DefaultConfig()
	crud := &fakeCRUD{readings: newDecliningReadings(30, time.Now().Add(-30*time.Hour))}
	agent := NewPredictionAgent("predictor", core.NewEventBus(core.DefaultBusConfig(), nil, nil), nil, cfg, crud)

	result, err := agent.Process(context.Background(), AnomalyValidated{
		TriggeringReadingPayload: SensorReading{SensorID: "sensor-z"},
		ValidationStatus:         ValidationCredibleAnomaly,
	})
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if result == nil {
		t.Fatal("expected a forecast for a clear declining trend")
	}
	predicted := result.(*MaintenancePredicted)
	if predicted.EquipmentID != "sensor-z" {
		t.Errorf("equipment id = %q, want sensor-z", predicted.EquipmentID)
	}
	if predicted.TimeToFailureDays <= 0 {
		t.Errorf("time to failure = %v, want positive", predicted.TimeToFailureDays)
	}
	if predicted.PredictionConfidence < 0 || predicted.PredictionConfidence > 1 {
		t.Errorf("prediction confidence = %v, want in [0,1]", predicted.PredictionConfidence)
	}
	if predicted.ConfidenceIntervalLower > predicted.TimeToFailureDays || predicted.ConfidenceIntervalUpper < predicted.TimeToFailureDays {
		t.Errorf("time to failure %v not within confidence interval [%v, %v]", predicted.TimeToFailureDays, predicted.ConfidenceIntervalLower, predicted.ConfidenceIntervalUpper)
	}
}

func TestPredictionAgent_FlatTrend_NoCrossingNoPrediction(t *testing.T) {
	cfg := core.DefaultConfig()
	start := time.Now().Add(-30 * time.Hour)
	readings := make([]SensorReading, 0, 30)
	for i := 0; i < 30; i++ {
		readings = append(readings, SensorReading{SensorID: "sensor-flat", Value: 42, Timestamp: start.Add(time.Duration(i) * time.Hour)})
	}
	crud := &fakeCRUD{readings: readings}
	agent := NewPredictionAgent("predictor", core.NewEventBus(core.DefaultBusConfig(), nil, nil), nil, cfg, crud)

	result, err := agent.Process(context.Background(), AnomalyValidated{
		TriggeringReadingPayload: SensorReading{SensorID: "sensor-flat"},
		ValidationStatus:         ValidationCredibleAnomaly,
	})
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if result != nil {
		t.Errorf("expected no prediction for a perfectly flat trend, got %+v", result)
	}
}

func TestPredictionAgent_ShouldPredict_GatesOnStatusOrConfidence(t *testing.T) {
	cfg := core.DefaultConfig()
	agent := NewPredictionAgent("predictor", core.NewEventBus(core.DefaultBusConfig(), nil, nil), nil, cfg, nil)

	if !agent.shouldPredict(AnomalyValidated{ValidationStatus: ValidationCredibleAnomaly, FinalConfidence: 0.1}) {
		t.Error("a credible anomaly should always proceed to prediction regardless of confidence")
	}
	if agent.shouldPredict(AnomalyValidated{ValidationStatus: ValidationUncertain, FinalConfidence: cfg.PredictionConfidenceThreshold - 0.01}) {
		t.Error("an uncertain anomaly below the prediction threshold should not proceed")
	}
	if !agent.shouldPredict(AnomalyValidated{ValidationStatus: ValidationUncertain, FinalConfidence: cfg.PredictionConfidenceThreshold}) {
		t.Error("an uncertain anomaly at or above the prediction threshold should proceed")
	}
}

func TestDedupeByTimestamp(t *testing.T) {
	ts := time.Now()
	in := []SensorReading{
		{Value: 1, Timestamp: ts},
		{Value: 2, Timestamp: ts},
		{Value: 3, Timestamp: ts.Add(time.Second)},
	}
	out := dedupeByTimestamp(in)
	if len(out) != 2 {
		t.Fatalf("dedupeByTimestamp returned %d entries, want 2", len(out))
	}
	if out[0].Value != 1 || out[1].Value != 3 {
		t.Errorf("unexpected dedupe result: %+v", out)
	}
}
