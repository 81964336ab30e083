package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/smartmaint/backbone/core"
)

func TestCombineEnsemble(t *testing.T) {
	tests := []struct {
		name                   string
		mlAnomaly              bool
		mlConfidence           float64
		statAnomaly            bool
		statConfidence         float64
		wantIsAnomaly          bool
		wantConfidence         float64
		wantDetectorCount      int
	}{
		{"neither flags", false, 0, false, 0, false, 0, 0},
		{"both agree", true, 0.8, true, 0.6, true, 0.6*0.8 + 0.4*0.6, 2},
		{"only ml flags", true, 0.9, false, 0, true, 0.9 * 0.8, 1},
		{"only statistical flags", false, 0, true, 0.9, true, 0.9 * 0.8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isAnomaly, confidence, _, detectors := combineEnsemble(tt.mlAnomaly, tt.mlConfidence, tt.statAnomaly, tt.statConfidence, "z_score_violation")
			if isAnomaly != tt.wantIsAnomaly {
				t.Errorf("isAnomaly = %v, want %v", isAnomaly, tt.wantIsAnomaly)
			}
			if !closeEnough(confidence, tt.wantConfidence) {
				t.Errorf("confidence = %v, want %v", confidence, tt.wantConfidence)
			}
			if len(detectors) != tt.wantDetectorCount {
				t.Errorf("detectors = %v, want %d entries", detectors, tt.wantDetectorCount)
			}
		})
	}
}

func TestCombineEnsemble_ConfidenceClampedToUnitInterval(t *testing.T) {
	isAnomaly, confidence, _, _ := combineEnsemble(true, 1.5, true, 1.5, "x")
	if !isAnomaly {
		t.Fatal("expected an anomaly")
	}
	if confidence > 1.0 {
		t.Errorf("confidence = %v, want clamped to <= 1.0", confidence)
	}
}

func closeEnough(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}

// failingModelLoader always returns an error, exercising the "both detectors
// fail" path when the statistical baseline is also unusable.
type failingModelLoader struct{}

func (failingModelLoader) LoadModelForSensor(ctx context.Context, reading SensorReading) (Model, Preprocessor, error) {
	return nil, nil, errors.New("registry unavailable")
}
func (failingModelLoader) ListAvailableModels(SensorType) []string { return nil }
func (failingModelLoader) ClearCache()                             {}

func TestAnomalyDetectionAgent_NilModelLoader_DegradesToStatisticalOnly(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.DefaultHistoricalStd = 2.0
	agent := NewAnomalyDetectionAgent("detector", core.NewEventBus(core.DefaultBusConfig(), nil, nil), nil, cfg, nil)

	// First reading seeds the baseline at its own value; no anomaly is
	// possible on the seeding call itself.
	seed := SensorReading{SensorID: "sensor-x", Type: SensorTemperature, Value: 50}
	result, err := agent.Process(context.Background(), seed)
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if result != nil {
		t.Errorf("expected no anomaly on the baseline-seeding reading, got %+v", result)
	}

	// A reading far from the seeded baseline should now trip the
	// statistical detector even with no ML model configured.
	outlier := SensorReading{SensorID: "sensor-x", Type: SensorTemperature, Value: 500}
	result, err = agent.Process(context.Background(), outlier)
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if result == nil {
		t.Fatal("expected an anomaly for a far-outlier reading against a seeded baseline")
	}
	detected := result.(*AnomalyDetected)
	if len(detected.AnomalyDetails.Detectors) != 1 || detected.AnomalyDetails.Detectors[0] != "statistical" {
		t.Errorf("detectors = %v, want only [statistical] with no ML model configured", detected.AnomalyDetails.Detectors)
	}
}

func TestAnomalyDetectionAgent_BothDetectorsFail_ReturnsError(t *testing.T) {
	cfg := core.DefaultConfig()
	agent := NewAnomalyDetectionAgent("detector", core.NewEventBus(core.DefaultBusConfig(), nil, nil), nil, cfg, failingModelLoader{})

	// DefaultHistoricalStd of 0 makes the statistical detector's seeded
	// baseline unusable (std<=0 -> failed), so with a failing ML loader too
	// both detectors fail on the very first reading for this sensor.
	agent.cfg.DefaultHistoricalStd = 0

	reading := SensorReading{SensorID: "sensor-y", Type: SensorTemperature, Value: 50}
	_, err := agent.Process(context.Background(), reading)
	if err == nil {
		t.Fatal("expected an error when both detectors fail")
	}
}
