// Package ml provides the orchestration.ModelLoader implementation this
// backbone ships with: a deterministic scoring model in front of a
// gobreaker.CircuitBreaker, standing in for the MLflow-backed dynamic model
// registry the original system loads from S3. Wiring a real registry is an
// infrastructure integration outside this module's scope; FallbackDetector
// keeps the ensemble's ML leg exercised end to end without one.
package ml

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/orchestration"
)

// cacheEntry mirrors the original loader's ModelCache: a value plus the
// instant it was stored, expired lazily on Get rather than by a background
// sweep.
type cacheEntry struct {
	model orchestration.Model
	at    time.Time
}

// FallbackDetector is a per-sensor-type scoring model: it keeps a running
// mean/variance for each sensor_type+sensor_id pair it has seen and flags a
// reading anomalous when it deviates enough from that running baseline. It
// satisfies orchestration.ModelLoader; the models it hands out are cached
// per-sensor *sensorModel values, which implement Score.
type FallbackDetector struct {
	breaker *gobreaker.CircuitBreaker

	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	stats struct {
		loads, cacheHits, cacheMisses, loadFailures int
	}
}

// NewFallbackDetector builds a detector with a circuit breaker guarding the
// (here, in-process and infallible, but structurally present for when a
// real registry replaces it) model-resolution path: three consecutive
// failures trip it open for 30s, matching the breaker settings the
// notification delivery path in the pack's kubernaut example uses for its
// own per-channel isolation.
func NewFallbackDetector() *FallbackDetector {
	d := &FallbackDetector{
		cacheTTL: 60 * time.Minute,
		cache:    make(map[string]cacheEntry),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ml.fallback_detector",
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return d
}

// LoadModelForSensor resolves (and caches) the scoring model for the
// reading's sensor, running the resolution through the circuit breaker so
// repeated resolution failures degrade to "no model" quickly instead of
// retrying a known-bad path on every reading.
func (d *FallbackDetector) LoadModelForSensor(ctx context.Context, reading orchestration.SensorReading) (orchestration.Model, orchestration.Preprocessor, error) {
	key := cacheKey(reading)

	d.mu.Lock()
	if entry, ok := d.cache[key]; ok {
		if time.Since(entry.at) <= d.cacheTTL {
			d.stats.cacheHits++
			d.mu.Unlock()
			return entry.model, rawPreprocessor{}, nil
		}
		delete(d.cache, key)
	}
	d.stats.cacheMisses++
	d.mu.Unlock()

	result, err := d.breaker.Execute(func() (interface{}, error) {
		return newSensorModel(reading.Type), nil
	})
	if err != nil {
		d.mu.Lock()
		d.stats.loadFailures++
		d.mu.Unlock()
		return nil, nil, core.NewError("ml.LoadModelForSensor", core.KindMLModel, reading.SensorID, err)
	}

	model := result.(orchestration.Model)
	d.mu.Lock()
	d.cache[key] = cacheEntry{model: model, at: time.Now()}
	d.stats.loads++
	d.mu.Unlock()

	return model, rawPreprocessor{}, nil
}

// ListAvailableModels reports the one model family this detector supports
// per sensor type — its name, not an instance, so callers can log or
// display it without forcing a load.
func (d *FallbackDetector) ListAvailableModels(sensorType orchestration.SensorType) []string {
	return []string{fmt.Sprintf("fallback_zscore_%s", sensorType)}
}

// ClearCache drops every cached model, forcing the next LoadModelForSensor
// call for each sensor to re-resolve (and re-seed its baseline).
func (d *FallbackDetector) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]cacheEntry)
}

func cacheKey(reading orchestration.SensorReading) string {
	return fmt.Sprintf("%s:%s", reading.Type, reading.SensorID)
}

// rawPreprocessor passes the reading through unchanged: the fallback model
// scores the raw value directly and has no feature-engineering step to run.
type rawPreprocessor struct{}

func (rawPreprocessor) Prepare(reading orchestration.SensorReading) (interface{}, error) {
	return reading, nil
}

// sensorModel is the Model instance LoadModelForSensor hands back; it
// implements the `Score(interface{}) (bool, float64, error)` contract
// AnomalyDetectionAgent asserts against its ModelLoader results.
type sensorModel struct {
	sensorType orchestration.SensorType

	mu    sync.Mutex
	n     int
	mean  float64
	m2    float64 // sum of squared deviations (Welford's algorithm)
}

func newSensorModel(sensorType orchestration.SensorType) *sensorModel {
	return &sensorModel{sensorType: sensorType}
}

// Score updates the running baseline with the new reading (Welford's
// online algorithm, so it never needs to retain the full history) and
// reports whether the PRE-update value was more than 3 standard deviations
// from the baseline at the time it arrived.
func (m *sensorModel) Score(features interface{}) (bool, float64, error) {
	reading, ok := features.(orchestration.SensorReading)
	if !ok {
		return false, 0, core.DataValidationError("ml.sensorModel.Score", "", "features is not a SensorReading")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	isAnomaly, confidence := false, 0.0
	if m.n >= 5 {
		std := math.Sqrt(m.m2 / float64(m.n))
		if std > 0 {
			z := math.Abs(reading.Value-m.mean) / std
			if z > 3 {
				isAnomaly = true
				confidence = math.Min(0.95, 0.7+math.Min(0.25, (z-3)*0.05))
			}
		}
	}

	m.n++
	delta := reading.Value - m.mean
	m.mean += delta / float64(m.n)
	m.m2 += delta * (reading.Value - m.mean)

	return isAnomaly, confidence, nil
}
