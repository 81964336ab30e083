package orchestration

import (
	"context"
	"time"
)

// Model is an opaque handle to whatever a ModelLoader produced; agents
// never inspect it directly, only pass it to Preprocessor/predict calls the
// concrete ML package defines.
type Model interface{}

// Preprocessor transforms a raw SensorReading into whatever shape Model
// expects.
type Preprocessor interface {
	Prepare(reading SensorReading) (interface{}, error)
}

// ModelLoader is the out-of-scope ML collaborator: given a reading, it
// resolves (or lazily trains/loads) the model and preprocessor for that
// sensor. Implementations are expected to cache aggressively; ClearCache
// exists for tests and for operators rotating a stale model.
type ModelLoader interface {
	LoadModelForSensor(ctx context.Context, reading SensorReading) (Model, Preprocessor, error)
	ListAvailableModels(sensorType SensorType) []string
	ClearCache()
}

// SensorReadingCRUD is the out-of-scope persistence collaborator consumed
// by ValidationAgent (recent stability / recurring anomaly checks) and
// PredictionAgent (historical series for forecasting).
type SensorReadingCRUD interface {
	GetBySensorID(ctx context.Context, sensorID string, limit int, before *time.Time) ([]SensorReading, error)
}

// RuleEngine is the out-of-scope pluggable rule evaluator ValidationAgent
// consults for a confidence delta and human-readable reasons.
type RuleEngine interface {
	EvaluateRules(ctx context.Context, anomaly AnomalyDetails, reading SensorReading) (delta float64, reasons []string, err error)
}

// NotificationResult reports what happened attempting to notify a channel.
type NotificationResult struct {
	Channel string
	Sent    bool
	Error   error
}

// NotificationRequest is a channel-agnostic notification ask.
type NotificationRequest struct {
	Channel    string
	Recipient  string
	Subject    string
	Body       string
	Metadata   map[string]interface{}
}

// NotificationProvider is the out-of-scope delivery collaborator consumed
// by the notification-reading agents that observe terminal events.
type NotificationProvider interface {
	Send(ctx context.Context, req NotificationRequest) (NotificationResult, error)
	SupportsChannel(channel string) bool
	HealthCheck(ctx context.Context) error
}
