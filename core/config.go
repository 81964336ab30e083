package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the backbone recognizes. NewConfig layers,
// lowest to highest: built-in defaults, environment variables, then
// functional Option overrides. A YAML file loaded via LoadFile on the
// returned Config overlays whatever fields the file sets on top of all three.
type Config struct {
	// EventBus
	EventHandlerMaxRetries        int           `yaml:"event_handler_max_retries"`
	EventHandlerRetryDelaySeconds float64       `yaml:"event_handler_retry_delay_seconds"`
	DLQEnabled                    bool          `yaml:"dlq_enabled"`
	DLQLogFile                    string        `yaml:"dlq_log_file"`

	// Orchestrator routing thresholds
	OrchestratorUrgentMaintenanceDays                 float64 `yaml:"orchestrator_urgent_maintenance_days"`
	OrchestratorVeryUrgentMaintenanceDaysFactor       float64 `yaml:"orchestrator_very_urgent_maintenance_days_factor"`
	OrchestratorHighConfidenceThreshold               float64 `yaml:"orchestrator_high_confidence_threshold"`
	OrchestratorModerateConfidenceThreshold           float64 `yaml:"orchestrator_moderate_confidence_threshold"`
	OrchestratorAutoApprovalMaxDaysModerateConfidence float64 `yaml:"orchestrator_auto_approval_max_days_moderate_confidence"`

	// ValidationAgent
	ValidationCredibleThreshold      float64 `yaml:"validation_credible_threshold"`
	ValidationFalsePositiveThreshold float64 `yaml:"validation_false_positive_threshold"`
	ValidationHistoricalCheckLimit   int     `yaml:"validation_historical_check_limit"`
	ValidationRecentStabilityWindow  int     `yaml:"validation_recent_stability_window"`

	// AnomalyDetectionAgent
	DefaultHistoricalStd float64 `yaml:"default_historical_std"`
	UseServerlessModels  bool    `yaml:"use_serverless_models"`

	// PredictionAgent
	PredictionHistoricalDataLimit int     `yaml:"prediction_historical_data_limit"`
	PredictionMinHistoricalPoints int     `yaml:"prediction_min_historical_points"`
	PredictionConfidenceThreshold float64 `yaml:"prediction_confidence_threshold"`
	PredictionHorizonDays         float64 `yaml:"prediction_horizon_days"`

	// Ambient infrastructure
	HTTPPort       int           `yaml:"http_port"`
	RedisAddr      string        `yaml:"redis_addr"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	OTELExporter   string        `yaml:"otel_exporter"` // "stdout" | "none"
	SlackBotToken  string        `yaml:"slack_bot_token"`
	IngestAPIKey   string        `yaml:"ingest_api_key"`
	IdempotencyTTL time.Duration `yaml:"-"`

	logger Logger
}

// Option mutates a Config during construction; NewConfig applies options
// after defaults and environment loading, so options win over both.
type Option func(*Config)

// DefaultConfig returns the documented source defaults.
func DefaultConfig() *Config {
	return &Config{
		EventHandlerMaxRetries:        2,
		EventHandlerRetryDelaySeconds: 0.5,
		DLQEnabled:                    true,

		OrchestratorUrgentMaintenanceDays:                 30,
		OrchestratorVeryUrgentMaintenanceDaysFactor:       0.5,
		OrchestratorHighConfidenceThreshold:               0.9,
		OrchestratorModerateConfidenceThreshold:           0.75,
		OrchestratorAutoApprovalMaxDaysModerateConfidence: 14,

		ValidationCredibleThreshold:      0.7,
		ValidationFalsePositiveThreshold: 0.4,
		ValidationHistoricalCheckLimit:   50,
		ValidationRecentStabilityWindow:  5,

		DefaultHistoricalStd: 1.0,
		UseServerlessModels:  false,

		PredictionHistoricalDataLimit: 200,
		PredictionMinHistoricalPoints: 10,
		PredictionConfidenceThreshold: 0.6,
		PredictionHorizonDays:         90,

		HTTPPort:       8080,
		OTELExporter:   "stdout",
		IdempotencyTTL: 10 * time.Minute,

		logger: &NoOpLogger{},
	}
}

// LoadFromEnv overlays environment variables onto c: the unprefixed
// EVENT_HANDLER_*, DLQ_* and ORCHESTRATOR_* options, and the PM_*-prefixed
// infrastructure settings.
func (c *Config) LoadFromEnv() error {
	if v, ok := lookupInt("EVENT_HANDLER_MAX_RETRIES"); ok {
		c.EventHandlerMaxRetries = v
	}
	if v, ok := lookupFloat("EVENT_HANDLER_RETRY_DELAY_SECONDS"); ok {
		c.EventHandlerRetryDelaySeconds = v
	}
	if v, ok := lookupBool("DLQ_ENABLED"); ok {
		c.DLQEnabled = v
	}
	if v := os.Getenv("DLQ_LOG_FILE"); v != "" {
		c.DLQLogFile = v
	}

	if v, ok := lookupFloat("ORCHESTRATOR_URGENT_MAINTENANCE_DAYS"); ok {
		c.OrchestratorUrgentMaintenanceDays = v
	}
	if v, ok := lookupFloat("ORCHESTRATOR_VERY_URGENT_MAINTENANCE_DAYS_FACTOR"); ok {
		c.OrchestratorVeryUrgentMaintenanceDaysFactor = v
	}
	if v, ok := lookupFloat("ORCHESTRATOR_HIGH_CONFIDENCE_THRESHOLD"); ok {
		c.OrchestratorHighConfidenceThreshold = v
	}
	if v, ok := lookupFloat("ORCHESTRATOR_MODERATE_CONFIDENCE_THRESHOLD"); ok {
		c.OrchestratorModerateConfidenceThreshold = v
	}
	if v, ok := lookupFloat("ORCHESTRATOR_AUTO_APPROVAL_MAX_DAYS_MODERATE_CONFIDENCE"); ok {
		c.OrchestratorAutoApprovalMaxDaysModerateConfidence = v
	}

	if v := os.Getenv("PM_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = p
		}
	}
	if v := os.Getenv("PM_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("PM_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("PM_OTEL_EXPORTER"); v != "" {
		c.OTELExporter = v
	}
	if v := os.Getenv("PM_SLACK_BOT_TOKEN"); v != "" {
		c.SlackBotToken = v
	}
	if v := os.Getenv("PM_INGEST_API_KEY"); v != "" {
		c.IngestAPIKey = v
	}

	return nil
}

// LoadFile overlays a YAML config file onto c. Fields absent from the file
// keep whatever value they already had (defaults or env).
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// Validate rejects configurations that would make the orchestrator's
// routing table or the bus's retry contract ill-defined.
func (c *Config) Validate() error {
	if c.EventHandlerMaxRetries < 0 {
		return NewError("config.Validate", KindConfiguration, "", fmt.Errorf("event_handler_max_retries must be >= 0"))
	}
	if c.OrchestratorHighConfidenceThreshold <= c.OrchestratorModerateConfidenceThreshold {
		return NewError("config.Validate", KindConfiguration, "", fmt.Errorf("high confidence threshold must exceed moderate threshold"))
	}
	if c.ValidationCredibleThreshold <= c.ValidationFalsePositiveThreshold {
		return NewError("config.Validate", KindConfiguration, "", fmt.Errorf("credible threshold must exceed false-positive threshold"))
	}
	return nil
}

// NewConfig builds a Config from defaults, then environment, then opts.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.logger.Debug("configuration loaded", map[string]interface{}{
		"http_port":     c.HTTPPort,
		"dlq_enabled":   c.DLQEnabled,
		"otel_exporter": c.OTELExporter,
	})
	return c, nil
}

// WithLogger attaches a logger used for configuration-time diagnostics.
func WithLogger(logger Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithHTTPPort overrides the ingress port.
func WithHTTPPort(port int) Option {
	return func(c *Config) { c.HTTPPort = port }
}

// WithRedisAddr overrides the Redis address used for idempotency caching.
func WithRedisAddr(addr string) Option {
	return func(c *Config) { c.RedisAddr = addr }
}

func lookupInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func lookupBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	return strings.EqualFold(v, "true") || v == "1", true
}
