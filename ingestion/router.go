// Package ingestion is the HTTP surface in front of orchestration.Coordinator:
// sensor ingestion, human-decision submission, maintenance scheduling and
// listing, all behind an API-key check and Idempotency-Key deduplication —
// grounded on the original FastAPI routers'
// apps/api/routers/{data_ingestion,human_decision,maintenance}.py shape.
package ingestion

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/orchestration"
)

// Router builds the chi mux for the backbone's HTTP surface.
type Router struct {
	coordinator *orchestration.Coordinator
	logger      core.Logger
	apiKey      string
	idempotency IdempotencyCache
	validate    *validator.Validate
}

// NewRouter wires a chi.Mux covering every documented endpoint. apiKey, when
// non-empty, is required (as a Bearer token or X-API-Key header) on every
// route; an empty apiKey disables auth, for local/dev use.
func NewRouter(coordinator *orchestration.Coordinator, logger core.Logger, apiKey string, idempotency IdempotencyCache) http.Handler {
	rt := &Router{
		coordinator: coordinator,
		logger:      logger,
		apiKey:      apiKey,
		idempotency: idempotency,
		validate:    validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "Authorization", "X-API-Key"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "ingestion")
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(rt.requireAPIKey)

		api.Post("/data/ingest", rt.handleIngest)
		api.Post("/decisions/submit", rt.handleSubmitDecision)
		api.Post("/maintenance/schedule", rt.handleScheduleMaintenance)
		api.Get("/maintenance/scheduled", rt.handleListScheduled)
		api.Post("/reports/generate", rt.handleGenerateReport)
	})

	return r
}

func (rt *Router) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}
		if key != rt.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ingestRequest struct {
	SensorID      string                 `json:"sensor_id" validate:"required"`
	Value         float64                `json:"value" validate:"required"`
	Timestamp     *time.Time             `json:"timestamp"`
	SensorType    string                 `json:"sensor_type"`
	Unit          string                 `json:"unit"`
	Quality       float64                `json:"quality"`
	Metadata      map[string]interface{} `json:"metadata"`
	CorrelationID string                 `json:"correlation_id"`
}

// handleIngest mirrors the original POST /ingest: accepts a reading,
// assigns a correlation_id if one wasn't supplied, deduplicates by
// Idempotency-Key, and publishes it onto the pipeline.
func (rt *Router) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := rt.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if idemKey := r.Header.Get("Idempotency-Key"); idemKey != "" {
		if cachedID, ok := rt.idempotency.Get(r.Context(), idemKey); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":         "duplicate_ignored",
				"event_id":       cachedID,
				"correlation_id": correlationID,
				"sensor_id":      req.SensorID,
			})
			return
		}
	}

	timestamp := time.Now().UTC()
	if req.Timestamp != nil {
		timestamp = *req.Timestamp
	}
	reading := orchestration.SensorReading{
		SensorID:  req.SensorID,
		Value:     req.Value,
		Timestamp: timestamp,
		Type:      orchestration.SensorType(req.SensorType),
		Unit:      req.Unit,
		Quality:   req.Quality,
		Metadata:  req.Metadata,
	}

	if err := rt.coordinator.Ingest(r.Context(), reading, correlationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	eventID := uuid.NewString()
	if idemKey := r.Header.Get("Idempotency-Key"); idemKey != "" {
		rt.idempotency.Set(r.Context(), idemKey, eventID, 10*time.Minute)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "event_published",
		"event_id":       eventID,
		"correlation_id": correlationID,
		"sensor_id":      req.SensorID,
	})
}

type decisionRequest struct {
	RequestID     string `json:"request_id" validate:"required"`
	OperatorID    string `json:"operator_id" validate:"required"`
	Decision      string `json:"decision" validate:"required"`
	Justification string `json:"justification"`
	CorrelationID string `json:"correlation_id"`
}

// handleSubmitDecision mirrors the original POST /decisions/submit: accepts
// an operator's response to an outstanding HumanDecisionRequired request
// and publishes it back onto the bus.
func (rt *Router) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := rt.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	rt.coordinator.SubmitDecision(r.Context(), orchestration.DecisionResponse{
		RequestID:     req.RequestID,
		OperatorID:    req.OperatorID,
		Decision:      req.Decision,
		Justification: req.Justification,
	}, correlationID)

	writeJSON(w, http.StatusCreated, req)
}

type scheduleRequest struct {
	EquipmentID          string  `json:"equipment_id" validate:"required"`
	UrgencyLevel         string  `json:"urgency_level"`
	PredictionConfidence float64 `json:"prediction_confidence"`
}

// handleScheduleMaintenance lets an operator directly request scheduling
// for an equipment item, bypassing the anomaly/prediction pipeline — the
// same shortcut the original maintenance.py router's demo endpoint offers.
func (rt *Router) handleScheduleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := rt.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	correlationID := uuid.NewString()
	rt.coordinator.Bus.Publish(r.Context(), core.NewEvent(orchestration.EventScheduleMaintenance, correlationID, orchestration.ScheduleMaintenanceCommand{
		MaintenanceData: map[string]interface{}{"equipment_id": req.EquipmentID},
		UrgencyLevel:    req.UrgencyLevel,
		AutoApproved:    true,
	}))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":         "schedule_requested",
		"correlation_id": correlationID,
		"equipment_id":   req.EquipmentID,
	})
}

// handleListScheduled mirrors GET /scheduled: the most recent maintenance
// schedules the Coordinator has tracked, newest last.
func (rt *Router) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	limit := 25
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, rt.coordinator.RecentSchedules(limit))
}

// handleGenerateReport is a minimal stand-in for the original reporting
// agent's endpoint: it summarizes the health of every agent in the
// pipeline rather than running a full report pipeline, which is out of
// this backbone's scope.
func (rt *Router) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report_type": "pipeline_health_summary",
		"generated_at": time.Now().UTC(),
		"health":       rt.coordinator.Health(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
