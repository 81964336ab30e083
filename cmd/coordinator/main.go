// Command coordinator is the backbone's process entrypoint: it wires
// config, logging, tracing, metrics, the event bus, every orchestration
// agent, storage, notification, the ML loader, and the HTTP ingress
// together and runs until signaled to stop — grounded on gomind's
// core/cmd/example/main.go construction-then-start shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/ingestion"
	"github.com/smartmaint/backbone/ml"
	"github.com/smartmaint/backbone/notification"
	"github.com/smartmaint/backbone/orchestration"
	"github.com/smartmaint/backbone/storage"
	"github.com/smartmaint/backbone/telemetry"
)

func main() {
	logger := telemetry.NewProductionLogger("coordinator")

	cfg, err := core.NewConfig(core.WithLogger(logger))
	if err != nil {
		logger.Error("config initialization failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if path := os.Getenv("PM_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			logger.Error("config file load failed", map[string]interface{}{"error": err.Error(), "path": path})
			os.Exit(1)
		}
	}

	shutdownTracing, err := telemetry.InitTracing("smartmaint-coordinator", cfg.OTELExporter)
	if err != nil {
		logger.Error("tracing initialization failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	var dlqSink core.DLQSink = core.NewWriterDLQSink(os.Stderr)
	if cfg.DLQLogFile != "" {
		fileSink, f, err := core.NewFileDLQSink(cfg.DLQLogFile)
		if err != nil {
			logger.Error("dlq log file open failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		defer f.Close()
		dlqSink = fileSink
	}

	metrics := telemetry.Default()

	busConfig := core.DefaultBusConfig()
	busConfig.MaxRetries = cfg.EventHandlerMaxRetries
	busConfig.RetryDelay = time.Duration(cfg.EventHandlerRetryDelaySeconds * float64(time.Second))
	busConfig.DLQEnabled = cfg.DLQEnabled
	bus := core.NewEventBus(busConfig, dlqSink, logger)
	bus.SetMetrics(metrics)

	readingStore, crud := newReadingStore(cfg, logger)
	modelLoader := ml.NewFallbackDetector()

	coordinator := orchestration.NewCoordinator(orchestration.CoordinatorOptions{
		Bus:         bus,
		Logger:      logger,
		Config:      cfg,
		ModelLoader: modelLoader,
		CRUD:        crud,
		Technicians: []string{"tech_pool_1", "tech_pool_2", "tech_pool_3"},
	})
	coordinator.Orchestrator.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		logger.Error("coordinator start failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	dispatcher := newNotificationDispatcher(cfg, logger)
	bus.Subscribe(orchestration.EventMaintenanceScheduled, "coordinator.notifier", func(ctx context.Context, evt core.Event) error {
		scheduled, ok := evt.Payload.(orchestration.MaintenanceScheduled)
		if !ok {
			return core.DataValidationError("coordinator.notifier", evt.EventID, "payload is not MaintenanceScheduled")
		}
		results := dispatcher.Send(ctx, "console", orchestration.NotificationRequest{
			Recipient: scheduled.AssignedTechnicianID,
			Subject:   "Maintenance scheduled: " + scheduled.EquipmentID,
			Body:      "Scheduled window: " + scheduled.ScheduledStartTime.Format(time.RFC3339) + " - " + scheduled.ScheduledEndTime.Format(time.RFC3339),
		})
		for _, result := range results {
			if !result.Sent {
				logger.Warn("notification delivery failed", map[string]interface{}{"channel": result.Channel, "error": result.Error})
			}
		}
		return nil
	})

	idempotency := newIdempotencyCache(cfg)
	router := ingestion.NewRouter(coordinator, logger, cfg.IngestAPIKey, idempotency)

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    addr(cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		logger.Info("http server starting", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = coordinator.Stop(shutdownCtx)

	if pg, ok := readingStore.(*storage.PostgresReadingStore); ok {
		_ = pg.Close()
	}
}

func newReadingStore(cfg *core.Config, logger core.Logger) (interface{ Close() error }, orchestration.SensorReadingCRUD) {
	if cfg.PostgresDSN == "" {
		return nopCloser{}, storage.NewMemoryReadingStore()
	}
	pg, err := storage.NewPostgresReadingStore(cfg.PostgresDSN)
	if err != nil {
		logger.Warn("postgres unavailable, falling back to in-memory reading store", map[string]interface{}{"error": err.Error()})
		return nopCloser{}, storage.NewMemoryReadingStore()
	}
	if err := pg.EnsureSchema(context.Background()); err != nil {
		logger.Warn("schema setup failed, falling back to in-memory reading store", map[string]interface{}{"error": err.Error()})
		return nopCloser{}, storage.NewMemoryReadingStore()
	}
	return pg, pg
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newNotificationDispatcher(cfg *core.Config, logger core.Logger) *notification.Dispatcher {
	console := notification.NewConsoleProvider(logger)
	if cfg.SlackBotToken != "" {
		return notification.NewDispatcher(console, notification.NewSlackProvider(cfg.SlackBotToken, "#maintenance"))
	}
	return notification.NewDispatcher(console)
}

func newIdempotencyCache(cfg *core.Config) ingestion.IdempotencyCache {
	if cfg.RedisAddr == "" {
		return ingestion.NewMemoryIdempotencyCache()
	}
	return ingestion.NewRedisIdempotencyCache(cfg.RedisAddr)
}

func addr(port int) string {
	if port == 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}
