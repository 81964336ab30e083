// Package telemetry provides the backbone's concrete observability
// backends: a structured logger, a Prometheus metrics registry, and
// OpenTelemetry tracing helpers. Kept separate from core so core's Logger
// interface has zero third-party dependencies; agents are handed a
// telemetry.ProductionLogger (or core.NoOpLogger in tests) through the
// core.Logger interface.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/smartmaint/backbone/core"
)

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// ProductionLogger is a self-contained, dependency-free structured logger.
// It auto-detects a Kubernetes environment (KUBERNETES_SERVICE_HOST) to
// switch from human-readable text to line-delimited JSON, and rate-limits
// error lines so a failure storm can't flood stdout.
type ProductionLogger struct {
	component string
	level     string
	format    string // "text" | "json"

	mu           sync.Mutex
	out          *os.File
	errBucket    time.Time
	errPerSecond int
}

// NewProductionLogger builds a logger for component, honoring
// PM_LOG_LEVEL/PM_LOG_FORMAT env vars with Kubernetes auto-detection for
// format, mirroring the three-priority rule the rest of the config surface
// uses (explicit > env > auto-detect > default).
func NewProductionLogger(component string) *ProductionLogger {
	level := strings.ToUpper(os.Getenv("PM_LOG_LEVEL"))
	if level == "" {
		level = "INFO"
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if v := os.Getenv("PM_LOG_FORMAT"); v != "" {
		format = v
	}

	return &ProductionLogger{
		component: component,
		level:     level,
		format:    format,
		out:       os.Stdout,
	}
}

// WithComponent returns a new logger with the same configuration tagged to
// a different component name, used when a subsystem wants every line it
// emits to carry its own identity (e.g. "orchestrator", "event-bus").
func (l *ProductionLogger) WithComponent(component string) core.Logger {
	return &ProductionLogger{component: component, level: l.level, format: l.format, out: l.out}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }
func (l *ProductionLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.errBucket) > time.Second {
		l.errBucket = now
		l.errPerSecond = 0
	}
	l.errPerSecond++
	rateLimited := l.errPerSecond > 20 // generous ceiling, just a flood guard
	l.mu.Unlock()

	if rateLimited {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.level] {
		return
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	out := l.out
	if out == nil {
		out = os.Stdout
	}

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"component": l.component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		b, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(out, `{"timestamp":%q,"level":"ERROR","message":"log marshal failed: %s"}`+"\n", ts, err.Error())
			return
		}
		fmt.Fprintln(out, string(b))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s: %s", ts, level, l.component, msg)
	for k, v := range fields {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	fmt.Fprintln(out, sb.String())
}
