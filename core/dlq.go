package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// maxDLQFieldBytes bounds how much of a serialized event payload a DLQ
// record keeps; defensive against a misbehaving producer emitting a huge
// nested payload that would otherwise blow up log storage.
const maxDLQFieldBytes = 8 * 1024

// DLQRecord is the structured record written for a handler whose retries
// were exhausted. EventData is a defensively-truncated JSON rendering of
// the event, not the live payload — the DLQ is a log, not a retry queue.
type DLQRecord struct {
	EventType   string    `json:"event_type"`
	HandlerName string    `json:"handler_name"`
	Error       string    `json:"error"`
	EventData   string    `json:"event_data"`
	Timestamp   time.Time `json:"timestamp"`
}

// DLQSink receives dead-letter records. Implementations must not block the
// bus for long nor panic.
type DLQSink interface {
	Record(rec DLQRecord)
}

// WriterDLQSink writes one JSON line per record to an io.Writer. Used for
// both file-backed and stderr-backed sinks, selected by the DLQ_LOG_FILE
// configuration option.
type WriterDLQSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterDLQSink wraps w (typically an *os.File or os.Stderr).
func NewWriterDLQSink(w io.Writer) *WriterDLQSink {
	return &WriterDLQSink{w: w}
}

// NewFileDLQSink opens (creating/appending) the file at path for DLQ
// records. Callers own the returned file's lifetime via Close.
func NewFileDLQSink(path string) (*WriterDLQSink, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open dlq log file %q: %w", path, err)
	}
	return NewWriterDLQSink(f), f, nil
}

func (s *WriterDLQSink) Record(rec DLQRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"event_type":%q,"handler_name":%q,"error":"dlq marshal failed: %s"}`,
			rec.EventType, rec.HandlerName, err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, string(line))
}

// serializeForDLQ renders an event defensively: timestamps as RFC3339
// strings (via json.Marshal's time.Time support), payload truncated beyond
// maxDLQFieldBytes so one oversized nested object can't blow up the sink.
func serializeForDLQ(evt Event) string {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Sprintf(`{"event_id":%q,"event_type":%q,"marshal_error":%q}`, evt.EventID, evt.EventType, err.Error())
	}
	if len(b) > maxDLQFieldBytes {
		b = append(b[:maxDLQFieldBytes], []byte("...truncated")...)
	}
	return string(b)
}

func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
