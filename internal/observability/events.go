package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// EventKind names a point in the run lifecycle worth recording on the
// machine-readable sink in addition to the human-readable log line.
type EventKind string

const (
	EventPreflightOK      EventKind = "preflight_ok"
	EventPreflightFailed  EventKind = "preflight_failed"
	EventChunkAttempt     EventKind = "chunk_attempt"
	EventChunkCompleted   EventKind = "chunk_completed"
	EventChunkSkipped     EventKind = "chunk_skipped"
	EventChunkFailed      EventKind = "chunk_failed"
	EventStationComplete  EventKind = "station_complete"
	EventRunComplete      EventKind = "run_complete"
	EventRefineMonth      EventKind = "refine_month"
	EventRefineSkipped    EventKind = "refine_skipped"
	EventRefineFailed     EventKind = "refine_failed"
)

// Event is one structured record of run progress. Fields is an open bag of
// event-specific detail (station key, year, attempt count, byte size, ...);
// it is serialized verbatim to the machine-readable sink and flattened into
// slog attributes for the human-readable one.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventSink records one Event. Implementations must not block the caller
// on a slow or unavailable downstream: a sink failure is logged, never
// propagated, so that a dead metrics pipe can never stall ingestion.
type EventSink interface {
	Record(ctx context.Context, ev Event)
}

// Recorder fans one event out to a human-readable slog sink and a
// machine-readable sink, mirroring the dual-logger split of the pipeline
// this run engine descends from: operators read the terminal, dashboards
// read the structured stream.
type Recorder struct {
	logger  *slog.Logger
	machine EventSink
	runID   string
}

// NewRecorder builds a Recorder. machine may be nil, in which case only
// the human-readable sink is used. runID is stamped on every event Emit
// records, letting operators correlate every log line and machine-sink
// record produced by one invocation of cmd/ingest or cmd/refine.
func NewRecorder(logger *slog.Logger, machine EventSink, runID string) *Recorder {
	return &Recorder{logger: logger, machine: machine, runID: runID}
}

// Emit logs ev to the human-readable sink and, if configured, forwards it
// to the machine-readable sink without blocking on the caller's critical
// path beyond a best-effort write.
func (r *Recorder) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.RunID = r.runID

	attrs := make([]any, 0, len(ev.Fields)*2+3)
	attrs = append(attrs, "kind", string(ev.Kind), "run_id", ev.RunID)
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	r.logger.LogAttrs(ctx, levelFor(ev.Kind), ev.Message, slogAttrs(attrs)...)

	if r.machine != nil {
		r.machine.Record(ctx, ev)
	}
}

func levelFor(kind EventKind) slog.Level {
	switch kind {
	case EventChunkFailed, EventPreflightFailed, EventRefineFailed:
		return slog.LevelError
	case EventChunkSkipped, EventRefineSkipped:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func slogAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}

// KafkaEventSink publishes events to a Kafka topic as the machine-readable
// sink, one message per event keyed by kind so downstream consumers can
// partition by event type.
type KafkaEventSink struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewKafkaEventSink creates a sink writing to topic on the given brokers.
func NewKafkaEventSink(brokers []string, topic string, logger *slog.Logger) *KafkaEventSink {
	return &KafkaEventSink{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireOne,
			Async:        true,
		},
		logger: logger,
	}
}

// Record serializes and publishes ev. A write failure is logged and
// swallowed: the Kafka sink is supplementary, never load-bearing for run
// correctness.
func (s *KafkaEventSink) Record(ctx context.Context, ev Event) {
	msg, err := serializeEvent(ev)
	if err != nil {
		s.logger.Warn("discarding unserializable event", "error", err, "kind", ev.Kind)
		return
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("event sink write failed", "error", err, "kind", ev.Kind)
	}
}

// Close flushes and closes the underlying Kafka writer.
func (s *KafkaEventSink) Close() error {
	return s.writer.Close()
}

func serializeEvent(ev Event) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.Kind),
		Value: data,
	}, nil
}
