// Package logging carries execution-scoped log records to their sinks:
// the local zerolog console and, when configured, fluentd.
package logging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"function_runtime/config"
)

// Record is one leveled log event tied to an execution
type Record struct {
	Level       zerolog.Level
	ExecutionID string
	Message     string
	Data        map[string]interface{}
}

// Sink accepts records. Implementations must not block the caller.
type Sink interface {
	Emit(rec Record)
}

// ConsoleSink writes records through the global zerolog logger
type ConsoleSink struct{}

func (ConsoleSink) Emit(rec Record) {
	ev := log.WithLevel(rec.Level)
	if rec.ExecutionID != "" {
		ev = ev.Str("execution_id", rec.ExecutionID)
	}
	if len(rec.Data) > 0 {
		ev = ev.Fields(rec.Data)
	}
	ev.Msg(rec.Message)
}

// FluentSink ships records to fluentd in async mode
type FluentSink struct {
	client *fluent.Fluent
	tag    string
}

// NewFluentSink connects lazily to the fluentd forward endpoint in cfg
func NewFluentSink(cfg *config.FluentdConfig) (*FluentSink, error) {
	client, err := fluent.New(fluent.Config{
		FluentHost: cfg.Host,
		FluentPort: cfg.Port,
		Timeout:    cfg.Timeout,
		Async:      true,
	})
	if err != nil {
		return nil, err
	}
	return &FluentSink{client: client, tag: cfg.Tag}, nil
}

func (s *FluentSink) Emit(rec Record) {
	msg := map[string]interface{}{
		"level":   rec.Level.String(),
		"message": rec.Message,
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if rec.ExecutionID != "" {
		msg["executionId"] = rec.ExecutionID
	}
	if len(rec.Data) > 0 {
		msg["data"] = plainData(rec.Data)
	}
	if err := s.client.Post(s.tag, msg); err != nil {
		log.Debug().Err(err).Msg("Dropped fluentd record")
	}
}

// plainData round-trips data through JSON so the msgpack encoder only sees
// maps, slices and scalars
func plainData(data map[string]interface{}) interface{} {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return string(encoded)
	}
	return out
}

// Close flushes buffered records
func (s *FluentSink) Close() error {
	return s.client.Close()
}

// MultiSink fans a record out to every sink
type MultiSink []Sink

func (m MultiSink) Emit(rec Record) {
	for _, s := range m {
		s.Emit(rec)
	}
}

// Discard drops every record
type Discard struct{}

func (Discard) Emit(Record) {}

// New builds the sink described by cfg: the console always, fluentd when a
// host is configured. The returned close function is never nil.
func New(cfg *config.FluentdConfig) (Sink, func()) {
	if cfg.Host == "" {
		return ConsoleSink{}, func() {}
	}
	fs, err := NewFluentSink(cfg)
	if err != nil {
		log.Warn().Err(err).Str("host", cfg.Host).Msg("Fluentd disabled")
		return ConsoleSink{}, func() {}
	}
	return MultiSink{ConsoleSink{}, fs}, func() { fs.Close() }
}
