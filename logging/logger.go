package logging

import (
	"sync"

	"github.com/rs/zerolog"
)

// Logger emits records for a single execution
type Logger struct {
	sink        Sink
	executionID string
}

// ForExecution binds sink to an execution id
func ForExecution(sink Sink, executionID string) *Logger {
	if sink == nil {
		sink = Discard{}
	}
	return &Logger{sink: sink, executionID: executionID}
}

// ExecutionID returns the id the logger is bound to
func (l *Logger) ExecutionID() string {
	return l.executionID
}

func (l *Logger) Debug(msg string, data map[string]interface{}) {
	l.emit(zerolog.DebugLevel, msg, data)
}

func (l *Logger) Info(msg string, data map[string]interface{}) {
	l.emit(zerolog.InfoLevel, msg, data)
}

func (l *Logger) Warn(msg string, data map[string]interface{}) {
	l.emit(zerolog.WarnLevel, msg, data)
}

func (l *Logger) Error(msg string, data map[string]interface{}) {
	l.emit(zerolog.ErrorLevel, msg, data)
}

func (l *Logger) emit(level zerolog.Level, msg string, data map[string]interface{}) {
	l.sink.Emit(Record{
		Level:       level,
		ExecutionID: l.executionID,
		Message:     msg,
		Data:        data,
	})
}

// Recorder keeps every record in memory. Tests use it to assert on logging.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Emit(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of what was emitted so far
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Messages returns the message of every record, in order
func (r *Recorder) Messages() []string {
	recs := r.Records()
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.Message
	}
	return out
}
