package supervisor

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"function_runtime/models"
)

// LineEmitter is the worker end of the lifecycle channel. It writes one
// JSON event per line and never fails the caller: a broken channel only
// costs the supervisor its bookkeeping.
type LineEmitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineEmitter creates a LineEmitter writing to w
func NewLineEmitter(w io.Writer) *LineEmitter {
	return &LineEmitter{w: w}
}

func (e *LineEmitter) Emit(ev models.LifecycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("execution_id", ev.ID).Msg("Failed to encode lifecycle event")
		return
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		log.Error().Err(err).Str("execution_id", ev.ID).Str("event", string(ev.Event)).Msg("Failed to send lifecycle event")
	}
}
