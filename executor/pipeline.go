package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"function_runtime/logging"
	"function_runtime/metrics"
	"function_runtime/models"
	"function_runtime/utils"
)

// Emitter delivers lifecycle events to the supervisor
type Emitter interface {
	Emit(ev models.LifecycleEvent)
}

// Invocation is everything the pipeline needs to run one request
type Invocation struct {
	ExecutionID string
	Function    *models.FunctionDescriptor
	Path        string
	Request     *models.InvocationRequest
	Logger      *logging.Logger
}

// Pipeline loads and runs functions and writes their responses
type Pipeline struct {
	loader  Loader
	emitter Emitter
	timeout time.Duration
}

// NewPipeline creates a Pipeline. timeout is the limit announced to the
// supervisor for every execution.
func NewPipeline(loader Loader, emitter Emitter, timeout time.Duration) *Pipeline {
	return &Pipeline{
		loader:  loader,
		emitter: emitter,
		timeout: timeout,
	}
}

// Handle runs inv and writes the outcome to w. It is bracketed by start and
// finish events; finish is sent once the response has been written, on
// success and on failure alike.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, inv *Invocation) {
	start := time.Now()
	p.emitter.Emit(models.StartEvent(inv.ExecutionID, start, p.timeout))
	defer p.emitter.Emit(models.FinishEvent(inv.ExecutionID))

	inv.Logger.Info(fmt.Sprintf("Executing function with timeout '%d'", p.timeout.Milliseconds()), nil)

	resp, nerr := p.Execute(ctx, inv)
	var body []byte
	if nerr == nil {
		var err error
		if body, err = encodeBody(resp); err != nil {
			nerr = Normalize(err, inv.Function.Name, inv.Path)
		}
	}

	if nerr != nil {
		inv.Logger.Error("Error while executing function", map[string]interface{}{"error": nerr})
		w.Header().Set(models.ExecutionIDHeader, inv.ExecutionID)
		utils.RespondWithJSON(w, http.StatusInternalServerError, nerr)
		metrics.ObserveInvocation(http.StatusInternalServerError, time.Since(start))
		return
	}

	h := w.Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	h.Set(models.ExecutionIDHeader, inv.ExecutionID)
	if h.Get("Content-Type") == "" && body != nil {
		h.Set("Content-Type", contentType(resp.Body))
	}
	w.WriteHeader(resp.StatusCode)
	if body != nil {
		w.Write(body)
	}

	metrics.ObserveInvocation(resp.StatusCode, time.Since(start))
	inv.Logger.Info("Execution finished", nil)
}

// Execute loads and calls the function. Failures of any kind, panics
// included, come back as a NormalizedError.
func (p *Pipeline) Execute(ctx context.Context, inv *Invocation) (resp *models.FunctionResponse, nerr *models.NormalizedError) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			nerr = Normalize(fmt.Errorf("panic: %v", r), inv.Function.Name, inv.Path)
		}
	}()

	fn, err := p.loader.Load(inv.Path)
	if err != nil {
		return nil, Normalize(err, inv.Function.Name, inv.Path)
	}

	resp, err = fn.Call(ctx, inv.Logger, inv.Request)
	if err != nil {
		return nil, Normalize(err, inv.Function.Name, inv.Path)
	}
	return resp, nil
}

// encodeBody renders the body verbatim: strings and bytes as-is, anything
// else as JSON
func encodeBody(resp *models.FunctionResponse) ([]byte, error) {
	switch b := resp.Body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode response body: %w", err)
		}
		return data, nil
	}
}

func contentType(body any) string {
	switch body.(type) {
	case string:
		return "text/plain; charset=utf-8"
	case []byte:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}
