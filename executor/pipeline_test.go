package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"function_runtime/logging"
	"function_runtime/models"
)

type fakeCallable func(ctx context.Context, logger *logging.Logger, req *models.InvocationRequest) (*models.FunctionResponse, error)

func (f fakeCallable) Call(ctx context.Context, logger *logging.Logger, req *models.InvocationRequest) (*models.FunctionResponse, error) {
	return f(ctx, logger, req)
}

type fakeLoader struct {
	fn  Callable
	err error
}

func (l *fakeLoader) Load(string) (Callable, error) {
	return l.fn, l.err
}

// recordingEmitter captures events together with the response state at the
// moment each one was sent
type recordingEmitter struct {
	mu      sync.Mutex
	rec     *httptest.ResponseRecorder
	events  []models.LifecycleEvent
	written []bool
}

func (e *recordingEmitter) Emit(ev models.LifecycleEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	e.written = append(e.written, e.rec.Code != 0 && e.rec.Body.Len() > 0)
}

func runPipeline(t *testing.T, loader Loader) (*httptest.ResponseRecorder, *recordingEmitter, *logging.Recorder) {
	t.Helper()
	w := httptest.NewRecorder()
	w.Code = 0
	emitter := &recordingEmitter{rec: w}
	logs := &logging.Recorder{}

	p := NewPipeline(loader, emitter, 5*time.Second)
	p.Handle(context.Background(), w, &Invocation{
		ExecutionID: "exec-1",
		Function:    &models.FunctionDescriptor{Name: "add", Version: "v1"},
		Path:        cachePath,
		Request:     &models.InvocationRequest{Method: http.MethodPost},
		Logger:      logging.ForExecution(logs, "exec-1"),
	})
	return w, emitter, logs
}

func TestPipelineSuccess(t *testing.T) {
	fn := fakeCallable(func(context.Context, *logging.Logger, *models.InvocationRequest) (*models.FunctionResponse, error) {
		return &models.FunctionResponse{
			StatusCode: http.StatusCreated,
			Headers:    map[string]string{"X-Custom": "yes"},
			Body:       map[string]interface{}{"sum": 5},
		}, nil
	})

	w, emitter, logs := runPipeline(t, &fakeLoader{fn: fn})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "yes", w.Header().Get("X-Custom"))
	assert.Equal(t, "exec-1", w.Header().Get(models.ExecutionIDHeader))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"sum":5}`, w.Body.String())

	require.Len(t, emitter.events, 2)
	start, finish := emitter.events[0], emitter.events[1]
	assert.Equal(t, models.EventStart, start.Event)
	assert.Equal(t, "exec-1", start.ID)
	assert.Equal(t, 5*time.Second, start.Timeout())
	assert.NotZero(t, start.StartedAt)
	assert.Equal(t, models.FinishEvent("exec-1"), finish)

	assert.False(t, emitter.written[0], "start precedes the response")
	assert.True(t, emitter.written[1], "finish follows the response")

	assert.Equal(t, []string{"Executing function with timeout '5000'", "Execution finished"}, logs.Messages())
}

func TestPipelineStringBody(t *testing.T) {
	fn := fakeCallable(func(context.Context, *logging.Logger, *models.InvocationRequest) (*models.FunctionResponse, error) {
		return &models.FunctionResponse{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "text/html"},
			Body:       "<p>hi</p>",
		}, nil
	})

	w, _, _ := runPipeline(t, &fakeLoader{fn: fn})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
	assert.Equal(t, "<p>hi</p>", w.Body.String())
}

func TestPipelineFunctionHeaderCannotOverrideExecutionID(t *testing.T) {
	fn := fakeCallable(func(context.Context, *logging.Logger, *models.InvocationRequest) (*models.FunctionResponse, error) {
		return &models.FunctionResponse{
			StatusCode: http.StatusNoContent,
			Headers:    map[string]string{models.ExecutionIDHeader: "spoofed"},
		}, nil
	})

	w, _, _ := runPipeline(t, &fakeLoader{fn: fn})

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "exec-1", w.Header().Get(models.ExecutionIDHeader))
	assert.Empty(t, w.Body.String())
}

func TestPipelineThrownError(t *testing.T) {
	fn := fakeCallable(func(context.Context, *logging.Logger, *models.InvocationRequest) (*models.FunctionResponse, error) {
		return nil, &ScriptError{
			Name:    "Error",
			Message: "boom",
			Stack:   "Error: boom\n    at handler (" + cachePath + ":1:30)",
		}
	})

	w, emitter, logs := runPipeline(t, &fakeLoader{fn: fn})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "exec-1", w.Header().Get(models.ExecutionIDHeader))

	var ne models.NormalizedError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ne))
	assert.Equal(t, "Error", ne.Name)
	assert.Equal(t, "boom", ne.Message)
	assert.Equal(t, "Error: boom\n    at handler (add:1:30)", ne.Stack)

	require.Len(t, emitter.events, 2)
	assert.Equal(t, models.EventFinish, emitter.events[1].Event)
	assert.True(t, emitter.written[1])
	assert.Contains(t, logs.Messages(), "Error while executing function")
}

func TestPipelineLoadError(t *testing.T) {
	w, emitter, _ := runPipeline(t, &fakeLoader{err: &LoadError{Path: cachePath, Err: errors.New("open " + cachePath + ": no such file")}})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var ne models.NormalizedError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ne))
	assert.Equal(t, "LoadError", ne.Name)
	assert.Equal(t, "open add: no such file", ne.Message)
	assert.Len(t, emitter.events, 2)
}

func TestPipelineRecoversPanics(t *testing.T) {
	fn := fakeCallable(func(context.Context, *logging.Logger, *models.InvocationRequest) (*models.FunctionResponse, error) {
		panic("kaboom")
	})

	w, emitter, _ := runPipeline(t, &fakeLoader{fn: fn})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "kaboom")
	assert.Len(t, emitter.events, 2)
}

func TestPipelineUnencodableBody(t *testing.T) {
	fn := fakeCallable(func(context.Context, *logging.Logger, *models.InvocationRequest) (*models.FunctionResponse, error) {
		return &models.FunctionResponse{StatusCode: http.StatusOK, Body: make(chan int)}, nil
	})

	w, _, _ := runPipeline(t, &fakeLoader{fn: fn})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "failed to encode response body")
}
