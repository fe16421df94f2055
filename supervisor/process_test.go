package supervisor

import (
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"function_runtime/models"
)

func collect(r io.Reader) []models.LifecycleEvent {
	ch := make(chan models.LifecycleEvent, 16)
	go func() {
		DecodeEvents(r, ch)
		close(ch)
	}()
	var out []models.LifecycleEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestLineEmitterRoundTrip(t *testing.T) {
	r, w := io.Pipe()
	emitter := NewLineEmitter(w)
	startedAt := time.UnixMilli(1714564800000)

	go func() {
		emitter.Emit(models.StartEvent("exec-1", startedAt, 30*time.Second))
		emitter.Emit(models.FinishEvent("exec-1"))
		w.Close()
	}()

	events := collect(r)
	require.Len(t, events, 2)
	assert.Equal(t, models.LifecycleEvent{
		Event:     models.EventStart,
		ID:        "exec-1",
		StartedAt: 1714564800000,
		TimeoutMs: 30000,
	}, events[0])
	assert.Equal(t, models.FinishEvent("exec-1"), events[1])
}

func TestLineEmitterWireFormat(t *testing.T) {
	var sb strings.Builder
	NewLineEmitter(&sb).Emit(models.FinishEvent("exec-1"))
	assert.Equal(t, `{"event":"finish","id":"exec-1"}`+"\n", sb.String())
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestLineEmitterSwallowsWriteErrors(t *testing.T) {
	assert.NotPanics(t, func() {
		NewLineEmitter(brokenWriter{}).Emit(models.FinishEvent("exec-1"))
	})
}

func TestDecodeEventsSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"event":"start","id":"a","startedAt":1,"timeoutMs":500}`,
		`not json`,
		``,
		`{"event":"finish","id":"a"}`,
	}, "\n")

	events := collect(strings.NewReader(input))

	require.Len(t, events, 2)
	assert.Equal(t, 500*time.Millisecond, events[0].Timeout())
	assert.Equal(t, models.EventFinish, events[1].Event)
}

func TestSignalTerminatorKillsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	require.NoError(t, SignalTerminator{}.Kill(cmd.Process.Pid))

	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, status.Signaled())
	assert.Equal(t, syscall.SIGKILL, status.Signal())
}

func TestSignalTerminatorIgnoresMissingProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	assert.NoError(t, SignalTerminator{}.Kill(cmd.Process.Pid))
}
