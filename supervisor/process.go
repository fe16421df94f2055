package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"function_runtime/models"
)

// File descriptors a worker inherits from the supervisor
const (
	ListenerFD = 3
	EventsFD   = 4
)

// WorkerIDEnv carries the worker id into the worker process
const WorkerIDEnv = "RUNTIME_WORKER_ID"

// ExecSpawner starts workers by re-executing the current binary. Every
// worker shares the supervisor's listening socket and reports lifecycle
// events over its own pipe.
type ExecSpawner struct {
	path     string
	args     []string
	listener *os.File
}

// NewExecSpawner prepares a spawner that runs the current executable with
// args. The listener is duplicated, so the caller may close its copy.
func NewExecSpawner(listener *net.TCPListener, args ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	f, err := listener.File()
	if err != nil {
		return nil, fmt.Errorf("failed to share listener: %w", err)
	}
	return &ExecSpawner{path: path, args: args, listener: f}, nil
}

func (s *ExecSpawner) Spawn(workerID int) (Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create event pipe: %w", err)
	}

	cmd := exec.Command(s.path, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerIDEnv, workerID))
	cmd.ExtraFiles = []*os.File{s.listener, w}
	setParentDeathSignal(cmd)

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	// Only the child keeps the write end, so the reader sees EOF when it exits
	w.Close()

	p := &execProcess{cmd: cmd, events: make(chan models.LifecycleEvent, 64)}
	go func() {
		defer r.Close()
		DecodeEvents(r, p.events)
		close(p.events)
	}()
	return p, nil
}

// Close releases the spawner's copy of the listener
func (s *ExecSpawner) Close() error {
	return s.listener.Close()
}

type execProcess struct {
	cmd    *exec.Cmd
	events chan models.LifecycleEvent
	once   sync.Once
	err    error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Events() <-chan models.LifecycleEvent {
	return p.events
}

func (p *execProcess) Wait() error {
	p.once.Do(func() {
		p.err = p.cmd.Wait()
	})
	return p.err
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// DecodeEvents reads newline-delimited lifecycle events from r until EOF.
// Malformed lines are skipped.
func DecodeEvents(r io.Reader, out chan<- models.LifecycleEvent) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.LifecycleEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Err(err).Str("line", string(line)).Msg("Malformed lifecycle event")
			continue
		}
		out <- ev
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Debug().Err(err).Msg("Lifecycle channel closed")
	}
}

// SignalTerminator kills processes with SIGKILL
type SignalTerminator struct{}

// Kill sends SIGKILL to pid. A process that is already gone is not an error.
func (SignalTerminator) Kill(pid int) error {
	err := unix.Kill(pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// InheritedListener returns the listening socket passed in by the supervisor
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(ListenerFD, "listener")
	if f == nil {
		return nil, errors.New("no inherited listener")
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to use inherited listener: %w", err)
	}
	return ln, nil
}

// InheritedEventPipe returns the write end of the lifecycle channel passed
// in by the supervisor
func InheritedEventPipe() (*os.File, error) {
	f := os.NewFile(EventsFD, "events")
	if f == nil {
		return nil, errors.New("no inherited event pipe")
	}
	return f, nil
}
