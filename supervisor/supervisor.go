// Package supervisor keeps a fixed-size pool of worker processes alive and
// enforces execution timeouts by killing the worker that hosts an overdue
// execution.
package supervisor

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"function_runtime/metrics"
	"function_runtime/models"
)

// Process is a running worker
type Process interface {
	Pid() int
	// Events yields the lifecycle events sent by the worker. The channel is
	// closed once the worker can no longer send any.
	Events() <-chan models.LifecycleEvent
	// Wait blocks until the process has exited
	Wait() error
	Signal(sig os.Signal) error
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(workerID int) (Process, error)
}

// Terminator kills a process without giving it a chance to react
type Terminator interface {
	Kill(pid int) error
}

// Options tunes a Supervisor
type Options struct {
	SweepInterval time.Duration
	RespawnDelay  time.Duration
	// ShutdownTimeout bounds how long workers get to exit after SIGTERM
	ShutdownTimeout time.Duration
	// DefaultTimeout applies to start events that do not declare one
	DefaultTimeout time.Duration
	Now            func() time.Time
}

// Worker is one member of the pool
type Worker struct {
	ID        int       `json:"id"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`

	proc Process
}

// Supervisor owns the worker pool and the execution table
type Supervisor struct {
	spawner    Spawner
	terminator Terminator
	opts       Options
	table      *ExecutionTable

	mu       sync.Mutex
	workers  map[int]*Worker
	nextID   int
	stopping bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Supervisor. Zero options fall back to sane defaults.
func New(spawner Spawner, terminator Terminator, opts Options) *Supervisor {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 500 * time.Millisecond
	}
	if opts.RespawnDelay <= 0 {
		opts.RespawnDelay = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		spawner:    spawner,
		terminator: terminator,
		opts:       opts,
		table:      NewExecutionTable(),
		workers:    make(map[int]*Worker),
		done:       make(chan struct{}),
	}
}

// Table exposes the execution table
func (s *Supervisor) Table() *ExecutionTable {
	return s.table
}

// Start spawns poolSize workers. A failure to spawn the initial pool is
// returned; workers already started keep running until Stop.
func (s *Supervisor) Start(ctx context.Context, poolSize int) error {
	if poolSize <= 0 {
		return errors.New("pool size must be positive")
	}
	for i := 0; i < poolSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := s.spawnWorker()
		if err != nil {
			return err
		}
		log.Info().Int("worker", w.ID).Int("pid", w.Pid).Msg("Worker started")
	}
	log.Info().Int("size", poolSize).Msg("Worker pool started")
	return nil
}

// Run sweeps for overdue executions every SweepInterval until ctx is
// cancelled, then stops the pool
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			s.Sweep(s.opts.Now())
		}
	}
}

// OnWorkerMessage applies one lifecycle event from w to the execution table
func (s *Supervisor) OnWorkerMessage(w *Worker, ev models.LifecycleEvent) {
	if ev.ID == "" {
		log.Debug().Int("worker", w.ID).Str("event", string(ev.Event)).Msg("Ignoring event without execution id")
		return
	}

	switch ev.Event {
	case models.EventStart:
		timeout := ev.Timeout()
		if timeout <= 0 {
			timeout = s.opts.DefaultTimeout
		}
		s.table.Insert(ExecutionRecord{
			ID:        ev.ID,
			WorkerID:  w.ID,
			Pid:       w.Pid,
			StartedAt: s.opts.Now(),
			Timeout:   timeout,
		})
	case models.EventFinish:
		if !s.table.Remove(ev.ID) {
			log.Debug().Str("execution_id", ev.ID).Msg("Finish for unknown execution")
		}
	default:
		log.Debug().Int("worker", w.ID).Str("event", string(ev.Event)).Msg("Ignoring unknown event")
		return
	}
	metrics.InflightExecutions.Set(float64(s.table.Len()))
}

// Sweep kills the worker of every execution whose deadline has passed at
// now and returns the expired records
func (s *Supervisor) Sweep(now time.Time) []ExecutionRecord {
	overdue := s.table.Overdue(now)
	if len(overdue) == 0 {
		return nil
	}

	killed := make(map[int]bool)
	for _, rec := range overdue {
		metrics.ExecutionTimeouts.Inc()
		log.Warn().
			Str("execution_id", rec.ID).
			Int("worker", rec.WorkerID).
			Int("pid", rec.Pid).
			Dur("timeout", rec.Timeout).
			Msg("Execution timed out, killing worker")

		if killed[rec.Pid] {
			continue
		}
		killed[rec.Pid] = true
		if err := s.terminator.Kill(rec.Pid); err != nil {
			log.Error().Err(err).Int("pid", rec.Pid).Msg("Failed to kill worker")
		}
	}
	metrics.InflightExecutions.Set(float64(s.table.Len()))
	return overdue
}

// OnWorkerExit forgets w and its executions and starts a replacement. The
// replacement is retried every RespawnDelay until it succeeds or the
// supervisor stops.
func (s *Supervisor) OnWorkerExit(w *Worker, exitErr error) {
	s.mu.Lock()
	delete(s.workers, w.ID)
	size := len(s.workers)
	stopping := s.stopping
	s.mu.Unlock()

	metrics.PoolWorkers.Set(float64(size))
	lost := s.table.DropWorker(w.ID)
	metrics.InflightExecutions.Set(float64(s.table.Len()))

	level := zerolog.WarnLevel
	if stopping {
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).Int("worker", w.ID).Int("pid", w.Pid).Int("lost_executions", lost).AnErr("exit", exitErr).Msg("Worker exited")

	if stopping {
		return
	}

	for {
		nw, err := s.spawnWorker()
		if err == nil {
			metrics.WorkerRestarts.Inc()
			log.Info().Int("worker", nw.ID).Int("pid", nw.Pid).Int("replaces", w.ID).Msg("Worker respawned")
			return
		}
		log.Error().Err(err).Dur("retry_in", s.opts.RespawnDelay).Msg("Failed to respawn worker")

		select {
		case <-s.done:
			return
		case <-time.After(s.opts.RespawnDelay):
		}
	}
}

// Stop asks every worker to exit, kills the ones still running after
// ShutdownTimeout and waits for all of them
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopping = true
	close(s.done)
	workers := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Int("workers", len(workers)).Msg("Stopping worker pool")
	for _, w := range workers {
		if err := w.proc.Signal(unix.SIGTERM); err != nil {
			log.Debug().Err(err).Int("pid", w.Pid).Msg("Failed to signal worker")
		}
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case <-time.After(s.opts.ShutdownTimeout):
	}

	for _, w := range s.Workers() {
		log.Warn().Int("worker", w.ID).Int("pid", w.Pid).Msg("Worker ignored SIGTERM, killing")
		if err := s.terminator.Kill(w.Pid); err != nil {
			log.Error().Err(err).Int("pid", w.Pid).Msg("Failed to kill worker")
		}
	}
	<-finished
}

// Size returns the number of live workers
func (s *Supervisor) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Workers returns the live workers ordered by id
func (s *Supervisor) Workers() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.snapshotLocked()
	out := make([]Worker, len(ws))
	for i, w := range ws {
		out[i] = *w
	}
	return out
}

func (s *Supervisor) snapshotLocked() []*Worker {
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) spawnWorker() (*Worker, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(id)
	if err != nil {
		return nil, err
	}
	w := &Worker{ID: id, Pid: proc.Pid(), StartedAt: s.opts.Now(), proc: proc}

	s.mu.Lock()
	s.workers[id] = w
	size := len(s.workers)
	stopping := s.stopping
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.PoolWorkers.Set(float64(size))
	if stopping {
		proc.Signal(unix.SIGTERM)
	}
	go s.watch(w)
	return w, nil
}

// watch feeds w's events to the table and handles its exit
func (s *Supervisor) watch(w *Worker) {
	defer s.wg.Done()
	for ev := range w.proc.Events() {
		s.OnWorkerMessage(w, ev)
	}
	s.OnWorkerExit(w, w.proc.Wait())
}
