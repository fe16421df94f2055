package supervisor

import (
	"sort"
	"sync"
	"time"
)

// ExecutionRecord tracks one in-flight execution on a worker
type ExecutionRecord struct {
	ID        string        `json:"id"`
	WorkerID  int           `json:"workerId"`
	Pid       int           `json:"pid"`
	StartedAt time.Time     `json:"startedAt"`
	Timeout   time.Duration `json:"timeout"`
}

// Deadline is the instant after which the execution is overdue
func (r ExecutionRecord) Deadline() time.Time {
	return r.StartedAt.Add(r.Timeout)
}

// ExecutionTable is the supervisor's view of in-flight executions, keyed by
// execution id
type ExecutionTable struct {
	mu      sync.Mutex
	records map[string]ExecutionRecord
}

// NewExecutionTable creates an empty ExecutionTable
func NewExecutionTable() *ExecutionTable {
	return &ExecutionTable{records: make(map[string]ExecutionRecord)}
}

// Insert adds rec, replacing any record with the same id
func (t *ExecutionTable) Insert(rec ExecutionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ID] = rec
}

// Remove deletes the record with id and reports whether it existed
func (t *ExecutionTable) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	return true
}

// Overdue removes and returns every record whose deadline is at or before now
func (t *ExecutionTable) Overdue(now time.Time) []ExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ExecutionRecord
	for id, rec := range t.records {
		if !rec.Deadline().After(now) {
			out = append(out, rec)
			delete(t.records, id)
		}
	}
	sortRecords(out)
	return out
}

// DropWorker removes every record hosted by workerID and returns how many
// there were
func (t *ExecutionTable) DropWorker(workerID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, rec := range t.records {
		if rec.WorkerID == workerID {
			delete(t.records, id)
			n++
		}
	}
	return n
}

func (t *ExecutionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Snapshot returns a copy of all records, oldest first
func (t *ExecutionTable) Snapshot() []ExecutionRecord {
	t.mu.Lock()
	out := make([]ExecutionRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	t.mu.Unlock()

	sortRecords(out)
	return out
}

func sortRecords(recs []ExecutionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
}
