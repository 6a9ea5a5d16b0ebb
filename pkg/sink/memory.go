package sink

import (
	"context"
	"fmt"
	"sync"
)

const (
	OpStartLaunch  = "start_launch"
	OpFinishLaunch = "finish_launch"
	OpStartItem    = "start_item"
	OpFinishItem   = "finish_item"
	OpLog          = "log"
	OpLogBatch     = "log_batch"
)

type LaunchRecord struct {
	ID     string
	Start  StartLaunchRequest
	Finish *FinishLaunchRequest
}

type ItemRecord struct {
	ID     string
	Start  StartItemRequest
	Finish *FinishItemRequest
}

// Memory is a Sink that keeps everything it receives in memory. Identifiers
// are "<name>_<n>", n counting items of the same name from 1.
type Memory struct {
	mu       sync.Mutex
	launches []*LaunchRecord
	items    []*ItemRecord
	byID     map[string]*ItemRecord
	logs     []LogEntry
	batches  [][]LogEntry
	calls    []string
	seq      map[string]int
	failures map[string]error

	// OnCall, when set, runs before each call is recorded. It is invoked on
	// the calling goroutine without the sink's lock held.
	OnCall func(op string)
}

func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]*ItemRecord),
		seq:      make(map[string]int),
		failures: make(map[string]error),
	}
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) enter(op string) error {
	if m.OnCall != nil {
		m.OnCall(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	if err, ok := m.failures[op]; ok {
		return &Error{Op: op, Err: err}
	}
	return nil
}

func (m *Memory) nextID(name string) string {
	m.seq[name]++
	return fmt.Sprintf("%s_%d", name, m.seq[name])
}

func (m *Memory) StartLaunch(_ context.Context, req StartLaunchRequest) (string, error) {
	if err := m.enter(OpStartLaunch); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &LaunchRecord{ID: m.nextID(req.Name), Start: req}
	m.launches = append(m.launches, rec)
	return rec.ID, nil
}

func (m *Memory) FinishLaunch(_ context.Context, launchID string, req FinishLaunchRequest) error {
	if err := m.enter(OpFinishLaunch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.launches {
		if rec.ID == launchID {
			rec.Finish = &req
			return nil
		}
	}
	return &Error{Op: OpFinishLaunch, Message: fmt.Sprintf("launch not found: %s", launchID)}
}

func (m *Memory) StartItem(_ context.Context, req StartItemRequest) (string, error) {
	if err := m.enter(OpStartItem); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ParentID != "" {
		if _, ok := m.byID[req.ParentID]; !ok {
			return "", &Error{Op: OpStartItem, Message: fmt.Sprintf("parent item not found: %s", req.ParentID)}
		}
	}
	rec := &ItemRecord{ID: m.nextID(req.Name), Start: req}
	m.items = append(m.items, rec)
	m.byID[rec.ID] = rec
	return rec.ID, nil
}

func (m *Memory) FinishItem(_ context.Context, itemID string, req FinishItemRequest) error {
	if err := m.enter(OpFinishItem); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[itemID]
	if !ok {
		return &Error{Op: OpFinishItem, Message: fmt.Sprintf("item not found: %s", itemID)}
	}
	if rec.Finish != nil {
		return &Error{Op: OpFinishItem, Message: fmt.Sprintf("item already finished: %s", itemID)}
	}
	rec.Finish = &req
	return nil
}

func (m *Memory) Log(_ context.Context, entry LogEntry) error {
	if err := m.enter(OpLog); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs = append(m.logs, entry)
	return nil
}

func (m *Memory) LogBatch(_ context.Context, entries []LogEntry) error {
	if err := m.enter(OpLogBatch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make([]LogEntry, len(entries))
	copy(batch, entries)
	m.batches = append(m.batches, batch)
	return nil
}

// Launches returns copies of the recorded launches in start order.
func (m *Memory) Launches() []LaunchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LaunchRecord, 0, len(m.launches))
	for _, rec := range m.launches {
		out = append(out, *rec)
	}
	return out
}

// Items returns copies of the recorded items in start order.
func (m *Memory) Items() []ItemRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ItemRecord, 0, len(m.items))
	for _, rec := range m.items {
		out = append(out, *rec)
	}
	return out
}

// Item looks up a recorded item by identifier.
func (m *Memory) Item(id string) (ItemRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return ItemRecord{}, false
	}
	return *rec, true
}

// Batches returns every flushed batch, each kept as the unit it was sent in.
func (m *Memory) Batches() [][]LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]LogEntry, len(m.batches))
	copy(out, m.batches)
	return out
}

// BatchedLogs returns all batched entries flattened in flush order.
func (m *Memory) BatchedLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []LogEntry
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// Logs returns entries sent one at a time through Log.
func (m *Memory) Logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

// Calls returns the operations invoked so far, failed ones included.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (m *Memory) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}
