// Package request tracks in-flight exchanges so they can be cancelled in
// bulk or individually.
package request

import (
	"sync"
	"time"
)

// Handle is the cancellable operation behind a request: a subprocess or an
// HTTP exchange. Kill must be safe to call more than once.
type Handle interface {
	Kill() error
}

// HandleFunc adapts a plain function to a Handle.
type HandleFunc func() error

func (f HandleFunc) Kill() error { return f() }

type entry struct {
	handle  Handle
	cleanup func()
	mode    string
	started time.Time
}

// Info is a read-only view of one tracked request.
type Info struct {
	ID      uint64
	Mode    string
	Started time.Time
}

// Table is an in-memory map of in-flight requests keyed by a monotonically
// increasing id.
type Table struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]entry
}

func NewTable() *Table {
	return &Table{entries: make(map[uint64]entry)}
}

// Register tracks a new request and returns its id. cleanup may be nil.
func (t *Table) Register(h Handle, cleanup func(), mode string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.entries[id] = entry{handle: h, cleanup: cleanup, mode: mode, started: time.Now()}
	return id
}

// Unregister drops a request without cancelling it. Unknown ids are ignored.
func (t *Table) Unregister(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Cancel force-terminates the request's operation and runs its cleanup
// callback; each step tolerates the other failing. Returns false when the
// id is unknown (already finished or never registered).
func (t *Table) Cancel(id uint64) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.cancelEntry(e)
	return true
}

// CancelAll cancels every tracked request and returns how many were cancelled.
func (t *Table) CancelAll() int {
	t.mu.Lock()
	pending := make([]entry, 0, len(t.entries))
	for _, e := range t.entries {
		pending = append(pending, e)
	}
	t.entries = make(map[uint64]entry)
	t.mu.Unlock()
	for _, e := range pending {
		t.cancelEntry(e)
	}
	return len(pending)
}

// List returns a snapshot of tracked requests in id order.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.entries))
	for id := uint64(1); id <= t.nextID; id++ {
		if e, ok := t.entries[id]; ok {
			out = append(out, Info{ID: id, Mode: e.mode, Started: e.started})
		}
	}
	return out
}

func (t *Table) cancelEntry(e entry) {
	if e.handle != nil {
		_ = e.handle.Kill()
	}
	if e.cleanup != nil {
		e.cleanup()
	}
}
