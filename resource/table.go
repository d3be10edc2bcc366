package resource

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("resource table closed")

// Handle is an opaque reference to a value in a Table.
// Handle 0 is reserved and always invalid. The low 24 bits are the slot
// index plus one; the high 8 bits are the slot's generation tag.
type Handle uint32

const (
	indexMask = 0x00FFFFFF
	genShift  = 24
)

func makeHandle(idx int, gen uint8) Handle {
	return Handle(uint32(idx+1)&indexMask | uint32(gen)<<genShift)
}

func (h Handle) index() (int, bool) {
	idx := uint32(h) & indexMask
	if idx == 0 {
		return 0, false
	}
	return int(idx - 1), true
}

func (h Handle) generation() uint8 {
	return uint8(uint32(h) >> genShift)
}

// Dropper is optionally implemented by values that need cleanup.
type Dropper interface {
	Drop()
}

// Table is an in-memory handle table with free-list slot reuse.
// Safe for concurrent use.
type Table struct {
	entries  []entry
	freeList []int
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value any
	gen   uint8
	valid bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries:  make([]entry, 0, 16),
		freeList: make([]int, 0, 8),
	}
}

// Insert stores a value and returns its handle, or 0 if the table is closed.
func (t *Table) Insert(value any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}

	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		e := &t.entries[idx]
		e.value = value
		e.valid = true
		return makeHandle(idx, e.gen)
	}

	t.entries = append(t.entries, entry{value: value, valid: true})
	return makeHandle(len(t.entries)-1, 0)
}

// Get retrieves a value by handle.
func (t *Table) Get(handle Handle) (any, bool) {
	idx, ok := handle.index()
	if !ok {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if idx >= len(t.entries) {
		return nil, false
	}
	e := t.entries[idx]
	if !e.valid || e.gen != handle.generation() {
		return nil, false
	}
	return e.value, true
}

// Remove drops a value and returns (value, true) if found. The slot's
// generation is bumped so the handle cannot be reused against a later
// occupant. Values implementing Dropper are released.
func (t *Table) Remove(handle Handle) (any, bool) {
	idx, ok := handle.index()
	if !ok {
		return nil, false
	}

	t.mu.Lock()
	if idx >= len(t.entries) {
		t.mu.Unlock()
		return nil, false
	}
	e := &t.entries[idx]
	if !e.valid || e.gen != handle.generation() {
		t.mu.Unlock()
		return nil, false
	}

	value := e.value
	e.value = nil
	e.valid = false
	e.gen++
	t.freeList = append(t.freeList, idx)
	t.mu.Unlock()

	if d, ok := value.(Dropper); ok {
		d.Drop()
	}
	return value, true
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, e := range t.entries {
		if e.valid {
			count++
		}
	}
	return count
}

// Close releases all live entries and stops accepting operations.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	entries := t.entries
	t.entries = nil
	t.freeList = nil
	t.mu.Unlock()

	for i := range entries {
		if entries[i].valid {
			if d, ok := entries[i].value.(Dropper); ok {
				d.Drop()
			}
		}
	}
	return nil
}
