package boundary

import (
	"github.com/yairchu/inline-wat/resource"
)

// Snapshot is the host-side capture of a guest exception: the adopted
// payload bytes and, for traps, the original call error. Each snapshot
// owns exactly one handle in the protocol's snapshot table and is
// released deterministically through Close; constructing a second
// wrapper for the same handle is impossible because the decoder is the
// only constructor.
type Snapshot struct {
	table    *resource.Table
	handle   resource.Handle
	message  []byte
	typeName []byte
	trap     error
}

func newSnapshot(table *resource.Table, message, typeName []byte, trap error) *Snapshot {
	s := &Snapshot{
		table:    table,
		message:  message,
		typeName: typeName,
		trap:     trap,
	}
	s.handle = table.Insert(s)
	return s
}

// Handle returns the snapshot's table handle, 0 after release.
func (s *Snapshot) Handle() resource.Handle { return s.handle }

// Message returns the adopted message bytes, nil if none.
func (s *Snapshot) Message() []byte { return s.message }

// TypeName returns the adopted type name bytes, nil if none.
func (s *Snapshot) TypeName() []byte { return s.typeName }

// Trap returns the original call error for trap-origin snapshots.
func (s *Snapshot) Trap() error { return s.trap }

// Close releases the snapshot's table entry. Safe to call twice; the
// second call finds a stale handle and does nothing.
func (s *Snapshot) Close() error {
	if s.handle != 0 {
		s.table.Remove(s.handle)
	}
	return nil
}

// Drop implements resource.Dropper; the table calls it exactly once.
func (s *Snapshot) Drop() {
	s.handle = 0
	s.message = nil
	s.typeName = nil
}
