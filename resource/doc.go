// Package resource provides the handle table backing the boundary exception
// protocol.
//
// Two kinds of values live in the table: exception snapshots (the host-side
// capture of a guest exception, owned by exactly one boundary.Snapshot
// wrapper) and durable reference tokens (Go errors captured on one side of a
// boundary crossing and recovered intact on the other).
//
// Handles carry a generation tag so a stale handle can never resurrect a
// slot that was freed and reused:
//
//	table := resource.NewTable()
//	h := table.Insert(value)
//	v, ok := table.Get(h)
//	v, ok = table.Remove(h) // second Remove returns false
//
// Values implementing Dropper are released when removed or when the table
// closes. Every slot is released exactly once.
package resource
