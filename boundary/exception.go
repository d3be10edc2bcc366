package boundary

import "fmt"

// Exception is the classified outcome of a failed crossing. The
// concrete type is one of *StdException, *HostException or
// *UnknownException.
type Exception interface {
	error
	Classification() Classification
}

// StdException is a guest exception raised with a message, the analog
// of a standard-library exception crossing the boundary.
type StdException struct {
	Snapshot *Snapshot
	Message  string
	TypeName string // "" when the guest supplied none
}

func (e *StdException) Error() string                  { return e.Message }
func (e *StdException) Classification() Classification { return ClassStd }

// HostException is a host-origin error that crossed into the guest and
// came back. Err is reference-identical to the originally captured
// error value.
type HostException struct {
	Err error
}

func (e *HostException) Error() string                  { return e.Err.Error() }
func (e *HostException) Unwrap() error                  { return e.Err }
func (e *HostException) Classification() Classification { return ClassHost }

// UnknownException is a guest failure carrying no message: a raise
// without payload, or a wasm trap. TypeName holds the trap description
// or the guest-supplied type name when one is available.
type UnknownException struct {
	Snapshot *Snapshot
	TypeName string
}

func (e *UnknownException) Error() string {
	if e.TypeName == "" {
		return "exception of unknown type"
	}
	return fmt.Sprintf("exception of type %s", e.TypeName)
}

func (e *UnknownException) Classification() Classification { return ClassUnknown }
