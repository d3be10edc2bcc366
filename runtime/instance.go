package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/yairchu/inline-wat/boundary"
	"github.com/yairchu/inline-wat/engine"
	"github.com/yairchu/inline-wat/errors"
	"github.com/yairchu/inline-wat/funcptr"
	"github.com/yairchu/inline-wat/inline"
)

// Instance is one running guest of a compiled fragment.
// It is NOT safe for concurrent use from multiple goroutines; distinct
// instances are independent and may run concurrently.
type Instance struct {
	rt    *Runtime
	frag  *inline.Fragment
	guest *engine.Instance
	entry api.Function
}

// Try performs one boundary crossing and returns the outcome as a
// value pair: the fragment result on success, or the classified
// exception. The error return is reserved for failures of the
// machinery itself, not of the fragment.
func (i *Instance) Try(ctx context.Context, args ...any) (any, boundary.Exception, error) {
	results, exc, err := i.call(ctx, args)
	if err != nil || exc != nil {
		return nil, exc, err
	}
	if i.frag.Result == "" {
		return nil, nil, nil
	}
	value, err := inline.HostValue(i.frag.Result, results[0])
	if err != nil {
		return nil, nil, err
	}
	return value, nil, nil
}

// Throw performs one crossing and surfaces any exception as an error:
// a guest raise keeps its raw message as the error text, a rethrown
// host error comes back as the identical value it was captured from,
// and an unclassified failure reads "exception of type T" or
// "exception of unknown type".
func (i *Instance) Throw(ctx context.Context, args ...any) (any, error) {
	value, exc, err := i.Try(ctx, args...)
	if err != nil {
		return nil, err
	}
	if exc == nil {
		return value, nil
	}
	if host, ok := exc.(*boundary.HostException); ok {
		return nil, host.Err
	}
	return nil, exc
}

// Catch is Throw for fragments that return nothing.
func (i *Instance) Catch(ctx context.Context, args ...any) error {
	_, err := i.Throw(ctx, args...)
	return err
}

// call converts the arguments, pins the call context and runs the
// crossing through the protocol decoder.
func (i *Instance) call(ctx context.Context, args []any) ([]uint64, boundary.Exception, error) {
	if len(args) != i.frag.Arity() {
		return nil, nil, errors.InvalidInput(errors.PhaseCall,
			fmt.Sprintf("fragment takes %d arguments, got %d", i.frag.Arity(), len(args)))
	}
	raw := make([]uint64, len(args))
	for n, arg := range args {
		v, err := inline.RawValue(i.frag.Params[n].Type, arg)
		if err != nil {
			return nil, nil, err
		}
		raw[n] = v
	}

	i.guest.SetCallContext(ctx)
	crossing := boundary.Crossing{
		Module: i.guest.Module(),
		Memory: i.guest.Memory(),
		Alloc:  i.guest.Allocator(),
		Entry:  i.entry,
	}
	return i.rt.protocol.HandleForeignCatch(ctx, crossing, raw...)
}

// GuestFunc wraps the guest function at a funcref table index into a
// typed Go closure, going through the exported deref shim for the
// signature. The fragment must have been compiled with the signature
// listed in FragmentOptions.Derefs.
func (i *Instance) GuestFunc(sig funcptr.Signature, idx uint32) (func(ctx context.Context, args ...any) (any, error), error) {
	shim := funcptr.DerefCallable(sig)
	fn, err := i.guest.Function(shim.Name)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, args ...any) (any, error) {
		if len(args) != len(sig.Params) {
			return nil, errors.InvalidInput(errors.PhaseCall,
				fmt.Sprintf("callable takes %d arguments, got %d", len(sig.Params), len(args)))
		}
		raw := make([]uint64, 0, len(args)+1)
		raw = append(raw, uint64(idx))
		for n, arg := range args {
			v, err := inline.RawValue(sig.Params[n], arg)
			if err != nil {
				return nil, err
			}
			raw = append(raw, v)
		}
		results, err := fn.Call(ctx, raw...)
		if err != nil {
			return nil, err
		}
		if sig.Result == "" {
			return nil, nil
		}
		return inline.HostValue(sig.Result, results[0])
	}, nil
}

// MemorySize returns the guest linear memory size in bytes.
func (i *Instance) MemorySize() uint32 {
	if mem := i.guest.Memory(); mem != nil {
		return mem.Size()
	}
	return 0
}

// Close releases the guest instance.
func (i *Instance) Close(ctx context.Context) error {
	return i.guest.Close(ctx)
}
