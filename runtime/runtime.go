package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/yairchu/inline-wat/boundary"
	"github.com/yairchu/inline-wat/engine"
	"github.com/yairchu/inline-wat/funcptr"
	"github.com/yairchu/inline-wat/inline"
	"github.com/yairchu/inline-wat/resource"
)

// Options configures a Runtime.
type Options struct {
	// Logger receives diagnostics; nil means no logging.
	Logger *zap.Logger
	// MemoryLimitPages caps guest memory per instance in 64KB pages.
	// 0 means the engine default.
	MemoryLimitPages uint32
}

// Runtime owns the engine, the installed intrinsic host module and the
// protocol state shared by every fragment compiled through it.
type Runtime struct {
	engine   *engine.Engine
	protocol *boundary.Protocol
	logger   *zap.Logger
}

// New creates a runtime with default options.
func New(ctx context.Context) (*Runtime, error) {
	return NewWithOptions(ctx, nil)
}

// NewWithOptions creates a runtime and installs the intrinsic host
// module into it.
func NewWithOptions(ctx context.Context, opts *Options) (*Runtime, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	eng, err := engine.NewWithConfig(ctx, &engine.Config{
		MemoryLimitPages: opts.MemoryLimitPages,
	})
	if err != nil {
		return nil, err
	}

	protocol := boundary.NewProtocol(logger)
	if err := protocol.Install(ctx, eng); err != nil {
		eng.Close(ctx)
		return nil, err
	}

	return &Runtime{engine: eng, protocol: protocol, logger: logger}, nil
}

// Close releases the protocol tables and the engine. Instances and
// fragments created from this runtime become unusable.
func (r *Runtime) Close(ctx context.Context) error {
	perr := r.protocol.Close()
	if err := r.engine.Close(ctx); err != nil {
		return err
	}
	return perr
}

// RegisterCallable registers a typed host function the guest can invoke
// through an invoke adapter, and returns its dispatch id. Arguments
// reach fn converted to the Go representation of each declared
// parameter type; the returned value converts back per the declared
// result type. A returned error crosses the boundary as a host-origin
// exception carrying that exact error value.
func (r *Runtime) RegisterCallable(params []string, result string, fn func(ctx context.Context, args []any) (any, error)) (uint32, error) {
	sig, err := funcptr.Normalize(params, result)
	if err != nil {
		return 0, err
	}
	c := &boundary.Callable{
		Sig: sig,
		Fn: func(ctx context.Context, raw []uint64) (uint64, error) {
			args := make([]any, len(raw))
			for i, rv := range raw {
				v, err := inline.HostValue(sig.Params[i], rv)
				if err != nil {
					return 0, err
				}
				args[i] = v
			}
			out, err := fn(ctx, args)
			if err != nil {
				return 0, err
			}
			if sig.Result == "" {
				return 0, nil
			}
			return inline.RawValue(sig.Result, out)
		},
	}
	return r.protocol.Registry().Register(c), nil
}

// RemoveCallable drops a registered callable. Guest code holding its id
// fails on the next dispatch.
func (r *Runtime) RemoveCallable(id uint32) {
	r.protocol.Registry().Remove(id)
}

// CaptureError stores a host error and returns its durable reference
// token, sized to pass into a fragment as an i32 argument. A guest
// rethrow of the token surfaces the identical error value and consumes
// the token.
func (r *Runtime) CaptureError(err error) uint32 {
	return uint32(r.protocol.CaptureError(err))
}

// ReleaseError drops a captured error that will not be rethrown.
func (r *Runtime) ReleaseError(token uint32) {
	r.protocol.ReleaseError(resource.Handle(token))
}

// LiveSnapshots reports the number of exception snapshots not yet
// closed, for leak accounting in tests and long-running hosts.
func (r *Runtime) LiveSnapshots() int {
	return r.protocol.Snapshots()
}
