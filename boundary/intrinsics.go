package boundary

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/yairchu/inline-wat/engine"
	"github.com/yairchu/inline-wat/errors"
	"github.com/yairchu/inline-wat/resource"
)

// HostModuleName is the import module the generated wrappers resolve
// their intrinsics from.
const HostModuleName = "boundary"

// Intrinsic names inside the host module.
const (
	IntrinsicRaiseStd = "raise_std"
	IntrinsicRaiseAny = "raise_any"
	IntrinsicRethrow  = "rethrow"
	IntrinsicDispatch = "dispatch"
)

// errGuestUnwind aborts guest execution after an intrinsic has
// populated the channel. wazero recovers the panic into the Call
// error; the decoder discards it once the channel is classified.
var errGuestUnwind = stderrors.New("boundary: guest unwind")

// Protocol owns the host side of the exception protocol: the intrinsic
// host module, the captured-error and snapshot tables, the callable
// registry, and one in-flight frame per guest instance.
type Protocol struct {
	errs     *resource.Table
	snaps    *resource.Table
	registry *CallableRegistry
	frames   sync.Map // api.Module -> *frame
	logger   *zap.Logger
}

// frame is the in-flight crossing state an intrinsic needs to find the
// channel of its caller. One per instance; set by the decoder before
// the call, cleared after.
type frame struct {
	base uint32
}

func NewProtocol(logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		errs:     resource.NewTable(),
		snaps:    resource.NewTable(),
		registry: NewCallableRegistry(),
		logger:   logger,
	}
}

// Registry returns the protocol's callable registry.
func (p *Protocol) Registry() *CallableRegistry { return p.registry }

// CaptureError stores a host error and returns its durable reference
// token. A guest that rethrows the token gets the identical error
// value back on the host side; recovery consumes the token.
func (p *Protocol) CaptureError(err error) resource.Handle {
	return p.errs.Insert(err)
}

// ReleaseError drops a captured error that will not be rethrown.
func (p *Protocol) ReleaseError(h resource.Handle) {
	p.errs.Remove(h)
}

// Snapshots returns the number of live exception snapshots, for leak
// accounting.
func (p *Protocol) Snapshots() int { return p.snaps.Len() }

// Close releases both tables.
func (p *Protocol) Close() error {
	if err := p.errs.Close(); err != nil {
		return err
	}
	return p.snaps.Close()
}

// Install instantiates the intrinsic host module into the engine.
// Must happen before any wrapper module is instantiated.
func (p *Protocol) Install(ctx context.Context, eng *engine.Engine) error {
	return eng.DefineHostModule(ctx, HostModuleName, p.HostFuncs())
}

// HostFuncs returns the intrinsic definitions.
func (p *Protocol) HostFuncs() []engine.HostFunc {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64
	return []engine.HostFunc{
		{
			Name:   IntrinsicRaiseStd,
			Fn:     p.raiseStd,
			Params: []api.ValueType{i32, i32, i32, i32},
		},
		{
			Name:   IntrinsicRaiseAny,
			Fn:     p.raiseAny,
			Params: []api.ValueType{i32, i32},
		},
		{
			Name:   IntrinsicRethrow,
			Fn:     p.rethrow,
			Params: []api.ValueType{i32},
		},
		{
			Name:    IntrinsicDispatch,
			Fn:      p.dispatch,
			Params:  []api.ValueType{i32, i32},
			Results: []api.ValueType{i64},
		},
	}
}

func (p *Protocol) setFrame(mod api.Module, base uint32) {
	p.frames.Store(mod, &frame{base: base})
}

func (p *Protocol) clearFrame(mod api.Module) {
	p.frames.Delete(mod)
}

func (p *Protocol) frame(mod api.Module) *frame {
	v, ok := p.frames.Load(mod)
	if !ok {
		// Only reachable when generated code calls an intrinsic outside
		// a crossing; the wrapper and decoder are out of sync.
		panic("boundary: intrinsic invoked outside a crossing")
	}
	return v.(*frame)
}

// writeSlots populates the caller's channel and never returns normally
// on the raise paths; a failed write means the channel pointer itself
// is corrupt.
func (p *Protocol) writeSlots(mod api.Module, class Classification, message, typeName PtrLen, token uint64) {
	base := p.frame(mod).base
	mem := mod.Memory()
	ok := mem.WriteUint64Le(base+slotClass, uint64(class)) &&
		mem.WriteUint64Le(base+slotMessage, uint64(message)) &&
		mem.WriteUint64Le(base+slotTypeName, uint64(typeName)) &&
		mem.WriteUint64Le(base+slotToken, token)
	if !ok {
		panic(fmt.Sprintf("boundary: channel at %d not writable", base))
	}
}

func (p *Protocol) raiseStd(_ context.Context, mod api.Module, stack []uint64) {
	mp, ml := uint32(stack[0]), uint32(stack[1])
	tp, tl := uint32(stack[2]), uint32(stack[3])
	p.writeSlots(mod, ClassStd, MakePtrLen(mp, ml), MakePtrLen(tp, tl), 0)
	panic(errGuestUnwind)
}

func (p *Protocol) raiseAny(_ context.Context, mod api.Module, stack []uint64) {
	tp, tl := uint32(stack[0]), uint32(stack[1])
	p.writeSlots(mod, ClassUnknown, 0, MakePtrLen(tp, tl), 0)
	panic(errGuestUnwind)
}

func (p *Protocol) rethrow(_ context.Context, mod api.Module, stack []uint64) {
	token := uint32(stack[0])
	p.writeSlots(mod, ClassHost, 0, 0, uint64(token))
	panic(errGuestUnwind)
}

// dispatch invokes a registered host callable on behalf of the guest.
// Arguments arrive through an argv block of 8-byte slots.
func (p *Protocol) dispatch(ctx context.Context, mod api.Module, stack []uint64) {
	id := uint32(stack[0])
	argv := uint32(stack[1])

	callable, ok := p.registry.Get(id)
	if !ok {
		p.raiseHostError(mod, errors.NotFound(errors.PhaseCall, "callable", fmt.Sprint(id)))
	}

	args := make([]uint64, len(callable.Sig.Params))
	mem := mod.Memory()
	for i := range args {
		v, ok := mem.ReadUint64Le(argv + uint32(8*i))
		if !ok {
			panic(fmt.Sprintf("boundary: argv block at %d not readable", argv))
		}
		args[i] = v
	}

	result, err := callable.Fn(ctx, args)
	if err != nil {
		p.raiseHostError(mod, err)
	}
	stack[0] = result
}

// raiseHostError captures err, marks the channel host-origin and
// unwinds the guest. Does not return.
func (p *Protocol) raiseHostError(mod api.Module, err error) {
	token := p.errs.Insert(err)
	p.writeSlots(mod, ClassHost, 0, 0, uint64(token))
	panic(errGuestUnwind)
}
