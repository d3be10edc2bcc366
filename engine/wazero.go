// Package engine wraps the wazero runtime behind the small surface the
// fragment runtime needs: compile WAT or wasm bytes, define host
// intrinsic modules, and instantiate guests exposing linear memory and
// the stack-discipline guest allocator.
package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	inlinewat "github.com/yairchu/inline-wat"
	"github.com/yairchu/inline-wat/errors"
	"github.com/yairchu/inline-wat/wat"
)

// Guest allocator exports every generated module carries.
const (
	ExportAlloc   = "__bp_alloc"
	ExportFree    = "__bp_free"
	ExportMark    = "__bp_mark"
	ExportRelease = "__bp_release"
	ExportMemory  = "memory"
)

// Engine owns a wazero runtime.
type Engine struct {
	runtime wazero.Runtime
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages
	// (64KB each). 0 means the wazero default.
	MemoryLimitPages uint32
}

// New creates an engine with default configuration.
func New(ctx context.Context) (*Engine, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(ctx context.Context, cfg *Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}, nil
}

// HostFunc is one function of a host intrinsic module.
type HostFunc struct {
	Name    string
	Fn      api.GoModuleFunc
	Params  []api.ValueType
	Results []api.ValueType
}

// DefineHostModule instantiates a named host module into the runtime.
// Guests importing from that name resolve against it.
func (e *Engine) DefineHostModule(ctx context.Context, name string, funcs []HostFunc) error {
	builder := e.runtime.NewHostModuleBuilder(name)
	for _, f := range funcs {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Fn, f.Params, f.Results).
			Export(f.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Instantiation(err)
	}
	return nil
}

// CompileText compiles WAT source into a module.
func (e *Engine) CompileText(ctx context.Context, source string) (*Module, error) {
	wasmBytes, err := wat.Compile(source)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidFragment, err, "compile WAT")
	}
	return e.Compile(ctx, wasmBytes)
}

// Compile compiles wasm bytes into a module.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidFragment, err, "compile module")
	}
	return &Module{engine: e, compiled: compiled}, nil
}

func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Module is a compiled guest module.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
}

// Instantiate creates an anonymous instance of the module.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	// Anonymous name so many instances of one module can coexist.
	modConfig := wazero.NewModuleConfig().WithName("")
	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modConfig)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	inst := &Instance{module: mod}
	if mem := mod.Memory(); mem != nil {
		inst.memory = &GuestMemory{mem: mem}
	}
	inst.alloc = &guestAllocator{
		allocFn:   mod.ExportedFunction(ExportAlloc),
		freeFn:    mod.ExportedFunction(ExportFree),
		markFn:    mod.ExportedFunction(ExportMark),
		releaseFn: mod.ExportedFunction(ExportRelease),
		stackBuf:  make([]uint64, 4),
	}
	return inst, nil
}

func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Instance is a running guest.
// It is NOT safe for concurrent use from multiple goroutines.
type Instance struct {
	module api.Module
	memory *GuestMemory
	alloc  *guestAllocator
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Memory returns the guest linear memory, or nil if the module has none.
func (i *Instance) Memory() *GuestMemory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

// Allocator returns the guest stack allocator. Nil function exports
// surface as errors on first use, not here.
func (i *Instance) Allocator() inlinewat.Allocator {
	return i.alloc
}

// Function returns an exported function by name.
func (i *Instance) Function(name string) (api.Function, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseCall, "exported function", name)
	}
	return fn, nil
}

// SetCallContext pins the context used by allocator calls made on
// behalf of the next crossing.
func (i *Instance) SetCallContext(ctx context.Context) {
	i.alloc.setContext(ctx)
}

func (i *Instance) Close(ctx context.Context) error {
	if i.module == nil {
		return nil
	}
	err := i.module.Close(ctx)
	i.module = nil
	i.memory = nil
	i.alloc = nil
	return err
}

// guestAllocator drives the guest bump allocator exports.
type guestAllocator struct {
	allocFn    api.Function
	freeFn     api.Function
	markFn     api.Function
	releaseFn  api.Function
	currentCtx context.Context
	stackBuf   []uint64
	stackMutex sync.Mutex
}

func (a *guestAllocator) setContext(ctx context.Context) {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()
	a.currentCtx = ctx
}

func (a *guestAllocator) ctx() context.Context {
	if a.currentCtx == nil {
		return context.Background()
	}
	return a.currentCtx
}

func (a *guestAllocator) Alloc(size, align uint32) (uint32, error) {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	if a.allocFn == nil {
		return 0, errors.NotInitialized(errors.PhaseCall, "guest allocator")
	}
	a.stackBuf[0] = uint64(size)
	a.stackBuf[1] = uint64(align)
	if err := a.allocFn.CallWithStack(a.ctx(), a.stackBuf[:2]); err != nil {
		return 0, errors.AllocationFailed(errors.PhaseCall, size, align, err)
	}
	ptr := uint32(a.stackBuf[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseCall, size, align, nil)
	}
	return ptr, nil
}

func (a *guestAllocator) Free(ptr, size uint32) {
	if ptr == 0 {
		return
	}
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	if a.freeFn == nil {
		return
	}
	a.stackBuf[0] = uint64(ptr)
	a.stackBuf[1] = uint64(size)
	if err := a.freeFn.CallWithStack(a.ctx(), a.stackBuf[:2]); err != nil {
		Logger().Warn("Free: guest free failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

func (a *guestAllocator) Mark() (uint32, error) {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	if a.markFn == nil {
		return 0, errors.NotInitialized(errors.PhaseCall, "guest allocator")
	}
	a.stackBuf[0] = 0
	if err := a.markFn.CallWithStack(a.ctx(), a.stackBuf[:1]); err != nil {
		return 0, errors.Wrap(errors.PhaseCall, errors.KindAllocation, err, "read allocator mark")
	}
	return uint32(a.stackBuf[0]), nil
}

func (a *guestAllocator) Release(mark uint32) error {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	if a.releaseFn == nil {
		return errors.NotInitialized(errors.PhaseCall, "guest allocator")
	}
	a.stackBuf[0] = uint64(mark)
	if err := a.releaseFn.CallWithStack(a.ctx(), a.stackBuf[:1]); err != nil {
		return errors.Wrap(errors.PhaseCall, errors.KindAllocation, err, "release allocator mark")
	}
	return nil
}

// GuestMemory wraps wazero memory to implement the root Memory interface.
type GuestMemory struct {
	mem api.Memory
}

func (m *GuestMemory) Read(offset, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseDecode, offset, length)
	}
	return data, nil
}

func (m *GuestMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseDecode, offset, uint32(len(data)))
	}
	return nil
}

func (m *GuestMemory) ReadU32(offset uint32) (uint32, error) {
	val, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseDecode, offset, 4)
	}
	return val, nil
}

func (m *GuestMemory) ReadU64(offset uint32) (uint64, error) {
	val, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseDecode, offset, 8)
	}
	return val, nil
}

func (m *GuestMemory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseDecode, offset, 4)
	}
	return nil
}

func (m *GuestMemory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseDecode, offset, 8)
	}
	return nil
}

func (m *GuestMemory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

var _ inlinewat.Memory = (*GuestMemory)(nil)
var _ inlinewat.MemorySizer = (*GuestMemory)(nil)
var _ inlinewat.Allocator = (*guestAllocator)(nil)
