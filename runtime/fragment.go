package runtime

import (
	"context"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/yairchu/inline-wat/boundary"
	"github.com/yairchu/inline-wat/engine"
	"github.com/yairchu/inline-wat/funcptr"
	"github.com/yairchu/inline-wat/inline"
)

// FragmentOptions tunes fragment compilation.
type FragmentOptions struct {
	// Callables lists host function signatures the fragment invokes
	// through dispatch ids; each gets its invoke adapter spliced into
	// the wrapper.
	Callables []funcptr.Signature
	// Derefs lists guest function signatures the host calls back
	// through table indices; each gets its exported deref shim.
	Derefs []funcptr.Signature
	// TableSize overrides the funcref table size.
	TableSize uint32
}

// Fragment is a compiled, instantiable wrapper module.
type Fragment struct {
	rt     *Runtime
	frag   *inline.Fragment
	text   string
	module *engine.Module
}

// CompileFragment compiles fragment source with default options.
func (r *Runtime) CompileFragment(ctx context.Context, src string) (*Fragment, error) {
	return r.CompileFragmentWithOptions(ctx, src, nil)
}

// CompileFragmentWithOptions splits the typed fragment source, wraps it
// in the boundary protocol and compiles the wrapper.
func (r *Runtime) CompileFragmentWithOptions(ctx context.Context, src string, opts *FragmentOptions) (*Fragment, error) {
	if opts == nil {
		opts = &FragmentOptions{}
	}

	frag, err := inline.SplitTyped(src)
	if err != nil {
		return nil, err
	}

	var adapters []*funcptr.Generated
	for _, sig := range opts.Callables {
		adapters = append(adapters, funcptr.MakeCallable(sig))
	}
	for _, sig := range opts.Derefs {
		adapters = append(adapters, funcptr.DerefCallable(sig))
	}

	text, err := boundary.Encode(frag, &boundary.EncodeOptions{
		Adapters:  adapters,
		TableSize: opts.TableSize,
	})
	if err != nil {
		return nil, err
	}

	module, err := r.engine.CompileText(ctx, text)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("fragment compiled",
		zap.Int("params", frag.Arity()),
		zap.String("result", frag.Result),
		zap.Int("adapters", len(adapters)))

	return &Fragment{rt: r, frag: frag, text: text, module: module}, nil
}

// WAT returns the generated wrapper source.
func (f *Fragment) WAT() string { return f.text }

// Params returns the declared fragment parameters.
func (f *Fragment) Params() []inline.Param { return f.frag.Params }

// Result returns the declared result type, "" for void.
func (f *Fragment) Result() string { return f.frag.Result }

// ParamTypes returns the WIT descriptions of the declared parameters.
func (f *Fragment) ParamTypes() ([]wit.Type, error) {
	types := make([]wit.Type, 0, f.frag.Arity())
	for _, p := range f.frag.Params {
		t, err := inline.WitType(p.Type)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// Instantiate creates a fresh guest instance of the fragment. Instances
// do not share memory or allocator state.
func (f *Fragment) Instantiate(ctx context.Context) (*Instance, error) {
	guest, err := f.module.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := guest.Function(boundary.EntryExport)
	if err != nil {
		guest.Close(ctx)
		return nil, err
	}
	return &Instance{rt: f.rt, frag: f.frag, guest: guest, entry: entry}, nil
}

// Close releases the compiled module.
func (f *Fragment) Close(ctx context.Context) error {
	return f.module.Close(ctx)
}
