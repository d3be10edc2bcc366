// Package funcptr generates the guest-side glue that lets function
// values cross the boundary in both directions.
//
// A host function crossing into the guest becomes a registry id plus a
// per-signature invoke adapter: guest code calls the adapter with the
// id and the arguments, the adapter spills the arguments to an argv
// block and hands off to the dispatch intrinsic. A guest function
// crossing out becomes a table index plus a per-signature deref shim
// the host calls, which forwards through call_indirect.
//
// Adapters are generated once per signature for the lifetime of the
// process. Generated names carry a fresh counter value so they can
// never collide with user fragment identifiers or each other.
//
// The generated text assumes the wrapper module environment: the
// allocator functions $__bp_alloc/$__bp_free and the $__bp_dispatch
// import must be in scope at module level.
package funcptr

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yairchu/inline-wat/errors"
)

// Signature is a declared guest function signature.
type Signature struct {
	Params []string
	Result string // "" for void
}

// Normalize validates the declared types and returns a canonical
// signature.
func Normalize(params []string, result string) (Signature, error) {
	for _, p := range params {
		if typeCode(p) == 0 {
			return Signature{}, errors.InvalidSignature(
				fmt.Sprintf("unsupported parameter type %q", p))
		}
	}
	if result != "" && typeCode(result) == 0 {
		return Signature{}, errors.InvalidSignature(
			fmt.Sprintf("unsupported result type %q", result))
	}
	return Signature{Params: append([]string(nil), params...), Result: result}, nil
}

// Key returns the canonical signature key, e.g. "iid_f" for
// (i32, i32, f64) -> f32 and "_v" for a nullary void function.
func (s Signature) Key() string {
	var b strings.Builder
	for _, p := range s.Params {
		b.WriteByte(typeCode(p))
	}
	b.WriteByte('_')
	if s.Result == "" {
		b.WriteByte('v')
	} else {
		b.WriteByte(typeCode(s.Result))
	}
	return b.String()
}

func typeCode(declared string) byte {
	switch declared {
	case "i32":
		return 'i'
	case "i64":
		return 'j'
	case "f32":
		return 'f'
	case "f64":
		return 'd'
	}
	return 0
}

// Generated is one adapter: its guest identifier and the module-scope
// WAT text declaring it.
type Generated struct {
	Sig  Signature
	Name string // without the leading $
	Text string
}

var (
	nameCounter atomic.Uint64

	memoMu  sync.Mutex
	invokes = map[string]*Generated{}
	derefs  = map[string]*Generated{}
)

func freshName(prefix, key string) string {
	return fmt.Sprintf("__bp_%s_%s_%d", prefix, key, nameCounter.Add(1))
}

// MakeCallable returns the invoke adapter for a signature, generating
// it on first use.
func MakeCallable(sig Signature) *Generated {
	key := sig.Key()

	memoMu.Lock()
	defer memoMu.Unlock()
	if g, ok := invokes[key]; ok {
		return g
	}
	g := generateInvoke(sig, freshName("invoke", key))
	invokes[key] = g
	return g
}

// DerefCallable returns the deref shim for a signature, generating it
// on first use. The shim is exported so the host can call it.
func DerefCallable(sig Signature) *Generated {
	key := sig.Key()

	memoMu.Lock()
	defer memoMu.Unlock()
	if g, ok := derefs[key]; ok {
		return g
	}
	g := generateDeref(sig, freshName("deref", key))
	derefs[key] = g
	return g
}

// generateInvoke builds the guest adapter
//
//	(func $NAME (param $id i32) (param user...) (result R?) ...)
//
// which spills the user arguments into an 8-byte-slot argv block and
// calls the dispatch intrinsic.
func generateInvoke(sig Signature, name string) *Generated {
	var b strings.Builder
	fmt.Fprintf(&b, "(func $%s (param $__bp_id i32)", name)
	for i, p := range sig.Params {
		fmt.Fprintf(&b, " (param $__bp_a%d %s)", i, p)
	}
	if sig.Result != "" {
		fmt.Fprintf(&b, " (result %s)", sig.Result)
	}
	b.WriteString("\n")

	argvSize := 8 * len(sig.Params)
	if argvSize > 0 {
		b.WriteString("  (local $__bp_argv i32)\n")
		if sig.Result != "" {
			b.WriteString("  (local $__bp_r i64)\n")
		}
		fmt.Fprintf(&b,
			"  (local.set $__bp_argv (call $__bp_alloc (i32.const %d) (i32.const 8)))\n",
			argvSize)
		for i, p := range sig.Params {
			fmt.Fprintf(&b, "  (i64.store offset=%d (local.get $__bp_argv) %s)\n",
				8*i, toI64(p, fmt.Sprintf("(local.get $__bp_a%d)", i)))
		}
	}

	argv := "(i32.const 0)"
	if argvSize > 0 {
		argv = "(local.get $__bp_argv)"
	}
	dispatch := fmt.Sprintf("(call $__bp_dispatch (local.get $__bp_id) %s)", argv)

	if sig.Result == "" {
		fmt.Fprintf(&b, "  (drop %s)\n", dispatch)
		if argvSize > 0 {
			fmt.Fprintf(&b, "  (call $__bp_free (local.get $__bp_argv) (i32.const %d))\n", argvSize)
		}
	} else if argvSize > 0 {
		// The argv block must be freed before the result leaves the
		// frame, so the raw result is parked in a local.
		fmt.Fprintf(&b, "  (local.set $__bp_r %s)\n", dispatch)
		fmt.Fprintf(&b, "  (call $__bp_free (local.get $__bp_argv) (i32.const %d))\n", argvSize)
		fmt.Fprintf(&b, "  %s\n", fromI64(sig.Result, "(local.get $__bp_r)"))
	} else {
		fmt.Fprintf(&b, "  %s\n", fromI64(sig.Result, dispatch))
	}
	b.WriteString(")")

	return &Generated{Sig: sig, Name: name, Text: b.String()}
}

// generateDeref builds the exported shim
//
//	(func $NAME (export "NAME") (param $idx i32) (param user...) (result R?) ...)
//
// forwarding through call_indirect on the boundary table.
func generateDeref(sig Signature, name string) *Generated {
	var b strings.Builder
	fmt.Fprintf(&b, "(func $%s (export %q) (param $__bp_idx i32)", name, name)
	for i, p := range sig.Params {
		fmt.Fprintf(&b, " (param $__bp_a%d %s)", i, p)
	}
	if sig.Result != "" {
		fmt.Fprintf(&b, " (result %s)", sig.Result)
	}
	b.WriteString("\n  (call_indirect")
	for _, p := range sig.Params {
		fmt.Fprintf(&b, " (param %s)", p)
	}
	if sig.Result != "" {
		fmt.Fprintf(&b, " (result %s)", sig.Result)
	}
	for i := range sig.Params {
		fmt.Fprintf(&b, "\n    (local.get $__bp_a%d)", i)
	}
	b.WriteString("\n    (local.get $__bp_idx)))")

	return &Generated{Sig: sig, Name: name, Text: b.String()}
}

func toI64(declared, operand string) string {
	switch declared {
	case "i32":
		return fmt.Sprintf("(i64.extend_i32_u %s)", operand)
	case "i64":
		return operand
	case "f32":
		return fmt.Sprintf("(i64.extend_i32_u (i32.reinterpret_f32 %s))", operand)
	case "f64":
		return fmt.Sprintf("(i64.reinterpret_f64 %s)", operand)
	}
	return operand
}

func fromI64(declared, operand string) string {
	switch declared {
	case "i32":
		return fmt.Sprintf("(i32.wrap_i64 %s)", operand)
	case "i64":
		return operand
	case "f32":
		return fmt.Sprintf("(f32.reinterpret_i32 (i32.wrap_i64 %s))", operand)
	case "f64":
		return fmt.Sprintf("(f64.reinterpret_i64 %s)", operand)
	}
	return operand
}
