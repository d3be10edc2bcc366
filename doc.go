// Package inlinewat embeds WebAssembly text fragments in Go programs and
// propagates guest exceptions back across the host/guest boundary.
//
// A fragment is a typed WAT snippet:
//
//	(param i32) (result i32)
//	(i32.add (local.get 1) (i32.const 1))
//
// The library wraps the fragment in a generated guest module, compiles it,
// and exposes three call styles. A fragment that raises (through the guest
// `$throw` helpers, a wasm trap, or a failing host callback) never unwinds
// uncontrolled: the failure is classified and transported through a fixed
// five-slot side channel in guest linear memory, then surfaced on the host
// side as a structured exception value.
//
// # Architecture Overview
//
//	inlinewat/           Root package with Memory and Allocator interfaces
//	├── runtime/         High-level API: Runtime, Fragment, Try/Throw/Catch
//	├── boundary/        Exception protocol: channel, encoder, decoder, intrinsics
//	├── funcptr/         Per-signature callable adapter generation
//	├── inline/          Fragment splitting and declared-type mapping
//	├── engine/          Low-level wazero integration
//	├── wat/             WAT text to WASM binary compiler
//	├── resource/        Handle table for exception snapshots and error tokens
//	└── errors/          Structured error types
//
// # Quick Start
//
//	rt, err := runtime.New(ctx)
//	defer rt.Close(ctx)
//
//	frag, err := rt.CompileFragment(ctx, `(result i32) (i32.const 42)`)
//	inst, err := frag.Instantiate(ctx)
//	defer inst.Close(ctx)
//
//	v, exc, err := inst.Try(ctx) // 42, nil, nil
//
// A raising fragment:
//
//	frag, _ := rt.CompileFragment(ctx, `(result i32)
//		(data (i32.const 1024) "boom")
//		(call $throw (i32.const 1024) (i32.const 4))`)
//
// Try returns the failure as a *boundary.StdException with Message "boom";
// Throw returns it as a plain error whose text is "boom".
//
// # Thread Safety
//
// Runtime and Fragment are safe for concurrent use. Instance is NOT
// thread-safe: one boundary crossing is in flight per instance at a time.
// Two instances on two goroutines never share a side channel.
package inlinewat
