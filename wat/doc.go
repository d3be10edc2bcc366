// Package wat compiles WebAssembly Text format into binary WASM.
//
// Only the core-wasm subset the fragment wrappers generate (and that
// fragments realistically use) is supported:
//
//   - Functions with params, results, locals (named and indexed)
//   - Inline exports on func/memory/table/global, standalone (export ...)
//   - Function imports
//   - Memory, global, table declarations; active data and elem segments
//   - Folded control flow: block, loop, if/then/else, br, br_if, br_table,
//     return, call, call_indirect, unreachable, drop, select
//   - Integer, float, comparison, conversion and reinterpret instructions
//   - Loads/stores with offset= and align= immediates
//   - memory.size, memory.grow
//   - ref.null, ref.func, ref.is_null
//   - Comments: line (;;) and block (; ;)
//
// Not supported: SIMD, threads/atomics, exception handling, GC types,
// passive segments, multi-value block types.
package wat
