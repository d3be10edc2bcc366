// Package runtime is the user-facing surface of the library. A Runtime
// owns a wazero engine with the boundary intrinsics installed and the
// protocol state shared by all fragments. Fragments compile once and
// instantiate many times; each Instance offers the three call styles:
//
//   - Try returns the fragment result or the classified exception as a
//     value, leaving the caller to branch.
//   - Throw returns the bare result and surfaces any exception as an
//     error, with host-origin errors unwrapped back to the captured
//     value.
//   - Catch is Throw for fragments that return nothing.
package runtime
