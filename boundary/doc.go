// Package boundary implements the exception protocol for crossings
// between the Go host and a WebAssembly guest.
//
// A crossing wraps a guest fragment so that any failure inside it, an
// explicit raise through the host intrinsics or a wasm trap, is
// classified and transported back to the host through a fixed-layout
// side channel in guest memory instead of unwinding uncontrolled.
// The host side reconstructs a structured Exception from the channel:
// a guest standard exception with its message, a host-origin error
// recovered reference-identical through a durable token, or an
// unknown failure carrying whatever type name is available.
//
// The package splits along the protocol's two halves plus the bridge:
//
//   - Encode wraps a fragment into a complete guest module with the
//     intrinsic imports, the stack allocator, typed throw helpers and
//     the channel-aware entry point.
//   - Protocol hosts the intrinsics and decodes the channel after the
//     call (HandleForeignCatch).
//   - The dispatch intrinsic and CallableRegistry carry host function
//     values into the guest; package funcptr generates the guest glue.
package boundary
