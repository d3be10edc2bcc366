// Package errors provides structured error types for the inline-wat library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Use the convenience constructors for common patterns:
//
//	err := errors.ParseFailed("fragment", cause)
//	err := errors.UnknownType(errors.PhaseGenerate, "v128")
//	err := errors.AllocationFailed(errors.PhaseDecode, 40, 8, cause)
//
// All errors implement the standard error interface and support errors.Is/As.
//
// Boundary exceptions (guest failures transported across a crossing) are NOT
// in this package: they are the boundary package's Exception sum type. This
// package covers host-side failures of the machinery itself.
package errors
