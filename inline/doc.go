// Package inline parses typed WAT fragments.
//
// A fragment is a WAT instruction sequence with an optional typed
// prefix and optional module-level forms mixed into the text:
//
//	(param $a i32) (param $b i32) (result i32)
//	(data (i32.const 64) "greeting")
//	(i32.add (local.get $a) (local.get $b))
//
// SplitTyped separates the prefix (params and result), hoists the
// module-level forms (func, data, type, elem, global and friends) out
// of the instruction text, and leaves the rest as the fragment body.
// The wrapper generator splices hoisted forms at module scope and the
// body into the generated entry function.
package inline
