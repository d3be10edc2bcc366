package inline

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/yairchu/inline-wat/errors"
)

// Placeholder returns the dead result literal for a declared type. The
// literal only exists to satisfy validation in positions the unwind
// makes unreachable; an unrecognized type falls back to the empty
// literal and compilation reports the real problem.
func Placeholder(declared string) string {
	switch declared {
	case "i32":
		return "(i32.const 0)"
	case "i64":
		return "(i64.const 0)"
	case "f32":
		return "(f32.const 0)"
	case "f64":
		return "(f64.const 0)"
	case "funcref":
		return "(ref.null func)"
	case "externref":
		return "(ref.null extern)"
	}
	return ""
}

// WitType maps a declared wasm value type to its WIT description.
func WitType(declared string) (wit.Type, error) {
	switch declared {
	case "i32":
		return wit.S32{}, nil
	case "i64":
		return wit.S64{}, nil
	case "f32":
		return wit.F32{}, nil
	case "f64":
		return wit.F64{}, nil
	}
	return nil, errors.UnknownType(errors.PhaseParse, declared)
}

// HostValue converts a raw stack value into the Go representation of
// the declared type.
func HostValue(declared string, raw uint64) (any, error) {
	switch declared {
	case "i32":
		return api.DecodeI32(raw), nil
	case "i64":
		return int64(raw), nil
	case "f32":
		return api.DecodeF32(raw), nil
	case "f64":
		return api.DecodeF64(raw), nil
	}
	return nil, errors.UnknownType(errors.PhaseDecode, declared)
}

// RawValue converts a Go argument into the raw stack representation of
// the declared type.
func RawValue(declared string, v any) (uint64, error) {
	switch declared {
	case "i32":
		switch x := v.(type) {
		case int32:
			return api.EncodeI32(x), nil
		case int:
			return api.EncodeI32(int32(x)), nil
		case uint32:
			return api.EncodeI32(int32(x)), nil
		}
	case "i64":
		switch x := v.(type) {
		case int64:
			return uint64(x), nil
		case int:
			return uint64(int64(x)), nil
		case uint64:
			return x, nil
		}
	case "f32":
		switch x := v.(type) {
		case float32:
			return api.EncodeF32(x), nil
		case float64:
			return api.EncodeF32(float32(x)), nil
		}
	case "f64":
		switch x := v.(type) {
		case float64:
			return api.EncodeF64(x), nil
		case float32:
			return api.EncodeF64(float64(x)), nil
		}
	default:
		return 0, errors.UnknownType(errors.PhaseCall, declared)
	}
	return 0, &errors.Error{
		Phase:    errors.PhaseCall,
		Kind:     errors.KindInvalidInput,
		WasmType: declared,
		GoType:   fmt.Sprintf("%T", v),
	}
}
