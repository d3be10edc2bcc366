package boundary

import (
	"strings"
	"testing"

	"github.com/yairchu/inline-wat/funcptr"
	"github.com/yairchu/inline-wat/inline"
	"github.com/yairchu/inline-wat/wat"
)

func mustSplit(t *testing.T, src string) *inline.Fragment {
	t.Helper()
	frag, err := inline.SplitTyped(src)
	if err != nil {
		t.Fatalf("SplitTyped: %v", err)
	}
	return frag
}

func TestEncode_Wrapper(t *testing.T) {
	frag := mustSplit(t, `(param $a i32) (param $b i32) (result i32)
		(i32.add (local.get $a) (local.get $b))`)

	text, err := Encode(frag, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, want := range []string{
		`(import "boundary" "raise_std"`,
		`(import "boundary" "raise_any"`,
		`(import "boundary" "rethrow"`,
		`(import "boundary" "dispatch"`,
		`(memory (export "memory") 2)`,
		`(table (export "__bp_table") 16 funcref)`,
		`(export "__bp_alloc")`,
		`(export "__bp_free")`,
		`(export "__bp_mark")`,
		`(export "__bp_release")`,
		`(func $throw `,
		`(func $throw_std `,
		`(func $throw_any `,
		`(func $rethrow `,
		`(export "__bp_entry")`,
		// channel param after the user params, so indices hold
		`(param $a i32) (param $b i32) (param $__bp_chan i32) (result i32)`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("wrapper missing %q", want)
		}
	}

	// The wrapper must be compilable as-is.
	if _, err := wat.Compile(text); err != nil {
		t.Errorf("generated wrapper does not compile: %v\n%s", err, text)
	}
}

func TestEncode_PlaceholderInHelpers(t *testing.T) {
	tests := []struct {
		result string
		want   string
	}{
		{"i32", "(i32.const 0)"},
		{"f64", "(f64.const 0)"},
	}
	for _, tt := range tests {
		frag := &inline.Fragment{Result: tt.result, Body: "(unreachable)"}
		text, err := Encode(frag, nil)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if !strings.Contains(text, tt.want) {
			t.Errorf("result %s: helpers missing placeholder %s", tt.result, tt.want)
		}
		if _, err := wat.Compile(text); err != nil {
			t.Errorf("result %s: wrapper does not compile: %v", tt.result, err)
		}
	}
}

func TestEncode_VoidFragment(t *testing.T) {
	frag := mustSplit(t, `(nop)`)
	text, err := Encode(frag, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(text, "(result") {
		t.Error("void wrapper must not declare results")
	}
	if _, err := wat.Compile(text); err != nil {
		t.Errorf("void wrapper does not compile: %v", err)
	}
}

func TestEncode_HoistedForms(t *testing.T) {
	frag := mustSplit(t, `(result i32)
		(data (i32.const 64) "boom")
		(func $helper (result i32) (i32.const 7))
		(call $helper)`)

	text, err := Encode(frag, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(text, `(data (i32.const 64) "boom")`) {
		t.Error("data segment not spliced")
	}
	if _, err := wat.Compile(text); err != nil {
		t.Errorf("wrapper with hoisted forms does not compile: %v\n%s", err, text)
	}
}

func TestEncode_HoistedImportOrdering(t *testing.T) {
	frag := &inline.Fragment{
		Hoisted: []string{`(import "env" "tick" (func $tick))`},
		Body:    "(call $tick)",
	}
	text, err := Encode(frag, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Imports must land before any function definition.
	if _, err := wat.Compile(text); err != nil {
		t.Errorf("wrapper with hoisted import does not compile: %v\n%s", err, text)
	}
}

func TestEncode_AdapterSplicing(t *testing.T) {
	sig, err := funcptr.Normalize([]string{"i32"}, "i32")
	if err != nil {
		t.Fatal(err)
	}
	inv := funcptr.MakeCallable(sig)
	deref := funcptr.DerefCallable(sig)

	frag := mustSplit(t, `(param $cb i32) (result i32)
		(call $` + inv.Name + ` (local.get $cb) (i32.const 5))`)

	text, err := Encode(frag, &EncodeOptions{Adapters: []*funcptr.Generated{inv, deref}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(text, "$"+inv.Name) || !strings.Contains(text, "$"+deref.Name) {
		t.Error("adapters not spliced into wrapper")
	}
	if _, err := wat.Compile(text); err != nil {
		t.Errorf("wrapper with adapters does not compile: %v\n%s", err, text)
	}
}

func TestEncode_RejectsOwnMemory(t *testing.T) {
	for _, src := range []string{
		`(memory 1) (nop)`,
		`(table 4 funcref) (nop)`,
	} {
		frag := mustSplit(t, src)
		if _, err := Encode(frag, nil); err == nil {
			t.Errorf("Encode should reject fragment %q", src)
		}
	}
}
