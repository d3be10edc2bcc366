package inline

import (
	"strings"
	"testing"
)

func TestSplitTyped_ParamsAndResult(t *testing.T) {
	frag, err := SplitTyped(`(param $a i32) (param $b i32) (result i32)
		(i32.add (local.get $a) (local.get $b))`)
	if err != nil {
		t.Fatalf("SplitTyped: %v", err)
	}

	if len(frag.Params) != 2 {
		t.Fatalf("Params = %d, want 2", len(frag.Params))
	}
	if frag.Params[0].Name != "$a" || frag.Params[0].Type != "i32" {
		t.Errorf("Params[0] = %+v", frag.Params[0])
	}
	if frag.Result != "i32" {
		t.Errorf("Result = %q, want i32", frag.Result)
	}
	if !strings.Contains(frag.Body, "i32.add") {
		t.Errorf("Body = %q", frag.Body)
	}
	if len(frag.Hoisted) != 0 {
		t.Errorf("Hoisted = %v, want none", frag.Hoisted)
	}
}

func TestSplitTyped_PositionalParams(t *testing.T) {
	frag, err := SplitTyped(`(param i32 i64 f64) (drop (local.get 0))`)
	if err != nil {
		t.Fatalf("SplitTyped: %v", err)
	}
	want := []string{"i32", "i64", "f64"}
	if len(frag.Params) != len(want) {
		t.Fatalf("Params = %d, want %d", len(frag.Params), len(want))
	}
	for i, p := range frag.Params {
		if p.Name != "" || p.Type != want[i] {
			t.Errorf("Params[%d] = %+v, want positional %s", i, p, want[i])
		}
	}
}

func TestSplitTyped_Void(t *testing.T) {
	frag, err := SplitTyped(`(nop)`)
	if err != nil {
		t.Fatalf("SplitTyped: %v", err)
	}
	if frag.Result != "" || len(frag.Params) != 0 {
		t.Errorf("void fragment = %+v", frag)
	}
}

func TestSplitTyped_HoistsModuleForms(t *testing.T) {
	frag, err := SplitTyped(`(result i32)
		(data (i32.const 64) "payload")
		(func $helper (result i32) (i32.const 7))
		(call $helper)`)
	if err != nil {
		t.Fatalf("SplitTyped: %v", err)
	}

	if len(frag.Hoisted) != 2 {
		t.Fatalf("Hoisted = %d forms, want 2", len(frag.Hoisted))
	}
	if !strings.HasPrefix(frag.Hoisted[0], "(data") {
		t.Errorf("Hoisted[0] = %q", frag.Hoisted[0])
	}
	if !strings.HasPrefix(frag.Hoisted[1], "(func") {
		t.Errorf("Hoisted[1] = %q", frag.Hoisted[1])
	}
	if strings.Contains(frag.Body, "data") {
		t.Errorf("Body still contains hoisted form: %q", frag.Body)
	}
	if !strings.Contains(frag.Body, "call $helper") {
		t.Errorf("Body = %q", frag.Body)
	}
}

func TestSplitTyped_ParensInStringsAndComments(t *testing.T) {
	frag, err := SplitTyped(`(result i32)
		;; a comment with ) and (
		(data (i32.const 0) "contains ( and )")
		(i32.const 1)`)
	if err != nil {
		t.Fatalf("SplitTyped: %v", err)
	}
	if len(frag.Hoisted) != 1 {
		t.Fatalf("Hoisted = %v", frag.Hoisted)
	}
	if !strings.Contains(frag.Body, "i32.const 1") {
		t.Errorf("Body = %q", frag.Body)
	}
}

func TestSplitTyped_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unclosed list", `(param $a i32) (i32.add`},
		{"param after body", `(nop) (param $late i32)`},
		{"result after body", `(nop) (result i32)`},
		{"two result types", `(result i32 i64) (nop)`},
		{"empty param", `(param) (nop)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := SplitTyped(tt.src); err == nil {
				t.Error("SplitTyped should fail")
			}
		})
	}
}
