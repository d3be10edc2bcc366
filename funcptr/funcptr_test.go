package funcptr

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	sig, err := Normalize([]string{"i32", "f64"}, "i64")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if sig.Key() != "id_j" {
		t.Errorf("Key = %q, want id_j", sig.Key())
	}

	void, err := Normalize(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if void.Key() != "_v" {
		t.Errorf("void Key = %q, want _v", void.Key())
	}

	if _, err := Normalize([]string{"v128"}, ""); err == nil {
		t.Error("Normalize should reject unknown param type")
	}
	if _, err := Normalize(nil, "funcref"); err == nil {
		t.Error("Normalize should reject unknown result type")
	}
}

func TestMakeCallable_Memoized(t *testing.T) {
	sig, _ := Normalize([]string{"i32", "i32"}, "i32")

	a := MakeCallable(sig)
	b := MakeCallable(sig)
	if a != b {
		t.Error("same signature must return the same adapter")
	}

	other, _ := Normalize([]string{"i64"}, "i64")
	c := MakeCallable(other)
	if c.Name == a.Name {
		t.Error("distinct signatures must get distinct names")
	}
}

func TestMakeCallable_Text(t *testing.T) {
	sig, _ := Normalize([]string{"i32", "f64"}, "f32")
	g := MakeCallable(sig)

	for _, want := range []string{
		"(func $" + g.Name,
		"(param $__bp_id i32)",
		"(result f32)",
		"call $__bp_alloc",
		"call $__bp_dispatch",
		"call $__bp_free",
		"i64.store offset=8",
		"f32.reinterpret_i32",
	} {
		if !strings.Contains(g.Text, want) {
			t.Errorf("adapter text missing %q:\n%s", want, g.Text)
		}
	}
}

func TestMakeCallable_VoidNullary(t *testing.T) {
	sig, _ := Normalize(nil, "")
	g := MakeCallable(sig)

	if strings.Contains(g.Text, "__bp_alloc") {
		t.Error("nullary adapter must not allocate an argv block")
	}
	if !strings.Contains(g.Text, "(drop (call $__bp_dispatch") {
		t.Errorf("void adapter must drop the dispatch result:\n%s", g.Text)
	}
}

func TestDerefCallable(t *testing.T) {
	sig, _ := Normalize([]string{"i32"}, "i32")

	a := DerefCallable(sig)
	if a != DerefCallable(sig) {
		t.Error("same signature must return the same shim")
	}

	for _, want := range []string{
		"(export \"" + a.Name + "\")",
		"call_indirect",
		"(param i32)",
		"(result i32)",
		"(local.get $__bp_idx)",
	} {
		if !strings.Contains(a.Text, want) {
			t.Errorf("shim text missing %q:\n%s", want, a.Text)
		}
	}

	inv := MakeCallable(sig)
	if inv.Name == a.Name {
		t.Error("invoke adapter and deref shim must not share a name")
	}
}

func TestFreshNames_NoCollision(t *testing.T) {
	seen := map[string]bool{}
	for _, params := range [][]string{
		{"i32"}, {"i64"}, {"f32"}, {"f64"}, {"i32", "i32"},
	} {
		sig, err := Normalize(params, "i32")
		if err != nil {
			t.Fatal(err)
		}
		for _, g := range []*Generated{MakeCallable(sig), DerefCallable(sig)} {
			if seen[g.Name] {
				t.Errorf("name %q generated twice", g.Name)
			}
			seen[g.Name] = true
			if !strings.HasPrefix(g.Name, "__bp_") {
				t.Errorf("generated name %q lacks reserved prefix", g.Name)
			}
		}
	}
}
