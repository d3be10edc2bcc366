package engine

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero/api"
)

const allocatorModule = `(module
  (memory (export "memory") 1)
  (global $bp (mut i32) (i32.const 1024))
  (func (export "__bp_alloc") (param $size i32) (param $align i32) (result i32)
    (local $p i32)
    (local.set $p
      (i32.and
        (i32.add (global.get $bp) (i32.sub (local.get $align) (i32.const 1)))
        (i32.sub (i32.const 0) (local.get $align))))
    (global.set $bp (i32.add (local.get $p) (local.get $size)))
    (local.get $p))
  (func (export "__bp_free") (param $ptr i32) (param $size i32)
    (if (i32.eq (i32.add (local.get $ptr) (local.get $size)) (global.get $bp))
      (then (global.set $bp (local.get $ptr)))))
  (func (export "__bp_mark") (result i32) (global.get $bp))
  (func (export "__bp_release") (param $m i32) (global.set $bp (local.get $m)))
  (func (export "add") (param $a i32) (param $b i32) (result i32)
    (i32.add (local.get $a) (local.get $b))))`

func newInstance(t *testing.T) (*Engine, *Instance) {
	t.Helper()
	ctx := context.Background()

	eng, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close(ctx) })

	mod, err := eng.CompileText(ctx, allocatorModule)
	if err != nil {
		t.Fatalf("CompileText: %v", err)
	}
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { inst.Close(ctx) })
	return eng, inst
}

func TestInstance_CallExport(t *testing.T) {
	_, inst := newInstance(t)

	fn, err := inst.Function("add")
	if err != nil {
		t.Fatal(err)
	}
	res, err := fn.Call(context.Background(), 2, 40)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 1 || api.DecodeI32(res[0]) != 42 {
		t.Errorf("add = %v, want 42", res)
	}

	if _, err := inst.Function("missing"); err == nil {
		t.Error("Function(missing) should fail")
	}
}

func TestInstance_Memory(t *testing.T) {
	_, inst := newInstance(t)
	mem := inst.Memory()

	if err := mem.Write(64, []byte("boundary")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := mem.Read(64, 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "boundary" {
		t.Errorf("Read = %q", data)
	}

	if err := mem.WriteU64(128, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU64(128); v != 0xDEADBEEF {
		t.Errorf("ReadU64 = %#x", v)
	}

	if _, err := mem.Read(1<<30, 8); err == nil {
		t.Error("out of bounds read should fail")
	}
}

func TestAllocator_StackDiscipline(t *testing.T) {
	_, inst := newInstance(t)
	alloc := inst.Allocator()

	base, err := alloc.Mark()
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}

	p1, err := alloc.Alloc(40, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if p1%8 != 0 {
		t.Errorf("ptr %d not 8-aligned", p1)
	}
	p2, err := alloc.Alloc(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	if p2 <= p1 {
		t.Errorf("second allocation %d not above first %d", p2, p1)
	}

	// Freeing in reverse order returns the watermark to its base.
	alloc.Free(p2, 16)
	alloc.Free(p1, 40)
	after, err := alloc.Mark()
	if err != nil {
		t.Fatal(err)
	}
	if after != base {
		t.Errorf("watermark = %d after frees, want %d", after, base)
	}
}

func TestAllocator_MarkRelease(t *testing.T) {
	_, inst := newInstance(t)
	alloc := inst.Allocator()

	base, err := alloc.Mark()
	if err != nil {
		t.Fatal(err)
	}
	for range 100 {
		if _, err := alloc.Alloc(64, 8); err != nil {
			t.Fatal(err)
		}
	}
	if err := alloc.Release(base); err != nil {
		t.Fatalf("Release: %v", err)
	}
	after, err := alloc.Mark()
	if err != nil {
		t.Fatal(err)
	}
	if after != base {
		t.Errorf("watermark = %d after release, want %d", after, base)
	}
}

func TestDefineHostModule(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close(ctx)

	var got uint64
	err = eng.DefineHostModule(ctx, "host", []HostFunc{{
		Name: "observe",
		Fn: func(_ context.Context, _ api.Module, stack []uint64) {
			got = stack[0]
		},
		Params: []api.ValueType{api.ValueTypeI64},
	}})
	if err != nil {
		t.Fatalf("DefineHostModule: %v", err)
	}

	mod, err := eng.CompileText(ctx, `(module
	  (import "host" "observe" (func $observe (param i64)))
	  (func (export "run") (call $observe (i64.const 7))))`)
	if err != nil {
		t.Fatalf("CompileText: %v", err)
	}
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	fn, err := inst.Function("run")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fn.Call(ctx); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 7 {
		t.Errorf("host observed %d, want 7", got)
	}
}
