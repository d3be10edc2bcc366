package runtime

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/yairchu/inline-wat/boundary"
	"github.com/yairchu/inline-wat/funcptr"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func instantiate(t *testing.T, rt *Runtime, src string, opts *FragmentOptions) *Instance {
	t.Helper()
	ctx := context.Background()
	frag, err := rt.CompileFragmentWithOptions(ctx, src, opts)
	if err != nil {
		t.Fatalf("CompileFragment: %v", err)
	}
	t.Cleanup(func() { frag.Close(ctx) })
	inst, err := frag.Instantiate(ctx)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { inst.Close(ctx) })
	return inst
}

func TestTry_ReturnsFragmentValue(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, `(result i32) (i32.const 42)`, nil)

	value, exc, err := inst.Try(context.Background())
	if err != nil || exc != nil {
		t.Fatalf("Try = (%v, %v)", exc, err)
	}
	if value != int32(42) {
		t.Errorf("value = %v, want 42", value)
	}

	got, err := inst.Throw(context.Background())
	if err != nil {
		t.Fatalf("Throw: %v", err)
	}
	if got != int32(42) {
		t.Errorf("Throw value = %v, want 42", got)
	}
}

func TestTry_Parameters(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, `(param $a i32) (param $b i32) (result i32)
		(i32.add (local.get $a) (local.get $b))`, nil)

	value, exc, err := inst.Try(context.Background(), 40, 2)
	if err != nil || exc != nil {
		t.Fatalf("Try = (%v, %v)", exc, err)
	}
	if value != int32(42) {
		t.Errorf("value = %v, want 42", value)
	}

	if _, _, err := inst.Try(context.Background(), 40); err == nil {
		t.Error("arity mismatch must fail before the call")
	}
}

func TestTry_Float64RoundTrip(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, `(param $x f64) (result f64)
		(f64.mul (local.get $x) (f64.const 2))`, nil)

	value, exc, err := inst.Try(context.Background(), 3.25)
	if err != nil || exc != nil {
		t.Fatalf("Try = (%v, %v)", exc, err)
	}
	if value != float64(6.5) {
		t.Errorf("value = %v, want 6.5", value)
	}
}

const stdThrowFragment = `(result i32)
	(data (i32.const 64) "boomstd::runtime_error")
	(call $throw_std (i32.const 64) (i32.const 4) (i32.const 68) (i32.const 18))`

func TestThrow_StdException(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, stdThrowFragment, nil)

	_, exc, err := inst.Try(context.Background())
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	std, ok := exc.(*boundary.StdException)
	if !ok {
		t.Fatalf("exception type %T", exc)
	}
	if std.Message != "boom" {
		t.Errorf("Message = %q, want boom", std.Message)
	}
	if std.TypeName != "std::runtime_error" {
		t.Errorf("TypeName = %q", std.TypeName)
	}
	std.Snapshot.Close()

	// Throw style: the raw message is the error text.
	_, terr := inst.Throw(context.Background())
	if terr == nil || terr.Error() != "boom" {
		t.Errorf("Throw error = %v, want boom", terr)
	}
	if std, ok := terr.(*boundary.StdException); ok {
		std.Snapshot.Close()
	}
}

func TestThrow_MessageOnly(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, `(result i32)
		(data (i32.const 64) "plain failure")
		(call $throw (i32.const 64) (i32.const 13))`, nil)

	_, exc, err := inst.Try(context.Background())
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	std := exc.(*boundary.StdException)
	if std.Message != "plain failure" || std.TypeName != "" {
		t.Errorf("exception = %q / %q", std.Message, std.TypeName)
	}
	std.Snapshot.Close()
}

func TestThrow_UnknownType(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, `(result i32)
		(call $throw_any (i32.const 0) (i32.const 0))`, nil)

	_, exc, err := inst.Try(context.Background())
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	unk, ok := exc.(*boundary.UnknownException)
	if !ok {
		t.Fatalf("exception type %T", exc)
	}
	if unk.Error() != "exception of unknown type" {
		t.Errorf("Error() = %q", unk.Error())
	}
	unk.Snapshot.Close()
}

func TestTrap_BecomesUnknownException(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, `(result i32) (unreachable)`, nil)

	_, exc, err := inst.Try(context.Background())
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	unk, ok := exc.(*boundary.UnknownException)
	if !ok {
		t.Fatalf("exception type %T", exc)
	}
	if unk.TypeName == "" {
		t.Error("trap should carry a type name")
	}
	if unk.Snapshot.Trap() == nil {
		t.Error("trap snapshot must keep the call error")
	}
	unk.Snapshot.Close()
}

func TestRethrow_HostErrorIdentity(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, `(param $tok i32) (result i32)
		(call $rethrow (local.get $tok))`, nil)

	original := stderrors.New("host failure")
	token := rt.CaptureError(original)

	_, err := inst.Throw(context.Background(), token)
	if err != original {
		t.Errorf("Throw error = %v, want the captured error itself", err)
	}

	// Recovery consumed the token; a second rethrow cannot resolve it.
	if _, _, err := inst.Try(context.Background(), token); err == nil {
		t.Error("stale token must be a decode error")
	}
}

func TestCallable_RoundTrip(t *testing.T) {
	rt := newRuntime(t)

	id, err := rt.RegisterCallable([]string{"i32", "i32"}, "i32",
		func(_ context.Context, args []any) (any, error) {
			return args[0].(int32) + args[1].(int32), nil
		})
	if err != nil {
		t.Fatal(err)
	}

	sig, _ := funcptr.Normalize([]string{"i32", "i32"}, "i32")
	adapter := funcptr.MakeCallable(sig)

	inst := instantiate(t, rt, `(param $id i32) (result i32)
		(call $`+adapter.Name+` (local.get $id) (i32.const 40) (i32.const 2))`,
		&FragmentOptions{Callables: []funcptr.Signature{sig}})

	value, exc, err := inst.Try(context.Background(), token32(id))
	if err != nil || exc != nil {
		t.Fatalf("Try = (%v, %v)", exc, err)
	}
	if value != int32(42) {
		t.Errorf("value = %v, want 42", value)
	}
}

func TestCallable_ErrorCrossesAsHostException(t *testing.T) {
	rt := newRuntime(t)

	failure := stderrors.New("callback failed")
	id, err := rt.RegisterCallable(nil, "", func(context.Context, []any) (any, error) {
		return nil, failure
	})
	if err != nil {
		t.Fatal(err)
	}

	sig, _ := funcptr.Normalize(nil, "")
	adapter := funcptr.MakeCallable(sig)

	inst := instantiate(t, rt, `(param $id i32)
		(call $`+adapter.Name+` (local.get $id))`,
		&FragmentOptions{Callables: []funcptr.Signature{sig}})

	err = inst.Catch(context.Background(), token32(id))
	if err != failure {
		t.Errorf("Catch error = %v, want the callback's error itself", err)
	}
}

func TestCatch_Idempotent(t *testing.T) {
	rt := newRuntime(t)

	count := 0
	id, err := rt.RegisterCallable(nil, "", func(context.Context, []any) (any, error) {
		count++
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	sig, _ := funcptr.Normalize(nil, "")
	adapter := funcptr.MakeCallable(sig)

	inst := instantiate(t, rt, `(param $id i32)
		(call $`+adapter.Name+` (local.get $id))`,
		&FragmentOptions{Callables: []funcptr.Signature{sig}})

	for i := 0; i < 2; i++ {
		if err := inst.Catch(context.Background(), token32(id)); err != nil {
			t.Fatalf("Catch #%d: %v", i+1, err)
		}
	}
	if count != 2 {
		t.Errorf("callable ran %d times, want 2", count)
	}
	if rt.LiveSnapshots() != 0 {
		t.Errorf("LiveSnapshots = %d, want 0", rt.LiveSnapshots())
	}
}

func TestGuestFunc_CallThroughTable(t *testing.T) {
	rt := newRuntime(t)

	sig, _ := funcptr.Normalize([]string{"i32"}, "i32")
	inst := instantiate(t, rt, `(result i32)
		(func $double (param $x i32) (result i32)
			(i32.mul (local.get $x) (i32.const 2)))
		(elem (i32.const 0) $double)
		(i32.const 0)`,
		&FragmentOptions{Derefs: []funcptr.Signature{sig}})

	double, err := inst.GuestFunc(sig, 0)
	if err != nil {
		t.Fatal(err)
	}
	value, err := double(context.Background(), 21)
	if err != nil {
		t.Fatal(err)
	}
	if value != int32(42) {
		t.Errorf("double(21) = %v, want 42", value)
	}
}

func TestConcurrentInstancesAreIsolated(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	frag, err := rt.CompileFragment(ctx, `(param $x i32) (result i32)
		(i32.add (local.get $x) (i32.const 1))`)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { frag.Close(ctx) })

	throwFrag, err := rt.CompileFragment(ctx, stdThrowFragment)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { throwFrag.Close(ctx) })

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		inst, err := frag.Instantiate(ctx)
		if err != nil {
			errs <- err
			return
		}
		defer inst.Close(ctx)
		for i := 0; i < 200; i++ {
			value, exc, err := inst.Try(ctx, i)
			if err != nil || exc != nil {
				errs <- stderrors.New("adder crossing failed")
				return
			}
			if value != int32(i+1) {
				errs <- stderrors.New("adder saw a foreign result")
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		inst, err := throwFrag.Instantiate(ctx)
		if err != nil {
			errs <- err
			return
		}
		defer inst.Close(ctx)
		for i := 0; i < 200; i++ {
			_, exc, err := inst.Try(ctx)
			if err != nil {
				errs <- err
				return
			}
			std, ok := exc.(*boundary.StdException)
			if !ok || std.Message != "boom" {
				errs <- stderrors.New("thrower saw a foreign exception")
				return
			}
			std.Snapshot.Close()
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRepeatedThrowsStayFlat(t *testing.T) {
	rt := newRuntime(t)
	inst := instantiate(t, rt, stdThrowFragment, nil)
	ctx := context.Background()

	// Warm up, then watch memory and snapshot counts over many
	// crossings.
	_, exc, err := inst.Try(ctx)
	if err != nil {
		t.Fatal(err)
	}
	exc.(*boundary.StdException).Snapshot.Close()
	size := inst.MemorySize()

	for i := 0; i < 10000; i++ {
		_, exc, err := inst.Try(ctx)
		if err != nil {
			t.Fatal(err)
		}
		exc.(*boundary.StdException).Snapshot.Close()
	}
	if got := inst.MemorySize(); got != size {
		t.Errorf("guest memory grew from %d to %d over repeated throws", size, got)
	}
	if rt.LiveSnapshots() != 0 {
		t.Errorf("LiveSnapshots = %d leaked", rt.LiveSnapshots())
	}
}

// token32 keeps the callable id in the i32 range the fragments expect.
func token32(id uint32) int32 { return int32(id) }
