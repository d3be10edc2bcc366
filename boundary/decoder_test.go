package boundary

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/yairchu/inline-wat/errors"
)

// fakeMem is an in-process linear memory for decoder tests.
type fakeMem struct {
	data []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{data: make([]byte, size)} }

func (m *fakeMem) Read(offset, length uint32) ([]byte, error) {
	if int(offset)+int(length) > len(m.data) {
		return nil, errors.OutOfBounds(errors.PhaseDecode, offset, length)
	}
	return m.data[offset : offset+length], nil
}

func (m *fakeMem) Write(offset uint32, data []byte) error {
	if int(offset)+len(data) > len(m.data) {
		return errors.OutOfBounds(errors.PhaseDecode, offset, uint32(len(data)))
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *fakeMem) ReadU32(offset uint32) (uint32, error) {
	if int(offset)+4 > len(m.data) {
		return 0, errors.OutOfBounds(errors.PhaseDecode, offset, 4)
	}
	return binary.LittleEndian.Uint32(m.data[offset:]), nil
}

func (m *fakeMem) ReadU64(offset uint32) (uint64, error) {
	if int(offset)+8 > len(m.data) {
		return 0, errors.OutOfBounds(errors.PhaseDecode, offset, 8)
	}
	return binary.LittleEndian.Uint64(m.data[offset:]), nil
}

func (m *fakeMem) WriteU32(offset uint32, value uint32) error {
	if int(offset)+4 > len(m.data) {
		return errors.OutOfBounds(errors.PhaseDecode, offset, 4)
	}
	binary.LittleEndian.PutUint32(m.data[offset:], value)
	return nil
}

func (m *fakeMem) WriteU64(offset uint32, value uint64) error {
	if int(offset)+8 > len(m.data) {
		return errors.OutOfBounds(errors.PhaseDecode, offset, 8)
	}
	binary.LittleEndian.PutUint64(m.data[offset:], value)
	return nil
}

// fakeAlloc is a host-side bump allocator over fakeMem addresses.
type fakeAlloc struct {
	sp uint32
}

func (a *fakeAlloc) Alloc(size, align uint32) (uint32, error) {
	p := (a.sp + align - 1) &^ (align - 1)
	a.sp = p + size
	return p, nil
}

func (a *fakeAlloc) Free(ptr, size uint32) {
	if ptr+size == a.sp {
		a.sp = ptr
	}
}

func (a *fakeAlloc) Mark() (uint32, error)     { return a.sp, nil }
func (a *fakeAlloc) Release(mark uint32) error { a.sp = mark; return nil }

// fakeEntry satisfies api.Function for the one method the decoder uses.
type fakeEntry struct {
	api.Function
	call func(args ...uint64) ([]uint64, error)
}

func (f *fakeEntry) Call(_ context.Context, params ...uint64) ([]uint64, error) {
	return f.call(params...)
}

type fakeModule struct {
	api.Module
}

type decoderFixture struct {
	protocol *Protocol
	mem      *fakeMem
	alloc    *fakeAlloc
	module   *fakeModule
}

func newDecoderFixture() *decoderFixture {
	return &decoderFixture{
		protocol: NewProtocol(nil),
		mem:      newFakeMem(4096),
		alloc:    &fakeAlloc{sp: 1024},
		module:   &fakeModule{},
	}
}

func (f *decoderFixture) crossing(call func(base uint32) ([]uint64, error)) Crossing {
	return Crossing{
		Module: f.module,
		Memory: f.mem,
		Alloc:  f.alloc,
		Entry: &fakeEntry{call: func(args ...uint64) ([]uint64, error) {
			return call(uint32(args[len(args)-1]))
		}},
	}
}

func (f *decoderFixture) writeClass(base uint32, class Classification) {
	f.mem.WriteU64(base+slotClass, uint64(class))
}

func TestHandleForeignCatch_Success(t *testing.T) {
	f := newDecoderFixture()

	c := f.crossing(func(base uint32) ([]uint64, error) {
		return []uint64{42}, nil
	})

	results, exc, err := f.protocol.HandleForeignCatch(context.Background(), c, 1, 2)
	if err != nil || exc != nil {
		t.Fatalf("HandleForeignCatch = (%v, %v)", exc, err)
	}
	if len(results) != 1 || results[0] != 42 {
		t.Errorf("results = %v, want [42]", results)
	}
	if f.alloc.sp != 1024 {
		t.Errorf("watermark = %d after crossing, want 1024", f.alloc.sp)
	}
}

func TestHandleForeignCatch_Std(t *testing.T) {
	f := newDecoderFixture()

	// Guest-side payload buffers.
	f.mem.Write(200, []byte("boom"))
	f.mem.Write(300, []byte("std::runtime_error"))

	c := f.crossing(func(base uint32) ([]uint64, error) {
		f.writeClass(base, ClassStd)
		f.mem.WriteU64(base+slotMessage, uint64(MakePtrLen(200, 4)))
		f.mem.WriteU64(base+slotTypeName, uint64(MakePtrLen(300, 18)))
		return nil, errGuestUnwind
	})

	_, exc, err := f.protocol.HandleForeignCatch(context.Background(), c)
	if err != nil {
		t.Fatalf("HandleForeignCatch: %v", err)
	}
	std, ok := exc.(*StdException)
	if !ok {
		t.Fatalf("exception type %T", exc)
	}
	if std.Message != "boom" {
		t.Errorf("Message = %q, want boom", std.Message)
	}
	if std.TypeName != "std::runtime_error" {
		t.Errorf("TypeName = %q", std.TypeName)
	}
	if std.Error() != "boom" {
		t.Errorf("Error() = %q, want raw message", std.Error())
	}
	if f.protocol.Snapshots() != 1 {
		t.Errorf("Snapshots = %d, want 1", f.protocol.Snapshots())
	}
	if err := std.Snapshot.Close(); err != nil {
		t.Fatal(err)
	}
	if f.protocol.Snapshots() != 0 {
		t.Errorf("Snapshots = %d after Close, want 0", f.protocol.Snapshots())
	}
	// Closing twice must not disturb a reused slot.
	std.Snapshot.Close()

	if f.alloc.sp != 1024 {
		t.Errorf("watermark = %d after crossing, want 1024", f.alloc.sp)
	}
}

func TestHandleForeignCatch_StdWithoutTypeName(t *testing.T) {
	f := newDecoderFixture()
	f.mem.Write(200, []byte("plain"))

	c := f.crossing(func(base uint32) ([]uint64, error) {
		f.writeClass(base, ClassStd)
		f.mem.WriteU64(base+slotMessage, uint64(MakePtrLen(200, 5)))
		return nil, errGuestUnwind
	})

	_, exc, err := f.protocol.HandleForeignCatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	std := exc.(*StdException)
	if std.TypeName != "" {
		t.Errorf("TypeName = %q, want empty", std.TypeName)
	}
}

func TestHandleForeignCatch_HostReferenceIdentity(t *testing.T) {
	f := newDecoderFixture()

	original := stderrors.New("host failure")
	token := f.protocol.CaptureError(original)

	c := f.crossing(func(base uint32) ([]uint64, error) {
		f.writeClass(base, ClassHost)
		f.mem.WriteU64(base+slotToken, uint64(token))
		return nil, errGuestUnwind
	})

	_, exc, err := f.protocol.HandleForeignCatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	host, ok := exc.(*HostException)
	if !ok {
		t.Fatalf("exception type %T", exc)
	}
	if host.Err != original {
		t.Error("recovered error is not reference-identical to the captured one")
	}
	if !stderrors.Is(host, original) {
		t.Error("HostException must unwrap to the original error")
	}

	// Recovery consumed the token: a second crossing with it fails.
	_, _, err = f.protocol.HandleForeignCatch(context.Background(), c)
	if err == nil {
		t.Error("stale token must produce a decode error")
	}
}

func TestHandleForeignCatch_TrapBecomesUnknown(t *testing.T) {
	f := newDecoderFixture()

	c := f.crossing(func(base uint32) ([]uint64, error) {
		return nil, fmt.Errorf("wasm error: integer divide by zero\nwasm stack trace:\n\t.$0()")
	})

	_, exc, err := f.protocol.HandleForeignCatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	unk, ok := exc.(*UnknownException)
	if !ok {
		t.Fatalf("exception type %T", exc)
	}
	if unk.TypeName != "integer divide by zero" {
		t.Errorf("TypeName = %q", unk.TypeName)
	}
	if unk.Snapshot.Trap() == nil {
		t.Error("trap snapshot must keep the original call error")
	}
	if unk.Error() != "exception of type integer divide by zero" {
		t.Errorf("Error() = %q", unk.Error())
	}
}

func TestHandleForeignCatch_RaiseAny(t *testing.T) {
	f := newDecoderFixture()

	c := f.crossing(func(base uint32) ([]uint64, error) {
		f.writeClass(base, ClassUnknown)
		return nil, errGuestUnwind
	})

	_, exc, err := f.protocol.HandleForeignCatch(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	unk := exc.(*UnknownException)
	if unk.TypeName != "" {
		t.Errorf("TypeName = %q, want empty", unk.TypeName)
	}
	if unk.Error() != "exception of unknown type" {
		t.Errorf("Error() = %q", unk.Error())
	}
}

func TestHandleForeignCatch_CorruptClassificationPanics(t *testing.T) {
	f := newDecoderFixture()

	c := f.crossing(func(base uint32) ([]uint64, error) {
		f.writeClass(base, Classification(9))
		return nil, errGuestUnwind
	})

	defer func() {
		if recover() == nil {
			t.Error("corrupted classification must panic, not recover")
		}
	}()
	f.protocol.HandleForeignCatch(context.Background(), c)
}

func TestHandleForeignCatch_RepeatedCrossingsStayFlat(t *testing.T) {
	f := newDecoderFixture()
	f.mem.Write(200, []byte("boom"))

	c := f.crossing(func(base uint32) ([]uint64, error) {
		f.writeClass(base, ClassStd)
		f.mem.WriteU64(base+slotMessage, uint64(MakePtrLen(200, 4)))
		return nil, errGuestUnwind
	})

	base := f.alloc.sp
	for i := 0; i < 10000; i++ {
		_, exc, err := f.protocol.HandleForeignCatch(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		exc.(*StdException).Snapshot.Close()
	}
	if f.alloc.sp != base {
		t.Errorf("watermark grew from %d to %d over repeated crossings", base, f.alloc.sp)
	}
	if f.protocol.Snapshots() != 0 {
		t.Errorf("Snapshots = %d leaked", f.protocol.Snapshots())
	}
}
