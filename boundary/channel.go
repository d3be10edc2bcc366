package boundary

import (
	"fmt"

	inlinewat "github.com/yairchu/inline-wat"
)

// Classification is the discriminant a crossing leaves in the side
// channel. Exactly one value is set per call.
type Classification uint32

const (
	ClassNone    Classification = 0 // fragment completed normally
	ClassStd     Classification = 1 // guest raised with a message
	ClassHost    Classification = 2 // host-origin error rethrown by the guest
	ClassUnknown Classification = 3 // trap or raise without a message
)

func (c Classification) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassStd:
		return "std"
	case ClassHost:
		return "host"
	case ClassUnknown:
		return "unknown"
	}
	return fmt.Sprintf("classification(%d)", uint32(c))
}

// Side channel layout: five u64 slots in guest linear memory. The
// layout is a private contract between the generated wrapper and the
// decoder of a single call; it never persists across calls.
const (
	ChannelSize  = 40
	ChannelAlign = 8

	slotClass    = 0  // Classification
	slotMessage  = 8  // PtrLen of message bytes, 0 = none
	slotTypeName = 16 // PtrLen of type name bytes, 0 = none
	slotHandle   = 24 // snapshot handle, written during promotion
	slotToken    = 32 // durable reference token of a captured host error
)

// PtrLen packs a guest pointer and byte length into one slot:
// pointer in the low 32 bits, length in the high 32.
type PtrLen uint64

func MakePtrLen(ptr, length uint32) PtrLen {
	return PtrLen(uint64(ptr) | uint64(length)<<32)
}

func (p PtrLen) Ptr() uint32  { return uint32(p) }
func (p PtrLen) Len() uint32  { return uint32(p >> 32) }
func (p PtrLen) IsZero() bool { return p == 0 }

// Channel is the host-side view of the five slots.
type Channel struct {
	Class    Classification
	Message  PtrLen
	TypeName PtrLen
	Handle   uint64
	Token    uint64
}

func readChannel(mem inlinewat.Memory, base uint32) (Channel, error) {
	var ch Channel
	class, err := mem.ReadU64(base + slotClass)
	if err != nil {
		return ch, err
	}
	msg, err := mem.ReadU64(base + slotMessage)
	if err != nil {
		return ch, err
	}
	typeName, err := mem.ReadU64(base + slotTypeName)
	if err != nil {
		return ch, err
	}
	handle, err := mem.ReadU64(base + slotHandle)
	if err != nil {
		return ch, err
	}
	token, err := mem.ReadU64(base + slotToken)
	if err != nil {
		return ch, err
	}
	ch.Class = Classification(class)
	ch.Message = PtrLen(msg)
	ch.TypeName = PtrLen(typeName)
	ch.Handle = handle
	ch.Token = token
	return ch, nil
}

func zeroChannel(mem inlinewat.Memory, base uint32) error {
	return mem.Write(base, make([]byte, ChannelSize))
}
