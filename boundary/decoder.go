package boundary

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	inlinewat "github.com/yairchu/inline-wat"
	"github.com/yairchu/inline-wat/errors"
	"github.com/yairchu/inline-wat/resource"
)

// Crossing binds one guest entry to the pieces the decoder needs.
type Crossing struct {
	Module api.Module
	Memory inlinewat.Memory
	Alloc  inlinewat.Allocator
	Entry  api.Function
}

// HandleForeignCatch performs one boundary crossing: it allocates and
// zeroes the side channel, invokes the entry with the channel base
// appended to args, classifies the outcome and adopts the payload.
//
// On success it returns the entry's raw results. On a classified
// failure it returns a non-nil Exception. The error return is reserved
// for decoder-level failures (unreadable channel, stale token); a
// classification outside the defined four panics, since it can only
// mean the generated wrapper and the decoder disagree on the protocol.
//
// The whole sequence runs on the caller's goroutine with no suspension
// point between channel allocation and adoption, which is what keeps a
// partially-read channel from ever being reused.
func (p *Protocol) HandleForeignCatch(ctx context.Context, c Crossing, args ...uint64) ([]uint64, Exception, error) {
	mark, err := c.Alloc.Mark()
	if err != nil {
		return nil, nil, err
	}
	base, err := c.Alloc.Alloc(ChannelSize, ChannelAlign)
	if err != nil {
		return nil, nil, err
	}
	if err := zeroChannel(c.Memory, base); err != nil {
		return nil, nil, err
	}

	p.setFrame(c.Module, base)
	results, callErr := c.Entry.Call(ctx, append(args, uint64(base))...)
	p.clearFrame(c.Module)

	ch, err := readChannel(c.Memory, base)
	if err != nil {
		if callErr != nil {
			// The instance died mid-crossing; classify from the call
			// error alone, there is nothing to adopt.
			snap := newSnapshot(p.snaps, nil, nil, callErr)
			return nil, &UnknownException{Snapshot: snap, TypeName: trapTypeName(callErr)}, nil
		}
		return nil, nil, errors.Wrap(errors.PhaseDecode, errors.KindOutOfBounds, err, "read side channel")
	}

	var exc Exception
	switch ch.Class {
	case ClassNone:
		if callErr == nil {
			p.releaseChannel(c, base, mark)
			return results, nil, nil
		}
		// Trap with a clean channel: the guest failed without reaching
		// an intrinsic.
		snap := newSnapshot(p.snaps, nil, nil, callErr)
		exc = &UnknownException{Snapshot: snap, TypeName: trapTypeName(callErr)}

	case ClassStd:
		message := p.adopt(c, ch.Message)
		typeName := p.adopt(c, ch.TypeName)
		snap := newSnapshot(p.snaps, message, typeName, nil)
		c.Memory.WriteU64(base+slotHandle, uint64(snap.Handle()))
		exc = &StdException{
			Snapshot: snap,
			Message:  string(message),
			TypeName: string(typeName),
		}

	case ClassHost:
		token := resource.Handle(ch.Token)
		value, ok := p.errs.Remove(token)
		if !ok {
			p.releaseChannel(c, base, mark)
			return nil, nil, errors.NotFound(errors.PhaseDecode, "captured host error token", fmt.Sprint(uint32(token)))
		}
		exc = &HostException{Err: value.(error)}

	case ClassUnknown:
		typeName := p.adopt(c, ch.TypeName)
		snap := newSnapshot(p.snaps, nil, typeName, nil)
		c.Memory.WriteU64(base+slotHandle, uint64(snap.Handle()))
		exc = &UnknownException{Snapshot: snap, TypeName: string(typeName)}

	default:
		panic("boundary: corrupted channel classification " + ch.Class.String())
	}

	p.releaseChannel(c, base, mark)
	return nil, exc, nil
}

// adopt copies payload bytes out of guest memory and frees the guest
// buffer, transferring ownership to the host exactly once. A zero
// PtrLen means no payload.
func (p *Protocol) adopt(c Crossing, pl PtrLen) []byte {
	if pl.IsZero() {
		return nil
	}
	data, err := c.Memory.Read(pl.Ptr(), pl.Len())
	if err != nil {
		p.logger.Warn("adopt: payload unreadable",
			zap.Uint32("ptr", pl.Ptr()),
			zap.Uint32("len", pl.Len()),
			zap.Error(err))
		return nil
	}
	adopted := make([]byte, len(data))
	copy(adopted, data)
	c.Alloc.Free(pl.Ptr(), pl.Len())
	return adopted
}

// releaseChannel frees the channel and rolls the allocator back to its
// pre-call watermark so repeated crossings stay memory-flat.
func (p *Protocol) releaseChannel(c Crossing, base, mark uint32) {
	c.Alloc.Free(base, ChannelSize)
	if err := c.Alloc.Release(mark); err != nil {
		p.logger.Warn("release allocator mark", zap.Uint32("mark", mark), zap.Error(err))
	}
}

// trapTypeName extracts the short trap description from a wazero call
// error, e.g. "wasm error: unreachable" -> "unreachable".
func trapTypeName(err error) string {
	s := err.Error()
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "wasm error: ")
	return strings.TrimSpace(s)
}
