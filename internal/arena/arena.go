// Package arena implements the shared-memory arena: a fixed-size region,
// identified by a name visible to other processes, carrying an embedded
// free-list allocator. Every position inside the region is expressed as a
// byte offset from the base so the same structure is valid in any process
// that maps it, regardless of the virtual address of the view.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/thfabian/bifrost/internal/logging"
)

// Offset is a position inside the arena, in bytes from the base. Offsets,
// never raw pointers, are what shared structures store.
type Offset uint64

// Null is the sentinel for an unassigned offset.
const Null Offset = ^Offset(0)

const (
	// BlockSize is the allocation granularity. Every allocation is rounded
	// up to a multiple of it and every header occupies exactly one block.
	BlockSize = 64

	// HeaderSize precedes every allocation: size, prev, next (padded to one
	// block so payloads stay block aligned).
	HeaderSize = BlockSize

	// prefixSize holds the offset from the base to the allocator header, so
	// attachers can locate the allocator without further negotiation.
	prefixSize = 8

	allocHdrOff  = BlockSize // allocator header, block aligned after the prefix
	firstNodeOff = 2 * BlockSize
	allocLockOff = allocHdrOff
	allocHeadOff = allocHdrOff + 8
)

var (
	// ErrArenaExhausted reports that the allocator could not satisfy a
	// request. It is recoverable; callers propagate it.
	ErrArenaExhausted = errors.New("arena exhausted")

	// ErrArenaMismatch reports an attach whose size differs from the size
	// the creator used.
	ErrArenaMismatch = errors.New("arena size mismatch")
)

// Arena is one process's view of the shared region.
type Arena struct {
	m    Mapping
	data []byte
}

// New creates the allocator inside a freshly created mapping or locates the
// existing one in an attached mapping.
func New(m Mapping) (*Arena, error) {
	a := &Arena{m: m, data: m.Bytes()}
	if uint64(len(a.data)) < 4*BlockSize {
		return nil, fmt.Errorf("arena %q: %d bytes is below the minimum of %d", m.Name(), len(a.data), 4*BlockSize)
	}

	if m.Created() {
		a.initialize()
		return a, nil
	}

	// Locate the allocator through the prefix written by the creator.
	if got := binary.LittleEndian.Uint64(a.data[:prefixSize]); got != allocHdrOff {
		return nil, fmt.Errorf("arena %q: corrupt allocator prefix %#x", m.Name(), got)
	}
	return a, nil
}

func (a *Arena) initialize() {
	binary.LittleEndian.PutUint64(a.data[:prefixSize], allocHdrOff)

	binary.LittleEndian.PutUint32(a.data[allocLockOff:], 0)
	a.putOffset(allocHeadOff, firstNodeOff)

	first := uint64(len(a.data))
	first -= first % BlockSize
	a.setNode(firstNodeOff, first-firstNodeOff-HeaderSize, Null, Null)
}

// Name of the underlying mapping.
func (a *Arena) Name() string { return a.m.Name() }

// Size of the underlying mapping in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Created reports whether this process created the region.
func (a *Arena) Created() bool { return a.m.Created() }

// FirstOffset is where the first allocation of a fresh arena lands. The
// shared control block is placed there by convention.
func (a *Arena) FirstOffset() Offset { return firstNodeOff + HeaderSize }

// Close releases this process's view. The region itself lives until every
// attached process has closed it.
func (a *Arena) Close() error { return a.m.Close() }

// Bytes returns the n bytes starting at off.
func (a *Arena) Bytes(off Offset, n uint64) []byte {
	return a.data[off : uint64(off)+n]
}

// ReadU64 reads the little-endian word at off.
func (a *Arena) ReadU64(off Offset) uint64 {
	return binary.LittleEndian.Uint64(a.data[off:])
}

// WriteU64 writes v at off.
func (a *Arena) WriteU64(off Offset, v uint64) {
	binary.LittleEndian.PutUint64(a.data[off:], v)
}

// ReadU32 reads the little-endian 32-bit word at off.
func (a *Arena) ReadU32(off Offset) uint32 {
	return binary.LittleEndian.Uint32(a.data[off:])
}

// WriteU32 writes v at off.
func (a *Arena) WriteU32(off Offset, v uint32) {
	binary.LittleEndian.PutUint32(a.data[off:], v)
}

func (a *Arena) offsetAt(pos Offset) Offset {
	return Offset(binary.LittleEndian.Uint64(a.data[pos:]))
}

func (a *Arena) putOffset(pos, v Offset) {
	binary.LittleEndian.PutUint64(a.data[pos:], uint64(v))
}

// CheckAttachedSize compares the size recorded by the creator with the size
// this attacher requested. A mismatch is logged and reported but not fatal;
// the caller keeps operating on the smaller of the two.
func (a *Arena) CheckAttachedSize(recorded uint64) error {
	if recorded == a.Size() {
		return nil
	}
	logging.Op().Warn("shared memory size differs from creation size",
		"name", a.Name(), "attached", a.Size(), "created", recorded)
	return fmt.Errorf("%w: attached with %d bytes, created with %d", ErrArenaMismatch, a.Size(), recorded)
}
