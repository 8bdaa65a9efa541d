package xshm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ControlBlock is the cache-line-aligned header of the shared segment (§3).
// Layout must not change: client and server processes interpret the same
// bytes independently, so field order and size are part of the wire format.
type ControlBlock struct {
	Magic        uint32
	Version      uint32
	Generation   atomic.Uint32
	ServerState  atomic.Uint32
	ClientState  atomic.Uint32
	Reserved     [11]atomic.Uint32 // slot-handoff scratch, see multi/dispatch
}

const controlBlockSize = 64

func init() {
	if unsafe.Sizeof(ControlBlock{}) != controlBlockSize {
		panic(fmt.Sprintf("xshm: ControlBlock size is %d, expected %d", unsafe.Sizeof(ControlBlock{}), controlBlockSize))
	}
	if unsafe.Sizeof(RingHeader{}) != ringHeaderSize {
		panic(fmt.Sprintf("xshm: RingHeader size is %d, expected %d", unsafe.Sizeof(RingHeader{}), ringHeaderSize))
	}
}

func (c *ControlBlock) reset() {
	c.Magic = SharedMagic
	c.Version = SharedVersion
	c.Generation.Store(1)
	c.ServerState.Store(HandshakeIdle)
	c.ClientState.Store(HandshakeIdle)
}

// RingHeader is the cache-line-aligned per-ring header (§3).
type RingHeader struct {
	WritePos       atomic.Uint32
	ReadPos        atomic.Uint32
	MessageCount   atomic.Uint32
	DropCount      atomic.Uint32
	Sequence       atomic.Uint32
	ConnectionGen  atomic.Uint32
	HandshakeState atomic.Uint32
	_              [9]uint32 // pad to cache-line size
}

const ringHeaderSize = 64

func (h *RingHeader) reset(generation uint32) {
	h.WritePos.Store(0)
	h.ReadPos.Store(0)
	h.MessageCount.Store(0)
	h.DropCount.Store(0)
	h.Sequence.Store(0)
	h.ConnectionGen.Store(generation)
	h.HandshakeState.Store(HandshakeIdle)
}

// SegmentSize is the total byte size of the mapped shared segment:
// control block + two ring headers + two ring buffers.
const SegmentSize = controlBlockSize + 2*ringHeaderSize + 2*RingCapacity

// segmentView interprets a raw mmap'd byte slice as the control block, two
// ring headers and two ring storage regions, per §3's fixed layout.
type segmentView struct {
	data []byte
}

func newSegmentView(data []byte) (*segmentView, error) {
	if len(data) < SegmentSize {
		return nil, newErr(Corrupted, "mapped segment smaller than expected layout")
	}
	return &segmentView{data: data}, nil
}

func (v *segmentView) controlBlock() *ControlBlock {
	return (*ControlBlock)(unsafe.Pointer(&v.data[0]))
}

func (v *segmentView) ringHeaderA() *RingHeader {
	return (*RingHeader)(unsafe.Pointer(&v.data[controlBlockSize]))
}

func (v *segmentView) ringHeaderB() *RingHeader {
	return (*RingHeader)(unsafe.Pointer(&v.data[controlBlockSize+ringHeaderSize]))
}

func (v *segmentView) ringStorageA() []byte {
	off := controlBlockSize + 2*ringHeaderSize
	return v.data[off : off+RingCapacity : off+RingCapacity]
}

func (v *segmentView) ringStorageB() []byte {
	off := controlBlockSize + 2*ringHeaderSize + RingCapacity
	return v.data[off : off+RingCapacity : off+RingCapacity]
}
