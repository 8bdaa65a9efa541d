package xshm

// Lock-free SPSC ring buffer over a shared RingHeader + data region (§4.2).
//
// Single producer, single consumer: one side only ever calls WriteMessage,
// the other only ever calls ReadMessage. The producer publishes message_count
// before write_pos; the consumer samples message_count before read_pos, so a
// non-zero count observed by the reader is always backed by a valid header
// at the current read_pos. This module runs under Go's memory model, which
// gives every atomic a sequentially-consistent total order, so the ordering
// requirement is met without needing separate acquire/release primitives.
//
// This ring always overwrites the oldest message on contention (§7's
// QueueFull is reserved, never returned) — see DESIGN.md Open Question
// decisions.

import (
	"encoding/binary"
)

// WriteOutcome reports the side-effects of a single WriteMessage call.
type WriteOutcome struct {
	Overwritten uint32
	WasEmpty    bool
}

// Ring is one direction of a ring pair: a header plus its data region.
type Ring struct {
	header   *RingHeader
	storage  []byte
	capacity uint32
}

func newRing(header *RingHeader, storage []byte) *Ring {
	return &Ring{header: header, storage: storage, capacity: RingCapacity}
}

func (r *Ring) maskIndex(pos uint32) int {
	return int(pos & RingMask)
}

func (r *Ring) availableBytes(write, read uint32) int64 {
	used := write - read // wrapping subtraction, uint32
	return int64(r.capacity) - int64(used)
}

func (r *Ring) copyIntoWrapped(start int, data []byte) {
	start %= len(r.storage)
	first := len(r.storage) - start
	if len(data) <= first {
		copy(r.storage[start:], data)
	} else {
		copy(r.storage[start:], data[:first])
		copy(r.storage[0:], data[first:])
	}
}

func (r *Ring) copyFromWrapped(start int, dst []byte) {
	start %= len(r.storage)
	first := len(r.storage) - start
	if len(dst) <= first {
		copy(dst, r.storage[start:start+len(dst)])
	} else {
		copy(dst[:first], r.storage[start:])
		copy(dst[first:], r.storage[0:len(dst)-first])
	}
}

func (r *Ring) readU16(index int) uint16 {
	var buf [2]byte
	r.copyFromWrapped(index, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

// discardOldest advances read_pos past the oldest message, bumping DropCount.
// Caller must already know message_count > 0.
func (r *Ring) discardOldest() {
	read := r.header.ReadPos.Load()
	idx := r.maskIndex(read)
	msgLen := int(r.readU16(idx))
	total := uint32(MessageHeaderSize + msgLen)
	r.header.ReadPos.Store(read + total)
	r.header.MessageCount.Add(^uint32(0)) // fetch_sub 1
	r.header.DropCount.Add(1)
}

// WriteMessage writes a length-prefixed payload, overwriting the oldest
// message(s) if the ring is full or at MaxMessages (§4.2).
func (r *Ring) WriteMessage(payload []byte) (WriteOutcome, error) {
	if len(payload) < MinMessageSize {
		return WriteOutcome{}, ErrMessageTooSmall
	}
	if len(payload) > MaxMessageSize {
		return WriteOutcome{}, ErrMessageTooLarge
	}

	total := uint32(MessageHeaderSize + len(payload))
	if total > r.capacity {
		return WriteOutcome{}, ErrMessageTooLarge
	}

	var overwritten uint32
	for {
		write := r.header.WritePos.Load()
		read := r.header.ReadPos.Load()
		available := r.availableBytes(write, read)
		count := r.header.MessageCount.Load()

		if available < int64(total) || count >= MaxMessages {
			if count == 0 {
				// No messages queued, yet not enough room: the message
				// itself is larger than the ring.
				return WriteOutcome{}, ErrMessageTooLarge
			}
			r.discardOldest()
			overwritten++
			continue
		}

		idx := r.maskIndex(write)
		var lenFlags [4]byte
		binary.LittleEndian.PutUint16(lenFlags[0:2], uint16(len(payload)))
		binary.LittleEndian.PutUint16(lenFlags[2:4], 0) // reserved flags

		r.copyIntoWrapped(idx, lenFlags[:])
		r.copyIntoWrapped((idx+MessageHeaderSize)&RingMask, payload)

		prevCount := r.header.MessageCount.Add(1) - 1
		r.header.WritePos.Store(write + total)
		if prevCount == 0 {
			r.header.Sequence.Add(1)
		}

		return WriteOutcome{Overwritten: overwritten, WasEmpty: prevCount == 0}, nil
	}
}

// ReadMessage copies the oldest queued message into out, growing it if
// needed, and returns the payload length.
func (r *Ring) ReadMessage(out *[]byte) (int, error) {
	count := r.header.MessageCount.Load()
	if count == 0 {
		return 0, ErrQueueEmpty
	}

	read := r.header.ReadPos.Load()
	idx := r.maskIndex(read)
	msgLen := int(r.readU16(idx))
	if msgLen < MinMessageSize || msgLen > MaxMessageSize {
		return 0, ErrCorrupted
	}

	if cap(*out) < msgLen {
		*out = make([]byte, msgLen)
	} else {
		*out = (*out)[:msgLen]
	}
	r.copyFromWrapped((idx+MessageHeaderSize)&RingMask, *out)

	total := uint32(MessageHeaderSize + msgLen)
	r.header.ReadPos.Store(read + total)
	r.header.MessageCount.Add(^uint32(0)) // fetch_sub 1

	if count <= 1 {
		r.header.Sequence.Add(1)
	}

	return msgLen, nil
}

// MessageCount returns the current queued message count.
func (r *Ring) MessageCount() uint32 { return r.header.MessageCount.Load() }

// DropCount returns the cumulative overwrite-discard count.
func (r *Ring) DropCount() uint32 { return r.header.DropCount.Load() }

// IsEmpty reports whether the ring currently holds no messages.
func (r *Ring) IsEmpty() bool { return r.MessageCount() == 0 }

// Reset zeroes cursors/counters and stamps a new connection generation,
// called at every successful handshake (§3 Lifecycles).
func (r *Ring) Reset(generation uint32) { r.header.reset(generation) }
