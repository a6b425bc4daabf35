// Package ring implements a growable single-producer/single-consumer byte
// FIFO with transactional write positions.
//
// A Buffer is the framing substrate for codec, channel and transport: callers
// reserve space with a transaction (Push/Pop), serialize a value into it, and
// either keep the bytes written or roll back on overflow.
package ring

import (
	"fmt"

	"github.com/c2h5oh/datasize"
)

// Buffer is a fixed-capacity byte ring with a transactional write position.
//
// It is not safe for concurrent use by itself; callers (channel.Channel,
// workqueue.WorkQueue, transport connections, mappool workers) hold their own
// mutex around a Buffer.
type Buffer struct {
	buf []byte
	rp  int
	wp  int
	rcb int

	savedWP  int
	savedRCB int
	inTxn    bool
}

// New creates a ring with the given capacity.
func New(capacity datasize.ByteSize) *Buffer {
	return &Buffer{
		buf: make([]byte, capacity.Bytes()),
	}
}

// Cap returns the buffer's total capacity in bytes.
func (b *Buffer) Cap() int { return len(b.buf) }

// Readable returns the number of bytes currently available to Read.
func (b *Buffer) Readable() int { return b.rcb }

// Writable returns the number of free bytes currently available to Write.
func (b *Buffer) Writable() int { return len(b.buf) - b.rcb }

// Stats is a snapshot of a Buffer's occupancy, exposed for observability.
type Stats struct {
	Capacity datasize.ByteSize
	Readable datasize.ByteSize
	Writable datasize.ByteSize
}

// Stats returns a point-in-time occupancy snapshot.
func (b *Buffer) Stats() Stats {
	return Stats{
		Capacity: datasize.ByteSize(b.Cap()),
		Readable: datasize.ByteSize(b.Readable()),
		Writable: datasize.ByteSize(b.Writable()),
	}
}

// Write copies min(len(p), free) bytes into the ring, wrapping as needed, and
// returns the number of bytes written.
func (b *Buffer) Write(p []byte) int {
	n := len(p)
	if free := len(b.buf) - b.rcb; n > free {
		n = free
	}
	cap := len(b.buf)
	for j := 0; j < n; j++ {
		b.buf[b.wp] = p[j]
		b.wp = (b.wp + 1) % cap
	}
	b.rcb += n
	return n
}

// Read copies min(len(p), readable) bytes out of the ring, wrapping as
// needed, and returns the number of bytes read.
func (b *Buffer) Read(p []byte) int {
	n := len(p)
	if n > b.rcb {
		n = b.rcb
	}
	cap := len(b.buf)
	for j := 0; j < n; j++ {
		p[j] = b.buf[b.rp]
		b.rp = (b.rp + 1) % cap
	}
	b.rcb -= n
	return n
}

// Peek returns the number of readable bytes without consuming them.
func (b *Buffer) Peek() int { return b.rcb }

// PushWritePos begins a write transaction: it saves the current (wp, rcb) so
// a partial, possibly-failed serialization can be rolled back with
// PopWritePos. Nested transactions are not supported; calling PushWritePos
// again before PopWritePos or a commit panics.
func (b *Buffer) PushWritePos() {
	if b.inTxn {
		panic("ring: nested write transaction")
	}
	b.savedWP = b.wp
	b.savedRCB = b.rcb
	b.inTxn = true
}

// PopWritePos rolls the ring back to the position saved by the last
// PushWritePos, undoing any writes performed since. Calling Commit afterward
// panics, since no transaction is pending any more.
func (b *Buffer) PopWritePos() {
	if !b.inTxn {
		panic("ring: PopWritePos without a pending transaction")
	}
	b.wp = b.savedWP
	b.rcb = b.savedRCB
	b.inTxn = false
}

// Commit ends the current write transaction, keeping the bytes written since
// PushWritePos.
func (b *Buffer) Commit() {
	if !b.inTxn {
		panic("ring: Commit without a pending transaction")
	}
	b.inTxn = false
}

// ResetReadPos sets the read pointer back to zero. Used after a transport
// connection has written a freshly received payload at offset 0 in one shot.
func (b *Buffer) ResetReadPos() {
	b.rp = 0
}

// BufPtr returns the raw backing slice, for contiguous direct I/O after
// ResetReadPos (e.g. reading a whole socket payload into the ring in one
// syscall).
func (b *Buffer) BufPtr() []byte { return b.buf }

// GrowBy reallocates the ring with `by` additional bytes of capacity,
// linearizing the currently readable region at offset 0 and clearing any
// saved transaction state.
func (b *Buffer) GrowBy(by datasize.ByteSize) {
	newCap := len(b.buf) + int(by.Bytes())
	next := make([]byte, newCap)

	n := b.rcb
	cap := len(b.buf)
	for j := 0; j < n; j++ {
		next[j] = b.buf[(b.rp+j)%cap]
	}

	b.buf = next
	b.rp = 0
	b.wp = n % newCap
	b.rcb = n
	b.savedWP = 0
	b.savedRCB = 0
	b.inTxn = false
}

// Clone returns an independent copy of the ring's current state. Useful for
// diagnostics that must inspect a snapshot without racing the owner's writer.
func (b *Buffer) Clone() *Buffer {
	c := *b
	c.buf = append([]byte(nil), b.buf...)
	return &c
}

func (b *Buffer) String() string {
	return fmt.Sprintf("ring.Buffer{cap=%d readable=%d writable=%d}", b.Cap(), b.Readable(), b.Writable())
}
