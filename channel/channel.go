// Package channel implements a bounded, growable, thread-safe message queue
// with an open/closed/drained lifecycle, as described in spec §4.3.
package channel

import (
	"errors"
	"sync"

	"github.com/c2h5oh/datasize"

	"github.com/ipcmesh/ipcmesh/codec"
	"github.com/ipcmesh/ipcmesh/ring"
)

// Status is the three-state lifecycle a Channel reports on read/write.
type Status int

const (
	Open Status = iota
	Closed
	Drained
)

func (s Status) String() string {
	switch s {
	case Open:
		return ":open"
	case Closed:
		return ":closed"
	case Drained:
		return ":drained"
	default:
		return "unknown"
	}
}

// DefaultSize is the ring capacity a Channel starts with when none is given.
const DefaultSize = datasize.ByteSize(16 * 1024)

// BackpressurePolicy selects what Write does when the ring is full. Grow is
// the behavior spec.md describes and ships as the default; Block is the
// optional high-water-mark mode spec §9 calls out as a desirable addition,
// modeled on the adaptive/backpressure knobs of ring-buffer based loggers in
// the wild (e.g. lumberjack-style async writers).
type BackpressurePolicy int

const (
	PolicyGrow BackpressurePolicy = iota
	PolicyBlock
)

// ErrClosed and ErrDrained are returned by Write against a channel that can
// no longer accept values.
var (
	ErrClosed  = errors.New("channel: closed")
	ErrDrained = errors.New("channel: drained")
)

// Channel is a thread-safe bounded queue of codec.Value frames.
type Channel struct {
	mu           sync.Mutex
	notEmpty     *sync.Cond
	notFull      *sync.Cond
	rb           *ring.Buffer
	closed       bool
	drained      bool
	numItems     uint32
	sizeIncrement datasize.ByteSize
	refcount     int32

	policy      BackpressurePolicy
	highWater   datasize.ByteSize // only consulted under PolicyBlock

	handles *codec.HandleTable
	funcs   *codec.FuncRegistry
}

// Option configures a new Channel.
type Option func(*Channel)

// WithSize sets the initial ring capacity.
func WithSize(size datasize.ByteSize) Option {
	return func(c *Channel) { c.rb = ring.New(size) }
}

// WithGrowthIncrement sets how many bytes GrowBy adds each time the ring
// overflows under PolicyGrow.
func WithGrowthIncrement(inc datasize.ByteSize) Option {
	return func(c *Channel) { c.sizeIncrement = inc }
}

// WithBlockingWrites switches Write to PolicyBlock: writers park on a
// not-full condition instead of growing once the ring exceeds highWater.
func WithBlockingWrites(highWater datasize.ByteSize) Option {
	return func(c *Channel) {
		c.policy = PolicyBlock
		c.highWater = highWater
	}
}

// WithHandleTable attaches a HandleTable so Userdata values can be written
// and read through this channel.
func WithHandleTable(t *codec.HandleTable) Option {
	return func(c *Channel) { c.handles = t }
}

// WithFuncRegistry attaches a FuncRegistry that the channel hands to its
// Decoder; decoded Function values still carry only their Name.
func WithFuncRegistry(r *codec.FuncRegistry) Option {
	return func(c *Channel) { c.funcs = r }
}

// New creates a Channel with refcount 1.
func New(opts ...Option) *Channel {
	c := &Channel{
		rb:            ring.New(DefaultSize),
		sizeIncrement: DefaultSize,
		refcount:      1,
	}
	for _, o := range opts {
		o(c)
	}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	return c
}

// Retain increments the reference count.
func (c *Channel) Retain() {
	c.mu.Lock()
	c.refcount++
	c.mu.Unlock()
}

// Release decrements the reference count. The ring is released for GC once
// it reaches zero; there is nothing further to explicitly free in Go.
func (c *Channel) Release() {
	c.mu.Lock()
	c.refcount--
	c.mu.Unlock()
}

// Close marks the channel closed: no further writes are accepted. If the
// channel is already empty it immediately transitions to Drained. Pending
// readers are woken to observe the new status.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.numItems == 0 {
		c.drained = true
	}
	c.notEmpty.Broadcast()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drained reports whether every written value has been read after Close.
func (c *Channel) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drained
}

// NumItems returns the number of values currently queued.
func (c *Channel) NumItems() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numItems
}

// ErrUpvaluesNotRequested is returned by Write when one of the values is a
// Function capturing upvalues; callers must use WriteWithUpvalues to opt in
// to transmitting captured state, per spec §4.2/§4.4.
var ErrUpvaluesNotRequested = errors.New("channel: function captures upvalues; use WriteWithUpvalues")

// Write pushes one or more values onto the channel. It does not block under
// PolicyGrow (the ring grows instead); under PolicyBlock it parks until
// space is available below the high-water mark. A Function value whose
// upvalue mode is codec.UpvalCaptured is refused; use WriteWithUpvalues for
// those.
func (c *Channel) Write(values ...codec.Value) (Status, error) {
	return c.write(values, false)
}

// WriteWithUpvalues is Write's opt-in variant: it additionally permits
// Function values with codec.UpvalCaptured, writing their captured upvalue
// table across, per spec §4.4's `write_with_upvalues`.
func (c *Channel) WriteWithUpvalues(values ...codec.Value) (Status, error) {
	return c.write(values, true)
}

func (c *Channel) write(values []codec.Value, allowUpvalues bool) (Status, error) {
	if !allowUpvalues {
		for _, v := range values {
			if fn, ok := v.(*codec.Function); ok && fn.Mode == codec.UpvalCaptured {
				return Open, ErrUpvaluesNotRequested
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drained {
		return Drained, ErrDrained
	}
	if c.closed {
		return Closed, ErrClosed
	}

	enc := codec.NewEncoder(c.rb, codec.ModeInProcess, c.handles)
	for _, v := range values {
		for {
			err := enc.Encode(v)
			if err == nil {
				c.numItems++
				break
			}
			if !errors.Is(err, codec.ErrOutOfBuffer) {
				return Open, err
			}
			if c.policy == PolicyBlock && datasize.ByteSize(c.rb.Cap()) >= c.highWater {
				c.notFull.Wait()
				continue
			}
			c.rb.GrowBy(c.sizeIncrement)
		}
	}

	c.notEmpty.Signal()
	return Open, nil
}

// WaitAtLeast blocks until NumItems has reached at least n, without
// consuming anything. It exists for callers (workqueue.Drain) that need to
// wait on a derived condition Channel's own read/write vocabulary doesn't
// expose, checking and waiting atomically under the same lock to avoid the
// lost-wakeup race a separate NumItems()+Wait() pair would have.
func (c *Channel) WaitAtLeast(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.numItems < n {
		c.notEmpty.Wait()
	}
}

// Read pops one value. nonBlocking mirrors spec §4.3's three-way semantics:
// with an item available it is returned with status Open, or with Closed
// when the channel is closed and this was its last item (the channel then
// becomes Drained); once Drained it reports Drained with no value; under
// nonBlocking with nothing queued it reports the current status with no
// value; otherwise it blocks.
func (c *Channel) Read(nonBlocking bool) (Status, codec.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.numItems > 0 {
			status := Open
			if c.closed && c.numItems == 1 {
				status = Closed
				c.drained = true
				c.notEmpty.Broadcast()
			}

			dec := codec.NewDecoder(c.rb, codec.ModeInProcess, c.handles, c.funcs)
			v, err := dec.Decode()
			c.numItems--
			c.notFull.Signal()
			if err != nil {
				// A malformed frame is a protocol bug, not a user-facing
				// channel status; surface via panic-free zero value with
				// Closed/Open status so callers can branch, matching the
				// "errors re-raised at the host boundary" propagation rule.
				return status, nil, false
			}
			return status, v, true
		}
		if c.drained {
			return Drained, nil, false
		}
		if nonBlocking {
			status := Open
			if c.closed {
				status = Closed
			}
			return status, nil, false
		}
		c.notEmpty.Wait()
	}
}
