// Package workqueue implements a named bidirectional (questions/answers)
// channel pair with owner semantics, as described in spec §4.4.
package workqueue

import (
	"errors"
	"sync"

	"github.com/c2h5oh/datasize"

	"github.com/ipcmesh/ipcmesh/channel"
	"github.com/ipcmesh/ipcmesh/codec"
)

// DefaultSize matches the historical 256KiB work-queue ring default noted in
// spec §6.
const DefaultSize = datasize.ByteSize(256 * 1024)

var ErrNotOwner = errors.New("workqueue: drain is only available on the owner handle")

type shared struct {
	mu        sync.Mutex
	name      string
	refcount  int32
	questions *channel.Channel
	answers   *channel.Channel
}

// registry is the process-global name -> WorkQueue table (spec §4.4),
// modeled on the coordinator's named-module registry
// (coordinator/internal/registry) but keyed by queue name instead of module
// name.
var registry = struct {
	mu    sync.Mutex
	queues map[string]*shared
}{queues: make(map[string]*shared)}

// WorkQueue is a handle to a (possibly shared) question/answer channel
// pair. The handle returned by the call that created the underlying queue
// is the "owner" handle; every other handle to the same named queue is a
// non-owner handle. This stands in for spec §4.4's "owner_thread compared
// at call time" — in Go, goroutines have no stable identity to compare, so
// direction is instead a property of which handle you hold, decided once
// at Open time (see DESIGN.md).
type WorkQueue struct {
	s       *shared
	isOwner bool
}

// Open opens (or attaches to) a named work queue. If name is empty the
// queue is always freshly created and never registered. If name is set and
// already registered, the existing queue's refcount is incremented and a
// non-owner handle is returned with creator=false; otherwise a fresh queue
// is created, registered if named, and an owner handle is returned with
// creator=true.
func Open(name string, size, growthIncrement datasize.ByteSize) (wq *WorkQueue, creator bool) {
	if size == 0 {
		size = DefaultSize
	}
	if growthIncrement == 0 {
		growthIncrement = size
	}

	if name == "" {
		return &WorkQueue{s: newShared("", size, growthIncrement), isOwner: true}, true
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if s, ok := registry.queues[name]; ok {
		s.mu.Lock()
		s.refcount++
		s.mu.Unlock()
		return &WorkQueue{s: s, isOwner: false}, false
	}

	s := newShared(name, size, growthIncrement)
	registry.queues[name] = s
	return &WorkQueue{s: s, isOwner: true}, true
}

func newShared(name string, size, growthIncrement datasize.ByteSize) *shared {
	return &shared{
		name:      name,
		refcount:  1,
		questions: channel.New(channel.WithSize(size), channel.WithGrowthIncrement(growthIncrement)),
		answers:   channel.New(channel.WithSize(size), channel.WithGrowthIncrement(growthIncrement)),
	}
}

// IsOwner reports whether this handle is the one that created the queue.
func (wq *WorkQueue) IsOwner() bool { return wq.isOwner }

func (wq *WorkQueue) readChannel() *channel.Channel {
	if wq.isOwner {
		return wq.s.answers
	}
	return wq.s.questions
}

func (wq *WorkQueue) writeChannel() *channel.Channel {
	if wq.isOwner {
		return wq.s.questions
	}
	return wq.s.answers
}

// Read pops one value: owner handles read `answers`, non-owner handles read
// `questions`.
func (wq *WorkQueue) Read(nonBlocking bool) (channel.Status, codec.Value, bool) {
	return wq.readChannel().Read(nonBlocking)
}

// Write pushes one or more values in the opposite direction of Read. A
// Function value capturing upvalues is refused; use WriteWithUpvalues.
func (wq *WorkQueue) Write(values ...codec.Value) (channel.Status, error) {
	return wq.writeChannel().Write(values...)
}

// WriteWithUpvalues is Write's opt-in variant that additionally permits
// Function values with captured upvalues, per spec §4.4's
// `write_with_upvalues`.
func (wq *WorkQueue) WriteWithUpvalues(values ...codec.Value) (channel.Status, error) {
	return wq.writeChannel().WriteWithUpvalues(values...)
}

// Drain blocks, owner-handle only, until every question written so far has
// a corresponding answer. It snapshots the combined item count under lock
// and waits for `answers` to catch up, per spec §4.4.
func (wq *WorkQueue) Drain() error {
	if !wq.isOwner {
		return ErrNotOwner
	}

	mark := wq.s.questions.NumItems() + wq.s.answers.NumItems()
	wq.s.answers.WaitAtLeast(mark)
	return nil
}

// Close decrements the refcount; at zero, a named queue is deregistered.
func (wq *WorkQueue) Close() {
	s := wq.s
	s.mu.Lock()
	s.refcount--
	remaining := s.refcount
	name := s.name
	s.mu.Unlock()

	if remaining > 0 {
		return
	}
	if name == "" {
		return
	}

	registry.mu.Lock()
	if registry.queues[name] == s {
		delete(registry.queues, name)
	}
	registry.mu.Unlock()
}

// Retain increments the refcount. Unnamed queues are not reference counted
// across handles in the source either (only named ones are retained across
// threads); we mirror that by allowing it unconditionally since the Go
// handle model makes it harmless.
func (wq *WorkQueue) Retain() {
	wq.s.mu.Lock()
	wq.s.refcount++
	wq.s.mu.Unlock()
}
