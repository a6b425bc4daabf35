// Package sharedtable implements the shared associative store of spec §4.7:
// a mutex-guarded table whose canonical storage lives behind an isolated
// runtime.Isolate, with Read and Write mediated by the codec so those calls
// never share Go-level memory between caller and table. Pairs yields the
// stored keys and values themselves, and Move adopts the caller's table.
package sharedtable

import (
	"errors"
	"iter"
	"sync"

	"github.com/c2h5oh/datasize"

	"github.com/ipcmesh/ipcmesh/codec"
	"github.com/ipcmesh/ipcmesh/internal/runtime"
	"github.com/ipcmesh/ipcmesh/ring"
)

// DefaultSize is the scratch ring's starting capacity.
const DefaultSize = datasize.ByteSize(8 * 1024)

// ErrKeyNotFound is returned by Read when the key has no entry.
var ErrKeyNotFound = errors.New("sharedtable: key not found")

// Table is a shared, mutex-guarded associative store. The zero value is not
// usable; construct with Create.
type Table struct {
	mu       sync.Mutex
	iso      *runtime.Isolate
	store    *codec.Table
	scratch  *ring.Buffer
	growth   datasize.ByteSize
	refcount int32
}

// Create builds a new Table, optionally seeded from initial (its pairs are
// copied in, never aliased — matching spec.md's "move?" flag defaulting to a
// copy unless the caller explicitly hands over ownership via Move).
func Create(initial *codec.Table, size, growth datasize.ByteSize) *Table {
	if size == 0 {
		size = DefaultSize
	}
	if growth == 0 {
		growth = size
	}

	store := codec.NewTable("")
	if initial != nil {
		for _, p := range initial.Pairs {
			store.Set(p.Key, p.Value)
		}
	}

	t := &Table{
		iso:      runtime.New(),
		store:    store,
		scratch:  ring.New(size),
		growth:   growth,
		refcount: 1,
	}
	return t
}

// Move builds a Table taking direct ownership of initial's backing storage
// rather than copying its pairs, matching spec.md's "move" creation mode.
func Move(initial *codec.Table, size, growth datasize.ByteSize) *Table {
	if size == 0 {
		size = DefaultSize
	}
	if growth == 0 {
		growth = size
	}
	if initial == nil {
		initial = codec.NewTable("")
	}
	return &Table{
		iso:      runtime.New(),
		store:    initial,
		scratch:  ring.New(size),
		growth:   growth,
		refcount: 1,
	}
}

// roundtrip passes v through the scratch ring's codec, growing it as needed.
// This is the "neutral buffer domain" spec.md's rationale calls for: the
// table's isolate never aliases a caller's Value graph directly.
func (t *Table) roundtrip(v codec.Value) (codec.Value, error) {
	enc := codec.NewEncoder(t.scratch, codec.ModeInProcess, t.iso.Handles())
	for {
		err := enc.Encode(v)
		if err == nil {
			break
		}
		if !errors.Is(err, codec.ErrOutOfBuffer) {
			return nil, err
		}
		t.scratch.GrowBy(t.growth)
	}
	dec := codec.NewDecoder(t.scratch, codec.ModeInProcess, t.iso.Handles(), t.iso.Funcs())
	return dec.Decode()
}

// Read looks up key, round-tripping both key and value through the codec.
func (t *Table) Read(key codec.Value) (codec.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	canonicalKey, err := t.roundtrip(key)
	if err != nil {
		return nil, err
	}
	v, ok := t.store.Get(canonicalKey)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return t.roundtrip(v)
}

// Write stores value under key, round-tripping both through the codec.
func (t *Table) Write(key, value codec.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	canonicalKey, err := t.roundtrip(key)
	if err != nil {
		return err
	}
	canonicalValue, err := t.roundtrip(value)
	if err != nil {
		return err
	}
	t.store.Set(canonicalKey, canonicalValue)
	return nil
}

// Len returns the number of entries currently stored.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Len()
}

// SizeBytes reports the scratch ring's current capacity, the portion of the
// table's footprint that is under explicit caller control (growth/size).
func (t *Table) SizeBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(t.scratch.Cap())
}

// Pairs returns a stateful iterator over the table's entries, snapshotting
// under lock so a concurrent Write during iteration cannot corrupt it.
func (t *Table) Pairs() iter.Seq2[codec.Value, codec.Value] {
	t.mu.Lock()
	snapshot := make([]codec.Pair, len(t.store.Pairs))
	copy(snapshot, t.store.Pairs)
	t.mu.Unlock()

	return func(yield func(codec.Value, codec.Value) bool) {
		for _, p := range snapshot {
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

// Retain increments the reference count.
func (t *Table) Retain() {
	t.mu.Lock()
	t.refcount++
	t.mu.Unlock()
}

// Release decrements the reference count; it is the caller's responsibility
// to stop using the Table once this reaches zero.
func (t *Table) Release() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refcount--
	return t.refcount
}
