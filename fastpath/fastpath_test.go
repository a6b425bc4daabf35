package fastpath_test

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ipcmesh/ipcmesh/fastpath"
)

// fakeBackend is an in-process stand-in for a GPU runtime: "device memory"
// is a single flat byte arena addressed directly by uintptr offset (so
// StageOut/StageIn at arbitrary offsets behave like real device memory),
// while imported handles get their own map keyed by the pointer Import
// hands back. Peer access/copy are no-ops over the arena, so the fast-path
// logic can be exercised without a GPU.
type fakeBackend struct {
	mu       sync.Mutex
	index    int
	peers    map[int]bool
	flat     []byte
	mem      map[uintptr][]byte
	nextPtr  uintptr
	releases []uintptr
}

const fakeBackendArenaSize = 4 * 1024 * 1024

func newFakeBackend(index int) *fakeBackend {
	return &fakeBackend{
		index:   index,
		peers:   map[int]bool{},
		flat:    make([]byte, fakeBackendArenaSize),
		mem:     map[uintptr][]byte{},
		nextPtr: 0x1000,
	}
}

func (b *fakeBackend) DeviceIndex() int { return b.index }
func (b *fakeBackend) CanAccessPeer(other int) bool { return b.peers[other] }

func (b *fakeBackend) Export(ptr uintptr, count, elementSize int, originSocket string) (fastpath.MemHandle, error) {
	return fastpath.MemHandle{
		Bytes:        []byte(fmt.Sprintf("handle:%d:%d", b.index, ptr)),
		OriginSocket: originSocket,
		OriginPtr:    ptr,
		Count:        count,
		ElementSize:  elementSize,
	}, nil
}

func (b *fakeBackend) Import(h fastpath.MemHandle) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ptr := b.nextPtr
	b.nextPtr++
	b.mem[ptr] = make([]byte, h.Count*h.ElementSize)
	return ptr, nil
}

func (b *fakeBackend) ReleaseImport(ptr uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mem, ptr)
	b.releases = append(b.releases, ptr)
	return nil
}

func (b *fakeBackend) CopyDeviceToDevice(dst, src uintptr, n int) error { return nil }

func (b *fakeBackend) StageOut(devicePtr uintptr, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, n)
	copy(out, b.flat[devicePtr:devicePtr+uintptr(n)])
	return out, nil
}

func (b *fakeBackend) StageIn(devicePtr uintptr, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.flat[devicePtr:devicePtr+uintptr(len(data))], data)
	return nil
}

func (b *fakeBackend) Sync() error { return nil }

func TestNegotiateFastpathSameDevice(t *testing.T) {
	a := newFakeBackend(0)
	b := newFakeBackend(0)
	require.True(t, fastpath.NegotiateFastpath(a, b))
}

func TestNegotiateFastpathRequiresPeerAccessAcrossDevices(t *testing.T) {
	a := newFakeBackend(0)
	b := newFakeBackend(1)
	require.False(t, fastpath.NegotiateFastpath(a, b))

	a.peers[1] = true
	require.True(t, fastpath.NegotiateFastpath(a, b))
}

func TestNegotiateFastpathNoBackend(t *testing.T) {
	require.False(t, fastpath.NegotiateFastpath(nil, newFakeBackend(0)))
}

func TestLRUCacheResolvesAndReusesByHandleIdentity(t *testing.T) {
	backend := newFakeBackend(1)
	cache := fastpath.NewLRUCache(backend, 4, fastpath.EvictionGrow, nil)

	h := fastpath.MemHandle{Bytes: []byte("h1"), OriginSocket: "sock-a", OriginPtr: 0x100, Count: 4, ElementSize: 4}
	ptr1, err := cache.Resolve(h)
	require.NoError(t, err)

	ptr2, err := cache.Resolve(h)
	require.NoError(t, err)
	require.Equal(t, ptr1, ptr2, "resolving the same handle bytes must reuse the cached import")
	require.Equal(t, 1, cache.Len())
}

func TestLRUCacheEvictsOverlappingSameOriginEntry(t *testing.T) {
	backend := newFakeBackend(1)
	cache := fastpath.NewLRUCache(backend, 4, fastpath.EvictionGrow, nil)

	first := fastpath.MemHandle{Bytes: []byte("h1"), OriginSocket: "sock-a", OriginPtr: 0x100, Count: 4, ElementSize: 4}
	_, err := cache.Resolve(first)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	overlapping := fastpath.MemHandle{Bytes: []byte("h2"), OriginSocket: "sock-a", OriginPtr: 0x104, Count: 4, ElementSize: 4}
	_, err = cache.Resolve(overlapping)
	require.NoError(t, err)

	require.False(t, cache.Contains(first))
	require.True(t, cache.Contains(overlapping))
}

func TestLRUCacheDoesNotEvictAcrossDifferentOrigins(t *testing.T) {
	backend := newFakeBackend(1)
	cache := fastpath.NewLRUCache(backend, 4, fastpath.EvictionGrow, nil)

	a := fastpath.MemHandle{Bytes: []byte("h1"), OriginSocket: "sock-a", OriginPtr: 0x100, Count: 4, ElementSize: 4}
	b := fastpath.MemHandle{Bytes: []byte("h2"), OriginSocket: "sock-b", OriginPtr: 0x100, Count: 4, ElementSize: 4}

	_, err := cache.Resolve(a)
	require.NoError(t, err)
	_, err = cache.Resolve(b)
	require.NoError(t, err)

	require.True(t, cache.Contains(a))
	require.True(t, cache.Contains(b))
}

func TestLRUCacheEvictsOldestAtCapacityUnderEvictionOldest(t *testing.T) {
	backend := newFakeBackend(1)
	cache := fastpath.NewLRUCache(backend, 2, fastpath.EvictionOldest, nil)

	h1 := fastpath.MemHandle{Bytes: []byte("h1"), OriginSocket: "s1", OriginPtr: 0x100, Count: 1, ElementSize: 4}
	h2 := fastpath.MemHandle{Bytes: []byte("h2"), OriginSocket: "s2", OriginPtr: 0x200, Count: 1, ElementSize: 4}
	h3 := fastpath.MemHandle{Bytes: []byte("h3"), OriginSocket: "s3", OriginPtr: 0x300, Count: 1, ElementSize: 4}

	_, err := cache.Resolve(h1)
	require.NoError(t, err)
	_, err = cache.Resolve(h2)
	require.NoError(t, err)
	_, err = cache.Resolve(h3)
	require.NoError(t, err)

	require.Equal(t, 2, cache.Len())
	require.False(t, cache.Contains(h1))
	require.True(t, cache.Contains(h3))
}

func TestHeaderPackUnpackRoundTrip(t *testing.T) {
	h := fastpath.Header{
		IsContiguous: true,
		UseFastpath:  true,
		ElementSize:  4,
		Sizes:        []int64{2, 3},
		Strides:      []int64{3, 1},
	}
	buf, err := fastpath.PackHeader(h)
	require.NoError(t, err)

	got, err := fastpath.UnpackHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderValidateDetectsMismatch(t *testing.T) {
	local := fastpath.Header{ElementSize: 4, Sizes: []int64{2, 3}, Strides: []int64{3, 1}}
	remote := fastpath.Header{ElementSize: 8, Sizes: []int64{2, 3}, Strides: []int64{3, 1}}
	require.ErrorIs(t, remote.Validate(local), fastpath.ErrHeaderMismatch)
}

func TestContiguousTailRunRefusesNonUnitInnerStride(t *testing.T) {
	_, ok := fastpath.ContiguousTailRun([]int64{2, 3}, []int64{1, 2})
	require.False(t, ok)
}

func TestContiguousTailRunRefusesLessThanTwoDims(t *testing.T) {
	_, ok := fastpath.ContiguousTailRun([]int64{3}, []int64{1})
	require.False(t, ok)
}

func TestContiguousTailRunFindsFullyContiguousTensor(t *testing.T) {
	idx, ok := fastpath.ContiguousTailRun([]int64{2, 3, 4}, []int64{12, 4, 1})
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestPlanNonContiguousEmitsOneChunkPerOuterCombination(t *testing.T) {
	chunks, err := fastpath.PlanNonContiguous([]int64{2, 3, 4}, []int64{24, 4, 1}, 4)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, int64(48), chunks[0].ByteLength)
}

func TestWriteReadContiguousNoGPU(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx := &fastpath.CopyContext{}
	payload := []byte("tensor-bytes")

	done := make(chan error, 1)
	go func() { done <- ctx.WriteContiguousNoGPU(client, payload) }()

	got, err := fastpath.ReadContiguousNoGPU(server)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, payload, got)
}

func TestWriteReadContiguousStagedRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	backend := newFakeBackend(0)
	payload := make([]byte, fastpath.StagedBlockSize*2+1234)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, backend.StageIn(0x100, payload))

	writer := &fastpath.CopyContext{Backend: backend}
	reader := &fastpath.CopyContext{Backend: newFakeBackend(1)}

	done := make(chan error, 1)
	go func() { done <- writer.WriteContiguousStaged(client, 0x100, len(payload)) }()

	require.NoError(t, reader.ReadContiguousStaged(server, 0x200, len(payload)))
	require.NoError(t, <-done)

	got, err := reader.Backend.StageOut(0x200, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteReadNonContiguousRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// sizes/strides describe a tensor with a one-element pad between outer
	// rows (stride 4 where a tightly packed row would need stride 3), so the
	// plan genuinely has more than one chunk with a gap between them.
	sizes := []int64{2, 3}
	strides := []int64{4, 1}
	elementSize := 4

	chunks, err := fastpath.PlanNonContiguous(sizes, strides, elementSize)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	var bufLen int64
	for _, ch := range chunks {
		if end := ch.ByteOffset + ch.ByteLength; end > bufLen {
			bufLen = end
		}
	}

	data := make([]byte, bufLen)
	for i, ch := range chunks {
		for j := ch.ByteOffset; j < ch.ByteOffset+ch.ByteLength; j++ {
			data[j] = byte(i + 1)
		}
	}
	dst := make([]byte, bufLen)

	done := make(chan error, 1)
	go func() { done <- fastpath.WriteNonContiguous(client, nil, 0, data, sizes, strides, elementSize) }()

	require.NoError(t, fastpath.ReadNonContiguous(server, nil, 0, dst, sizes, strides, elementSize))
	require.NoError(t, <-done)
	require.Equal(t, data, dst)
}

func TestWriteContiguousFastPerformsDeviceToDeviceCopy(t *testing.T) {
	sender := &fastpath.CopyContext{Backend: newFakeBackend(0), OriginSocket: "sock-a"}
	receiverBackend := newFakeBackend(1)
	receiver := &fastpath.CopyContext{
		Backend: receiverBackend,
		Cache:   fastpath.NewLRUCache(receiverBackend, 4, fastpath.EvictionGrow, nil),
	}

	err := sender.WriteContiguousFast(0x100, 4, 4, receiver)
	require.NoError(t, err)
	require.Equal(t, 1, receiver.Cache.Len())
}
