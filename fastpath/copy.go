package fastpath

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// StagedBlockSize is the double-buffered pipeline's block size, per
// spec.md §4.9.
const StagedBlockSize = 512 * 1024

// CopyContext negotiates and drives one direction of numeric tensor
// transfer for a single connection, wiring a DeviceBackend (or its absence)
// to the three write strategies spec.md §4.9 describes.
type CopyContext struct {
	Backend      DeviceBackend // nil means no GPU runtime is present
	OriginSocket string
	Cache        *LRUCache // receiver-side import cache; nil on the sender
}

// NegotiateFastpath implements spec.md §4.9's eligibility check: both ends
// need a GPU runtime, and if their device indices differ the sender must
// have (or be granted) peer access to the receiver's device.
func NegotiateFastpath(local, remote DeviceBackend) bool {
	if local == nil || remote == nil {
		return false
	}
	if local.DeviceIndex() == remote.DeviceIndex() {
		return true
	}
	return local.CanAccessPeer(remote.DeviceIndex())
}

// WriteContiguousFast implements the fast contiguous write path: export an
// IPC handle for the source buffer, synchronize, and hand the handle to the
// receiver's cache, which imports (or reuses) it and performs the
// device-to-device copy. Returns once the receiver has copied and
// synchronized, mirroring the one-word ack that releases the sender.
func (c *CopyContext) WriteContiguousFast(srcPtr uintptr, count, elementSize int, receiver *CopyContext) error {
	if c.Backend == nil {
		return fmt.Errorf("fastpath: contiguous fast path requires a device backend")
	}
	handle, err := c.Backend.Export(srcPtr, count, elementSize, c.OriginSocket)
	if err != nil {
		return fmt.Errorf("fastpath: exporting handle: %w", err)
	}
	if err := c.Backend.Sync(); err != nil {
		return fmt.Errorf("fastpath: sync after export: %w", err)
	}

	if receiver.Cache == nil {
		return fmt.Errorf("fastpath: receiver has no import cache configured")
	}
	dstPtr, err := receiver.Cache.Resolve(handle)
	if err != nil {
		return fmt.Errorf("fastpath: resolving handle on receiver: %w", err)
	}

	n := count * elementSize
	if err := receiver.Backend.CopyDeviceToDevice(dstPtr, srcPtr, n); err != nil {
		return fmt.Errorf("fastpath: device-to-device copy: %w", err)
	}
	return receiver.Backend.Sync()
}

// WriteContiguousStaged implements the double-buffered staged write: block i
// is copied device->host into staging slot i%2 while block i-1, held in slot
// (i%2)^1, is sent over conn. At loop exit the final block is flushed.
func (c *CopyContext) WriteContiguousStaged(conn net.Conn, devicePtr uintptr, totalBytes int) error {
	if c.Backend == nil {
		return fmt.Errorf("fastpath: staged path requires a device backend")
	}

	var staged [2][]byte
	which := 0
	offset := 0

	flush := func(slot []byte) error {
		if slot == nil {
			return nil
		}
		return writeRaw(conn, slot)
	}

	for offset < totalBytes {
		n := StagedBlockSize
		if remaining := totalBytes - offset; remaining < n {
			n = remaining
		}

		block, err := c.Backend.StageOut(devicePtr+uintptr(offset), n)
		if err != nil {
			return fmt.Errorf("fastpath: staging block at offset %d: %w", offset, err)
		}

		if err := flush(staged[which^1]); err != nil {
			return err
		}
		staged[which] = block
		which ^= 1
		offset += n
	}

	if err := c.Backend.Sync(); err != nil {
		return fmt.Errorf("fastpath: sync before final staged flush: %w", err)
	}
	return flush(staged[which^1])
}

// ReadContiguousStaged is the symmetric read side of WriteContiguousStaged:
// it reads each length-prefixed block off conn in turn and stages it into
// device memory at devicePtr+offset via backend.StageIn.
func (c *CopyContext) ReadContiguousStaged(conn net.Conn, devicePtr uintptr, totalBytes int) error {
	if c.Backend == nil {
		return fmt.Errorf("fastpath: staged path requires a device backend")
	}

	offset := 0
	for offset < totalBytes {
		n := StagedBlockSize
		if remaining := totalBytes - offset; remaining < n {
			n = remaining
		}

		block, err := readRaw(conn)
		if err != nil {
			return fmt.Errorf("fastpath: reading staged block at offset %d: %w", offset, err)
		}
		if len(block) != n {
			return fmt.Errorf("fastpath: staged block at offset %d: got %d bytes, want %d", offset, len(block), n)
		}

		if err := c.Backend.StageIn(devicePtr+uintptr(offset), block); err != nil {
			return fmt.Errorf("fastpath: staging in block at offset %d: %w", offset, err)
		}
		offset += n
	}

	return c.Backend.Sync()
}

// WriteContiguousNoGPU sends the buffer directly, for hosts without a GPU
// runtime.
func (c *CopyContext) WriteContiguousNoGPU(conn net.Conn, data []byte) error {
	return writeRaw(conn, data)
}

func writeRaw(conn net.Conn, data []byte) error {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(data)))
	if _, err := conn.Write(length[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

func readRaw(conn net.Conn) ([]byte, error) {
	var length [8]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint64(length[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadContiguousNoGPU is the receive side of WriteContiguousNoGPU.
func ReadContiguousNoGPU(conn net.Conn) ([]byte, error) {
	return readRaw(conn)
}

// Chunk describes one contiguous run transmitted by WriteNonContiguous, in
// row-major outer-to-inner order.
type Chunk struct {
	OuterIndex []int64 // coordinates of the fixed (non-contiguous) dimensions
	ByteOffset int64
	ByteLength int64
}

// WriteNonContiguous drives the non-contiguous transfer: it plans the
// tensor's chunks via PlanNonContiguous, then sends each chunk's bytes in
// row-major order, length-prefixing the whole stream with the chunk count
// so the reader knows when to stop. basePtr is the tensor's base device
// pointer (or host pointer when backend is nil); per-chunk bytes come from
// backend.StageOut when a device backend is present, or directly from data
// when it is not — mirroring WriteContiguousFast/WriteContiguousNoGPU's own
// split. This is the Go counterpart of the original's
// tensor_write_noncontiguous_rcsv.
func WriteNonContiguous(conn net.Conn, backend DeviceBackend, basePtr uintptr, data []byte, sizes, strides []int64, elementSize int) error {
	chunks, err := PlanNonContiguous(sizes, strides, elementSize)
	if err != nil {
		return fmt.Errorf("fastpath: planning non-contiguous transfer: %w", err)
	}

	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(len(chunks)))
	if _, err := conn.Write(count[:]); err != nil {
		return err
	}

	for _, ch := range chunks {
		var block []byte
		if backend != nil {
			block, err = backend.StageOut(basePtr+uintptr(ch.ByteOffset), int(ch.ByteLength))
			if err != nil {
				return fmt.Errorf("fastpath: staging non-contiguous chunk at offset %d: %w", ch.ByteOffset, err)
			}
		} else {
			block = data[ch.ByteOffset : ch.ByteOffset+ch.ByteLength]
		}
		if err := writeRaw(conn, block); err != nil {
			return fmt.Errorf("fastpath: writing non-contiguous chunk at offset %d: %w", ch.ByteOffset, err)
		}
	}

	if backend != nil {
		return backend.Sync()
	}
	return nil
}

// ReadNonContiguous is the symmetric receive side of WriteNonContiguous: it
// reads the chunk count, then each chunk's bytes, scattering them into the
// destination tensor at the plan's byte offsets. When backend is nil the
// chunks are copied directly into dst; otherwise each chunk is staged into
// device memory at basePtr+offset via backend.StageIn.
func ReadNonContiguous(conn net.Conn, backend DeviceBackend, basePtr uintptr, dst []byte, sizes, strides []int64, elementSize int) error {
	chunks, err := PlanNonContiguous(sizes, strides, elementSize)
	if err != nil {
		return fmt.Errorf("fastpath: planning non-contiguous transfer: %w", err)
	}

	var count [8]byte
	if _, err := io.ReadFull(conn, count[:]); err != nil {
		return err
	}
	if got, want := binary.LittleEndian.Uint64(count[:]), uint64(len(chunks)); got != want {
		return fmt.Errorf("fastpath: non-contiguous chunk count mismatch: got %d, want %d", got, want)
	}

	for _, ch := range chunks {
		block, err := readRaw(conn)
		if err != nil {
			return fmt.Errorf("fastpath: reading non-contiguous chunk at offset %d: %w", ch.ByteOffset, err)
		}
		if int64(len(block)) != ch.ByteLength {
			return fmt.Errorf("fastpath: non-contiguous chunk at offset %d: got %d bytes, want %d", ch.ByteOffset, len(block), ch.ByteLength)
		}
		if backend != nil {
			if err := backend.StageIn(basePtr+uintptr(ch.ByteOffset), block); err != nil {
				return fmt.Errorf("fastpath: staging in non-contiguous chunk at offset %d: %w", ch.ByteOffset, err)
			}
			continue
		}
		copy(dst[ch.ByteOffset:ch.ByteOffset+ch.ByteLength], block)
	}

	if backend != nil {
		return backend.Sync()
	}
	return nil
}

// PlanNonContiguous implements spec.md §4.9's non-contiguous recursion:
// find the largest trailing contiguous run via ContiguousTailRun, then walk
// every combination of the remaining (outer) dimensions in row-major order,
// emitting one Chunk per combination. Refuses exactly when
// ContiguousTailRun refuses.
func PlanNonContiguous(sizes, strides []int64, elementSize int) ([]Chunk, error) {
	tailStart, ok := ContiguousTailRun(sizes, strides)
	if !ok {
		return nil, fmt.Errorf("fastpath: tensor is not chunkable (innermost stride != 1 or <2 dims)")
	}

	chunkElems := int64(1)
	for _, s := range sizes[tailStart:] {
		chunkElems *= s
	}
	chunkBytes := chunkElems * int64(elementSize)

	outerSizes := sizes[:tailStart]
	outerStrides := strides[:tailStart]

	var chunks []Chunk
	coord := make([]int64, len(outerSizes))

	var walk func(dim int)
	walk = func(dim int) {
		if dim == len(outerSizes) {
			offset := int64(0)
			for i, c := range coord {
				offset += c * outerStrides[i]
			}
			chunks = append(chunks, Chunk{
				OuterIndex: append([]int64(nil), coord...),
				ByteOffset: offset * int64(elementSize),
				ByteLength: chunkBytes,
			})
			return
		}
		for i := int64(0); i < outerSizes[dim]; i++ {
			coord[dim] = i
			walk(dim + 1)
		}
	}
	walk(0)

	return chunks, nil
}
