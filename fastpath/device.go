// Package fastpath implements the GPU-memory-handle fast path and numeric
// tensor codec of spec.md §4.9: an LRU cache of imported device handles with
// overlap-detection eviction, and contiguous/staged/non-contiguous write
// paths over an abstract DeviceBackend so the core compiles and is testable
// without a GPU runtime present, per SPEC_FULL.md §0.
package fastpath

import "errors"

// ErrNoPeerAccess names the condition of two backends that cannot see each
// other's memory. No function in this package returns it: NegotiateFastpath
// reports that case as false.
var ErrNoPeerAccess = errors.New("fastpath: peer device access unavailable")

// MemHandle is an opaque, comparable-by-bytes export handle plus the
// metadata needed to detect that a sender has reused an address range
// (spec.md's "pointer reuse detection").
type MemHandle struct {
	Bytes        []byte
	OriginSocket string
	OriginPtr    uintptr
	Count        int
	ElementSize  int
}

// End returns the exclusive end of the address range this handle covers.
func (h MemHandle) End() uintptr {
	return h.OriginPtr + uintptr(h.Count*h.ElementSize)
}

// Overlaps reports whether h and other cover any of the same address range
// and share an origin socket.
func (h MemHandle) Overlaps(other MemHandle) bool {
	if h.OriginSocket != other.OriginSocket {
		return false
	}
	return h.OriginPtr < other.End() && other.OriginPtr < h.End()
}

// DeviceBackend abstracts the GPU runtime calls spec.md §4.9 describes:
// device index negotiation, IPC handle export/import, device-to-device
// copy, and host staging. Hosts without a GPU runtime pass a nil
// DeviceBackend, which selects the "without GPU path" branches.
type DeviceBackend interface {
	// DeviceIndex identifies which device this backend is bound to.
	DeviceIndex() int
	// CanAccessPeer reports whether this device can address another
	// device's memory directly (CUDA peer access or equivalent).
	CanAccessPeer(otherDeviceIndex int) bool
	// Export produces a transferable handle for a local contiguous buffer.
	Export(ptr uintptr, count, elementSize int, originSocket string) (MemHandle, error)
	// Import resolves a remote handle to a locally addressable pointer.
	Import(h MemHandle) (uintptr, error)
	// ReleaseImport closes a previously imported pointer.
	ReleaseImport(ptr uintptr) error
	// CopyDeviceToDevice copies n bytes from src to dst on-device.
	CopyDeviceToDevice(dst, src uintptr, n int) error
	// StageOut copies a device-resident block into a host-addressable
	// staging buffer, for the staged write path.
	StageOut(devicePtr uintptr, n int) ([]byte, error)
	// StageIn copies a host-addressable block into a device-resident
	// buffer, for the staged read path.
	StageIn(devicePtr uintptr, data []byte) error
	// Sync blocks until all outstanding device work on this backend has
	// completed.
	Sync() error
}
