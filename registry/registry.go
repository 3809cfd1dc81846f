// Package registry holds the table of registered devices: each device's id,
// base address, size, and reserved-window handle. It answers the one query
// the Fault Interceptor needs at trap time: which device, if any, owns a
// given faulting address.
package registry

import (
	"errors"
	"fmt"
)

// Capacity is the maximum number of devices a single Registry may hold.
const Capacity = 16

var (
	ErrFull         = errors.New("registry: full")
	ErrExists       = errors.New("registry: device id already registered")
	ErrOverlap      = errors.New("registry: address window overlaps an existing device")
	ErrNotFound     = errors.New("registry: device id not found")
	ErrInvalidBase  = errors.New("registry: base address is not page-aligned")
	ErrInvalidSize  = errors.New("registry: size must be a positive page multiple")
)

// PageSize is the alignment unit base/size must respect. Matches the host
// page size on every platform this runs on in practice (amd64/arm64 Linux).
const PageSize = 4096

// Device is one entry in the table: id, address window, and the opaque
// handle needed to release its reservation. Handle is whatever the
// Address-Space Protector returned from Reserve; the registry never
// interprets it, only carries it through to Release on unregister.
type Device struct {
	ID     uint32
	Base   uint64
	Size   uint64
	Handle any
}

// Contains reports whether addr falls within this device's window.
func (d Device) Contains(addr uint64) bool {
	return addr >= d.Base && addr < d.Base+d.Size
}

func (d Device) overlaps(other Device) bool {
	return d.Base < other.Base+other.Size && other.Base < d.Base+d.Size
}

// Registry is the flat, process-wide device table. It is not safe for
// concurrent use from more than one goroutine; registration is expected
// only during single-threaded initialization, and the supervisor keeps
// its own mirror rather than sharing this instance with a signal path.
type Registry struct {
	capacity int
	devices  []Device
}

// New creates an empty Registry with the given capacity. A capacity of 0
// defaults to Capacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Registry{capacity: capacity}
}

// Register adds a device to the table. It fails if the table is full, the
// id is already present, the window is misaligned, or the window overlaps
// an existing one. Reservation of the underlying address window (the
// Address-Space Protector's job) is the caller's responsibility before or
// after calling Register; Register only records the bookkeeping.
func (r *Registry) Register(id uint32, base, size uint64, handle any) (Device, error) {
	if len(r.devices) >= r.capacity {
		return Device{}, fmt.Errorf("%w: capacity %d", ErrFull, r.capacity)
	}
	if base%PageSize != 0 {
		return Device{}, fmt.Errorf("%w: base 0x%x", ErrInvalidBase, base)
	}
	if size == 0 || size%PageSize != 0 {
		return Device{}, fmt.Errorf("%w: size 0x%x", ErrInvalidSize, size)
	}
	for _, d := range r.devices {
		if d.ID == id {
			return Device{}, fmt.Errorf("%w: id %d", ErrExists, id)
		}
	}
	candidate := Device{ID: id, Base: base, Size: size, Handle: handle}
	for _, d := range r.devices {
		if d.overlaps(candidate) {
			return Device{}, fmt.Errorf("%w: [0x%x,0x%x) vs existing [0x%x,0x%x)",
				ErrOverlap, base, base+size, d.Base, d.Base+d.Size)
		}
	}
	r.devices = append(r.devices, candidate)
	return candidate, nil
}

// Unregister removes a device from the table and returns it so the caller
// can release its reservation. A fault already in flight against this
// device is out of scope: callers must quiesce first.
func (r *Registry) Unregister(id uint32) (Device, error) {
	for i, d := range r.devices {
		if d.ID == id {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// FindByAddr returns the device whose window contains addr, if any. The
// non-overlap invariant enforced by Register means at most one device can
// ever match, so the first match is unambiguous.
func (r *Registry) FindByAddr(addr uint64) (Device, bool) {
	for _, d := range r.devices {
		if d.Contains(addr) {
			return d, true
		}
	}
	return Device{}, false
}

// Devices returns a snapshot copy of the current table, used by the
// supervisor when logging or diagnosing a fatal fault.
func (r *Registry) Devices() []Device {
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Len reports how many devices are currently registered.
func (r *Registry) Len() int { return len(r.devices) }

// Reset empties the table without releasing any reservation; used by
// Cleanup after the caller has released every device's window itself.
func (r *Registry) Reset() {
	r.devices = r.devices[:0]
}
