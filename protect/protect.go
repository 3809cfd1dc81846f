// Package protect reserves a virtual-address window at a fixed address
// with no access permissions, so that the driver's later dereference of
// that literal address (e.g. 0x40000000) raises SIGSEGV instead of
// silently reading real memory.
//
// This generalizes a single large anonymous RW guest-memory mapping into
// many small fixed-address PROT_NONE windows, built on
// golang.org/x/sys/unix.
package protect

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Window is the handle a reservation returns. The trap facade keeps it,
// keyed by device id, until Release needs it back.
type Window struct {
	Base    uint64
	Size    uint64
	mapped  bool
}

// unix.Mmap (the high-level wrapper) has no way to request a specific
// virtual address: its "offset" parameter is a file offset, not a base
// address, because it's designed around fd-backed mappings. Landing at a
// literal fixed address needs the raw mmap(2) syscall, addr in hand,
// issued directly via RawSyscall6 instead of the unix.Mmap helper.
func rawMmap(addr, size uint64, prot, flags int) (uintptr, error) {
	ret, _, errno := unix.RawSyscall6(unix.SYS_MMAP,
		uintptr(addr), uintptr(size), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func rawMunmap(addr, size uint64) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Reserve maps [base, base+size) as PROT_NONE, MAP_FIXED_NOREPLACE|
// MAP_PRIVATE|MAP_ANON: inaccessible, not backed by a file, private to this
// process, landing at exactly the requested address. If the kernel can't
// honor the fixed address (already mapped, out of range, etc.) the
// reservation fails and the caller must reject the registration — never
// fall back to a different address, since the entire mechanism depends on
// the driver dereferencing that literal address.
func Reserve(base, size uint64) (Window, error) {
	addr, err := rawMmap(base, size, unix.PROT_NONE,
		unix.MAP_FIXED_NOREPLACE|unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Window{}, fmt.Errorf("protect: reserve [0x%x,0x%x): %w", base, base+size, err)
	}
	if uint64(addr) != base {
		rawMunmap(uint64(addr), size)
		return Window{}, fmt.Errorf("protect: reserve [0x%x,0x%x): kernel returned 0x%x instead of the fixed address", base, base+size, addr)
	}
	return Window{Base: base, Size: size, mapped: true}, nil
}

// Release unmaps a previously reserved window. It is a no-op on a zero
// Window, so it is safe to call during teardown even on
// partially-initialized state.
func Release(w Window) error {
	if !w.mapped {
		return nil
	}
	if err := rawMunmap(w.Base, w.Size); err != nil {
		return fmt.Errorf("protect: release [0x%x,0x%x): %w", w.Base, w.Base+w.Size, err)
	}
	return nil
}
