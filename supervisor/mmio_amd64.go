//go:build linux && amd64

package supervisor

import "unsafe"

// mmioStore and mmioLoad are hand-written in assembly (mmio_amd64.s) so
// the exact bytes of the instruction that faults are known ahead of
// time -- a store through CX and a load into DX, neither the
// accumulator -- rather than left to whichever register the Go
// compiler's allocator happens to pick for an ordinary pointer
// dereference. fault_integration_test.go needs that precision to prove
// handleFault writes back through the register the instruction
// actually names.

//go:noescape
func mmioStore(addr unsafe.Pointer, val uint32)

//go:noescape
func mmioLoad(addr unsafe.Pointer) uint32
