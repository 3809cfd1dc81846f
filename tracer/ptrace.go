// Package tracer wraps the ptrace(2) calls the supervisor needs to
// trace another process's execution, read and write its full register
// file, read its text, and resume it. The naming convention —
// DoPtraceXxx, one function per operation, raw errno returned as the
// error — mirrors a style of thin, one-ioctl-per-function wrapper
// common to low-level process-control code.
package tracer

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Regs is the interrupted context: the full general-purpose register file
// of the traced thread, as delivered by PTRACE_GETREGS.
type Regs = unix.PtraceRegs

// TraceMe marks the calling process as traced by its parent. Called by
// the traced child as the very first thing it does after exec, before it
// raises its own SIGSTOP to hand control to the parent's Wait4 loop —
// the classic PTRACE_TRACEME-then-self-stop bootstrap, rather than
// relying on a fork/exec layer to arm tracing from outside.
func TraceMe() error {
	if err := unix.PtraceTraceme(); err != nil {
		return fmt.Errorf("tracer: PTRACE_TRACEME: %w", err)
	}
	return nil
}

// DoPtraceSetOptions configures ptrace event delivery for pid. We ask for
// EXITKILL (the traced child dies if the supervisor dies) and TRACEEXIT
// (a stop is reported right before the child's own exit).
func DoPtraceSetOptions(pid int) error {
	const options = unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACEEXIT
	if err := unix.PtraceSetOptions(pid, options); err != nil {
		return fmt.Errorf("tracer: PTRACE_SETOPTIONS(%d): %w", pid, err)
	}
	return nil
}

// DoPtraceGetRegs reads the full register file of the stopped thread pid.
func DoPtraceGetRegs(pid int) (*Regs, error) {
	var regs Regs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return nil, fmt.Errorf("tracer: PTRACE_GETREGS(%d): %w", pid, err)
	}
	return &regs, nil
}

// DoPtraceSetRegs writes the interrupted context back into the stopped
// thread pid. This is where the Fault Interceptor's load result and
// advanced instruction pointer are committed.
func DoPtraceSetRegs(pid int, regs *Regs) error {
	if err := unix.PtraceSetRegs(pid, regs); err != nil {
		return fmt.Errorf("tracer: PTRACE_SETREGS(%d): %w", pid, err)
	}
	return nil
}

// DoPtracePeekText reads len(out) bytes from pid's text starting at addr,
// used to fetch the raw bytes of the faulting instruction for the
// Instruction Decoder.
func DoPtracePeekText(pid int, addr uintptr, out []byte) error {
	n, err := unix.PtracePeekText(pid, addr, out)
	if err != nil {
		return fmt.Errorf("tracer: PTRACE_PEEKTEXT(%d, 0x%x): %w", pid, addr, err)
	}
	if n != len(out) {
		return fmt.Errorf("tracer: PTRACE_PEEKTEXT(%d, 0x%x): short read %d/%d bytes", pid, addr, n, len(out))
	}
	return nil
}

// DoPtraceCont resumes pid, optionally re-delivering signal sig (0 for
// none — the normal case once the Fault Interceptor has handled a
// SIGSEGV and wants the thread to simply continue past it).
func DoPtraceCont(pid, sig int) error {
	if err := unix.PtraceCont(pid, sig); err != nil {
		return fmt.Errorf("tracer: PTRACE_CONT(%d, %d): %w", pid, sig, err)
	}
	return nil
}

// sigInfoFault is the subset of Linux's siginfo_t this package reads:
// signal number and, for synchronous faults (SIGSEGV/SIGBUS), the faulting
// address. The kernel's siginfo_t is a fixed 128-byte struct on amd64/
// arm64; si_addr for the sigfault union member sits at byte offset 16
// (si_signo, si_errno, si_code are each int32, then padding to align the
// union's pointer member). This layout is not exported by
// golang.org/x/sys/unix as a typed struct, so it's reproduced here by
// hand, the same approach used for any kernel struct layout that isn't
// already exported by the unix package.
type sigInfoFault struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
	_     [104]byte
}

// DoPtraceGetSigInfo fetches the faulting address for the signal that
// last stopped pid. PTRACE_GETSIGINFO has no wrapper in
// golang.org/x/sys/unix, so it's issued as a raw syscall
// (unix.RawSyscall6(unix.SYS_PTRACE, ...)), the same pattern used for
// any ptrace request without a dedicated helper.
func DoPtraceGetSigInfo(pid int) (signo int32, addr uint64, err error) {
	var info sigInfoFault
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
		uintptr(pid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("tracer: PTRACE_GETSIGINFO(%d): %w", pid, errno)
	}
	return info.Signo, info.Addr, nil
}
