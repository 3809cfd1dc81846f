//go:build amd64

package tracer

// registerSlot returns a pointer to the 64-bit register slot the ModR/M
// reg field names, following the standard x86-64 ModR/M register
// encoding (0=AX, 1=CX, 2=DX, 3=BX, 4=SP, 5=BP, 6=SI, 7=DI). spec.md
// section 9 is explicit that a correct implementation must address the
// register the instruction actually names rather than hardcoding one,
// so every decoded field value is wired here instead of only the
// accumulator.
func registerSlot(regs *Regs, field uint8) *uint64 {
	switch field & 0x7 {
	case 0:
		return &regs.Rax
	case 1:
		return &regs.Rcx
	case 2:
		return &regs.Rdx
	case 3:
		return &regs.Rbx
	case 4:
		return &regs.Rsp
	case 5:
		return &regs.Rbp
	case 6:
		return &regs.Rsi
	default:
		return &regs.Rdi
	}
}

// RegisterValue reads width bytes (1, 2, or 4) from the register slot
// decode.Access.RegField names. This is the source value for a store
// whose source operand is that register.
func RegisterValue(regs *Regs, field uint8, width int) uint32 {
	v := *registerSlot(regs, field)
	switch width {
	case 1:
		return uint32(v & 0xff)
	case 2:
		return uint32(v & 0xffff)
	default:
		return uint32(v & 0xffffffff)
	}
}

// SetRegisterValue writes a load result into the register slot
// decode.Access.RegField names, preserving upper bits not covered by
// width: width 1 keeps bits 8-63, width 2 keeps bits 16-63, width 4
// zero-extends into the full 64-bit slot (the standard x86-64 rule that
// a 32-bit write to a GPR clears its upper 32 bits).
func SetRegisterValue(regs *Regs, field uint8, width int, value uint32) {
	p := registerSlot(regs, field)
	switch width {
	case 1:
		*p = (*p &^ 0xff) | uint64(value&0xff)
	case 2:
		*p = (*p &^ 0xffff) | uint64(value&0xffff)
	default:
		*p = uint64(value)
	}
}

// InstructionPointer returns the traced thread's current RIP.
func InstructionPointer(regs *Regs) uint64 { return regs.Rip }

// AdvanceInstructionPointer moves RIP past the just-handled instruction,
// the final step of fault handling before resuming the traced thread:
// the supervisor must move the program counter itself before calling
// DoPtraceCont.
func AdvanceInstructionPointer(regs *Regs, length int) {
	regs.Rip += uint64(length)
}
