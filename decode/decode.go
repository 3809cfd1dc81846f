// Package decode is a minimal x86-64 instruction decoder: given the raw
// bytes at a faulting instruction pointer, it extracts direction, width,
// data source/destination, and the instruction's total byte length, for
// the small set of register-memory load/store forms drivers actually
// emit for memory-mapped I/O.
//
// The opcode/ModR-M/SIB/displacement layout follows the same
// table-plus-ModRM-decode shape as a general-purpose x86 opcode table,
// narrowed to the handful of MOV forms MMIO drivers use rather than the
// full instruction set.
package decode

import "fmt"

// Direction is which way data moves relative to the device.
type Direction int

const (
	Load Direction = iota
	Store
)

func (d Direction) String() string {
	if d == Store {
		return "store"
	}
	return "load"
}

// Register classifies the operand register a decoded ModR/M reg field
// refers to: Accumulator when the field names RAX (field 0), Other for
// any other general-purpose register. The raw field value itself
// (Access.RegField) is what tracer.RegisterValue/SetRegisterValue
// actually address, per spec.md section 9's requirement that the named
// register be used, not a hardcoded one; this classification exists only
// to make the common RAX case legible at call sites.
type Register int

const (
	Accumulator Register = iota
	Other
)

// Access is everything the Fault Interceptor needs out of one decoded
// instruction.
type Access struct {
	Direction    Direction
	Width        int      // 1, 2, or 4 bytes
	Source       Register // valid when Direction == Store and !HasImmediate
	Destination  Register // valid when Direction == Load
	RegField     uint8    // raw ModR/M reg field, 0-7
	HasImmediate bool
	Immediate    uint32 // valid when HasImmediate
	Length       int    // total instruction length in bytes, including any prefix
}

// ErrUnknownOpcode is returned in strict mode when an opcode isn't one of
// the supported MMIO load/store forms. A non-strict bring-up default is
// also available (see Decode's strict parameter).
type ErrUnknownOpcode struct{ Opcode byte }

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("decode: unsupported opcode 0x%02x", e.Opcode)
}

// modrm holds the three fields of a ModR/M byte.
type modrm struct {
	mod, reg, rm uint8
}

func decodeModRM(b byte) modrm {
	return modrm{mod: (b >> 6) & 0x3, reg: (b >> 3) & 0x7, rm: b & 0x7}
}

// addressingLength returns the number of bytes consumed by the ModR/M
// byte itself, an optional SIB byte, and any displacement — everything
// between the opcode and the immediate (if any). pos is the offset of the
// ModR/M byte within code.
func addressingLength(code []byte, pos int) (int, error) {
	if pos >= len(code) {
		return 0, fmt.Errorf("decode: truncated instruction (no ModR/M byte)")
	}
	m := decodeModRM(code[pos])
	n := 1 // the ModR/M byte itself

	hasSIB := m.mod != 0x3 && m.rm == 0x4
	if hasSIB {
		n++ // SIB byte
	}

	switch {
	case m.mod == 0x0 && m.rm == 0x5:
		n += 4 // RIP-relative disp32 (64-bit mode) / direct disp32 (32-bit mode)
	case m.mod == 0x0 && hasSIB:
		if pos+1 >= len(code) {
			return 0, fmt.Errorf("decode: truncated instruction (no SIB byte)")
		}
		sibBase := code[pos+1] & 0x7
		if sibBase == 0x5 {
			n += 4 // base-less SIB form also carries a disp32
		}
	case m.mod == 0x1:
		n += 1
	case m.mod == 0x2:
		n += 4
	}
	return n, nil
}

// Decode extracts an Access from the bytes at a faulting instruction
// pointer. code must start at the first prefix or opcode byte and be long
// enough to cover the longest form this package understands (15 bytes,
// the x86-64 architectural maximum, is always enough).
//
// If strict is false, an opcode outside the supported table decodes as a
// 4-byte load of length 1 (a legacy bring-up default). If strict is true,
// an unsupported opcode returns ErrUnknownOpcode so the caller can
// terminate instead of silently guessing.
func Decode(code []byte, strict bool) (Access, error) {
	if len(code) == 0 {
		return Access{}, fmt.Errorf("decode: empty instruction bytes")
	}

	pos := 0
	width := 4
	if code[pos] == 0x66 { // operand-size override prefix
		width = 2
		pos++
	}
	if pos >= len(code) {
		return Access{}, fmt.Errorf("decode: truncated instruction (prefix only)")
	}

	opcode := code[pos]
	opcodePos := pos
	pos++

	switch opcode {
	case 0x88: // MOV r/m8, r8 — store, 8-bit, source = ModR/M reg
		return finishStoreReg(code, pos, opcodePos, 1)
	case 0x89: // MOV r/m32 (or r/m16 with 0x66), r32/r16 — store
		return finishStoreReg(code, pos, opcodePos, width)
	case 0x8A: // MOV r8, r/m8 — load, 8-bit, destination = ModR/M reg
		return finishLoadReg(code, pos, opcodePos, 1)
	case 0x8B: // MOV r32 (or r16), r/m32 — load
		return finishLoadReg(code, pos, opcodePos, width)
	case 0xC6: // MOV r/m8, imm8 — store immediate, 8-bit
		return finishStoreImm(code, pos, opcodePos, 1)
	case 0xC7: // MOV r/m32 (or r/m16), imm32/imm16 — store immediate
		return finishStoreImm(code, pos, opcodePos, width)
	default:
		if strict {
			return Access{}, ErrUnknownOpcode{Opcode: opcode}
		}
		// Legacy bring-up fallback: treat anything else as a 4-byte load
		// of length 1. This is a known limitation, not a correctness goal.
		return Access{Direction: Load, Width: 4, Destination: Accumulator, Length: 1}, nil
	}
}

func registerOf(reg uint8) Register {
	if reg == 0 {
		return Accumulator
	}
	return Other
}

func finishStoreReg(code []byte, modrmPos, _, width int) (Access, error) {
	addrLen, err := addressingLength(code, modrmPos)
	if err != nil {
		return Access{}, err
	}
	reg := decodeModRM(code[modrmPos]).reg
	return Access{
		Direction: Store,
		Width:     width,
		Source:    registerOf(reg),
		RegField:  reg,
		Length:    modrmPos + addrLen,
	}, nil
}

func finishLoadReg(code []byte, modrmPos, _, width int) (Access, error) {
	addrLen, err := addressingLength(code, modrmPos)
	if err != nil {
		return Access{}, err
	}
	reg := decodeModRM(code[modrmPos]).reg
	return Access{
		Direction:   Load,
		Width:       width,
		Destination: registerOf(reg),
		RegField:    reg,
		Length:      modrmPos + addrLen,
	}, nil
}

func finishStoreImm(code []byte, modrmPos, _, width int) (Access, error) {
	addrLen, err := addressingLength(code, modrmPos)
	if err != nil {
		return Access{}, err
	}
	immLen := width
	immStart := modrmPos + addrLen
	if immStart+immLen > len(code) {
		return Access{}, fmt.Errorf("decode: truncated instruction (immediate)")
	}
	var imm uint32
	for i := 0; i < immLen; i++ {
		imm |= uint32(code[immStart+i]) << (8 * i)
	}
	return Access{
		Direction:    Store,
		Width:        width,
		HasImmediate: true,
		Immediate:    imm,
		Length:       modrmPos + addrLen + immLen,
	}, nil
}
