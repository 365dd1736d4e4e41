package hook

import "fmt"

// Minimal x86-64 instruction-length decoder for function prologues. The
// inline mechanism displaces the first patchSize bytes of a target into a
// trampoline; that is only sound on an instruction boundary and only for
// instructions that stay valid at a different address. The decoder covers
// the instruction forms compilers emit in prologues and rejects everything
// position-dependent (relative branches, RIP-relative operands) or unknown.

type instruction struct {
	length      int
	relocatable bool
}

// prologueLength returns the length of the shortest run of whole,
// relocatable instructions covering at least min bytes. It fails with
// ErrPatchSpaceTooSmall when the prologue cannot host the patch.
func prologueLength(code []byte, min int) (int, error) {
	total := 0
	for total < min {
		ins, err := decodeInstruction(code[total:])
		if err != nil {
			return 0, fmt.Errorf("%w: %v at offset %d", ErrPatchSpaceTooSmall, err, total)
		}
		if !ins.relocatable {
			return 0, fmt.Errorf("%w: position-dependent instruction at offset %d", ErrPatchSpaceTooSmall, total)
		}
		total += ins.length
	}
	return total, nil
}

func decodeInstruction(code []byte) (instruction, error) {
	if len(code) == 0 {
		return instruction{}, fmt.Errorf("out of bytes")
	}

	i := 0
	rexW := false
	operand16 := false

	// Legacy and REX prefixes.
prefixes:
	for i < len(code) {
		switch b := code[i]; {
		case b == 0x66:
			operand16 = true
			i++
		case b == 0x67, b == 0xf2, b == 0xf3,
			b == 0x2e, b == 0x36, b == 0x3e, b == 0x26, b == 0x64, b == 0x65:
			i++
		case b >= 0x40 && b <= 0x4f:
			rexW = b&0x08 != 0
			i++
			break prefixes // REX must be the last prefix
		default:
			break prefixes
		}
	}
	if i >= len(code) {
		return instruction{}, fmt.Errorf("truncated prefix run")
	}

	op := code[i]
	i++

	switch {
	// push/pop r64
	case op >= 0x50 && op <= 0x5f:
		return instruction{length: i, relocatable: true}, nil

	// nop
	case op == 0x90:
		return instruction{length: i, relocatable: true}, nil

	// ret / int3: legal instructions, but displacing them changes control
	// flow semantics after the jump back. Treat as non-relocatable.
	case op == 0xc3, op == 0xcc:
		return instruction{length: i, relocatable: false}, nil

	// mov r64, imm64 / mov r32, imm32
	case op >= 0xb8 && op <= 0xbf:
		imm := 4
		if rexW {
			imm = 8
		} else if operand16 {
			imm = 2
		}
		return need(code, i+imm, true)

	// mov, add, sub, cmp, test, xor, and, or r/m forms with ModRM
	case op == 0x88, op == 0x89, op == 0x8a, op == 0x8b, op == 0x8d,
		op == 0x00, op == 0x01, op == 0x02, op == 0x03,
		op == 0x28, op == 0x29, op == 0x2a, op == 0x2b,
		op == 0x30, op == 0x31, op == 0x32, op == 0x33,
		op == 0x20, op == 0x21, op == 0x22, op == 0x23,
		op == 0x08, op == 0x09, op == 0x0a, op == 0x0b,
		op == 0x38, op == 0x39, op == 0x3a, op == 0x3b,
		op == 0x84, op == 0x85, op == 0x86, op == 0x87, op == 0x63:
		return modrm(code, i, 0, operand16)

	// group 1: op r/m, imm32 (81) / imm8 (83)
	case op == 0x81:
		imm := 4
		if operand16 {
			imm = 2
		}
		return modrm(code, i, imm, operand16)
	case op == 0x83, op == 0x80:
		return modrm(code, i, 1, operand16)

	// mov r/m, imm32 (c7) / imm8 (c6)
	case op == 0xc7:
		imm := 4
		if operand16 {
			imm = 2
		}
		return modrm(code, i, imm, operand16)
	case op == 0xc6:
		return modrm(code, i, 1, operand16)

	// call/jmp rel32, jmp rel8, jcc rel8: position dependent
	case op == 0xe8, op == 0xe9, op == 0xeb, op >= 0x70 && op <= 0x7f:
		return instruction{length: 0, relocatable: false}, nil

	// two-byte opcodes
	case op == 0x0f:
		if i >= len(code) {
			return instruction{}, fmt.Errorf("truncated two-byte opcode")
		}
		op2 := code[i]
		i++
		switch {
		// jcc rel32: position dependent
		case op2 >= 0x80 && op2 <= 0x8f:
			return instruction{length: 0, relocatable: false}, nil
		// movzx/movsx, multi-byte nop, prefetch
		case op2 == 0xb6, op2 == 0xb7, op2 == 0xbe, op2 == 0xbf, op2 == 0x1f, op2 == 0x18:
			return modrm(code, i, 0, operand16)
		}
		return instruction{}, fmt.Errorf("unsupported opcode 0f %02x", op2)
	}

	return instruction{}, fmt.Errorf("unsupported opcode %02x", op)
}

// modrm finishes decoding after the opcode: ModRM byte, optional SIB and
// displacement, then imm immediate bytes. RIP-relative addressing is
// reported as non-relocatable.
func modrm(code []byte, i, imm int, operand16 bool) (instruction, error) {
	if i >= len(code) {
		return instruction{}, fmt.Errorf("truncated modrm")
	}
	b := code[i]
	i++
	mod := b >> 6
	rm := b & 7

	ripRelative := false
	switch mod {
	case 0:
		if rm == 5 {
			// [rip+disp32]
			ripRelative = true
			i += 4
		} else if rm == 4 {
			i++ // SIB
			if i-1 < len(code) && code[i-1]&7 == 5 {
				i += 4 // SIB with base=101 carries disp32
			}
		}
	case 1:
		if rm == 4 {
			i++
		}
		i++
	case 2:
		if rm == 4 {
			i++
		}
		i += 4
	case 3:
		// register operand, nothing extra
	}

	return need(code, i+imm, !ripRelative)
}

func need(code []byte, n int, relocatable bool) (instruction, error) {
	if n > len(code) {
		return instruction{}, fmt.Errorf("truncated instruction")
	}
	return instruction{length: n, relocatable: relocatable}, nil
}
