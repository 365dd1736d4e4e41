package hook

import (
	"errors"
	"testing"
)

func TestPrologueLengthTypicalFramePointer(t *testing.T) {
	// push rbp; mov rbp, rsp; sub rsp, 0x20; mov [rbp-8], rcx; ...
	code := []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xe5, // mov rbp, rsp
		0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
		0x48, 0x89, 0x4d, 0xf8, // mov [rbp-8], rcx
		0x48, 0x89, 0x55, 0xf0, // mov [rbp-16], rdx
		0x90, 0x90, 0x90, 0x90,
	}
	n, err := prologueLength(code, 14)
	if err != nil {
		t.Fatalf("prologueLength: %v", err)
	}
	// 1 + 3 + 4 + 4 + 4 = 16: the first boundary at or past 14 bytes.
	if n != 16 {
		t.Fatalf("prologue length = %d, want 16", n)
	}
}

func TestPrologueLengthMovImm64(t *testing.T) {
	code := []byte{
		0x48, 0xb8, 1, 2, 3, 4, 5, 6, 7, 8, // mov rax, imm64
		0x55,             // push rbp
		0x48, 0x89, 0xe5, // mov rbp, rsp
		0x90, 0x90,
	}
	n, err := prologueLength(code, 14)
	if err != nil {
		t.Fatalf("prologueLength: %v", err)
	}
	if n != 14 {
		t.Fatalf("prologue length = %d, want 14", n)
	}
}

func TestPrologueTooShortForPatch(t *testing.T) {
	// A three-byte function: xor eax, eax; ret. Cannot host a 14-byte jump.
	code := []byte{0x31, 0xc0, 0xc3, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}
	_, err := prologueLength(code, 14)
	if !errors.Is(err, ErrPatchSpaceTooSmall) {
		t.Fatalf("short prologue error = %v, want ErrPatchSpaceTooSmall", err)
	}
}

func TestPrologueRejectsEarlyBranch(t *testing.T) {
	// push rbp; jmp rel32 — the branch is position dependent.
	code := []byte{0x55, 0xe9, 0x00, 0x10, 0x00, 0x00, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	_, err := prologueLength(code, 14)
	if !errors.Is(err, ErrPatchSpaceTooSmall) {
		t.Fatalf("branch prologue error = %v", err)
	}
}

func TestPrologueRejectsRIPRelative(t *testing.T) {
	// mov rax, [rip+0x1234] is only valid at its original address.
	code := []byte{0x48, 0x8b, 0x05, 0x34, 0x12, 0x00, 0x00, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	_, err := prologueLength(code, 14)
	if !errors.Is(err, ErrPatchSpaceTooSmall) {
		t.Fatalf("rip-relative prologue error = %v", err)
	}
}

func TestPrologueMicrosoftStyle(t *testing.T) {
	// mov [rsp+8], rcx; push rdi; sub rsp, 0x20 ... (x64 MSVC home space)
	code := []byte{
		0x48, 0x89, 0x4c, 0x24, 0x08, // mov [rsp+8], rcx
		0x57,                   // push rdi
		0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
		0x8b, 0xfa, // mov edi, edx
		0x48, 0x8b, 0xf9, // mov rdi, rcx
		0x90,
	}
	n, err := prologueLength(code, 14)
	if err != nil {
		t.Fatalf("prologueLength: %v", err)
	}
	if n != 15 {
		t.Fatalf("prologue length = %d, want 15", n)
	}
}

func TestDecodeMultiByteNop(t *testing.T) {
	// 0f 1f 44 00 00: the canonical 5-byte nop.
	ins, err := decodeInstruction([]byte{0x0f, 0x1f, 0x44, 0x00, 0x00, 0x90})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ins.length != 5 || !ins.relocatable {
		t.Fatalf("multi-byte nop = %+v", ins)
	}
}
