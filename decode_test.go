package mut

import "testing"

func TestDecodeSingleByteRet(t *testing.T) {
	ins, err := decodeAt([]byte{0xC3}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins.Length != 1 {
		t.Errorf("Length = %d, want 1", ins.Length)
	}
	if !ins.Flags.Has(FlagRet) {
		t.Errorf("Flags = %v, want FlagRet set", ins.Flags)
	}
}

func TestDecodeRetImm16(t *testing.T) {
	ins, err := decodeAt([]byte{0xC2, 0x04, 0x00}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins.Length != 3 {
		t.Errorf("Length = %d, want 3", ins.Length)
	}
	if !ins.Flags.Has(FlagRet) || !ins.Flags.Has(FlagHasImm) {
		t.Errorf("Flags = %v, want Ret|HasImm", ins.Flags)
	}
}

func TestDecodeShortJmp(t *testing.T) {
	ins, err := decodeAt([]byte{0xEB, 0x00, 0xC3}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins.Length != 2 {
		t.Errorf("Length = %d, want 2", ins.Length)
	}
	if !ins.Flags.Has(FlagBranchRel8 | FlagJmp | FlagShort) {
		t.Errorf("Flags = %v, want BranchRel8|Jmp|Short", ins.Flags)
	}
	if ins.BranchTargetRVA != 2 {
		t.Errorf("BranchTargetRVA = %d, want 2 (jmp +0 lands right after itself)", ins.BranchTargetRVA)
	}
}

func TestDecodeShortJccBackward(t *testing.T) {
	// je -5, at offset 10: target = 10 + 2 - 5 = 7
	ins, err := decodeAt(append(make([]byte, 10), 0x74, 0xFB), 10)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins.BranchTargetRVA != 7 {
		t.Errorf("BranchTargetRVA = %d, want 7", ins.BranchTargetRVA)
	}
}

func TestDecodeNearJcc(t *testing.T) {
	ins, err := decodeAt([]byte{0x0F, 0x84, 0x10, 0x00, 0x00, 0x00}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins.Length != 6 {
		t.Errorf("Length = %d, want 6", ins.Length)
	}
	if !ins.Flags.Has(FlagBranchRel32 | FlagJcc) {
		t.Errorf("Flags = %v, want BranchRel32|Jcc", ins.Flags)
	}
	if ins.BranchTargetRVA != 0x16 {
		t.Errorf("BranchTargetRVA = 0x%X, want 0x16", ins.BranchTargetRVA)
	}
}

func TestDecodeCallRel32(t *testing.T) {
	ins, err := decodeAt([]byte{0xE8, 0x00, 0x00, 0x00, 0x00}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins.Length != 5 || !ins.Flags.Has(FlagCall|FlagBranchRel32) {
		t.Fatalf("unexpected decode: len=%d flags=%v", ins.Length, ins.Flags)
	}
}

func TestDecodeModRMDisplacementSizing(t *testing.T) {
	tests := []struct {
		name   string
		bytes  []byte
		length uint8
	}{
		// mov eax, [ecx]      : mod=00 rm=001 -> no displacement
		{"mod00-no-disp", []byte{0x8B, 0x01}, 2},
		// mov eax, [ecx+0x10] : mod=01 rm=001 -> disp8
		{"mod01-disp8", []byte{0x8B, 0x41, 0x10}, 3},
		// mov eax, [ecx+0x10203040] : mod=10 rm=001 -> disp32
		{"mod10-disp32", []byte{0x8B, 0x81, 0x40, 0x30, 0x20, 0x10}, 6},
		// mov eax, [disp32]   : mod=00 rm=101 -> disp32, no base
		{"mod00-rm101-disp32", []byte{0x8B, 0x05, 0x00, 0x00, 0x00, 0x00}, 6},
		// mov eax, [eax+ebx]  : mod=00 rm=100 (SIB), base!=101 -> no disp
		{"sib-no-disp", []byte{0x8B, 0x04, 0x18}, 3},
		// mov eax, [ebx*2+disp32] : mod=00 rm=100, SIB base=101 -> disp32
		{"sib-disp32-base", []byte{0x8B, 0x04, 0x5D, 0x00, 0x00, 0x00, 0x00}, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ins, err := decodeAt(tc.bytes, 0)
			if err != nil {
				t.Fatalf("decodeAt: %v", err)
			}
			if ins.Length != tc.length {
				t.Errorf("Length = %d, want %d", ins.Length, tc.length)
			}
		})
	}
}

func TestDecodeOperandSizeOverrideAffectsImmediate(t *testing.T) {
	// mov eax, imm32 (no prefix) vs mov ax, imm16 (0x66 prefix)
	noPrefix, err := decodeAt([]byte{0xB8, 0x01, 0x00, 0x00, 0x00}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if noPrefix.Length != 5 {
		t.Errorf("Length = %d, want 5 (B8 + imm32)", noPrefix.Length)
	}

	withPrefix, err := decodeAt([]byte{0x66, 0xB8, 0x01, 0x00}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if withPrefix.Length != 4 {
		t.Errorf("Length = %d, want 4 (66 + B8 + imm16)", withPrefix.Length)
	}
}

func TestDecodeGroup1Immediate(t *testing.T) {
	// cmp dword [eax], 0x7F (0x83 /7 ib) -- sign-extended imm8
	ins, err := decodeAt([]byte{0x83, 0x38, 0x7F}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins.Length != 3 {
		t.Errorf("Length = %d, want 3", ins.Length)
	}

	// cmp dword [eax], 0x12345678 (0x81 /7 id)
	ins2, err := decodeAt([]byte{0x81, 0x38, 0x78, 0x56, 0x34, 0x12}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if ins2.Length != 6 {
		t.Errorf("Length = %d, want 6", ins2.Length)
	}
}

func TestDecodeGroup3TestHasImmediateOnlyForRegZeroOne(t *testing.T) {
	// test dword [eax], imm32 (0xF7 /0)
	withImm, err := decodeAt([]byte{0xF7, 0x00, 0x01, 0x00, 0x00, 0x00}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if withImm.Length != 6 {
		t.Errorf("Length = %d, want 6", withImm.Length)
	}

	// not dword [eax] (0xF7 /2) -- no immediate
	noImm, err := decodeAt([]byte{0xF7, 0x10}, 0)
	if err != nil {
		t.Fatalf("decodeAt: %v", err)
	}
	if noImm.Length != 2 {
		t.Errorf("Length = %d, want 2", noImm.Length)
	}
}

func TestDecodeTruncatedInstructionErrors(t *testing.T) {
	_, err := decodeAt([]byte{0xE9, 0x00, 0x00}, 0)
	if err == nil {
		t.Fatal("expected a decode error for a truncated rel32 jmp")
	}
}

func TestDecodeUnrecognizedOpcodeErrors(t *testing.T) {
	// 0x0F 0x0B (UD2) isn't in twoByteTable and isn't SETcc -- must error,
	// not silently skip, per §4.A's "unknown instructions corrupt the
	// graph by definition" policy.
	_, err := decodeAt([]byte{0x0F, 0x0B}, 0)
	if err == nil {
		t.Fatal("expected a decode error for an unrecognized two-byte opcode")
	}
}
