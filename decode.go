package mut

import "github.com/pkg/errors"

// immKind classifies how an instruction's trailing immediate/displacement
// field is sized once ModR/M (if any) has been accounted for.
type immKind int

const (
	immNone  immKind = iota
	imm8             // one byte, sign or zero extended depending on mnemonic (doesn't affect length)
	immZ             // word if the operand-size prefix (0x66) is active, else dword
	immRelB          // rel8 branch displacement
	immRelD          // rel32 branch displacement
	imm16            // always two bytes (ret imm16)
)

// opEntry describes one one-byte legacy opcode: whether a ModR/M byte
// follows, the shape of any trailing immediate, and (for branches) which
// Flag the instruction carries. This is the same shape as the teacher's
// byte-keyed Opcode table, generalized from a fixed-length 6502 encoding to
// x86's ModR/M + SIB + variable immediate scheme.
type opEntry struct {
	mnemonic string
	hasModRM bool
	imm      immKind
	flags    Flag
}

// oneByteTable covers the legacy opcode space needed to classify the
// instructions this engine's non-goals leave in scope: ordinary ALU/MOV/
// stack forms plus every relative-branch encoding the length disassembler
// is required to handle. Opcodes requiring reg-field dispatch within
// ModR/M (the 80-83/C0-C1/D0-D3/F6-F7/FE-FF "groups") are not listed here;
// they are handled directly in decodeAt.
var oneByteTable = map[byte]opEntry{
	// ALU families: op r/m, r | op r, r/m | op AL/eAX, imm -- covers
	// ADD OR ADC SBB AND SUB XOR CMP (0x00-0x3D minus the 0x0F escape).
	0x00: {"add", true, immNone, 0}, 0x01: {"add", true, immNone, 0},
	0x02: {"add", true, immNone, 0}, 0x03: {"add", true, immNone, 0},
	0x04: {"add", false, imm8, 0}, 0x05: {"add", false, immZ, 0},
	0x08: {"or", true, immNone, 0}, 0x09: {"or", true, immNone, 0},
	0x0A: {"or", true, immNone, 0}, 0x0B: {"or", true, immNone, 0},
	0x0C: {"or", false, imm8, 0}, 0x0D: {"or", false, immZ, 0},
	0x10: {"adc", true, immNone, 0}, 0x11: {"adc", true, immNone, 0},
	0x12: {"adc", true, immNone, 0}, 0x13: {"adc", true, immNone, 0},
	0x14: {"adc", false, imm8, 0}, 0x15: {"adc", false, immZ, 0},
	0x18: {"sbb", true, immNone, 0}, 0x19: {"sbb", true, immNone, 0},
	0x1A: {"sbb", true, immNone, 0}, 0x1B: {"sbb", true, immNone, 0},
	0x1C: {"sbb", false, imm8, 0}, 0x1D: {"sbb", false, immZ, 0},
	0x20: {"and", true, immNone, 0}, 0x21: {"and", true, immNone, 0},
	0x22: {"and", true, immNone, 0}, 0x23: {"and", true, immNone, 0},
	0x24: {"and", false, imm8, 0}, 0x25: {"and", false, immZ, 0},
	0x28: {"sub", true, immNone, 0}, 0x29: {"sub", true, immNone, 0},
	0x2A: {"sub", true, immNone, 0}, 0x2B: {"sub", true, immNone, 0},
	0x2C: {"sub", false, imm8, 0}, 0x2D: {"sub", false, immZ, 0},
	0x30: {"xor", true, immNone, 0}, 0x31: {"xor", true, immNone, 0},
	0x32: {"xor", true, immNone, 0}, 0x33: {"xor", true, immNone, 0},
	0x34: {"xor", false, imm8, 0}, 0x35: {"xor", false, immZ, 0},
	0x38: {"cmp", true, immNone, 0}, 0x39: {"cmp", true, immNone, 0},
	0x3A: {"cmp", true, immNone, 0}, 0x3B: {"cmp", true, immNone, 0},
	0x3C: {"cmp", false, imm8, 0}, 0x3D: {"cmp", false, immZ, 0},

	// INC/DEC r32 (no ModR/M in 32-bit mode; these bytes double as REX in
	// 64-bit mode, out of scope per the x86-64 non-goal).
	0x40: {"inc", false, immNone, 0}, 0x41: {"inc", false, immNone, 0},
	0x42: {"inc", false, immNone, 0}, 0x43: {"inc", false, immNone, 0},
	0x44: {"inc", false, immNone, 0}, 0x45: {"inc", false, immNone, 0},
	0x46: {"inc", false, immNone, 0}, 0x47: {"inc", false, immNone, 0},
	0x48: {"dec", false, immNone, 0}, 0x49: {"dec", false, immNone, 0},
	0x4A: {"dec", false, immNone, 0}, 0x4B: {"dec", false, immNone, 0},
	0x4C: {"dec", false, immNone, 0}, 0x4D: {"dec", false, immNone, 0},
	0x4E: {"dec", false, immNone, 0}, 0x4F: {"dec", false, immNone, 0},

	// PUSH/POP r32.
	0x50: {"push", false, immNone, 0}, 0x51: {"push", false, immNone, 0},
	0x52: {"push", false, immNone, 0}, 0x53: {"push", false, immNone, 0},
	0x54: {"push", false, immNone, 0}, 0x55: {"push", false, immNone, 0},
	0x56: {"push", false, immNone, 0}, 0x57: {"push", false, immNone, 0},
	0x58: {"pop", false, immNone, 0}, 0x59: {"pop", false, immNone, 0},
	0x5A: {"pop", false, immNone, 0}, 0x5B: {"pop", false, immNone, 0},
	0x5C: {"pop", false, immNone, 0}, 0x5D: {"pop", false, immNone, 0},
	0x5E: {"pop", false, immNone, 0}, 0x5F: {"pop", false, immNone, 0},

	0x68: {"push", false, immZ, 0},
	0x69: {"imul", true, immZ, 0},
	0x6A: {"push", false, imm8, 0},
	0x6B: {"imul", true, imm8, 0},

	// Short jcc, Jcc tttn rel8.
	0x70: {"jo", false, immRelB, FlagJcc}, 0x71: {"jno", false, immRelB, FlagJcc},
	0x72: {"jb", false, immRelB, FlagJcc}, 0x73: {"jae", false, immRelB, FlagJcc},
	0x74: {"je", false, immRelB, FlagJcc}, 0x75: {"jne", false, immRelB, FlagJcc},
	0x76: {"jbe", false, immRelB, FlagJcc}, 0x77: {"ja", false, immRelB, FlagJcc},
	0x78: {"js", false, immRelB, FlagJcc}, 0x79: {"jns", false, immRelB, FlagJcc},
	0x7A: {"jp", false, immRelB, FlagJcc}, 0x7B: {"jnp", false, immRelB, FlagJcc},
	0x7C: {"jl", false, immRelB, FlagJcc}, 0x7D: {"jge", false, immRelB, FlagJcc},
	0x7E: {"jle", false, immRelB, FlagJcc}, 0x7F: {"jg", false, immRelB, FlagJcc},

	0x84: {"test", true, immNone, 0}, 0x85: {"test", true, immNone, 0},
	0x86: {"xchg", true, immNone, 0}, 0x87: {"xchg", true, immNone, 0},
	0x88: {"mov", true, immNone, 0}, 0x89: {"mov", true, immNone, 0},
	0x8A: {"mov", true, immNone, 0}, 0x8B: {"mov", true, immNone, 0},
	0x8D: {"lea", true, immNone, 0},
	0x8F: {"pop", true, immNone, 0},

	0x90: {"nop", false, immNone, 0},
	0x98: {"cwde", false, immNone, 0},
	0x99: {"cdq", false, immNone, 0},

	0xA0: {"mov", false, immNone, 0}, 0xA1: {"mov", false, immNone, 0},
	0xA2: {"mov", false, immNone, 0}, 0xA3: {"mov", false, immNone, 0},
	0xA8: {"test", false, imm8, 0}, 0xA9: {"test", false, immZ, 0},

	// MOV r, imm. B0-B7 always imm8; B8-BF is immZ (imm16 under the
	// operand-size override, otherwise imm32).
	0xB0: {"mov", false, imm8, 0}, 0xB1: {"mov", false, imm8, 0},
	0xB2: {"mov", false, imm8, 0}, 0xB3: {"mov", false, imm8, 0},
	0xB4: {"mov", false, imm8, 0}, 0xB5: {"mov", false, imm8, 0},
	0xB6: {"mov", false, imm8, 0}, 0xB7: {"mov", false, imm8, 0},
	0xB8: {"mov", false, immZ, 0}, 0xB9: {"mov", false, immZ, 0},
	0xBA: {"mov", false, immZ, 0}, 0xBB: {"mov", false, immZ, 0},
	0xBC: {"mov", false, immZ, 0}, 0xBD: {"mov", false, immZ, 0},
	0xBE: {"mov", false, immZ, 0}, 0xBF: {"mov", false, immZ, 0},

	0xC2: {"ret", false, imm16, FlagRet},
	0xC3: {"ret", false, immNone, FlagRet},
	0xC6: {"mov", true, imm8, 0},
	0xC7: {"mov", true, immZ, 0},
	0xC9: {"leave", false, immNone, 0},
	0xCC: {"int3", false, immNone, 0},
	0xCD: {"int", false, imm8, 0},

	// Short loop/jecxz forms.
	0xE0: {"loopne", false, immRelB, FlagJcc}, 0xE1: {"loope", false, immRelB, FlagJcc},
	0xE2: {"loop", false, immRelB, FlagJcc}, 0xE3: {"jecxz", false, immRelB, FlagJcc},

	0xE8: {"call", false, immRelD, FlagCall},
	0xE9: {"jmp", false, immRelD, FlagJmp},
	0xEB: {"jmp", false, immRelB, FlagJmp},

	0xF4: {"hlt", false, immNone, 0},
	0xF5: {"cmc", false, immNone, 0},
	0xF8: {"clc", false, immNone, 0}, 0xF9: {"stc", false, immNone, 0},
	0xFA: {"cli", false, immNone, 0}, 0xFB: {"sti", false, immNone, 0},
	0xFC: {"cld", false, immNone, 0}, 0xFD: {"std", false, immNone, 0},
}

// twoByteTable covers the 0F xx opcode map. Only the forms this engine
// needs to classify by length and (for Jcc) by branch semantics are
// listed; SETcc and the 0F 38/0F 3A escapes are handled in decodeAt, and
// any other 0F opcode is rejected with ErrDecode.
var twoByteTable = map[byte]opEntry{
	0x1F: {"nop", true, immNone, 0}, // multi-byte NOP, modrm-encoded operand size
	0xA2: {"cpuid", false, immNone, 0},
	0xAF: {"imul", true, immNone, 0},
	0xB6: {"movzx", true, immNone, 0}, 0xB7: {"movzx", true, immNone, 0},
	0xBE: {"movsx", true, immNone, 0}, 0xBF: {"movsx", true, immNone, 0},

	0x80: {"jo", false, immRelD, FlagJcc}, 0x81: {"jno", false, immRelD, FlagJcc},
	0x82: {"jb", false, immRelD, FlagJcc}, 0x83: {"jae", false, immRelD, FlagJcc},
	0x84: {"je", false, immRelD, FlagJcc}, 0x85: {"jne", false, immRelD, FlagJcc},
	0x86: {"jbe", false, immRelD, FlagJcc}, 0x87: {"ja", false, immRelD, FlagJcc},
	0x88: {"js", false, immRelD, FlagJcc}, 0x89: {"jns", false, immRelD, FlagJcc},
	0x8A: {"jp", false, immRelD, FlagJcc}, 0x8B: {"jnp", false, immRelD, FlagJcc},
	0x8C: {"jl", false, immRelD, FlagJcc}, 0x8D: {"jge", false, immRelD, FlagJcc},
	0x8E: {"jle", false, immRelD, FlagJcc}, 0x8F: {"jg", false, immRelD, FlagJcc},
}

// setCC spans 0F90-0F9F: SETcc r/m8, ModR/M only, no immediate.
func isSetCC(b byte) bool { return b >= 0x90 && b <= 0x9F }

// group1Imm classifies the 0x80-0x83 "Group 1" immediate ALU opcodes:
// 0x80/0x82 take imm8 against an 8-bit r/m, 0x81 takes immZ, 0x83 takes a
// sign-extended imm8 against a full-width r/m. All are ModR/M + no branch
// semantics, so only the immediate size differs.
func group1Imm(op byte) immKind {
	if op == 0x81 {
		return immZ
	}
	return imm8
}

// decodeAt decodes exactly one instruction starting at data[offset] and
// returns it with OldRVA set to offset. It never reads beyond len(data).
func decodeAt(data []byte, offset int) (*Instruction, error) {
	size := len(data)
	if offset < 0 || offset >= size {
		return nil, errors.Wrapf(ErrDecode, "offset %d out of bounds (size %d)", offset, size)
	}

	cursor := offset
	opSizeOverride := false

	// Prefix chain: operand-size, address-size, segment overrides, rep,
	// lock. Multiple prefixes may stack on one instruction; the length
	// disassembler just needs to skip them and remember the ones that
	// affect sizing (0x66).
	for cursor < size {
		b := data[cursor]
		switch b {
		case 0x66: // operand-size override
			opSizeOverride = true
		case 0x67, 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			// address-size, lock, rep/repne, segment overrides: skip only
		default:
			goto prefixesDone
		}
		cursor++
	}
prefixesDone:
	if cursor >= size {
		return nil, errors.Wrapf(ErrDecode, "truncated instruction at %d: prefix ran off end", offset)
	}

	op := data[cursor]
	opcodeLen := 1
	var entry opEntry
	var ok bool
	modrmOverride := -1 // when >= 0, forces hasModRM true with no table entry (groups)

	if op == 0x0F {
		if cursor+1 >= size {
			return nil, errors.Wrapf(ErrDecode, "truncated two-byte opcode at %d", offset)
		}
		op2 := data[cursor+1]
		if op2 == 0x38 || op2 == 0x3A {
			// Three-byte map: 0F 38 xx / 0F 3A xx. Out of this engine's
			// non-goals beyond safely skipping them: 0F 38 forms are ModR/M
			// with no immediate, 0F 3A forms are ModR/M plus an imm8.
			if cursor+2 >= size {
				return nil, errors.Wrapf(ErrDecode, "truncated three-byte opcode at %d", offset)
			}
			opcodeLen = 3
			entry = opEntry{"sse3b", true, immNone, 0}
			if op2 == 0x3A {
				entry.imm = imm8
			}
			ok = true
		} else if isSetCC(op2) {
			opcodeLen = 2
			entry = opEntry{"setcc", true, immNone, 0}
			ok = true
		} else {
			opcodeLen = 2
			entry, ok = twoByteTable[op2]
		}
		op = op2
	} else if op >= 0x80 && op <= 0x83 {
		entry = opEntry{"grp1", true, group1Imm(op), 0}
		ok = true
	} else if op == 0xC0 || op == 0xC1 {
		// Shift group: ModR/M + imm8.
		entry = opEntry{"grp2", true, imm8, 0}
		ok = true
	} else if op >= 0xD0 && op <= 0xD3 {
		// Shift group by 1 or by CL: ModR/M, no immediate.
		entry = opEntry{"grp2", true, immNone, 0}
		ok = true
	} else if op == 0xF6 || op == 0xF7 {
		// Group 3 (TEST/NOT/NEG/MUL/IMUL/DIV/IDIV): reg field 0/1 (TEST)
		// carries an immediate, the rest don't. The length disassembler
		// needs the ModR/M byte decoded before it knows which; handled
		// below once ModR/M is read.
		modrmOverride = 0xF6F7
		ok = true
	} else if op == 0xFE {
		entry = opEntry{"grp4", true, immNone, 0}
		ok = true
	} else if op == 0xFF {
		entry = opEntry{"grp5", true, immNone, 0}
		ok = true
	} else {
		entry, ok = oneByteTable[op]
	}

	if !ok {
		return nil, errors.Wrapf(ErrDecode, "unrecognized opcode 0x%02X at %d", op, offset)
	}

	idx := cursor + opcodeLen
	var modrm, sib byte
	hasModRM := entry.hasModRM || modrmOverride == 0xF6F7
	hasSIB := false
	dispSize := 0

	if hasModRM {
		if idx >= size {
			return nil, errors.Wrapf(ErrDecode, "truncated ModR/M at %d", offset)
		}
		modrm = data[idx]
		idx++

		mod := modrm >> 6
		rm := modrm & 0x7
		regField := (modrm >> 3) & 0x7

		if modrmOverride == 0xF6F7 {
			if regField == 0 || regField == 1 {
				entry.imm = imm8
				if op == 0xF7 {
					entry.imm = immZ
				}
			} else {
				entry.imm = immNone
			}
		}

		if mod != 3 && rm == 4 {
			hasSIB = true
			if idx >= size {
				return nil, errors.Wrapf(ErrDecode, "truncated SIB at %d", offset)
			}
			sib = data[idx]
			idx++
			// A SIB byte with base field 101 and mod==00 adds a disp32
			// base instead of using a base register.
			if mod == 0 && (sib&0x7) == 5 {
				dispSize = 4
			}
		}

		switch mod {
		case 0:
			if rm == 5 {
				dispSize = 4 // disp32, no base register ([disp32])
			}
		case 1:
			dispSize = 1
		case 2:
			dispSize = 4
		case 3:
			dispSize = 0
		}
	}

	if idx+dispSize > size {
		return nil, errors.Wrapf(ErrDecode, "truncated displacement at %d", offset)
	}
	idx += dispSize

	immSize := 0
	switch entry.imm {
	case immNone:
		immSize = 0
	case imm8, immRelB:
		immSize = 1
	case immZ:
		if opSizeOverride {
			immSize = 2
		} else {
			immSize = 4
		}
	case immRelD:
		immSize = 4
	case imm16:
		immSize = 2
	default:
		immSize = int(entry.imm)
	}

	if idx+immSize > size {
		return nil, errors.Wrapf(ErrDecode, "truncated immediate at %d", offset)
	}
	idx += immSize

	length := idx - offset
	if length > 16 {
		return nil, errors.Wrapf(ErrDecode, "instruction at %d exceeds 16 bytes (%d)", offset, length)
	}

	flags := entry.flags
	if flags.Has(FlagJcc) || flags.Has(FlagJmp) || flags.Has(FlagCall) {
		if entry.imm == immRelB {
			flags |= FlagBranchRel8 | FlagShort
		} else if entry.imm == immRelD {
			flags |= FlagBranchRel32
		}
	}
	if hasModRM {
		flags |= FlagHasModRM
	}
	if hasSIB {
		flags |= FlagHasSIB
	}
	if immSize > 0 {
		flags |= FlagHasImm
	}
	if dispSize > 0 {
		flags |= FlagHasDisp
	}

	ins := &Instruction{
		OldRVA:   uint32(offset),
		Length:   uint8(length),
		Bytes:    append([]byte(nil), data[offset:idx]...),
		Flags:    flags,
		Opcode:   op,
		ModRM:    modrm,
		HasModRM: hasModRM,
		SIB:      sib,
		HasSIB:   hasSIB,
		ImmSize:  uint8(immSize),
		DispSize: uint8(dispSize),
	}

	if ins.IsRelativeBranch() {
		ins.BranchTargetRVA = computeBranchTarget(ins)
	}

	return ins, nil
}

// computeBranchTarget returns the absolute RVA a relative-branch
// instruction transfers to: old_rva + length + signed displacement, the
// displacement being the last ImmSize bytes of the encoding.
func computeBranchTarget(ins *Instruction) uint32 {
	b := ins.Bytes
	n := len(b)
	var disp int32
	if ins.Flags.Has(FlagBranchRel8) {
		disp = int32(int8(b[n-1]))
	} else {
		disp = int32(uint32(b[n-4]) | uint32(b[n-3])<<8 | uint32(b[n-2])<<16 | uint32(b[n-1])<<24)
	}
	return uint32(int64(ins.OldRVA) + int64(ins.Length) + int64(disp))
}
