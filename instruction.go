package mut

// Flag is a bitset describing properties of a decoded or synthesized
// Instruction. Multiple flags can be set on the same record (e.g. a near
// jcc carries FlagJcc, FlagBranchRel32 and FlagHasImm, its rel32
// displacement counting as the immediate).
type Flag uint32

const (
	FlagHasModRM Flag = 1 << iota
	FlagHasSIB
	FlagHasImm
	FlagHasDisp
	FlagBranchRel8
	FlagBranchRel32
	FlagCall
	FlagRet
	FlagJcc
	FlagJmp
	FlagShort
	FlagSynthetic
)

// Has reports whether every bit in want is set in f.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Any reports whether any bit in want is set in f.
func (f Flag) Any(want Flag) bool { return f&want != 0 }

// Instruction is one decoded or synthesized instruction in the code graph.
// Records decoded straight from the input carry OldRVA; records produced by
// a Mutation Rule Set beyond the first in a group are synthetic and carry
// OldRVA == 0 (see FlagSynthetic).
type Instruction struct {
	OldRVA uint32
	NewRVA uint32

	Length uint8
	Bytes  []byte

	Flags Flag

	Opcode   byte
	ModRM    byte
	HasModRM bool
	SIB      byte
	HasSIB   bool
	ImmSize  uint8
	DispSize uint8

	// BranchTargetRVA is the absolute RVA this instruction transfers control
	// to, valid only when Flags has FlagBranchRel8 or FlagBranchRel32.
	BranchTargetRVA uint32

	Prev *Instruction
	Next *Instruction

	// Target is the resolved graph member this branch transfers to, or nil
	// for a branch whose target lies outside the decoded region, a
	// non-branch instruction, or a branch not yet linked.
	Target *Instruction

	// Referrers holds every Instruction whose Target is this record.
	// Populated by Graph.resolveTargets and by the engine's Phase 3
	// re-link; widenAllBranches does not read it.
	Referrers []*Instruction
}

// IsBranch reports whether the instruction transfers control flow via a
// jmp, jcc, call, or return form.
func (ins *Instruction) IsBranch() bool {
	return ins.Flags.Any(FlagJcc | FlagJmp | FlagCall | FlagRet)
}

// IsRelativeBranch reports whether the instruction encodes a PC-relative
// displacement (and therefore participates in resolveTargets/widening).
func (ins *Instruction) IsRelativeBranch() bool {
	return ins.Flags.Any(FlagBranchRel8 | FlagBranchRel32)
}

// IsShortBranch reports whether this is a rel8-encoded branch, the form
// widenAllBranches eliminates before layout.
func (ins *Instruction) IsShortBranch() bool {
	return ins.Flags.Has(FlagBranchRel8)
}

// clone returns a shallow copy of ins with its own Bytes slice and a reset
// link set, suitable as the seed for a record appended to a new graph.
func (ins *Instruction) clone() *Instruction {
	cp := *ins
	cp.Bytes = append([]byte(nil), ins.Bytes...)
	cp.Prev, cp.Next, cp.Target, cp.Referrers = nil, nil, nil, nil
	return &cp
}
