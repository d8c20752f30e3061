package mut

import "github.com/pkg/errors"

// Graph is the ordered sequence of Instruction records produced by one
// Mutate call, plus the old-RVA and new-RVA indices. It owns every record
// in the arena for the duration of the call (the arena is simply the
// Graph's own slice; there is nothing to explicitly free — dropping the
// last reference to the Graph is enough).
type Graph struct {
	order    []*Instruction
	oldIndex map[uint32]*Instruction
	newIndex map[uint32]*Instruction
}

// NewGraph returns an empty Graph ready for append.
func NewGraph() *Graph {
	return &Graph{
		oldIndex: make(map[uint32]*Instruction),
	}
}

// Len returns the number of records currently in the graph.
func (g *Graph) Len() int { return len(g.order) }

// Order returns the graph's records in emission order. The returned slice
// is owned by the Graph; callers must not mutate it.
func (g *Graph) Order() []*Instruction { return g.order }

// Head returns the first record, or nil if the graph is empty.
func (g *Graph) Head() *Instruction {
	if len(g.order) == 0 {
		return nil
	}
	return g.order[0]
}

// append pushes ins at the tail, wiring Prev/Next linkage and, unless ins
// is synthetic, recording it in the old-RVA index.
func (g *Graph) append(ins *Instruction) {
	if tail := g.Head(); len(g.order) > 0 {
		prev := g.order[len(g.order)-1]
		prev.Next = ins
		ins.Prev = prev
		_ = tail
	}
	g.order = append(g.order, ins)
	if !ins.Flags.Has(FlagSynthetic) {
		g.oldIndex[ins.OldRVA] = ins
	}
}

// lookupOld returns the record whose OldRVA equals rva, if any.
func (g *Graph) lookupOld(rva uint32) (*Instruction, bool) {
	ins, ok := g.oldIndex[rva]
	return ins, ok
}

// lookupNew returns the record whose NewRVA equals rva, if any. Valid only
// after layout (Phase 5) has populated the new-RVA index.
func (g *Graph) lookupNew(rva uint32) (*Instruction, bool) {
	ins, ok := g.newIndex[rva]
	return ins, ok
}

// resolveTargets is Phase 2 (§4.C): for every relative-branch record,
// compute its absolute target RVA and, if that RVA is the start of a
// decoded instruction, link record.Target and register the record in the
// target's Referrers. Branches whose target lands inside an instruction
// body, or outside the decoded region entirely, are left unresolved —
// the former is reported to the caller as a candidate GraphError, the
// latter is expected (external control flow) and left alone.
func (g *Graph) resolveTargets() []*Instruction {
	var midInstruction []*Instruction
	for _, ins := range g.order {
		if !ins.IsRelativeBranch() {
			continue
		}
		target, ok := g.lookupOld(ins.BranchTargetRVA)
		if ok {
			ins.Target = target
			target.Referrers = append(target.Referrers, ins)
			continue
		}
		if g.rvaFallsInsideInstructionBody(ins.BranchTargetRVA) {
			midInstruction = append(midInstruction, ins)
		}
		// else: target is outside the decoded region -- external branch,
		// left with Target == nil and BranchTargetRVA as the absolute RVA.
	}
	return midInstruction
}

// rvaFallsInsideInstructionBody reports whether rva lands strictly inside
// some decoded instruction's byte range (rather than at its head, or
// outside the region altogether).
func (g *Graph) rvaFallsInsideInstructionBody(rva uint32) bool {
	for _, ins := range g.order {
		if ins.Flags.Has(FlagSynthetic) {
			continue
		}
		start := ins.OldRVA
		end := start + uint32(ins.Length)
		if rva > start && rva < end {
			return true
		}
	}
	return false
}

// widenAllBranches is Phase 4 (§4.D): convert every still-short
// (rel8-encoded) branch to its rel32 form. Run once, before layout, so
// that Phase 5 never needs to iterate to a fixpoint. jmp/jcc widen to
// their direct rel32 encodings (5 and 6 bytes respectively); loop/jecxz
// have no architectural rel32 form, so they widen to the standard
// three-instruction expansion (a short conditional hop over a short jmp,
// followed by the real jmp rel32) collapsed into the branch's own record
// so the rest of the pipeline still sees one Instruction per original one.
func (g *Graph) widenAllBranches() {
	for _, ins := range g.order {
		if !ins.IsShortBranch() {
			continue
		}
		widenOne(ins)
	}
}

func widenOne(ins *Instruction) {
	op := ins.Opcode
	switch {
	case op == 0xEB: // jmp rel8 -> jmp rel32
		ins.Bytes = []byte{0xE9, 0, 0, 0, 0}
		ins.Opcode = 0xE9
		ins.Length = 5
		ins.Flags = (ins.Flags &^ FlagBranchRel8 &^ FlagShort) | FlagBranchRel32
	case op >= 0x70 && op <= 0x7F: // jcc rel8 -> 0F 8x rel32
		ins.Bytes = []byte{0x0F, op + 0x10, 0, 0, 0, 0}
		ins.Length = 6
		ins.Flags = (ins.Flags &^ FlagBranchRel8 &^ FlagShort) | FlagBranchRel32
	default: // loop/loope/loopne/jecxz: E0-E3
		// <op> +2 (skip the short jmp below if condition holds)
		// jmp short +5 (skip the near jmp if condition did not hold)
		// jmp near rel32 target
		ins.Bytes = []byte{op, 0x02, 0xEB, 0x05, 0xE9, 0, 0, 0, 0}
		ins.Length = 9
		ins.Flags = (ins.Flags &^ FlagBranchRel8 &^ FlagShort) | FlagBranchRel32
	}
}

// VerifyComplete checks §3 invariant 1 and §8 invariant 1: every
// non-synthetic record's OldRVA is unique and the records tile the input
// region [0, size) with no gaps or overlaps.
func (g *Graph) VerifyComplete(size uint32) error {
	var cursor uint32
	for _, ins := range g.order {
		if ins.Flags.Has(FlagSynthetic) {
			continue
		}
		if ins.OldRVA != cursor {
			return errors.Wrapf(ErrGraph, "gap or overlap in code graph: expected instruction at %d, found one at %d", cursor, ins.OldRVA)
		}
		cursor += uint32(ins.Length)
	}
	if cursor != size {
		return errors.Wrapf(ErrGraph, "code graph covers %d bytes, region is %d", cursor, size)
	}
	return nil
}
