package mut

// RuleSet is the pluggable Mutation Rule Set contract (§4.B). Given one
// decoded Instruction, Mutate appends zero or more replacement
// Instructions to sink whose aggregate architectural effect is identical
// to the original. The engine, not the rule set, owns branch target
// resolution and widening: a rule that emits a branch must leave its
// BranchTargetRVA and branch-kind flags intact so the engine can re-link
// it in Phase 3.
type RuleSet interface {
	// Mutate transforms one decoded Instruction into an equivalent
	// sequence, appended to sink in order. The first emitted instruction
	// carries forward the original's OldRVA (non-synthetic); any
	// additional ones are synthetic.
	Mutate(ins *Instruction, sink *[]*Instruction)
}

// IdentityRuleSet emits every instruction unchanged. It exists so the
// engine's layout/widening machinery can be exercised and verified (§8
// invariant 2) independently of any real rewrite catalog.
type IdentityRuleSet struct{}

func (IdentityRuleSet) Mutate(ins *Instruction, sink *[]*Instruction) {
	*sink = append(*sink, ins)
}

// BaselineRuleSet is a small, conservative rewrite catalog (§4.B.1). Each
// case is deliberately narrow: when it can't prove a substitution is safe
// it falls through to identity rather than guessing.
type BaselineRuleSet struct{}

func (BaselineRuleSet) Mutate(ins *Instruction, sink *[]*Instruction) {
	switch {
	case ins.Opcode == 0x90 && !ins.Flags.Has(FlagHasModRM):
		// Single-byte NOP -> xchg eax, eax (0x87 0xC0), a documented
		// behavior-equivalent two-byte encoding of the same no-op.
		rewritten := ins.clone()
		rewritten.Bytes = []byte{0x87, 0xC0}
		rewritten.Length = 2
		rewritten.Opcode = 0x87
		rewritten.ModRM = 0xC0
		rewritten.HasModRM = true
		rewritten.Flags = ins.Flags | FlagHasModRM
		*sink = append(*sink, rewritten)
	default:
		// Branches, returns, and anything this catalog has no rule for
		// pass through unchanged. In particular branches are never
		// retargeted here -- the engine's own widening in Phase 4 is the
		// only place branch encodings change shape.
		*sink = append(*sink, ins)
	}
}
