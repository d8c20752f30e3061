package mut

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// RVAEntry is one old-RVA -> new-RVA mapping exposed by the engine after
// Mutate returns, consumed by the PE Fixup Layer (§4.E).
type RVAEntry struct {
	OldRVA uint32
	NewRVA uint32
}

// Result is the new byte stream and the rewritten entry point produced by
// Mutate. The RVA map is not part of it; it is read afterwards through
// Engine.GetIdataByRVA.
type Result struct {
	Output        []byte
	EntryPointRVA uint32
}

// Engine orchestrates Phases 1-6 of the Mutation Engine (§4.D). It is
// reusable across calls -- each Mutate call builds its own Graph and
// discards it on return, per the "no global state" design note -- but is
// not safe for concurrent use of a single instance.
type Engine struct {
	Rules  RuleSet
	Log    zerolog.Logger
	Strict bool // make a branch target inside an instruction body an ErrGraph instead of a warning

	finalGraph *Graph
}

// NewEngine returns an Engine using rules for mutation. A zero-value
// zerolog.Logger (which discards everything) is used if log is the zero
// value.
func NewEngine(rules RuleSet, log zerolog.Logger) *Engine {
	return &Engine{Rules: rules, Log: log}
}

// Mutate runs all six phases over input[:size], rewriting it into a new,
// semantically-equivalent byte stream. entryRVA is the entry point's RVA
// relative to the start of input; extDelta is new_section_rva -
// old_section_rva, used only for external (out-of-region) absolute
// branches in Phase 6.
func (e *Engine) Mutate(input []byte, size uint32, entryRVA uint32, extDelta int64) (*Result, error) {
	if size == 0 {
		e.finalGraph = NewGraph()
		return &Result{Output: nil, EntryPointRVA: entryRVA}, nil
	}
	if size > uint32(len(input)) {
		return nil, errors.Wrapf(ErrGraph, "size %d exceeds input length %d", size, len(input))
	}
	region := input[:size]

	// Phase 1 -- Decode.
	decoded := NewGraph()
	offset := uint32(0)
	for offset < size {
		ins, err := decodeAt(region, int(offset))
		if err != nil {
			return nil, errors.Wrapf(err, "phase 1 decode")
		}
		decoded.append(ins)
		offset += uint32(ins.Length)
	}
	if _, ok := decoded.lookupOld(entryRVA); !ok {
		return nil, errors.Wrapf(ErrGraph, "entry point rva %d is not at an instruction boundary", entryRVA)
	}

	// Phase 2 -- Link.
	if mid := decoded.resolveTargets(); len(mid) > 0 {
		for _, ins := range mid {
			e.Log.Warn().Uint32("from", ins.OldRVA).Uint32("target", ins.BranchTargetRVA).
				Msg("branch target lands inside an instruction body; left unresolved")
		}
		if e.Strict {
			return nil, errors.Wrapf(ErrGraph, "%d branch(es) target the middle of an instruction", len(mid))
		}
	}

	// Phase 3 -- Mutate.
	mutated := NewGraph()
	oldToFirstNew := make(map[uint32]*Instruction, decoded.Len())
	for _, ins := range decoded.order {
		var emitted []*Instruction
		e.Rules.Mutate(ins, &emitted)
		if len(emitted) == 0 {
			continue
		}
		for i, out := range emitted {
			if i == 0 {
				out.OldRVA = ins.OldRVA
				out.Flags &^= FlagSynthetic
				oldToFirstNew[ins.OldRVA] = out
			} else {
				out.OldRVA = 0
				out.Flags |= FlagSynthetic
			}
			mutated.append(out)
		}
	}
	// Re-link: every emitted branch's Target (copied from the decoded
	// graph, if the rule preserved it) is redirected to the new graph's
	// image of that same old_rva.
	for _, ins := range mutated.order {
		if ins.Target == nil {
			continue
		}
		if newTarget, ok := oldToFirstNew[ins.Target.OldRVA]; ok {
			ins.Target = newTarget
			newTarget.Referrers = append(newTarget.Referrers, ins)
		} else {
			ins.Target = nil
		}
	}

	// Phase 4 -- Widen.
	mutated.widenAllBranches()

	// Phase 5 -- Layout.
	mutated.newIndex = make(map[uint32]*Instruction, mutated.Len())
	var rva uint32
	for _, ins := range mutated.order {
		ins.NewRVA = rva
		mutated.newIndex[rva] = ins
		rva += uint32(ins.Length)
	}
	outputSize := rva

	// Phase 6 -- Emit.
	output := make([]byte, 0, outputSize)
	for _, ins := range mutated.order {
		if ins.Flags.Has(FlagBranchRel32) {
			patchDisplacement(ins, extDelta)
		}
		output = append(output, ins.Bytes...)
	}

	e.finalGraph = mutated

	entryIns, ok := oldToFirstNew[entryRVA]
	if !ok {
		return nil, errors.Wrapf(ErrGraph, "entry point rva %d was dropped by mutation", entryRVA)
	}

	return &Result{Output: output, EntryPointRVA: entryIns.NewRVA}, nil
}

// patchDisplacement computes and writes the final rel32 displacement for
// a widened or already-rel32 branch (Phase 6). Resolved (internal)
// branches use the new graph's own addresses. Unresolved (external)
// branches must keep their original absolute target: the CPU computes
// target = new_base + new_rva + length + disp, and new_base is old_base +
// extDelta, so disp has to cancel extDelta out -- hence the subtraction
// below, not an addition.
func patchDisplacement(ins *Instruction, extDelta int64) {
	var targetNewRVA int64
	if ins.Target != nil {
		targetNewRVA = int64(ins.Target.NewRVA)
	} else {
		targetNewRVA = int64(ins.BranchTargetRVA) - extDelta
	}
	disp := targetNewRVA - int64(ins.NewRVA) - int64(ins.Length)
	n := len(ins.Bytes)
	d := uint32(int32(disp))
	ins.Bytes[n-4] = byte(d)
	ins.Bytes[n-3] = byte(d >> 8)
	ins.Bytes[n-2] = byte(d >> 16)
	ins.Bytes[n-1] = byte(d >> 24)
}

// GetIdataByRVA returns the (old_rva, new_rva) pair for the instruction
// whose old_rva equals rva, if the engine's most recent Mutate call
// produced one. Valid only for instruction heads, per the RVA map's
// contract (§9 GLOSSARY).
func (e *Engine) GetIdataByRVA(rva uint32) (*RVAEntry, bool) {
	if e.finalGraph == nil {
		return nil, false
	}
	ins, ok := e.finalGraph.lookupOld(rva)
	if !ok {
		return nil, false
	}
	return &RVAEntry{OldRVA: ins.OldRVA, NewRVA: ins.NewRVA}, true
}
