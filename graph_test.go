package mut

import "testing"

func decodeAll(t *testing.T, data []byte) *Graph {
	t.Helper()
	g := NewGraph()
	offset := 0
	for offset < len(data) {
		ins, err := decodeAt(data, offset)
		if err != nil {
			t.Fatalf("decodeAt(%d): %v", offset, err)
		}
		g.append(ins)
		offset += int(ins.Length)
	}
	return g
}

func TestGraphVerifyComplete(t *testing.T) {
	g := decodeAll(t, []byte{0xEB, 0x00, 0xC3})
	if err := g.VerifyComplete(3); err != nil {
		t.Fatalf("VerifyComplete: %v", err)
	}
}

func TestGraphResolveTargetsLinksInternalBranch(t *testing.T) {
	// jmp +0 ; ret  -- jmp targets its own successor (the ret).
	g := decodeAll(t, []byte{0xEB, 0x00, 0xC3})
	mid := g.resolveTargets()
	if len(mid) != 0 {
		t.Fatalf("resolveTargets reported %d mid-instruction branches, want 0", len(mid))
	}
	jmp, _ := g.lookupOld(0)
	ret, _ := g.lookupOld(2)
	if jmp.Target != ret {
		t.Errorf("jmp.Target = %v, want the ret record", jmp.Target)
	}
	if len(ret.Referrers) != 1 || ret.Referrers[0] != jmp {
		t.Errorf("ret.Referrers = %v, want [jmp]", ret.Referrers)
	}
}

func TestGraphResolveTargetsLeavesExternalBranchUnresolved(t *testing.T) {
	// call rel32 to an address far outside the region.
	g := decodeAll(t, []byte{0xE8, 0x00, 0x10, 0x00, 0x00})
	mid := g.resolveTargets()
	if len(mid) != 0 {
		t.Fatalf("got %d mid-instruction branches, want 0", len(mid))
	}
	call, _ := g.lookupOld(0)
	if call.Target != nil {
		t.Errorf("Target = %v, want nil for an external branch", call.Target)
	}
}

func TestGraphResolveTargetsFlagsMidInstructionBranch(t *testing.T) {
	// je +1 lands one byte into the next (two-byte) instruction's body.
	g := decodeAll(t, []byte{0x74, 0x01, 0xEB, 0x00})
	mid := g.resolveTargets()
	if len(mid) != 1 {
		t.Fatalf("got %d mid-instruction branches, want 1", len(mid))
	}
}

func TestGraphWidenShortJmp(t *testing.T) {
	g := decodeAll(t, []byte{0xEB, 0x00, 0xC3})
	g.resolveTargets()
	g.widenAllBranches()
	jmp := g.order[0]
	if jmp.Length != 5 {
		t.Fatalf("Length = %d, want 5 after widening", jmp.Length)
	}
	if jmp.Flags.Has(FlagBranchRel8) {
		t.Errorf("FlagBranchRel8 still set after widening")
	}
	if !jmp.Flags.Has(FlagBranchRel32) {
		t.Errorf("FlagBranchRel32 not set after widening")
	}
}

func TestGraphWidenShortJcc(t *testing.T) {
	g := decodeAll(t, []byte{0x74, 0x02, 0x90, 0x90, 0xC3})
	g.resolveTargets()
	g.widenAllBranches()
	jcc := g.order[0]
	if jcc.Length != 6 {
		t.Fatalf("Length = %d, want 6 after widening", jcc.Length)
	}
	if jcc.Bytes[0] != 0x0F || jcc.Bytes[1] != 0x84 {
		t.Errorf("widened bytes = % X, want 0F 84 ...", jcc.Bytes)
	}
}
