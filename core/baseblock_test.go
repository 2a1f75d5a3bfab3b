package core

import "testing"

func TestBaseBlockLoadSaveRoundTrip(t *testing.T) {
	bb := NewBaseBlock()
	if bb.Resident() != NoThread {
		t.Fatalf("fresh base block should have no resident thread")
	}

	st := &ThreadState{EIP: 0x1000, EFLAGS: 0x202}
	st.GPR[0] = 42

	if err := bb.Load(1, st); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bb.Resident() != 1 {
		t.Fatalf("resident = %d, want 1", bb.Resident())
	}
	if bb.ReadArch(0) != 42 {
		t.Fatalf("GPR[0] = %d, want 42", bb.ReadArch(0))
	}

	// Loading a second thread while one is resident must fail (spec
	// invariant: loading first asserts the base block is empty).
	if err := bb.Load(2, st); err == nil {
		t.Fatalf("expected error loading onto an occupied base block")
	}

	out, err := bb.Save(1)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if out.EIP != 0x1000 || out.GPR[0] != 42 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if bb.Resident() != NoThread {
		t.Fatalf("Save must clear residency")
	}
	if bb.GPR[0] != poisonWord {
		t.Fatalf("Save must poison GPR, got %#x", bb.GPR[0])
	}

	// Saving from a thread that doesn't own the base block must fail.
	if err := bb.Load(3, st); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := bb.Save(99); err == nil {
		t.Fatalf("expected error saving with wrong tid")
	}
}

func TestArchRegReadWrite(t *testing.T) {
	bb := NewBaseBlock()
	bb.Load(1, &ThreadState{})
	bb.WriteArch(0, 7)
	if bb.ReadArch(0) != 7 {
		t.Fatalf("WriteArch/ReadArch mismatch")
	}
	if bb.ShadowGPR[0] != 7 {
		t.Fatalf("shadow GPR not updated: %d", bb.ShadowGPR[0])
	}
}
