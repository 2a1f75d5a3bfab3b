package hostos

import (
	"testing"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/plugin"
)

func TestPreSyscallReportsInvalidPointer(t *testing.T) {
	mem := core.NewFlatMemory(64)
	var reported []uint32
	pl := &plugin.Plugin{OnMemoryError: func(addr uint32, size int, context string) { reported = append(reported, addr) }}

	ok := PreSyscall(mem, pl, "read", []PointerArg{{Addr: 0, Size: 8}, {Addr: 1000, Size: 8}})
	if ok {
		t.Fatal("expected PreSyscall to fail for an out-of-range pointer")
	}
	if len(reported) != 1 || reported[0] != 1000 {
		t.Fatalf("reported = %v, want [1000]", reported)
	}
}

func TestPreSyscallSkipsWriteOnlyArgs(t *testing.T) {
	mem := core.NewFlatMemory(16)
	ok := PreSyscall(mem, nil, "read", []PointerArg{{Addr: 1000, Size: 8, WriteOnly: true}})
	if !ok {
		t.Fatal("write-only args must not be validated pre-call")
	}
}

func TestPostSyscallValidatesWriteOnlyArgs(t *testing.T) {
	mem := core.NewFlatMemory(16)
	var reported []uint32
	pl := &plugin.Plugin{OnMemoryError: func(addr uint32, size int, context string) { reported = append(reported, addr) }}

	ok := PostSyscall(mem, pl, "read", []PointerArg{{Addr: 8, Size: 8, WriteOnly: true}, {Addr: 100, Size: 8, WriteOnly: true}})
	if ok {
		t.Fatal("expected PostSyscall to fail for an out-of-range write buffer")
	}
	if len(reported) != 1 || reported[0] != 100 {
		t.Fatalf("reported = %v, want [100]", reported)
	}
}

func TestDeliverFaultBuildsFrameAndRedirectsEip(t *testing.T) {
	mem := core.NewFlatMemory(4096)
	st := &core.ThreadState{EIP: 0x1000}
	st.GPR[4] = 0x800 // ESP

	ok := DeliverFault(mem, st, FaultSegv, 0x2000)
	if !ok {
		t.Fatal("expected DeliverFault to succeed with a handler installed")
	}
	if st.EIP != 0x2000 {
		t.Fatalf("EIP = %#x, want 0x2000", st.EIP)
	}
	if st.GPR[4] >= 0x800 {
		t.Fatalf("ESP = %#x, should have moved down to make room for the frame", st.GPR[4])
	}
	if mem.Read32(st.GPR[4]) != 0x1000 {
		t.Fatalf("frame's saved return address = %#x, want 0x1000", mem.Read32(st.GPR[4]))
	}
}

func TestDeliverFaultFailsWithNoHandler(t *testing.T) {
	mem := core.NewFlatMemory(4096)
	st := &core.ThreadState{EIP: 0x1000}
	st.GPR[4] = 0x800

	if DeliverFault(mem, st, FaultSegv, 0) {
		t.Fatal("expected DeliverFault to report no handler installed")
	}
}
