package scheduler

import (
	"testing"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/plugin"
	"github.com/vex86/coregrind-go/tracecache"
)

// fakeExecutor lets dispatch_test drive Run without ever executing real
// x86 bytes; it returns canned termination codes in sequence.
type fakeExecutor struct {
	results []TerminationCode
	calls   int
}

func (f *fakeExecutor) Run(bb *core.BaseBlock, code []byte) (TerminationCode, uint32, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i], bb.EIP, nil
}

func newTestDispatcher(t *testing.T, exec Executor) (*Dispatcher, *Table, ThreadId) {
	t.Helper()
	tbl := NewTable()
	tid, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	cache := tracecache.New()
	if _, err := cache.Insert(0, 1, []byte{0x90, 0xC3}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	bb := core.NewBaseBlock()
	mem := core.NewFlatMemory(4096)
	d := NewDispatcher(core.DefaultConfig(), bb, tbl, cache, mem, exec, &plugin.Plugin{})
	return d, tbl, tid
}

func TestDispatcherRunsUntilUnresumableSignal(t *testing.T) {
	exec := &fakeExecutor{results: []TerminationCode{UnresumableSignal}}
	d, _, _ := newTestDispatcher(t, exec)

	code, err := d.Run(func() uint64 { return 0 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != UnresumableSignal {
		t.Fatalf("termination = %v, want UnresumableSignal", code)
	}
	if exec.calls != 1 {
		t.Fatalf("executor invoked %d times, want 1", exec.calls)
	}
}

func TestDispatcherFastMissLoopsThenStops(t *testing.T) {
	exec := &fakeExecutor{results: []TerminationCode{FastMiss, FastMiss, UnresumableSignal}}
	d, _, _ := newTestDispatcher(t, exec)

	code, err := d.Run(func() uint64 { return 0 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != UnresumableSignal {
		t.Fatalf("termination = %v, want UnresumableSignal", code)
	}
	if exec.calls != 3 {
		t.Fatalf("executor invoked %d times, want 3", exec.calls)
	}
}

func TestDispatcherDeadlockWhenNoThreadRunnable(t *testing.T) {
	exec := &fakeExecutor{results: []TerminationCode{UnresumableSignal}}
	d, tbl, tid := newTestDispatcher(t, exec)

	rec, err := tbl.Get(tid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec.Status = WaitMX // blocked with no timeout and nothing else runnable

	if _, err := d.Run(func() uint64 { return 0 }); err == nil {
		t.Fatal("expected deadlock error")
	}
}

// fakeClientReq records every HandleClientRequest call and writes a
// canned EDX/status back, standing in for pthread.Engine.
type fakeClientReq struct {
	calls []ThreadId
	edx   int32
}

func (f *fakeClientReq) HandleClientRequest(tid ThreadId, rec *ThreadRecord) error {
	f.calls = append(f.calls, tid)
	rec.State.GPR[2] = uint32(f.edx) // EDX
	return nil
}

// fakeSyscallAgent records every IssueSyscall call and lets the test
// stage a result that becomes drainable once IssueSyscall is called.
type fakeSyscallAgent struct {
	issued  []ThreadId
	onIssue []SyscallResult
	pending []SyscallResult
}

type SyscallResult struct {
	Tid      ThreadId
	Eax      uint32
	Signaled bool
}

func (f *fakeSyscallAgent) IssueSyscall(tid ThreadId, rec *ThreadRecord) {
	f.issued = append(f.issued, tid)
	f.pending = append(f.pending, f.onIssue...)
	f.onIssue = nil
}

func (f *fakeSyscallAgent) DrainResults(apply func(tid ThreadId, eax uint32, signaled bool)) {
	for _, r := range f.pending {
		apply(r.Tid, r.Eax, r.Signaled)
	}
	f.pending = nil
}

func TestDispatcherRoutesClientRequestThroughAgent(t *testing.T) {
	exec := &fakeExecutor{results: []TerminationCode{EbpJmpClientReq, UnresumableSignal}}
	d, _, tid := newTestDispatcher(t, exec)
	cr := &fakeClientReq{edx: 0}
	d.SetClientRequestAgent(cr)

	code, err := d.Run(func() uint64 { return 0 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != UnresumableSignal {
		t.Fatalf("termination = %v, want UnresumableSignal", code)
	}
	if len(cr.calls) != 1 || cr.calls[0] != tid {
		t.Fatalf("HandleClientRequest calls = %v, want [%v]", cr.calls, tid)
	}
}

func TestDispatcherRoutesSyscallThroughAgentAndWakesOnResult(t *testing.T) {
	exec := &fakeExecutor{results: []TerminationCode{EbpJmpSyscall, UnresumableSignal}}
	d, tbl, tid := newTestDispatcher(t, exec)
	sa := &fakeSyscallAgent{}
	d.SetSyscallAgent(sa)
	// Stage the completion for when the syscall is issued, so the
	// pollProxyResults of Run's second iteration wakes tid back to
	// Runnable before the executor is asked for its second result.
	sa.onIssue = []SyscallResult{{Tid: tid, Eax: 42}}

	code, err := d.Run(func() uint64 { return 0 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != UnresumableSignal {
		t.Fatalf("termination = %v, want UnresumableSignal", code)
	}
	if len(sa.issued) != 1 || sa.issued[0] != tid {
		t.Fatalf("IssueSyscall calls = %v, want [%v]", sa.issued, tid)
	}
	rec, err := tbl.Get(tid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State.GPR[0] != 42 {
		t.Fatalf("EAX after syscall completion = %d, want 42", rec.State.GPR[0])
	}
}

func TestDispatcherNeedReschedBiasesNextPick(t *testing.T) {
	exec := &fakeExecutor{results: []TerminationCode{UnresumableSignal}}
	d, tbl, _ := newTestDispatcher(t, exec)

	other, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	d.NeedResched(other)
	if d.lastPref != other {
		t.Fatalf("lastPref = %v, want %v", d.lastPref, other)
	}
}
