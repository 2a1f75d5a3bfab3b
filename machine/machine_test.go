package machine

import (
	"context"
	"testing"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/hostos"
	"github.com/vex86/coregrind-go/pthread"
	"github.com/vex86/coregrind-go/scheduler"
)

// fakeExecutor lets the integration test drive a dispatch turn without
// a real executable-memory host, mirroring the fakes scheduler's own
// tests use.
type fakeExecutor struct{ results []scheduler.TerminationCode }

func (f *fakeExecutor) Run(bb *core.BaseBlock, code []byte) (scheduler.TerminationCode, uint32, error) {
	if len(f.results) == 0 {
		return scheduler.UnresumableSignal, bb.EIP, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, bb.EIP, nil
}

func TestMachineSpawnAndRunToTermination(t *testing.T) {
	mem := core.NewFlatMemory(4096)
	exec := &fakeExecutor{results: []scheduler.TerminationCode{scheduler.UnresumableSignal}}
	m := New(context.Background(), core.DefaultConfig(), mem, nil, exec, hostos.Issue)

	// Seed the trace cache so the dispatcher never calls into the
	// decoder/codegen pipeline for this placeholder entry point.
	if _, err := m.Cache.Insert(0, 1, []byte{0xC3}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tid, err := m.SpawnInitialThread(0)
	if err != nil {
		t.Fatalf("SpawnInitialThread: %v", err)
	}
	if tid == 0 {
		t.Fatal("SpawnInitialThread returned the reserved zero ThreadId")
	}

	code, err := m.Run(func() uint64 { return 0 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != scheduler.UnresumableSignal {
		t.Fatalf("termination = %v, want UnresumableSignal", code)
	}
}

// scriptedExecutor lets a test drive specific EAX/ECX/EDX/ESI register
// values into the base block before returning a chosen termination code,
// so an EbpJmpClientReq/EbpJmpSyscall can be exercised through the real
// Dispatcher.Run loop instead of calling the pthread/hostos packages
// directly (which would never touch scheduler.handle at all).
type scriptedExecutor struct {
	steps []func(bb *core.BaseBlock)
	term  []scheduler.TerminationCode
	i     int
}

func (s *scriptedExecutor) Run(bb *core.BaseBlock, code []byte) (scheduler.TerminationCode, uint32, error) {
	if s.i < len(s.steps) && s.steps[s.i] != nil {
		s.steps[s.i](bb)
	}
	term := scheduler.UnresumableSignal
	if s.i < len(s.term) {
		term = s.term[s.i]
	}
	s.i++
	return term, bb.EIP, nil
}

// TestMachineClientRequestRunsThroughDispatcher exercises spec.md §8
// scenario 1's mutex acquisition end to end through Machine.Run: the
// dispatcher must actually route an EbpJmpClientReq termination to
// Pthread.Engine, not silently drop it.
func TestMachineClientRequestRunsThroughDispatcher(t *testing.T) {
	mem := core.NewFlatMemory(4096)
	const mx = 0x9000
	exec := &scriptedExecutor{
		steps: []func(bb *core.BaseBlock){
			func(bb *core.BaseBlock) {
				bb.GPR[0] = uint32(pthread.ReqMutexLock) // EAX: request code
				bb.GPR[1] = mx                            // ECX: mutex pointer
				bb.GPR[2] = 0                              // EDX: trylock=false
				bb.GPR[6] = 0                              // ESI: kind=normal
			},
		},
		term: []scheduler.TerminationCode{scheduler.EbpJmpClientReq, scheduler.UnresumableSignal},
	}
	m := New(context.Background(), core.DefaultConfig(), mem, nil, exec, hostos.Issue)
	if _, err := m.Cache.Insert(0, 1, []byte{0xC3}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tid, err := m.SpawnInitialThread(0)
	if err != nil {
		t.Fatalf("SpawnInitialThread: %v", err)
	}
	if _, err := m.Run(func() uint64 { return 0 }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	other, err := m.Threads.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if other == tid {
		t.Fatal("second Alloc returned the already-occupied first thread's id")
	}
	rc, err := m.Pthread.MutexLock(other, mx, true, 0)
	if err != nil {
		t.Fatalf("MutexLock: %v", err)
	}
	if rc != pthread.EBUSY {
		t.Fatalf("trylock by another thread = %d, want EBUSY (mutex held by the dispatcher-driven thread)", rc)
	}
}

func TestMachinePthreadEngineSharesThreadTable(t *testing.T) {
	mem := core.NewFlatMemory(4096)
	exec := &fakeExecutor{}
	m := New(context.Background(), core.DefaultConfig(), mem, nil, exec, hostos.Issue)

	tid, err := m.Threads.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	const mx = 0x4000
	if rc, err := m.Pthread.MutexLock(tid, mx, false, 0); err != nil || rc != 0 {
		t.Fatalf("MutexLock = (%d, %v), want (0, nil)", rc, err)
	}
	rec, err := m.Threads.Get(tid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != scheduler.Runnable {
		t.Fatalf("status after acquiring a free mutex = %v, want Runnable", rec.Status)
	}
}
