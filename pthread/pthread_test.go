package pthread

import (
	"testing"

	"github.com/vex86/coregrind-go/plugin"
	"github.com/vex86/coregrind-go/scheduler"
)

// fakeSched records NeedResched calls without driving an actual
// dispatch loop, enough to exercise the engine in isolation.
type fakeSched struct {
	lastPref scheduler.ThreadId
}

func (f *fakeSched) NeedResched(tid scheduler.ThreadId) { f.lastPref = tid }

func newTestEngine(t *testing.T) (*Engine, *scheduler.Table, *fakeSched) {
	t.Helper()
	tbl := scheduler.NewTable()
	sched := &fakeSched{}
	return NewEngine(tbl, sched, &plugin.Plugin{}), tbl, sched
}

// TestTwoThreadMutexPingPong mirrors spec.md §8 scenario 1: t1 holds mx,
// t2 calls MUTEX_LOCK, t1 unlocks; t2 must become Runnable with count=1
// and owner=t2 within one dispatch turn.
func TestTwoThreadMutexPingPong(t *testing.T) {
	e, tbl, sched := newTestEngine(t)
	t1, _ := tbl.Alloc()
	t2, _ := tbl.Alloc()
	const mx = 0x8000

	if rc, err := e.MutexLock(t1, mx, false, MutexNormal); err != nil || rc != OK {
		t.Fatalf("t1 MutexLock = (%d, %v), want (0, nil)", rc, err)
	}
	if rc, err := e.MutexLock(t2, mx, false, MutexNormal); err != nil || rc != OK {
		t.Fatalf("t2 MutexLock = (%d, %v), want (0, nil)", rc, err)
	}
	rec2, _ := tbl.Get(t2)
	if rec2.Status != scheduler.WaitMX || rec2.AssociatedMx != mx {
		t.Fatalf("t2 status = %v, mx = %#x, want WaitMX on %#x", rec2.Status, rec2.AssociatedMx, mx)
	}

	if rc, err := e.MutexUnlock(t1, mx); err != nil || rc != OK {
		t.Fatalf("t1 MutexUnlock = (%d, %v), want (0, nil)", rc, err)
	}
	if rec2.Status != scheduler.Runnable {
		t.Fatalf("t2 status after unlock = %v, want Runnable", rec2.Status)
	}
	if e.mutex(mx).Owner != t2 || e.mutex(mx).Count != 1 {
		t.Fatalf("mutex state = %+v, want owner=t2 count=1", e.mutex(mx))
	}
	if sched.lastPref != t2 {
		t.Fatalf("NeedResched biased toward %v, want t2", sched.lastPref)
	}
}

func TestMutexUnlockOfUnownedReportsError(t *testing.T) {
	e, tbl, _ := newTestEngine(t)
	tid, _ := tbl.Alloc()
	var reported []string
	e.plugin = &plugin.Plugin{OnPthreadError: func(kind, detail string) { reported = append(reported, kind) }}

	rc, err := e.MutexUnlock(tid, 0x9000)
	if err != nil {
		t.Fatalf("MutexUnlock: %v", err)
	}
	if rc != EINVAL {
		t.Fatalf("rc = %d, want EINVAL", rc)
	}
	if len(reported) != 1 {
		t.Fatalf("expected one plugin-visible error, got %v", reported)
	}
}

func TestRecursiveMutexIncrementsCount(t *testing.T) {
	e, tbl, _ := newTestEngine(t)
	tid, _ := tbl.Alloc()
	const mx = 0xA000

	e.MutexLock(tid, mx, false, MutexRecursive)
	e.MutexLock(tid, mx, false, MutexRecursive)
	if e.mutex(mx).Count != 2 {
		t.Fatalf("count = %d, want 2", e.mutex(mx).Count)
	}
	if rc, _ := e.MutexUnlock(tid, mx); rc != OK {
		t.Fatalf("first unlock rc = %d, want OK", rc)
	}
	if e.mutex(mx).Count != 1 {
		t.Fatalf("count after first unlock = %d, want 1", e.mutex(mx).Count)
	}
}

// TestInconsistentCondVarWait mirrors spec.md §8 scenario 2
// (pth_inconsistent_cond_wait): two threads each cond_wait on the same
// cv but different mutexes, then the signaler broadcasts without
// holding either -- at least two distinct plugin-visible error kinds
// must be recorded, and both threads must end up runnable eventually.
func TestInconsistentCondVarWait(t *testing.T) {
	e, tbl, _ := newTestEngine(t)
	t1, _ := tbl.Alloc()
	t2, _ := tbl.Alloc()
	const cv = 0xC000
	const mx1 = 0xD000
	const mx2 = 0xD001

	e.MutexLock(t1, mx1, false, MutexNormal)
	e.MutexLock(t2, mx2, false, MutexNormal)

	var kinds []string
	e.plugin = &plugin.Plugin{OnPthreadError: func(kind, detail string) { kinds = append(kinds, kind) }}

	noTimeout := func(scheduler.ThreadId, uint64) {}
	if _, err := e.CondWait(t1, cv, mx1, scheduler.NoAwaken, noTimeout); err != nil {
		t.Fatalf("t1 CondWait: %v", err)
	}
	if _, err := e.CondWait(t2, cv, mx2, scheduler.NoAwaken, noTimeout); err != nil {
		t.Fatalf("t2 CondWait: %v", err)
	}

	if _, err := e.CondBroadcast(cv); err != nil {
		t.Fatalf("CondBroadcast: %v", err)
	}

	rec1, _ := tbl.Get(t1)
	rec2, _ := tbl.Get(t2)
	if rec1.Status != scheduler.Runnable && rec1.Status != scheduler.WaitMX {
		t.Fatalf("t1 status after broadcast = %v, want Runnable or WaitMX", rec1.Status)
	}
	if rec2.Status != scheduler.Runnable && rec2.Status != scheduler.WaitMX {
		t.Fatalf("t2 status after broadcast = %v, want Runnable or WaitMX", rec2.Status)
	}

	distinct := map[string]bool{}
	for _, k := range kinds {
		distinct[k] = true
	}
	if len(distinct) < 2 {
		t.Fatalf("expected at least two distinct plugin-visible error kinds, got %v", kinds)
	}
}

func TestJoinRejectsSelfJoinDetachedAndSecondJoiner(t *testing.T) {
	e, tbl, _ := newTestEngine(t)
	tid, _ := tbl.Alloc()
	if rc, _ := e.Join(tid, tid); rc != EDEADLK {
		t.Fatalf("self-join rc = %d, want EDEADLK", rc)
	}

	detached, _ := tbl.Alloc()
	rec, _ := tbl.Get(detached)
	rec.Detached = true
	if rc, _ := e.Join(tid, detached); rc != EINVAL {
		t.Fatalf("detached-join rc = %d, want EINVAL", rc)
	}

	joinee, _ := tbl.Alloc()
	joiner1, _ := tbl.Alloc()
	joiner2, _ := tbl.Alloc()
	if rc, err := e.Join(joiner1, joinee); err != nil || rc != OK {
		t.Fatalf("first join = (%d, %v), want (0, nil)", rc, err)
	}
	if rc, _ := e.Join(joiner2, joinee); rc != EINVAL {
		t.Fatalf("second-joiner rc = %d, want EINVAL", rc)
	}
}

func TestJoinRendezvousDeliversReturnValue(t *testing.T) {
	e, tbl, sched := newTestEngine(t)
	joinee, _ := tbl.Alloc()
	joiner, _ := tbl.Alloc()

	if _, err := e.Join(joiner, joinee); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := e.WaitJoiner(joinee, 0x42); err != nil {
		t.Fatalf("WaitJoiner: %v", err)
	}

	rec, err := tbl.Get(joiner)
	if err != nil {
		t.Fatalf("Get(joiner): %v", err)
	}
	if rec.Status != scheduler.Runnable || rec.JoinReturn != 0x42 {
		t.Fatalf("joiner state = %+v, want Runnable with JoinReturn=0x42", rec)
	}
	if sched.lastPref != joiner {
		t.Fatalf("NeedResched biased toward %v, want joiner", sched.lastPref)
	}
	if _, err := tbl.Get(joinee); err == nil {
		t.Fatal("joinee record should have been freed by rendezvous")
	}
}

func TestCancelAsyncRedirectsEipImmediately(t *testing.T) {
	e, tbl, _ := newTestEngine(t)
	tid, _ := tbl.Alloc()
	if err := e.Cancel(tid, 0xDEAD0000, true); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, _ := tbl.Get(tid)
	if rec.State.EIP != 0xDEAD0000 {
		t.Fatalf("EIP = %#x, want 0xDEAD0000", rec.State.EIP)
	}
	if rec.State.GPR[0] != pthreadCanceled {
		t.Fatalf("GPR[0] = %#x, want PTHREAD_CANCELED", rec.State.GPR[0])
	}
	if rec.CancelPending {
		t.Fatal("CancelPending should be cleared once delivered")
	}
}

func TestCancelDeferredWaitsForCancellationPoint(t *testing.T) {
	e, tbl, _ := newTestEngine(t)
	tid, _ := tbl.Alloc()
	if err := e.Cancel(tid, 0xDEAD0000, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, _ := tbl.Get(tid)
	if !rec.CancelPending {
		t.Fatal("deferred cancel should remain pending until a cancellation point")
	}
	e.TestCancel(tid)
	if rec.State.EIP != 0xDEAD0000 || rec.CancelPending {
		t.Fatal("TestCancel should deliver the pending cancellation")
	}
}

func TestKeyCreateGetSetSpecific(t *testing.T) {
	e, tbl, _ := newTestEngine(t)
	tid, _ := tbl.Alloc()

	key, rc, err := e.KeyCreate(0)
	if err != nil || rc != OK {
		t.Fatalf("KeyCreate = (%d, %d, %v)", key, rc, err)
	}
	if err := e.SetSpecific(tid, key, 0x1234); err != nil {
		t.Fatalf("SetSpecific: %v", err)
	}
	v, err := e.GetSpecific(tid, key)
	if err != nil || v != 0x1234 {
		t.Fatalf("GetSpecific = (%#x, %v), want (0x1234, nil)", v, err)
	}
	if rc := e.KeyDelete(key); rc != OK {
		t.Fatalf("KeyDelete rc = %d, want OK", rc)
	}
	if _, err := e.GetSpecific(tid, 99999); err == nil {
		t.Fatal("GetSpecific with out-of-range key should error")
	}
}
