package scheduler

import (
	"testing"

	"github.com/vex86/coregrind-go/core"
)

func TestAllocGetFree(t *testing.T) {
	tbl := NewTable()
	tid, err := tbl.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if tid == core.NoThread {
		t.Fatal("Alloc returned NoThread")
	}
	rec, err := tbl.Get(tid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != Runnable {
		t.Fatalf("fresh thread status = %v, want Runnable", rec.Status)
	}
	tbl.Free(tid)
	if _, err := tbl.Get(tid); err == nil {
		t.Fatal("Get succeeded after Free")
	}
}

func TestAllocExhaustion(t *testing.T) {
	tbl := NewTable()
	for i := 1; i < MaxThreads; i++ {
		if _, err := tbl.Alloc(); err != nil {
			t.Fatalf("Alloc failed before table full, at i=%d: %v", i, err)
		}
	}
	if _, err := tbl.Alloc(); err == nil {
		t.Fatal("expected error once the table is full")
	}
}

func TestTimeoutQueueOrderingAndExpiry(t *testing.T) {
	tbl := NewTable()
	a, _ := tbl.Alloc()
	b, _ := tbl.Alloc()
	c, _ := tbl.Alloc()

	recA, _ := tbl.Get(a)
	recB, _ := tbl.Get(b)
	recC, _ := tbl.Get(c)
	recA.Status, recA.AwakenAt = Sleeping, 300
	recB.Status, recB.AwakenAt = Sleeping, 100
	recC.Status, recC.AwakenAt = Sleeping, 200

	tbl.AddTimeout(a, 300)
	tbl.AddTimeout(b, 100)
	tbl.AddTimeout(c, 200)

	tid, at, ok := tbl.NextTimeout()
	if !ok || tid != b || at != 100 {
		t.Fatalf("NextTimeout = (%v, %v, %v), want (b, 100, true)", tid, at, ok)
	}

	var woken []ThreadId
	tbl.ExpireDue(250, func(tid ThreadId) { woken = append(woken, tid) })
	if len(woken) != 2 || woken[0] != b || woken[1] != c {
		t.Fatalf("ExpireDue woke %v, want [b c]", woken)
	}
	if _, _, ok := tbl.NextTimeout(); !ok {
		t.Fatal("expected a's timeout to remain pending")
	}
}

func TestExpireDueToleratesStaleEntries(t *testing.T) {
	tbl := NewTable()
	tid, _ := tbl.Alloc()
	rec, _ := tbl.Get(tid)
	rec.Status, rec.AwakenAt = Sleeping, 100
	tbl.AddTimeout(tid, 100)

	// A signal wakes the thread early and rearms a later timeout; the
	// stale 100 entry must be silently skipped rather than re-firing fn.
	rec.AwakenAt = 500
	tbl.AddTimeout(tid, 500)

	var woken []ThreadId
	tbl.ExpireDue(100, func(tid ThreadId) { woken = append(woken, tid) })
	if len(woken) != 0 {
		t.Fatalf("ExpireDue invoked fn for a stale entry: %v", woken)
	}
}

func TestNextRunnableRoundRobinPrefersWaker(t *testing.T) {
	tbl := NewTable()
	a, _ := tbl.Alloc()
	b, _ := tbl.Alloc()
	recB, _ := tbl.Get(b)
	recB.Status = WaitMX

	if tid, ok := tbl.NextRunnableRoundRobin(a, core.NoThread); !ok || tid != a {
		t.Fatalf("round robin wrap = (%v, %v), want (a, true)", tid, ok)
	}

	recB.Status = Runnable
	if tid, ok := tbl.NextRunnableRoundRobin(a, b); !ok || tid != b {
		t.Fatalf("prefer bias = (%v, %v), want (b, true)", tid, ok)
	}
}

func TestCountByStatusAndAnyOccupied(t *testing.T) {
	tbl := NewTable()
	if tbl.AnyOccupied() {
		t.Fatal("fresh table reports occupied")
	}
	tid, _ := tbl.Alloc()
	if !tbl.AnyOccupied() {
		t.Fatal("table with one allocated thread reports unoccupied")
	}
	if n := tbl.CountByStatus(Runnable); n != 1 {
		t.Fatalf("CountByStatus(Runnable) = %d, want 1", n)
	}
	rec, _ := tbl.Get(tid)
	rec.Status = WaitCV
	if n := tbl.CountByStatus(Runnable); n != 0 {
		t.Fatalf("CountByStatus(Runnable) = %d, want 0 after status change", n)
	}
	if n := tbl.CountByStatus(WaitMX, WaitCV); n != 1 {
		t.Fatalf("CountByStatus(WaitMX, WaitCV) = %d, want 1", n)
	}
}
