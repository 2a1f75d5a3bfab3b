// Package scheduler implements the cooperative M:N thread scheduler
// (spec.md §4.3/§5): a fixed thread table, a sorted timeout queue, and
// the main dispatch loop that owns the single simulated CPU (the
// core.BaseBlock) and hands it to one Runnable thread at a time.
//
// Grounded in the teacher's coprocessor_manager.go: a fixed-capacity
// table of records keyed by an id, a status enum per record, and a
// single-goroutine dispatch loop driving state transitions --
// generalized here from "worker tickets" to "guest thread records".
package scheduler

import (
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/errs"
)

// Status is a ThreadRecord's scheduling state, per spec.md §3.
type Status int

const (
	Empty Status = iota
	Runnable
	WaitJoinee
	WaitJoiner
	Sleeping
	WaitMX
	WaitCV
	WaitSys
)

func (s Status) String() string {
	return [...]string{"Empty", "Runnable", "WaitJoinee", "WaitJoiner", "Sleeping", "WaitMX", "WaitCV", "WaitSys"}[s]
}

// NoAwaken is the "no timeout pending" sentinel for AwakenAt, spec.md §3.
const NoAwaken uint64 = 0xFFFFFFFF

// CancelType distinguishes deferred from asynchronous cancellation,
// spec.md §4.4 CANCEL.
type CancelType int

const (
	CancelDeferred CancelType = iota
	CancelAsync
)

// ThreadRecord is one guest thread's full scheduling state, per spec.md
// §3's thread table field list.
type ThreadRecord struct {
	Status Status
	State  core.ThreadState

	StackBase, StackSize, StackHigh uint32
	LDT                             *core.LDT

	JoineeTid ThreadId // the thread this one is waiting to join
	JoinerTid ThreadId // the thread waiting to join this one
	Detached  bool

	AwakenAt uint64 // NoAwaken when no timeout is pending

	AssociatedMx uint32 // guest pointer identifying the mutex being waited on, 0 if none
	AssociatedCv uint32 // guest pointer identifying the condvar being waited on, 0 if none

	CancelPending bool
	CancelType    CancelType
	CancelHandler uint32

	TSD [MaxKeys]uint32

	SigMask uint32

	PendingSyscallNo int
	ProxyHandle      int // opaque proxy-LWP handle

	JoinReturn uint32 // value the joinee stored for WAIT_JOINER/JOIN rendezvous
}

type ThreadId = core.ThreadId

// MaxThreads bounds the fixed thread table, matching the teacher's
// fixed-capacity ticket table rather than an unbounded slice.
const MaxThreads = 4096

// MaxKeys bounds the thread-specific-data key table, spec.md §3.
const MaxKeys = 1024

// Table is the fixed-size thread table plus the sorted timeout queue.
type Table struct {
	records [MaxThreads]ThreadRecord
	timeout []timeoutEntry // kept sorted ascending by At
}

type timeoutEntry struct {
	Tid ThreadId
	At  uint64
}

func NewTable() *Table {
	return &Table{}
}

// Alloc finds an Empty slot, marks it Runnable, and returns its tid.
func (t *Table) Alloc() (ThreadId, error) {
	for i := 1; i < MaxThreads; i++ {
		if t.records[i].Status == Empty {
			t.records[i] = ThreadRecord{Status: Runnable, AwakenAt: NoAwaken}
			return ThreadId(i), nil
		}
	}
	return core.NoThread, errs.New(errs.KindInternal, "scheduler.Table.Alloc", errs.ErrThreadTableFull)
}

// Get returns a pointer to tid's record, or an error if tid is out of
// range or Empty.
func (t *Table) Get(tid ThreadId) (*ThreadRecord, error) {
	if tid == core.NoThread || int(tid) >= MaxThreads {
		return nil, errs.New(errs.KindInternal, "scheduler.Table.Get", errs.ErrInvalidThreadId)
	}
	r := &t.records[tid]
	if r.Status == Empty {
		return nil, errs.New(errs.KindInternal, "scheduler.Table.Get", errs.ErrInvalidThreadId)
	}
	return r, nil
}

// Free marks tid's slot Empty, releasing it for reuse.
func (t *Table) Free(tid ThreadId) {
	if tid != core.NoThread && int(tid) < MaxThreads {
		t.records[tid] = ThreadRecord{}
	}
}

// AddTimeout inserts (tid, at) into the sorted timeout queue, spec.md
// §4.3's "add_timeout inserts into the sorted list".
func (t *Table) AddTimeout(tid ThreadId, at uint64) {
	i := 0
	for i < len(t.timeout) && t.timeout[i].At <= at {
		i++
	}
	t.timeout = append(t.timeout, timeoutEntry{})
	copy(t.timeout[i+1:], t.timeout[i:])
	t.timeout[i] = timeoutEntry{Tid: tid, At: at}
}

// NextTimeout returns the earliest pending timeout without removing it,
// used by idle() to compute a poll deadline.
func (t *Table) NextTimeout() (ThreadId, uint64, bool) {
	if len(t.timeout) == 0 {
		return core.NoThread, 0, false
	}
	e := t.timeout[0]
	return e.Tid, e.At, true
}

// ExpireDue pops every timeout entry with At <= now and, for each,
// cross-checks the thread record's AwakenAt still matches (spec.md
// §4.3: "stale entries are tolerated ... silently discarded") before
// invoking fn to actually wake the thread.
func (t *Table) ExpireDue(now uint64, fn func(ThreadId)) {
	i := 0
	for i < len(t.timeout) && t.timeout[i].At <= now {
		e := t.timeout[i]
		i++
		r, err := t.Get(e.Tid)
		if err != nil || r.AwakenAt != e.At {
			continue // stale, errs.ErrStaleTimeout conceptually
		}
		fn(e.Tid)
	}
	t.timeout = t.timeout[i:]
}

// NextRunnableRoundRobin scans forward from after to find the next
// Runnable thread, wrapping around; prefer, when nonzero and itself
// Runnable, is returned directly (spec.md §4.4 need_resched bias).
func (t *Table) NextRunnableRoundRobin(after ThreadId, prefer ThreadId) (ThreadId, bool) {
	if prefer != core.NoThread {
		if r, err := t.Get(prefer); err == nil && r.Status == Runnable {
			return prefer, true
		}
	}
	start := int(after) + 1
	for i := 0; i < MaxThreads; i++ {
		idx := (start + i) % MaxThreads
		if idx == 0 {
			continue
		}
		if t.records[idx].Status == Runnable {
			return ThreadId(idx), true
		}
	}
	return core.NoThread, false
}

// CountByStatus reports how many records are in each of the given
// statuses, used by the deadlock/exit-syscall checks in the main loop.
func (t *Table) CountByStatus(statuses ...Status) int {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	n := 0
	for i := 1; i < MaxThreads; i++ {
		if want[t.records[i].Status] {
			n++
		}
	}
	return n
}

// AnyOccupied reports whether any slot beyond Empty exists at all.
func (t *Table) AnyOccupied() bool {
	for i := 1; i < MaxThreads; i++ {
		if t.records[i].Status != Empty {
			return true
		}
	}
	return false
}
