// Package pthread implements the client-request handlers spec.md §4.4
// describes: the guest's pthread shim traps into do_client_request with
// a request code and argument packet, and this package interprets the
// guest-visible mutex/condvar/key state directly against the thread
// table rather than maintaining a shadow data structure of its own.
//
// Grounded in the teacher's debug_monitor.go command dispatcher: a flat
// switch on a request code, each case validating arguments and mutating
// shared state through a single owning struct, generalized here from
// debugger commands to POSIX thread-primitive requests.
package pthread

import (
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/errs"
	"github.com/vex86/coregrind-go/plugin"
	"github.com/vex86/coregrind-go/scheduler"
)

// Request codes, per spec.md §4.4's client-request protocol (guest
// passes the code in EAX, a four-word argument packet, and receives its
// return value in the simulated EDX).
type Request int

const (
	ReqMutexLock Request = iota
	ReqMutexUnlock
	ReqCondWait
	ReqCondSignal
	ReqCondBroadcast
	ReqJoin
	ReqQuit
	ReqWaitJoiner
	ReqCancel
	ReqTestCancel
	ReqKeyCreate
	ReqKeyDelete
	ReqGetSpecific
	ReqSetSpecific
	ReqSigMask
	ReqKill
)

// POSIX errno values the engine returns to the guest in EDX, per
// spec.md §7's "pthread API misuse returns the POSIX errno" policy.
const (
	OK       = 0
	EINVAL   = 22
	EBUSY    = 16
	EDEADLK  = 35
	ESRCH    = 3
	ETIMEDOUT = 110
)

// MutexKind mirrors the guest-visible pthread_mutex_t kind field the
// engine reads directly rather than shadowing (spec.md §3 "Mutexes ...
// the engine interprets the guest structure fields directly").
type MutexKind int

const (
	MutexNormal MutexKind = iota
	MutexRecursive
	MutexErrorCheck
)

// MutexState is the subset of a guest pthread_mutex_t this engine
// interprets: owner/count/kind, keyed by the guest pointer identifying
// the mutex (spec.md §3: "Mutexes are identified by the guest-visible
// pointer").
type MutexState struct {
	Owner scheduler.ThreadId
	Count int
	Kind  MutexKind
}

// Key is one thread-specific-data slot: in-use plus an optional
// destructor, spec.md §3's "fixed-size table of (in-use, destructor)
// pairs".
type Key struct {
	InUse      bool
	Destructor uint32 // guest function pointer, 0 if none
}

const maxKeys = scheduler.MaxKeys

// Engine owns the guest-mutex shadow map (owner/count/kind only --
// condvars carry no state of their own per spec.md §3, "no internal
// waiter list") and the thread-specific-data key table.
type Engine struct {
	table   *scheduler.Table
	sched   needResched
	plugin  *plugin.Plugin
	mutexes map[uint32]*MutexState
	keys    [maxKeys]Key
}

// needResched is the one scheduler.Dispatcher method the engine needs:
// biasing the next pick toward a thread this call just made Runnable
// (spec.md §4.4 "need_resched(prefer=tid) biases the next pick").
type needResched interface {
	NeedResched(scheduler.ThreadId)
}

func NewEngine(table *scheduler.Table, sched needResched, pl *plugin.Plugin) *Engine {
	return &Engine{table: table, sched: sched, plugin: pl, mutexes: make(map[uint32]*MutexState)}
}

func (e *Engine) reportError(kind, detail string) {
	if e.plugin != nil && e.plugin.OnPthreadError != nil {
		e.plugin.OnPthreadError(kind, detail)
	}
}

func (e *Engine) mutex(mx uint32) *MutexState {
	m, ok := e.mutexes[mx]
	if !ok {
		m = &MutexState{}
		e.mutexes[mx] = m
	}
	return m
}

// MutexLock implements spec.md §4.4's MUTEX_LOCK contract.
func (e *Engine) MutexLock(tid scheduler.ThreadId, mx uint32, trylock bool, kind MutexKind) (int32, error) {
	m := e.mutex(mx)
	if m.Count == 0 {
		m.Owner, m.Count, m.Kind = tid, 1, kind
		return OK, nil
	}
	if m.Owner == tid {
		if m.Kind == MutexRecursive {
			m.Count++
			return OK, nil
		}
		if m.Kind == MutexErrorCheck {
			e.reportError("mutex-relock", "error-checking mutex relocked by owner")
			return EDEADLK, nil
		}
		// PTHREAD_MUTEX_NORMAL self-relock deadlocks for real in libpthread;
		// here we report it the same way rather than hanging the dispatcher.
		e.reportError("mutex-relock", "normal mutex relocked by owner")
		return EDEADLK, nil
	}
	if trylock {
		return EBUSY, nil
	}
	rec, err := e.table.Get(tid)
	if err != nil {
		return 0, err
	}
	rec.Status = scheduler.WaitMX
	rec.AssociatedMx = mx
	return OK, nil // the scheduler leaves tid parked; OK is the eager return spec.md §4.4 specifies
}

// MutexUnlock implements spec.md §4.4's MUTEX_UNLOCK contract.
func (e *Engine) MutexUnlock(tid scheduler.ThreadId, mx uint32) (int32, error) {
	m := e.mutex(mx)
	if m.Count == 0 || m.Owner != tid {
		e.reportError("mutex-unlock", "unlock of unowned mutex")
		return EINVAL, nil
	}
	if m.Count > 1 {
		m.Count--
		return OK, nil
	}
	waiter, found := e.findWaiter(mx)
	if !found {
		m.Owner, m.Count = core.NoThread, 0
		return OK, nil
	}
	m.Owner, m.Count = waiter, 1
	rec, err := e.table.Get(waiter)
	if err != nil {
		return 0, err
	}
	rec.Status = scheduler.Runnable
	rec.AssociatedMx = 0
	e.sched.NeedResched(waiter)
	return OK, nil
}

// findWaiter scans the thread table for a WaitMX thread parked on mx,
// per spec.md §3's "waiters are discovered by scanning the thread table"
// design -- there is no per-mutex waiter list to maintain.
func (e *Engine) findWaiter(mx uint32) (scheduler.ThreadId, bool) {
	for tid := scheduler.ThreadId(1); int(tid) < scheduler.MaxThreads; tid++ {
		rec, err := e.table.Get(tid)
		if err != nil {
			continue
		}
		if rec.Status == scheduler.WaitMX && rec.AssociatedMx == mx {
			return tid, true
		}
	}
	return core.NoThread, false
}

// findCvWaiter scans for a WaitCV thread parked on cv, the same
// scan-don't-link approach applied to condition variables.
func (e *Engine) findCvWaiter(cv uint32, exclude map[scheduler.ThreadId]bool) (scheduler.ThreadId, bool) {
	for tid := scheduler.ThreadId(1); int(tid) < scheduler.MaxThreads; tid++ {
		if exclude[tid] {
			continue
		}
		rec, err := e.table.Get(tid)
		if err != nil {
			continue
		}
		if rec.Status == scheduler.WaitCV && rec.AssociatedCv == cv {
			return tid, true
		}
	}
	return core.NoThread, false
}

// CondWait implements spec.md §4.4's COND_WAIT contract: release mx with
// unlock semantics, then park the caller on cv with an optional timeout.
func (e *Engine) CondWait(tid scheduler.ThreadId, cv, mx uint32, deadlineMs uint64, addTimeout func(scheduler.ThreadId, uint64)) (int32, error) {
	if _, err := e.MutexUnlock(tid, mx); err != nil {
		return 0, err
	}
	rec, err := e.table.Get(tid)
	if err != nil {
		return 0, err
	}
	if rec.AssociatedCv != 0 && rec.AssociatedCv != cv {
		e.reportError("cond-wait-inconsistent", "thread associated a new condvar with an outstanding one pending")
	}
	if rec.AssociatedMx != 0 && rec.AssociatedMx != mx {
		e.reportError("cond-wait-inconsistent", "condvar associated with a second distinct mutex")
	}
	for other := scheduler.ThreadId(1); int(other) < scheduler.MaxThreads; other++ {
		orec, oerr := e.table.Get(other)
		if oerr != nil || other == tid {
			continue
		}
		if orec.Status == scheduler.WaitCV && orec.AssociatedCv == cv && orec.AssociatedMx != mx {
			e.reportError("cond-wait-inconsistent", "condvar already waited on with a different mutex")
			break
		}
	}
	rec.Status = scheduler.WaitCV
	rec.AssociatedCv = cv
	rec.AssociatedMx = mx
	rec.AwakenAt = scheduler.NoAwaken
	if deadlineMs != scheduler.NoAwaken {
		rec.AwakenAt = deadlineMs
		addTimeout(tid, deadlineMs)
	}
	return OK, nil
}

// condWake implements the shared body of COND_SIGNAL/COND_BROADCAST:
// for each chosen waiter, reacquire the mutex if free, else move it to
// WaitMX (spec.md §4.4).
func (e *Engine) condWake(cv uint32, all bool) (int32, error) {
	woken := map[scheduler.ThreadId]bool{}
	for {
		tid, ok := e.findCvWaiter(cv, woken)
		if !ok {
			break
		}
		woken[tid] = true
		rec, err := e.table.Get(tid)
		if err != nil {
			return 0, err
		}
		mx := rec.AssociatedMx
		if mx == 0 {
			e.reportError("cond-signal-no-mutex", "signal delivered to a waiter with no associated mutex")
			rec.Status, rec.AssociatedCv = scheduler.Runnable, 0
			e.sched.NeedResched(tid)
			if !all {
				break
			}
			continue
		}
		m := e.mutex(mx)
		rec.AssociatedCv = 0
		if m.Count == 0 {
			// The waiter's mutex is free, so the signaler does not hold it.
			e.reportError("cond-signal-unheld", "condvar signaled without holding the waiter's mutex")
			m.Owner, m.Count = tid, 1
			rec.Status = scheduler.Runnable
			e.sched.NeedResched(tid)
		} else {
			rec.Status = scheduler.WaitMX
		}
		if !all {
			break
		}
	}
	return OK, nil
}

func (e *Engine) CondSignal(cv uint32) (int32, error)    { return e.condWake(cv, false) }
func (e *Engine) CondBroadcast(cv uint32) (int32, error) { return e.condWake(cv, true) }

// ExpireCondTimeout is invoked by the scheduler's timeout expiry for a
// WaitCV thread (spec.md §4.4: "sets the thread's return to ETIMEDOUT
// and attempts mutex reacquisition").
func (e *Engine) ExpireCondTimeout(tid scheduler.ThreadId) error {
	rec, err := e.table.Get(tid)
	if err != nil {
		return err
	}
	if rec.Status != scheduler.WaitCV {
		return nil
	}
	rec.JoinReturn = ETIMEDOUT
	mx := rec.AssociatedMx
	rec.AssociatedCv = 0
	m := e.mutex(mx)
	if m.Count == 0 {
		m.Owner, m.Count = tid, 1
		rec.Status = scheduler.Runnable
		e.sched.NeedResched(tid)
	} else {
		rec.Status = scheduler.WaitMX
	}
	return nil
}

// Join implements spec.md §4.4's JOIN contract.
func (e *Engine) Join(tid, jee scheduler.ThreadId) (int32, error) {
	if tid == jee {
		return EDEADLK, nil
	}
	jeeRec, err := e.table.Get(jee)
	if err != nil {
		return ESRCH, nil
	}
	if jeeRec.Detached {
		return EINVAL, nil
	}
	if jeeRec.JoinerTid != core.NoThread {
		return EINVAL, nil
	}
	rec, err := e.table.Get(tid)
	if err != nil {
		return 0, err
	}
	rec.Status = scheduler.WaitJoinee
	rec.JoineeTid = jee
	jeeRec.JoinerTid = tid
	e.rendezvous()
	return OK, nil
}

// rendezvous pairs every WaitJoiner+WaitJoinee combination currently
// satisfiable, per spec.md §4.4: "runs on every join/exit to pair
// WaitJoiner+WaitJoinee and deliver the stored return value".
func (e *Engine) rendezvous() {
	for jee := scheduler.ThreadId(1); int(jee) < scheduler.MaxThreads; jee++ {
		jeeRec, err := e.table.Get(jee)
		if err != nil || jeeRec.Status != scheduler.WaitJoiner {
			continue
		}
		joiner := jeeRec.JoinerTid
		if joiner == core.NoThread {
			continue
		}
		joinerRec, err := e.table.Get(joiner)
		if err != nil || joinerRec.Status != scheduler.WaitJoinee || joinerRec.JoineeTid != jee {
			continue
		}
		joinerRec.JoinReturn = jeeRec.JoinReturn
		joinerRec.Status = scheduler.Runnable
		e.table.Free(jee)
		e.sched.NeedResched(joiner)
	}
}

// Quit implements the detached-thread exit path (spec.md §4.4 QUIT):
// the record is destroyed immediately.
func (e *Engine) Quit(tid scheduler.ThreadId) error {
	e.table.Free(tid)
	return nil
}

// WaitJoiner implements the joinable-thread exit path: park for
// rendezvous with whatever joiner eventually arrives.
func (e *Engine) WaitJoiner(tid scheduler.ThreadId, retval uint32) error {
	rec, err := e.table.Get(tid)
	if err != nil {
		return err
	}
	rec.Status = scheduler.WaitJoiner
	rec.JoinReturn = retval
	e.rendezvous()
	return nil
}

// Cancel implements spec.md §4.4's CANCEL contract.
func (e *Engine) Cancel(target scheduler.ThreadId, handler uint32, async bool) error {
	rec, err := e.table.Get(target)
	if err != nil {
		return err
	}
	rec.CancelPending = true
	rec.CancelHandler = handler
	if async {
		rec.CancelType = scheduler.CancelAsync
		e.deliverCancel(target)
	} else {
		rec.CancelType = scheduler.CancelDeferred
	}
	return nil
}

// deliverCancel redirects target's EIP to its cancellation handler with
// PTHREAD_CANCELED staged as the first argument, the action spec.md
// §4.4 describes for "next cancellation point (or immediately if
// PTHREAD_CANCEL_ASYNCHRONOUS)".
const pthreadCanceled uint32 = 0xFFFFFFFF

func (e *Engine) deliverCancel(tid scheduler.ThreadId) {
	rec, err := e.table.Get(tid)
	if err != nil || !rec.CancelPending {
		return
	}
	rec.State.EIP = rec.CancelHandler
	rec.State.GPR[0] = pthreadCanceled // EAX carries the handler's sole argument per the x86-32 cdecl shim
	rec.CancelPending = false
	rec.Status = scheduler.Runnable
	e.sched.NeedResched(tid)
}

// TestCancel is the explicit cancellation point pthread_testcancel
// exposes to the guest (spec.md §5 "pthread_testcancel is a
// cancellation point").
func (e *Engine) TestCancel(tid scheduler.ThreadId) {
	e.deliverCancel(tid)
}

// KeyCreate/KeyDelete/GetSpecific/SetSpecific implement spec.md §4.4's
// TSD contract against the fixed key table.
func (e *Engine) KeyCreate(destructor uint32) (int, int32, error) {
	for i := range e.keys {
		if !e.keys[i].InUse {
			e.keys[i] = Key{InUse: true, Destructor: destructor}
			return i, OK, nil
		}
	}
	return 0, EINVAL, nil
}

func (e *Engine) KeyDelete(key int) int32 {
	if key < 0 || key >= maxKeys || !e.keys[key].InUse {
		return EINVAL
	}
	e.keys[key] = Key{}
	return OK
}

func (e *Engine) GetSpecific(tid scheduler.ThreadId, key int) (uint32, error) {
	rec, err := e.table.Get(tid)
	if err != nil {
		return 0, err
	}
	if key < 0 || key >= maxKeys {
		return 0, errs.New(errs.KindPthreadMisuse, "pthread.GetSpecific", errs.ErrInvalidKey)
	}
	return rec.TSD[key], nil
}

func (e *Engine) SetSpecific(tid scheduler.ThreadId, key int, value uint32) error {
	rec, err := e.table.Get(tid)
	if err != nil {
		return err
	}
	if key < 0 || key >= maxKeys {
		return errs.New(errs.KindPthreadMisuse, "pthread.SetSpecific", errs.ErrInvalidKey)
	}
	rec.TSD[key] = value
	return nil
}

// HandleClientRequest implements scheduler.ClientRequestAgent: it reads
// the request code out of EAX and the argument packet out of
// ECX/EDX/ESI/EDI (spec.md §4.4's do_client_request ABI), dispatches to
// the matching engine method, and writes the guest-visible return value
// back into EDX. This is the seam the scheduler's dispatch loop calls on
// an EbpJmpClientReq termination instead of no-op'ing it.
func (e *Engine) HandleClientRequest(tid scheduler.ThreadId, rec *scheduler.ThreadRecord) error {
	req := Request(rec.State.GPR[0]) // EAX
	arg1 := rec.State.GPR[1]         // ECX
	arg2 := rec.State.GPR[2]         // EDX
	arg3 := rec.State.GPR[6]         // ESI
	arg4 := rec.State.GPR[7]         // EDI
	_ = arg4

	var ret int32
	var err error
	switch req {
	case ReqMutexLock:
		ret, err = e.MutexLock(tid, arg1, arg2 != 0, MutexKind(arg3))
	case ReqMutexUnlock:
		ret, err = e.MutexUnlock(tid, arg1)
	case ReqCondWait:
		deadline := uint64(arg3)
		if deadline == 0 {
			deadline = scheduler.NoAwaken
		}
		ret, err = e.CondWait(tid, arg1, arg2, deadline, e.table.AddTimeout)
	case ReqCondSignal:
		ret, err = e.CondSignal(arg1)
	case ReqCondBroadcast:
		ret, err = e.CondBroadcast(arg1)
	case ReqJoin:
		ret, err = e.Join(tid, scheduler.ThreadId(arg1))
	case ReqQuit:
		err = e.Quit(tid)
	case ReqWaitJoiner:
		err = e.WaitJoiner(tid, arg1)
	case ReqCancel:
		err = e.Cancel(scheduler.ThreadId(arg1), arg2, arg3 != 0)
	case ReqTestCancel:
		e.TestCancel(tid)
	case ReqKeyCreate:
		var key int
		key, ret, err = e.KeyCreate(arg1)
		rec.State.GPR[1] = uint32(key) // ECX carries the new key index back
	case ReqKeyDelete:
		ret = e.KeyDelete(int(arg1))
	case ReqGetSpecific:
		var v uint32
		v, err = e.GetSpecific(tid, int(arg1))
		rec.State.GPR[1] = v // ECX carries the value back; EDX still carries the status
	case ReqSetSpecific:
		err = e.SetSpecific(tid, int(arg1), arg2)
	case ReqSigMask:
		var old uint32
		old, err = e.SigMask(tid, arg1, arg2 != 0)
		rec.State.GPR[1] = old // ECX carries the previous mask back
	default:
		// ReqKill and any unrecognized code: signal delivery crosses into
		// the hostos boundary this engine doesn't own, so report it the
		// same way libpthread reports an unsupported request.
		ret = EINVAL
	}
	if err != nil {
		return err
	}
	rec.State.GPR[2] = uint32(ret) // EDX
	return nil
}

// SigMask implements spec.md §4.4's SIGMASK request: delegate to the
// signal layer after validating addressability is the caller's
// responsibility (the hostos package supplies that check); this engine
// only updates the thread record's mask.
func (e *Engine) SigMask(tid scheduler.ThreadId, newMask uint32, hasNew bool) (oldMask uint32, err error) {
	rec, err := e.table.Get(tid)
	if err != nil {
		return 0, err
	}
	old := rec.SigMask
	if hasNew {
		rec.SigMask = newMask
	}
	return old, nil
}
