package scheduler

import (
	"fmt"
	"os"

	"github.com/vex86/coregrind-go/backend"
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/errs"
	"github.com/vex86/coregrind-go/frontend"
	"github.com/vex86/coregrind-go/plugin"
	"github.com/vex86/coregrind-go/tracecache"
)

// TerminationCode is run_innerloop's result, per spec.md §4.3.
type TerminationCode int

const (
	FastMiss TerminationCode = iota
	EbpJmpSyscall
	EbpJmpClientReq
	InnerCounterZero
	UnresumableSignal
	LibcFreeResDone
)

// Executor runs a cached translation's host code against the base
// block until it returns control to the dispatcher, reporting why.
// A real implementation lives in the hostos package (it needs mmap'd
// executable memory and ptrace-style fault interception); this
// interface is what lets the scheduler stay host-architecture-agnostic
// and unit-testable with a fake.
type Executor interface {
	Run(bb *core.BaseBlock, code []byte) (TerminationCode, uint32, error)
}

// ClientRequestAgent services an EbpJmpClientReq termination: it reads
// the request code and argument packet straight out of tid's thread
// record (EAX/ECX/EDX/ESI/EDI, per spec.md §4.4's do_client_request
// protocol) and writes the guest-visible return value back the same
// way. Implemented by pthread.Engine; kept as an interface here so the
// scheduler package, which pthread already imports, doesn't import
// pthread back (that would be a cycle).
type ClientRequestAgent interface {
	HandleClientRequest(tid ThreadId, rec *ThreadRecord) error
}

// SyscallAgent services an EbpJmpSyscall termination by handing the
// raw int $0x80 ABI to the host-OS proxy-LWP pool and, on the dispatcher's
// next poll, draining whichever results have completed back into the
// thread table (spec.md §4.5). Implemented by hostos.Pool; kept as an
// interface for the same cycle-avoidance reason as ClientRequestAgent.
type SyscallAgent interface {
	IssueSyscall(tid ThreadId, rec *ThreadRecord)
	DrainResults(apply func(tid ThreadId, eax uint32, signaled bool))
}

// Dispatcher owns the single simulated CPU and drives the main loop
// from spec.md §4.3.
type Dispatcher struct {
	cfg      core.Config
	tracer   *core.Tracer
	bb       *core.BaseBlock
	table    *Table
	cache    *tracecache.Cache
	mem      core.GuestMemory
	exec     Executor
	plugin   *plugin.Plugin
	lastPref ThreadId // last thread woken by another, for need_resched bias

	clientReq ClientRequestAgent
	syscalls  SyscallAgent

	running ThreadId
}

// SetClientRequestAgent wires the pthread engine in; machine.New calls
// this once the engine exists (the engine itself needs a reference to
// the dispatcher, so the two can't be constructed in one step).
func (d *Dispatcher) SetClientRequestAgent(a ClientRequestAgent) { d.clientReq = a }

// SetSyscallAgent wires the host-OS proxy pool in, same reasoning as
// SetClientRequestAgent.
func (d *Dispatcher) SetSyscallAgent(a SyscallAgent) { d.syscalls = a }

func NewDispatcher(cfg core.Config, bb *core.BaseBlock, table *Table, cache *tracecache.Cache,
	mem core.GuestMemory, exec Executor, pl *plugin.Plugin) *Dispatcher {
	return &Dispatcher{
		cfg: cfg, tracer: core.NewTracer(cfg.TraceMask), bb: bb,
		table: table, cache: cache, mem: mem, exec: exec, plugin: pl,
	}
}

// Run drives the main loop until termination, returning why it stopped.
func (d *Dispatcher) Run(wallClockMs func() uint64) (TerminationCode, error) {
	for {
		d.sanity()
		d.routeSignals()
		d.pollProxyResults()

		prefer := core.NoThread
		if d.cfg.PreferWaker {
			prefer = d.lastPref
		}
		tid, ok := d.table.NextRunnableRoundRobin(d.running, prefer)
		if !ok {
			if d.table.CountByStatus(WaitSys, WaitCV, Sleeping) == 0 {
				noneTimed := true
				if _, _, has := d.table.NextTimeout(); has {
					noneTimed = false
				}
				if noneTimed {
					return 0, errs.New(errs.KindDeadlock, "scheduler.Run", errs.ErrDeadlock)
				}
			}
			occupied := d.table.AnyOccupied()
			joinersOnly := occupied && d.table.CountByStatus(WaitJoiner) == d.countNonEmpty()
			if joinersOnly {
				return LibcFreeResDone, nil
			}
			d.idle(wallClockMs())
			continue
		}

		quantum := d.cfg.SchedulingQuantum
		if tid == d.lastPref {
			quantum = minInt(quantum, 2) // need_resched(prefer) shrinks the quantum
		}

		rec, err := d.table.Get(tid)
		if err != nil {
			return 0, err
		}
		if err := d.bb.Load(tid, &rec.State); err != nil {
			return 0, err
		}
		d.running = tid

		trc, target, err := d.runInnerLoop(tid, quantum)
		if err != nil {
			return 0, err
		}

		st, err := d.bb.Save(tid)
		if err != nil {
			return 0, err
		}
		rec.State = *st

		if done, code, herr := d.handle(tid, trc, target); herr != nil {
			return 0, herr
		} else if done {
			return code, nil
		}
	}
}

func (d *Dispatcher) countNonEmpty() int {
	return d.table.CountByStatus(Runnable, WaitJoinee, WaitJoiner, Sleeping, WaitMX, WaitCV, WaitSys)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// runInnerLoop is the "longjmp-safe entry to generated code" from
// spec.md §4.3: it resolves the thread's current EIP to a translation
// (creating one on a cache miss) and asks the Executor to run it.
func (d *Dispatcher) runInnerLoop(tid ThreadId, quantum int) (TerminationCode, uint32, error) {
	pc := d.bb.EIP
	tr, ok := d.cache.Lookup(pc)
	if !ok {
		var err error
		tr, err = d.createTranslationFor(tid, pc)
		if err != nil {
			return 0, 0, err
		}
	}
	code := tr.Code
	_ = quantum // not passed to the Executor; no dispatch counter is kept, so InnerCounterZero arrives only if an Executor reports it
	trc, target, err := d.exec.Run(d.bb, code)
	if err != nil {
		return 0, 0, err
	}
	return trc, target, nil
}

// createTranslationFor decodes and generates one translation, per
// spec.md §4.3's create_translation_for contract, then inserts it into
// the trace cache.
func (d *Dispatcher) createTranslationFor(tid ThreadId, pc uint32) (*tracecache.Translation, error) {
	decCfg := frontend.Config{MergeIncEip: d.cfg.MergeIncEip}
	if d.plugin != nil {
		decCfg.PluginCapabilities = d.plugin.Capabilities
	}
	block, err := frontend.Decode(d.mem, pc, decCfg)
	if err != nil {
		return nil, err
	}

	var hooks plugin.EventHooks
	var helpers *plugin.HelperTable
	if d.plugin != nil {
		hooks = d.plugin.Hooks
		helpers = d.plugin.Helpers
	}
	code, patches, err := backend.Generate(backend.Config{PositionIndependent: true}, helpers, hooks, block)
	if err != nil {
		return nil, err
	}

	d.tracer.Logf(core.TraceCodegen, "translated pc=%#x orig=%d host=%d", pc, block.OrigSize, len(code))
	return d.cache.Insert(pc, block.OrigSize, code, patches)
}

// handle dispatches on the termination code, per spec.md §4.3's handle()
// step: fastmiss retries the same thread, counter-zero reschedules,
// syscall/clientreq/signal hand off to their respective subsystems.
func (d *Dispatcher) handle(tid ThreadId, trc TerminationCode, target uint32) (done bool, code TerminationCode, err error) {
	switch trc {
	case FastMiss:
		return false, 0, nil
	case InnerCounterZero:
		return false, 0, nil
	case EbpJmpSyscall:
		d.tracer.Logf(core.TraceSyscall, "tid=%d syscall at eip=%#x", tid, target)
		rec, gerr := d.table.Get(tid)
		if gerr != nil {
			return false, 0, gerr
		}
		rec.Status = WaitSys
		if d.syscalls != nil {
			d.syscalls.IssueSyscall(tid, rec)
		}
		return false, 0, nil
	case EbpJmpClientReq:
		d.tracer.Logf(core.TracePthread, "tid=%d client request at eip=%#x", tid, target)
		rec, gerr := d.table.Get(tid)
		if gerr != nil {
			return false, 0, gerr
		}
		if d.clientReq != nil {
			if herr := d.clientReq.HandleClientRequest(tid, rec); herr != nil {
				return false, 0, herr
			}
		}
		return false, 0, nil
	case UnresumableSignal:
		return true, UnresumableSignal, nil
	case LibcFreeResDone:
		return true, LibcFreeResDone, nil
	default:
		return false, 0, errs.New(errs.KindInternal, "scheduler.handle", errs.ErrInvalidThreadId)
	}
}

// NeedResched biases the next pick toward tid, per spec.md §4.4's
// need_resched(prefer) -- called by the pthread engine whenever one
// thread's action makes another Runnable (unlock, signal, join).
func (d *Dispatcher) NeedResched(tid ThreadId) {
	d.lastPref = tid
}

func (d *Dispatcher) routeSignals() {
	// Host-captured signals are moved into per-thread pending sets by
	// the hostos package; this is the scheduler-side hook point.
}

func (d *Dispatcher) pollProxyResults() {
	d.table.ExpireDue(d.nowPlaceholder(), d.wakeFromTimeout)
	if d.syscalls != nil {
		d.syscalls.DrainResults(d.wakeFromSyscall)
	}
}

func (d *Dispatcher) nowPlaceholder() uint64 { return 0 }

// wakeFromSyscall lands a completed (or aborted) syscall result: the
// return value (or -errno) goes back into EAX and the thread leaves
// WaitSys, per spec.md §4.5. A result for a thread no longer in WaitSys
// (e.g. already cancelled out of it) is silently discarded.
func (d *Dispatcher) wakeFromSyscall(tid ThreadId, eax uint32, signaled bool) {
	rec, err := d.table.Get(tid)
	if err != nil || rec.Status != WaitSys {
		return
	}
	rec.State.GPR[0] = eax // EAX
	rec.Status = Runnable
	d.NeedResched(tid)
}

func (d *Dispatcher) wakeFromTimeout(tid ThreadId) {
	rec, err := d.table.Get(tid)
	if err != nil {
		return
	}
	if rec.Status == WaitCV {
		rec.Status = WaitMX // ETIMEDOUT path: attempt mutex reacquisition (spec.md §4.4)
		return
	}
	rec.Status = Runnable
	rec.AwakenAt = NoAwaken
}

// idle computes the wait until the nearest timeout, capped at the
// signal-routing cadence (spec.md §4.3's 50ms cap, supplemented from
// original_source/vg_scheduler.c), and logs it. It neither blocks nor
// polls for proxy completions; Run goes straight back to its loop.
const signalPollCapMs = 50

func (d *Dispatcher) idle(now uint64) {
	_, at, has := d.table.NextTimeout()
	wait := uint64(signalPollCapMs)
	if has && at > now && at-now < wait {
		wait = at - now
	}
	d.tracer.Logf(core.TraceSched, "idle for %dms", wait)
}

// sanity scans the thread table once per main-loop iteration and prints a
// diagnostic for a WaitMX thread with no associated mutex or a WaitCV
// thread with no associated condvar. Modeled on
// original_source/vg_scheduler.c's sanity-check pass (spec.md §9
// supplemented feature); there is no second, fuller scan.
func (d *Dispatcher) sanity() {
	for tid := ThreadId(1); int(tid) < MaxThreads; tid++ {
		r := &d.table.records[tid]
		if r.Status == Empty {
			continue
		}
		if (r.Status == WaitMX || r.Status == WaitCV) && r.AssociatedMx == 0 && r.Status == WaitMX {
			fmt.Fprintf(os.Stderr, "scheduler: sanity: tid=%d WaitMX with no associated mutex\n", tid)
		}
		if r.Status == WaitCV && r.AssociatedCv == 0 {
			fmt.Fprintf(os.Stderr, "scheduler: sanity: tid=%d WaitCV with no associated condvar\n", tid)
		}
	}
}
