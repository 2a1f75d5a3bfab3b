// Package hostos implements the thin-but-critical syscall/signal
// boundary (spec.md §4.5, §6 "To the host OS"): a pool of proxy LWPs
// that issue blocking syscalls on the guest's behalf, the pre/post
// syscall argument validator, host signal routing into the scheduler's
// per-thread pending sets, and the platform Executor that actually runs
// a cached translation's generated bytes.
//
// Grounded in the teacher's coproc_worker_x86.go worker-process model
// (one real OS thread per logical worker, results serialized back
// through a channel the owner polls) and its use of golang.org/x/sync's
// errgroup to supervise that pool -- generalized here from "service
// workers" to "proxy LWPs", one per guest thread.
package hostos

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vex86/coregrind-go/scheduler"
)

// SyscallRequest is what a guest thread's generated code hands the
// dispatcher at an EbpJmpSyscall termination: the raw int $0x80 ABI
// (spec.md §6 "Unmodified x86 Linux int $0x80 with args in
// EBX/ECX/EDX/ESI/EDI, return in EAX").
type SyscallRequest struct {
	Tid              scheduler.ThreadId
	Nr               uint32
	Arg1, Arg2, Arg3 uint32
	Arg4, Arg5       uint32
}

// SyscallResult is the proxy's answer, delivered back through the
// single result channel the dispatcher polls (spec.md §5 "Proxy LWPs
// ... serialize their results through a single fd the scheduler
// polls" -- a Go channel stands in for that fd).
type SyscallResult struct {
	Tid    scheduler.ThreadId
	Eax    uint32 // return value or -errno, per the raw int $0x80 convention
	Signal bool   // true if the proxy was aborted by a cancellation signal rather than completing
}

// proxy is one real kernel thread's worth of state: a guest thread's
// dedicated request/abort channels (spec.md §5 "One real kernel thread
// per guest thread").
type proxy struct {
	tid     scheduler.ThreadId
	reqs    chan SyscallRequest
	abort   chan struct{}
	sigMask uint32
}

// Pool supervises one proxy goroutine per guest thread with an
// errgroup, serializing every completion through a single results
// channel (spec.md §5's single-fd design, reproduced here as a channel
// the dispatcher's pollProxyResults drains).
type Pool struct {
	mu      sync.Mutex
	proxies map[scheduler.ThreadId]*proxy
	results chan SyscallResult
	issue   func(SyscallRequest) SyscallResult
	group   *errgroup.Group
	ctx     context.Context
}

// NewPool starts a pool whose proxies issue syscalls through issue (the
// real hostos.Issue in production, a fake in tests).
func NewPool(ctx context.Context, issue func(SyscallRequest) SyscallResult) *Pool {
	g, gctx := errgroup.WithContext(ctx)
	return &Pool{
		proxies: make(map[scheduler.ThreadId]*proxy),
		results: make(chan SyscallResult, 64),
		issue:   issue,
		group:   g,
		ctx:     gctx,
	}
}

// Spawn starts tid's proxy goroutine. Per spec.md §5 "A proxy carries
// the guest thread's signal mask", sigMask gates which host signals are
// deliverable to this proxy's syscall.
func (p *Pool) Spawn(tid scheduler.ThreadId, sigMask uint32) {
	pr := &proxy{tid: tid, reqs: make(chan SyscallRequest, 1), abort: make(chan struct{}, 1), sigMask: sigMask}
	p.mu.Lock()
	p.proxies[tid] = pr
	p.mu.Unlock()

	p.group.Go(func() error {
		for {
			select {
			case <-p.ctx.Done():
				return nil
			case req, ok := <-pr.reqs:
				if !ok {
					return nil
				}
				res := p.runOne(pr, req)
				select {
				case p.results <- res:
				case <-p.ctx.Done():
					return nil
				}
			}
		}
	})
}

func (p *Pool) runOne(pr *proxy, req SyscallRequest) SyscallResult {
	done := make(chan SyscallResult, 1)
	go func() { done <- p.issue(req) }()
	select {
	case res := <-done:
		return res
	case <-pr.abort:
		return SyscallResult{Tid: req.Tid, Signal: true}
	}
}

// Issue hands req to tid's proxy, moving the guest thread to WaitSys in
// the caller's thread table is the scheduler's responsibility, not the
// pool's (spec.md §4.5: "the guest thread moves to WaitSys").
func (p *Pool) Issue(req SyscallRequest) {
	p.mu.Lock()
	pr := p.proxies[req.Tid]
	p.mu.Unlock()
	if pr == nil {
		return
	}
	pr.reqs <- req
}

// Abort implements the proxy-LWP abort primitive spec.md §5 cites for
// cancellation: "An in-flight syscall is aborted via a proxy-LWP abort
// primitive."
func (p *Pool) Abort(tid scheduler.ThreadId) {
	p.mu.Lock()
	pr := p.proxies[tid]
	p.mu.Unlock()
	if pr == nil {
		return
	}
	select {
	case pr.abort <- struct{}{}:
	default:
	}
}

// Results is the channel pollProxyResults drains each dispatch turn.
func (p *Pool) Results() <-chan SyscallResult { return p.results }

// IssueSyscall implements scheduler.SyscallAgent: it translates tid's raw
// int $0x80 register state (EAX=nr, EBX/ECX/EDX/ESI/EDI=args) into a
// SyscallRequest and hands it to the proxy pool, per spec.md §4.5/§6.
func (p *Pool) IssueSyscall(tid scheduler.ThreadId, rec *scheduler.ThreadRecord) {
	p.Issue(SyscallRequest{
		Tid:  tid,
		Nr:   rec.State.GPR[0], // EAX
		Arg1: rec.State.GPR[3], // EBX
		Arg2: rec.State.GPR[1], // ECX
		Arg3: rec.State.GPR[2], // EDX
		Arg4: rec.State.GPR[6], // ESI
		Arg5: rec.State.GPR[7], // EDI
	})
}

// DrainResults implements scheduler.SyscallAgent: it non-blockingly
// drains every completed syscall result queued on Results and hands each
// one to apply, which is responsible for writing EAX back and moving the
// thread out of WaitSys.
func (p *Pool) DrainResults(apply func(tid scheduler.ThreadId, eax uint32, signaled bool)) {
	for {
		select {
		case res := <-p.results:
			apply(res.Tid, res.Eax, res.Signal)
		default:
			return
		}
	}
}

// Retire stops tid's proxy and releases its slot.
func (p *Pool) Retire(tid scheduler.ThreadId) {
	p.mu.Lock()
	pr := p.proxies[tid]
	delete(p.proxies, tid)
	p.mu.Unlock()
	if pr != nil {
		close(pr.reqs)
	}
}

// Wait blocks until every proxy goroutine has exited, propagating the
// first error any of them returned (none do today; Go returns nil).
func (p *Pool) Wait() error { return p.group.Wait() }
