package hostos

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/scheduler"
)

// FaultKind enumerates the synchronous guest faults spec.md §4.5 names:
// "Synchronous signals from generated code (SIGSEGV/SIGBUS/SIGILL/SIGFPE)
// longjmp out of run_innerloop".
type FaultKind int

const (
	FaultSegv FaultKind = iota
	FaultBus
	FaultIll
	FaultFpe
)

// GuestSignal is a pending host-delivered signal routed to a guest
// thread, masked against that thread's SigMask (spec.md §5 "A proxy
// carries the guest thread's signal mask").
type GuestSignal struct {
	Tid scheduler.ThreadId
	Num int
}

// Router turns asynchronous host signals (SIGINT, SIGUSR1, SIGCHLD from
// a traced child, ...) into per-thread pending sets the scheduler's
// route_signals step drains each dispatch turn (spec.md §4.3). It does
// NOT handle the synchronous-fault path -- those never reach a host
// signal handler, they longjmp directly out of run_innerloop (see
// DeliverFault below).
type Router struct {
	mu      sync.Mutex
	host    chan os.Signal
	pending map[scheduler.ThreadId][]int
	// route picks which guest thread an asynchronous, process-directed
	// signal is delivered to (the one running when it arrived, absent a
	// more specific target -- real Valgrind uses the same "deliver to
	// whichever thread happens to be current" policy for untargeted
	// signals).
	route func(num int) scheduler.ThreadId
}

func NewRouter(route func(num int) scheduler.ThreadId) *Router {
	r := &Router{host: make(chan os.Signal, 16), pending: make(map[scheduler.ThreadId][]int), route: route}
	signal.Notify(r.host, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCHLD)
	return r
}

// Drain moves every host signal received since the last call into the
// per-thread pending map, the action spec.md §4.3's route_signals
// performs each iteration of the main loop.
func (r *Router) Drain() {
	for {
		select {
		case sig := <-r.host:
			num := int(sig.(syscall.Signal))
			tid := r.route(num)
			r.mu.Lock()
			r.pending[tid] = append(r.pending[tid], num)
			r.mu.Unlock()
		default:
			return
		}
	}
}

// Pending returns and clears tid's queued signal numbers.
func (r *Router) Pending(tid scheduler.ThreadId) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sigs := r.pending[tid]
	delete(r.pending, tid)
	return sigs
}

func (r *Router) Stop() { signal.Stop(r.host) }

// sigFrameBytes is the size of the minimal signal-handler frame this
// port constructs: return address, signal number, and a 16-word register
// snapshot (EAX..EDI, EFLAGS, EIP, the six segment selectors padded to
// 4 bytes each), matching the field layout core.ThreadState mirrors.
const sigFrameBytes = 4 + 4 + (8+1+1+6)*4

// DeliverFault builds a guest-visible signal handler frame on the
// guest's current stack and redirects EIP to handlerAddr, per spec.md
// §6 "a signal handler frame is constructed on the guest stack exactly
// as the kernel would". Returns false if the guest has no handler
// installed for this signal (handlerAddr == 0), in which case the
// caller must treat the fault as fatal.
func DeliverFault(mem core.GuestMemory, st *core.ThreadState, kind FaultKind, handlerAddr uint32) bool {
	if handlerAddr == 0 {
		return false
	}
	sp := st.GPR[4] - sigFrameBytes // ESP is GPR index 4 per ucode.ArchESP
	sp &^= 0xF                     // 16-byte align the frame, matching the kernel's sigreturn convention

	off := sp
	writeAndAdvance := func(v uint32) {
		mem.Write32(off, v)
		off += 4
	}
	writeAndAdvance(st.EIP) // return address: sigreturn trampoline would restore this; here, the pre-fault EIP
	writeAndAdvance(uint32([...]syscall.Signal{FaultSegv: syscall.SIGSEGV, FaultBus: syscall.SIGBUS,
		FaultIll: syscall.SIGILL, FaultFpe: syscall.SIGFPE}[kind]))
	for _, r := range st.GPR {
		writeAndAdvance(r)
	}
	writeAndAdvance(st.EFLAGS)
	writeAndAdvance(st.EIP)
	for _, s := range st.Seg {
		writeAndAdvance(uint32(s))
	}

	st.GPR[4] = sp
	st.EIP = handlerAddr
	return true
}
