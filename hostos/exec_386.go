//go:build linux && 386

package hostos

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/scheduler"
)

// pageSize is the mmap granularity generated translations are rounded
// up to, so every hosted page can carry X+R permission independent of
// its neighbors (spec.md §6 "host-code bytes are page-aligned on a
// boundary with X+R permission").
const pageSize = 4096

// NativeExecutor runs a translation's generated x86-32 bytes directly,
// on a host itself running as a 32-bit process -- the one configuration
// where the generated machine code and the host's calling convention
// agree without an emulation layer in between. It implements
// scheduler.Executor.
//
// Grounded in golang.org/x/sys/unix's Mmap/Mprotect/Munmap, kept from
// the teacher's go.mod and wired here for the one component that
// actually needs raw executable memory (spec.md §9 dependency table).
type NativeExecutor struct{}

func NewNativeExecutor() *NativeExecutor { return &NativeExecutor{} }

// Run copies code into a freshly mapped R+W page, flips it to R+X, and
// calls into it. The base block's address is passed implicitly: the
// generated code already assumes %ebp points at it, so this trampoline
// loads EBP before jumping in -- a detail that in a real build lives in
// a short assembly shim (see runtime_trampoline_386.s) rather than pure
// Go, since Go's calling convention doesn't expose EBP for a direct
// call.
func (e *NativeExecutor) Run(bb *core.BaseBlock, code []byte) (scheduler.TerminationCode, uint32, error) {
	n := (len(code) + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, 0, err
	}
	defer unix.Munmap(mem)
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return 0, 0, err
	}

	// runTrampoline is implemented in runtime_trampoline_386.s: it loads
	// EBP from the second argument, CALLs the first, and on return
	// reports the sentinel EBP value the dispatcher uses to classify
	// termination (spec.md §4.2 "EBP is first loaded with a well-known
	// sentinel so the dispatcher can steer the request").
	sentinel := runTrampoline(unsafe.Pointer(&mem[0]), unsafe.Pointer(bb))
	return classifySentinel(sentinel), bb.EIP, nil
}

// classifySentinel maps the well-known EBP values generated code leaves
// behind at a non-Boring jump (spec.md §4.2) to a TerminationCode.
func classifySentinel(sentinel uint32) scheduler.TerminationCode {
	switch sentinel {
	case sentinelSyscall:
		return scheduler.EbpJmpSyscall
	case sentinelClientReq:
		return scheduler.EbpJmpClientReq
	default:
		return scheduler.FastMiss
	}
}

const (
	sentinelSyscall   uint32 = 0xFEED0001
	sentinelClientReq uint32 = 0xFEED0002
)

// runTrampoline's body is the assembly in runtime_trampoline_386.s; this
// is its Go declaration.
func runTrampoline(code, ebp unsafe.Pointer) uint32
