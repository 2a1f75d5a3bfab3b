package hostos

import (
	"golang.org/x/sys/unix"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/plugin"
)

// VGNReservedFDs is the count of top file descriptors the framework
// reserves for its own bookkeeping (spec.md §6: "reserves the top file
// descriptors via VG_N_RESERVED_FDS for its own use").
const VGNReservedFDs = 10

// ReserveFDs lowers the soft RLIMIT_NOFILE by VGNReservedFDs (when it is
// larger than that), leaving the top descriptors above the guest's
// limit; it does not open or track any fd itself. Mirrors the teacher's
// resource-ceiling bookkeeping pattern from component_reset.go adapted
// from GPU/audio device limits to file descriptors. Returns the
// previous limit so the caller can restore it at process exit.
func ReserveFDs() (unix.Rlimit, error) {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return unix.Rlimit{}, err
	}
	guestLimit := cur
	if guestLimit.Cur > VGNReservedFDs {
		guestLimit.Cur -= VGNReservedFDs
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &guestLimit); err != nil {
		return unix.Rlimit{}, err
	}
	return cur, nil
}

// RestoreFDs undoes ReserveFDs at shutdown.
func RestoreFDs(prev unix.Rlimit) error {
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &prev)
}

// DataLimit reads RLIMIT_DATA, spec.md §6's second named rlimit. Nothing
// in this module calls it; there is no guest brk()/mmap() emulation here.
func DataLimit() (unix.Rlimit, error) {
	var rl unix.Rlimit
	err := unix.Getrlimit(unix.RLIMIT_DATA, &rl)
	return rl, err
}

// PointerArg describes one syscall argument pre_syscall/post_syscall
// must validate before or after the real kernel call, per spec.md §4.5:
// "validate addressability of strings, buffers, iovec-pointed segments".
type PointerArg struct {
	Addr      uint32
	Size      int
	WriteOnly bool // a buffer the kernel fills in (post-call check only)
}

// PreSyscall validates every argument pointer is addressable before the
// proxy issues the real syscall. An invalid pointer is reported to the
// plugin as a memory error and never reaches the host kernel (spec.md
// §7: "Client request with invalid pointer ... report to the plugin as
// a memory-error event; do not abort").
func PreSyscall(mem core.GuestMemory, pl *plugin.Plugin, context string, args []PointerArg) bool {
	ok := true
	for _, a := range args {
		if a.WriteOnly {
			continue
		}
		if !mem.Addressable(a.Addr, a.Size) {
			ok = false
			if pl != nil && pl.OnMemoryError != nil {
				pl.OnMemoryError(a.Addr, a.Size, context)
			}
		}
	}
	return ok
}

// PostSyscall validates write-only buffers now that the kernel has
// filled them in, the second half of spec.md §4.5's pre/post pair.
func PostSyscall(mem core.GuestMemory, pl *plugin.Plugin, context string, args []PointerArg) bool {
	ok := true
	for _, a := range args {
		if !a.WriteOnly {
			continue
		}
		if !mem.Addressable(a.Addr, a.Size) {
			ok = false
			if pl != nil && pl.OnMemoryError != nil {
				pl.OnMemoryError(a.Addr, a.Size, context)
			}
		}
	}
	return ok
}

// Issue performs a real blocking host syscall matching the guest's
// int $0x80 request (spec.md §6's unmodified Linux ABI), returning the
// raw EAX convention: non-negative on success, -errno on failure.
func Issue(req SyscallRequest) SyscallResult {
	r1, _, errno := unix.Syscall6(uintptr(req.Nr),
		uintptr(req.Arg1), uintptr(req.Arg2), uintptr(req.Arg3),
		uintptr(req.Arg4), uintptr(req.Arg5), 0)
	if errno != 0 {
		return SyscallResult{Tid: req.Tid, Eax: uint32(-int32(errno))}
	}
	return SyscallResult{Tid: req.Tid, Eax: uint32(r1)}
}
