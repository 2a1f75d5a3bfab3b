// Package errs defines the error taxonomy shared by the decoder, codegen,
// scheduler, pthread engine, and syscall/signal boundary. It follows the
// plain-wrapped-error style used throughout the teacher codebase
// (fmt.Errorf with %w, sentinel errors declared at package scope) rather
// than a generic errors framework.
package errs

import "errors"

// Kind classifies an error for the purposes of the propagation policy in
// spec.md §7: the decoder/codegen never propagate (they synthesize a
// trap instead), the scheduler surfaces unresumable signals up to the
// process-exit path, and the pthread engine maps everything to a guest
// POSIX errno.
type Kind int

const (
	// KindRecoverable covers decoder-unknown-opcode and similarly
	// recoverable conditions: the caller synthesizes an equivalent trap
	// and continues rather than aborting.
	KindRecoverable Kind = iota
	// KindInternal covers codegen-impossible-encoding and other logic
	// bugs: the source is a fixed invariant violation, not guest input.
	KindInternal
	// KindGuestFault covers synchronous SIGSEGV/SIGBUS/SIGILL/SIGFPE
	// raised by generated code.
	KindGuestFault
	// KindPthreadMisuse covers POSIX API misuse (unlock of unowned
	// mutex, self-join, etc.) that must surface as a guest errno.
	KindPthreadMisuse
	// KindSyscall covers a syscall that failed at the host kernel; the
	// errno is propagated unchanged to the guest.
	KindSyscall
	// KindDeadlock is fatal to the whole framework.
	KindDeadlock
)

// Error wraps an underlying cause with a Kind so callers can branch on
// propagation policy without string-matching.
type Error struct {
	Kind    Kind
	Guest   int32 // POSIX errno when Kind == KindPthreadMisuse or KindSyscall
	Op      string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Op + ": " + e.Wrapped.Error()
	}
	return e.Op
}

func (e *Error) Unwrap() error { return e.Wrapped }

func New(kind Kind, op string, wrapped error) *Error {
	return &Error{Kind: kind, Op: op, Wrapped: wrapped}
}

func NewErrno(kind Kind, op string, guestErrno int32, wrapped error) *Error {
	return &Error{Kind: kind, Op: op, Guest: guestErrno, Wrapped: wrapped}
}

// Sentinel conditions referenced across packages, mirroring the teacher's
// style of package-scope errors.New declarations (see cpu_x86.go / machine_bus.go).
var (
	ErrBaseBlockOccupied   = errors.New("base block: load_state called while another thread is resident")
	ErrBaseBlockNotOwned   = errors.New("base block: save_state called by a thread that does not own it")
	ErrUCodeBlockNoJump    = errors.New("ucode block does not end in an unconditional JMP")
	ErrUCodeFlagNotCovered = errors.New("condition code read is not covered by a dominating flag writer")
	ErrCodegenBadEncoding  = errors.New("codegen: impossible x86 encoding")
	ErrTraceSizeOutOfRange = errors.New("translation size out of range (0, 65536)")
	ErrThreadTableFull     = errors.New("thread table: no free slot")
	ErrDeadlock            = errors.New("scheduler: deadlock, no thread runnable and none waiting")
	ErrInvalidThreadId     = errors.New("invalid ThreadId")
	ErrStaleTimeout        = errors.New("timeout entry stale, discarded")
	ErrHelperTableFull     = errors.New("helper table: no free registration slot")
	ErrHelperNotRegistered = errors.New("helper table: slot has no registered function")
	ErrInvalidKey          = errors.New("pthread: thread-specific-data key out of range or not in use")
)
