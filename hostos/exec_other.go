//go:build !(linux && 386)

package hostos

import (
	"errors"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/scheduler"
)

// NativeExecutor is unavailable outside linux/386: the generated code is
// x86-32 and expects its host to share that calling convention, so
// running it on any other GOOS/GOARCH combination would require an
// emulation layer this framework does not provide.
type NativeExecutor struct{}

func NewNativeExecutor() *NativeExecutor { return &NativeExecutor{} }

var errWrongPlatform = errors.New("hostos: NativeExecutor requires a linux/386 build")

func (e *NativeExecutor) Run(bb *core.BaseBlock, code []byte) (scheduler.TerminationCode, uint32, error) {
	return 0, 0, errWrongPlatform
}
