package pipeline

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvboot/internal/flatten"
	"github.com/tinyrange/rvboot/internal/layout"
)

// ErrSizeThreading reports a kernel size that could not be measured or that
// did not arrive intact in the boot stage.
var ErrSizeThreading = errors.New("kernel size threading")

// Step names one state of the build. The states run strictly in order.
type Step int

const (
	CompileKernel Step = iota + 1
	FlattenAndMeasureKernel
	CompileAndLinkBoot
	FlattenAndConcatenate
)

// Steps returns every step in execution order.
func Steps() []Step {
	return []Step{CompileKernel, FlattenAndMeasureKernel, CompileAndLinkBoot, FlattenAndConcatenate}
}

func (s Step) String() string {
	switch s {
	case CompileKernel:
		return "COMPILE_KERNEL"
	case FlattenAndMeasureKernel:
		return "FLATTEN_AND_MEASURE_KERNEL"
	case CompileAndLinkBoot:
		return "COMPILE_AND_LINK_BOOT"
	case FlattenAndConcatenate:
		return "FLATTEN_AND_CONCATENATE"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// State is reported to an Observer around every step.
type State int

const (
	StepStarted State = iota
	StepDone
	StepFailed
)

func (s State) String() string {
	switch s {
	case StepStarted:
		return "started"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer is notified as the pipeline moves through its steps.
type Observer interface {
	OnStep(step Step, state State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(step Step, state State)

func (f ObserverFunc) OnStep(step Step, state State) { f(step, state) }

// StepError is returned for every pipeline failure.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// KernelSize is the measured length of the flattened kernel. It can only
// be obtained by measuring a flat binary and is never zero.
type KernelSize struct {
	n uint64
}

// Measure returns the size of a flattened kernel.
func Measure(kernel *flatten.Binary) (KernelSize, error) {
	if kernel == nil || kernel.Len() == 0 {
		return KernelSize{}, fmt.Errorf("%w: flattened kernel is empty", ErrSizeThreading)
	}
	return KernelSize{n: uint64(kernel.Len())}, nil
}

// Bytes returns the size in bytes.
func (k KernelSize) Bytes() uint64 { return k.n }

// Symbol is the absolute link-time symbol that carries the size into the
// boot stage.
func (k KernelSize) Symbol() (layout.Symbol, error) {
	if k.n == 0 {
		return layout.Symbol{}, fmt.Errorf("%w: kernel size was never measured", ErrSizeThreading)
	}
	return layout.Symbol{Name: layout.KernelSizeSymbol, Value: k.n}, nil
}

func (k KernelSize) String() string { return fmt.Sprintf("%d", k.n) }
