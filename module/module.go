// Package module defines the callback contracts the scheduler invokes
// (Compute, Present, Module) and the per-module bookkeeping the
// scheduler keeps after a rebuild (State, PresentState).
package module

import (
	"context"
	"errors"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nmxmxh/fluxgraph/record"
)

// ErrStaleIO names the condition of a module with no active ports
// after pruning. The scheduler does not return it: stale modules are
// counted and left out of the compute and present sets.
var ErrStaleIO = errors.New("module has no active inputs or outputs")

// ErrInplaceAliasing marks the "vector shared by >= 2 consumers after a
// branch, at least one in-place" condition the rebuild's final phase
// detects. The scheduler does not return it: the conflict is reported
// only through scheduler.Options.OnInplaceConflict, which has no return
// value, so a conflict never fails a rebuild.
var ErrInplaceAliasing = errors.New("vector shared by at least two consumers after a branch, at least one in-place")

// Device re-exports record.Device so callers can talk about device
// affinity without importing record directly.
type Device = record.Device

const (
	CPU    = record.CPU
	CUDA   = record.CUDA
	Metal  = record.Metal
	Vulkan = record.Vulkan
	None   = record.None
)

// Result is the closed outcome set shared across every callback
// contract. There is deliberately no numeric "unknown" escape hatch.
type Result int

const (
	Success Result = iota
	Timeout
	Skip
	Error
	Fatal
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case Timeout:
		return "Timeout"
	case Skip:
		return "Skip"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Severity orders Results for "worst status observed" reductions:
// Fatal > Skip > Timeout > Success (Error is treated as worse than
// Skip/Timeout but never overrides Fatal).
func (r Result) severity() int {
	switch r {
	case Success:
		return 0
	case Timeout:
		return 1
	case Skip:
		return 2
	case Error:
		return 3
	case Fatal:
		return 4
	default:
		return 4
	}
}

// Worst returns whichever of a, b is the more severe outcome.
func Worst(a, b Result) Result {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// RuntimeMetadata is passed to every Compute invocation.
type RuntimeMetadata struct {
	Frame    uint64
	Now      *timestamppb.Timestamp
	Deadline time.Duration
}

// NewRuntimeMetadata stamps the current wall-clock time onto a frame.
func NewRuntimeMetadata(frame uint64, deadline time.Duration) RuntimeMetadata {
	return RuntimeMetadata{
		Frame:    frame,
		Now:      timestamppb.Now(),
		Deadline: deadline,
	}
}

// Compute is the heavy-work capability a module may implement.
type Compute interface {
	Compute(ctx context.Context, meta RuntimeMetadata) Result
	ComputeReady(ctx context.Context) Result
}

// Present is the render-side capability a module may implement.
type Present interface {
	Present(ctx context.Context) Result
}

// Module is the minimal contract every registered object must satisfy.
// Compute/Present capabilities are obtained by type-asserting the same
// Module value — there is exactly one owner of the underlying object.
type Module interface {
	Device() Device
	Info() string
}

// State is the compute-side bookkeeping record kept for one module
// after a rebuild.
type State struct {
	Name          string
	Module        Compute
	Device        Device
	Inputs        record.RecordMap
	Outputs       record.RecordMap
	ActiveInputs  record.RecordMap
	ActiveOutputs record.RecordMap
	ClusterID     uint64
}

// PresentState is the present-side bookkeeping record kept for one
// module after a rebuild.
type PresentState struct {
	Name    string
	Module  Present
	Inputs  record.RecordMap
	Outputs record.RecordMap
}

// Stale reports whether a module has no active inputs and no active
// outputs after pruning.
func (s *State) Stale() bool {
	return len(s.ActiveInputs) == 0 && len(s.ActiveOutputs) == 0
}
