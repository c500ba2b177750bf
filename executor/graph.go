// Package executor defines the device-specific graph-executor
// contract: an ordered run of modules sharing one device and cluster.
// The scheduler constructs one Graph per device-execution-order entry
// and drives it through Create/ComputeReady/Compute/Destroy; the
// executor's internals (how it talks to its device queue) are its own
// concern. Two reference implementations live in goexec and wasmexec.
package executor

import (
	"context"

	"github.com/nmxmxh/fluxgraph/module"
)

// Graph is the contract a device-specific executor must satisfy.
type Graph interface {
	// SetWiredInput/SetWiredOutput accumulate the record hashes this
	// run consumes/produces, before Create is called. The value wired
	// here is the Record's content hash, not the physical Locale hash:
	// a producer's output port and a consumer's input port sit at
	// different locales but must carry the same record hash for
	// cross-executor matching to work.
	SetWiredInput(recordHash uint64)
	SetWiredOutput(recordHash uint64)

	// SetExternallyWired{Input,Output} mark which wired ports cross an
	// executor boundary, so the executor knows which buffers need
	// cross-device synchronization.
	SetExternallyWiredInput(recordHash uint64)
	SetExternallyWiredOutput(recordHash uint64)

	// SetModule appends a module to this run's ordered invocation
	// list. Called once per module, in execution order.
	SetModule(m module.Compute)

	// Create finalizes the executor; called only once all wiring is
	// set. Destroy tears it down; called before every rebuild.
	Create(ctx context.Context) error
	Destroy(ctx context.Context) error

	// ComputeReady is a non-blocking readiness check: Success to
	// proceed, Timeout to retry later, anything else is fatal.
	ComputeReady(ctx context.Context) module.Result

	// Compute invokes every module in this run, in order, and returns
	// the worst Result observed (module.Worst ordering).
	Compute(ctx context.Context, meta module.RuntimeMetadata) module.Result

	WiredInputs() map[uint64]struct{}
	WiredOutputs() map[uint64]struct{}

	Device() module.Device
}
