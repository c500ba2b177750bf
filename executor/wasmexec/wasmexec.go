// Package wasmexec is the second reference Graph executor: a
// sandboxed executor for modules whose compute kernel ships as
// portable WASM bytecode rather than native device code — a stand-in
// for CUDA/Metal/Vulkan kernels that arrive as portable binaries in
// this framework. It instantiates one long-lived wasmer.Instance per
// wired module instead of compiling fresh on every call.
package wasmexec

import (
	"context"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/fluxgraph/executor"
	"github.com/nmxmxh/fluxgraph/internal/errs"
	"github.com/nmxmxh/fluxgraph/logging"
	"github.com/nmxmxh/fluxgraph/module"
)

// WasmModule is implemented by modules that can be run sandboxed: in
// addition to the module.Compute contract they expose their compute
// kernel as a WASM binary exporting a "compute" function that takes the
// frame number as an i32 and returns an i32 result code (see
// decodeResult).
type WasmModule interface {
	module.Compute
	WASMBytes() []byte
}

type instance struct {
	wasmModule WasmModule
	engine     *wasmer.Instance
	computeFn  func(...any) (any, error)
}

// Graph is the wasmer-backed reference executor.
type Graph struct {
	device module.Device
	log    *logging.Logger
	store  *wasmer.Store

	modules   []module.Compute
	instances []*instance

	wiredIn, wiredOut                     map[uint64]struct{}
	externallyWiredIn, externallyWiredOut map[uint64]struct{}
}

var _ executor.Graph = (*Graph)(nil)

// New constructs a wasmexec.Graph bound to device.
func New(device module.Device, log *logging.Logger) *Graph {
	if log == nil {
		log = logging.Default("wasmexec")
	}
	return &Graph{
		device:             device,
		log:                log,
		wiredIn:            map[uint64]struct{}{},
		wiredOut:           map[uint64]struct{}{},
		externallyWiredIn:  map[uint64]struct{}{},
		externallyWiredOut: map[uint64]struct{}{},
	}
}

func (g *Graph) SetWiredInput(h uint64)  { g.wiredIn[h] = struct{}{} }
func (g *Graph) SetWiredOutput(h uint64) { g.wiredOut[h] = struct{}{} }

func (g *Graph) SetExternallyWiredInput(h uint64)  { g.externallyWiredIn[h] = struct{}{} }
func (g *Graph) SetExternallyWiredOutput(h uint64) { g.externallyWiredOut[h] = struct{}{} }

func (g *Graph) SetModule(m module.Compute) {
	g.modules = append(g.modules, m)
}

// Create instantiates a wasmer.Instance for every module that exposes
// WASM bytecode via WasmModule; modules that only implement plain
// module.Compute are invoked directly (no sandboxing benefit, but
// still ordered correctly within the run).
func (g *Graph) Create(ctx context.Context) error {
	if ctx.Err() != nil {
		return errs.Timeout("wasmexec create")
	}

	engine := wasmer.NewEngine()
	g.store = wasmer.NewStore(engine)

	for _, m := range g.modules {
		wm, ok := m.(WasmModule)
		if !ok {
			g.instances = append(g.instances, &instance{wasmModule: nil})
			continue
		}
		if len(wm.WASMBytes()) == 0 {
			return errs.New(fmt.Sprintf("wasmexec: %T has no compute bytecode", wm))
		}
		wasmModule, err := wasmer.NewModule(g.store, wm.WASMBytes())
		if err != nil {
			return errs.Wrap(err, "wasmexec: compiling module")
		}
		inst, err := wasmer.NewInstance(wasmModule, wasmer.NewImportObject())
		if err != nil {
			return errs.Wrap(err, "wasmexec: instantiating module")
		}
		fn, err := inst.Exports.GetFunction("compute")
		if err != nil {
			return errs.Wrap(err, "wasmexec: missing compute export")
		}
		g.instances = append(g.instances, &instance{wasmModule: wm, engine: inst, computeFn: fn})
	}
	g.log.Debug("executor created", logging.Int("modules", len(g.modules)), logging.String("device", g.device.String()))
	return nil
}

func (g *Graph) Destroy(ctx context.Context) error {
	g.modules = nil
	g.instances = nil
	g.store = nil
	return nil
}

func (g *Graph) ComputeReady(ctx context.Context) module.Result {
	worst := module.Success
	for _, m := range g.modules {
		worst = module.Worst(worst, m.ComputeReady(ctx))
	}
	return worst
}

func (g *Graph) Compute(ctx context.Context, meta module.RuntimeMetadata) module.Result {
	worst := module.Success
	for i, m := range g.modules {
		if ctx.Err() != nil {
			g.log.Warn("compute deadline exceeded mid-pass", logging.Err(errs.Timeout("wasmexec compute")))
			return module.Worst(worst, module.Timeout)
		}
		inst := g.instances[i]
		if inst.computeFn == nil {
			r := m.Compute(ctx, meta)
			worst = module.Worst(worst, r)
			if r == module.Fatal {
				break
			}
			continue
		}
		ret, err := inst.computeFn(int32(meta.Frame))
		if err != nil {
			g.log.Error("wasm trap", logging.Err(err), logging.String("module", fmt.Sprintf("%T", inst.wasmModule)))
			worst = module.Worst(worst, module.Fatal)
			break
		}
		r := decodeResult(ret)
		worst = module.Worst(worst, r)
		if r == module.Fatal {
			break
		}
	}
	return worst
}

// decodeResult maps a WASM "compute" export's i32 return value onto
// the shared Result taxonomy. Any shape other than a recognized code
// is treated as Success, matching a kernel that returns nothing.
func decodeResult(ret any) module.Result {
	code, ok := ret.(int32)
	if !ok {
		return module.Success
	}
	switch code {
	case 1:
		return module.Timeout
	case 2:
		return module.Skip
	case 3:
		return module.Error
	case 4:
		return module.Fatal
	default:
		return module.Success
	}
}

func (g *Graph) WiredInputs() map[uint64]struct{}  { return g.wiredIn }
func (g *Graph) WiredOutputs() map[uint64]struct{} { return g.wiredOut }
func (g *Graph) Device() module.Device             { return g.device }
