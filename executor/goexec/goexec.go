// Package goexec is the default in-process reference Graph executor,
// used for CPU and None devices. It runs its module list in order on
// the calling goroutine; ComputeReady fans a non-blocking poll out
// across the run's modules with a short timeout so one slow module
// cannot stall the whole readiness barrier indefinitely.
package goexec

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/fluxgraph/executor"
	"github.com/nmxmxh/fluxgraph/internal/errs"
	"github.com/nmxmxh/fluxgraph/logging"
	"github.com/nmxmxh/fluxgraph/module"
)

// ReadyTimeout bounds how long a single ComputeReady poll may take
// before the run is reported Timeout instead of Success.
const ReadyTimeout = 2 * time.Millisecond

// Graph is the goroutine-pool reference executor.
type Graph struct {
	device  module.Device
	log     *logging.Logger
	modules []module.Compute

	wiredIn, wiredOut                     map[uint64]struct{}
	externallyWiredIn, externallyWiredOut map[uint64]struct{}
}

var _ executor.Graph = (*Graph)(nil)

// New constructs a Graph bound to device, logging through log.
func New(device module.Device, log *logging.Logger) *Graph {
	if log == nil {
		log = logging.Default("goexec")
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

func (g *Graph) Create(ctx context.Context) error {
	if ctx.Err() != nil {
		return errs.Timeout("goexec create")
	}
	g.log.Debug("executor created", logging.Int("modules", len(g.modules)), logging.String("device", g.device.String()))
	return nil
}

func (g *Graph) Destroy(ctx context.Context) error {
	g.modules = nil
	return nil
}

// ComputeReady polls every module concurrently and returns Timeout if
// any single poll overruns ReadyTimeout, otherwise the worst result
// observed.
func (g *Graph) ComputeReady(ctx context.Context) module.Result {
	if len(g.modules) == 0 {
		return module.Success
	}

	pollCtx, cancel := context.WithTimeout(ctx, ReadyTimeout)
	defer cancel()

	results := make([]module.Result, len(g.modules))
	eg, egCtx := errgroup.WithContext(pollCtx)
	for i, m := range g.modules {
		i, m := i, m
		eg.Go(func() error {
			results[i] = m.ComputeReady(egCtx)
			return nil
		})
	}
	_ = eg.Wait()

	if pollCtx.Err() != nil {
		return module.Timeout
	}

	worst := module.Success
	for _, r := range results {
		worst = module.Worst(worst, r)
	}
	return worst
}

func (g *Graph) Compute(ctx context.Context, meta module.RuntimeMetadata) module.Result {
	worst := module.Success
	for _, m := range g.modules {
		if ctx.Err() != nil {
			g.log.Warn("compute deadline exceeded mid-pass", logging.Err(errs.Timeout("goexec compute")))
			return module.Worst(worst, module.Timeout)
		}
		r := m.Compute(ctx, meta)
		worst = module.Worst(worst, r)
		if r == module.Fatal {
			break
		}
	}
	return worst
}

func (g *Graph) WiredInputs() map[uint64]struct{}  { return g.wiredIn }
func (g *Graph) WiredOutputs() map[uint64]struct{} { return g.wiredOut }
func (g *Graph) Device() module.Device             { return g.device }
