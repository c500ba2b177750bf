// Package scheduler is the compute scheduler at the heart of the
// framework: it turns a raw module graph into device-affinity-grouped
// executors and coordinates a compute thread and a present thread
// against them without tearing shared module state.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/fluxgraph/executor"
	"github.com/nmxmxh/fluxgraph/executor/goexec"
	"github.com/nmxmxh/fluxgraph/executor/wasmexec"
	"github.com/nmxmxh/fluxgraph/logging"
	"github.com/nmxmxh/fluxgraph/module"
	"github.com/nmxmxh/fluxgraph/record"
)

// ErrCycle is returned by AddModule/RemoveModule when the rebuilt graph
// contains a dependency cycle; the pipeline is left with no executors.
var ErrCycle = errors.New("dependency cycle detected in module graph")

const (
	idleSleep              = 200 * time.Millisecond
	readinessRetryInterval = 500 * time.Microsecond
)

// Warning is emitted for the Phase 5 in-place-aliasing check.
type Warning struct {
	Hash    uint64
	Modules []string
}

// DefaultInplaceWarningText is the message surfaced by the default
// in-place-aliasing conflict handler.
const DefaultInplaceWarningText = "Vector is being shared by at least two modules after a branch and at least one of them is an in-place module."

// NewGraphFunc builds a fresh Graph executor for a device-execution-
// order run. The default picks the goroutine-pool reference executor
// for CPU/None and the wasmer-sandboxed reference executor otherwise.
type NewGraphFunc func(device module.Device, log *logging.Logger) executor.Graph

func defaultNewGraph(device module.Device, log *logging.Logger) executor.Graph {
	switch device {
	case module.CPU, module.None:
		return goexec.New(device, log)
	default:
		return wasmexec.New(device, log)
	}
}

// Options configures a Scheduler.
type Options struct {
	Logger            *logging.Logger
	NewGraph          NewGraphFunc
	OnInplaceConflict func(Warning)
	IdleSleep         time.Duration
}

type registration struct {
	name    string
	locale  record.Locale
	mod     module.Module
	compute module.Compute
	present module.Present
	inputs  record.RecordMap
	outputs record.RecordMap
}

// deviceRun is one entry of device_execution_order: a contiguous run of
// modules sharing a device and a cluster.
type deviceRun struct {
	Device module.Device
	Names  []string
}

// Scheduler owns every registered module, builds the execution order,
// splits it into device-affinity runs, and coordinates the compute and
// present threads against the resulting executors.
type Scheduler struct {
	log               *logging.Logger
	newGraph          NewGraphFunc
	onInplaceConflict func(Warning)
	idleSleep         time.Duration

	coord *coordinator

	mu            sync.RWMutex
	registrations map[uint64]*registration
	order         []uint64 // insertion order, for reproducible scheduling
	running       bool

	validCompute   []*module.State
	validPresent   []*module.PresentState
	executionOrder []string
	deviceRuns     []deviceRun
	graphs         []executor.Graph
	staleCount     int
	lastRebuildID  string

	frame uint64
}

// New constructs an empty Scheduler.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logging.Default("scheduler")
	}
	if opts.NewGraph == nil {
		opts.NewGraph = defaultNewGraph
	}
	if opts.OnInplaceConflict == nil {
		log := opts.Logger
		opts.OnInplaceConflict = func(w Warning) {
			log.Warn(DefaultInplaceWarningText, logging.Uint64("hash", w.Hash), logging.Any("modules", w.Modules))
		}
	}
	if opts.IdleSleep == 0 {
		opts.IdleSleep = idleSleep
	}
	return &Scheduler{
		log:               opts.Logger,
		newGraph:          opts.NewGraph,
		onInplaceConflict: opts.OnInplaceConflict,
		idleSleep:         opts.IdleSleep,
		coord:             newCoordinator(),
		registrations:     map[uint64]*registration{},
	}
}

// Running reports whether AddModule has been called since the
// scheduler was built or last destroyed. It stays true after the last
// module is removed; only Destroy resets it.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AddModule registers a module, destroys all existing executors, and
// rebuilds the pipeline under lockState. name is a caller-chosen label
// (the "block name" the debug surface groups by); locale is its
// stable (block, sub, pin) identity. Compute/Present capabilities are
// obtained by asserting m against module.Compute/module.Present.
func (s *Scheduler) AddModule(name string, locale record.Locale, m module.Module, inputs, outputs record.RecordMap) error {
	return s.coord.lockState(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.destroyExecutorsLocked()

		key := locale.SHash()
		reg := &registration{
			name:    name,
			locale:  locale,
			mod:     m,
			inputs:  inputs,
			outputs: outputs,
		}
		reg.compute, _ = m.(module.Compute)
		reg.present, _ = m.(module.Present)

		if _, exists := s.registrations[key]; !exists {
			s.order = append(s.order, key)
		}
		s.registrations[key] = reg
		s.running = true

		return s.rebuildLocked()
	})
}

// RemoveModule unregisters the module at locale. No-op if the
// scheduler is not running (see Running).
func (s *Scheduler) RemoveModule(locale record.Locale) error {
	if !s.Running() {
		return nil
	}
	return s.coord.lockState(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.destroyExecutorsLocked()

		key := locale.SHash()
		delete(s.registrations, key)
		for i, k := range s.order {
			if k == key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}

		return s.rebuildLocked()
	})
}

// Destroy tears down all executors, clears all internal state, and
// marks the scheduler as not running.
func (s *Scheduler) Destroy() error {
	return s.coord.lockState(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.destroyExecutorsLocked()
		s.registrations = map[uint64]*registration{}
		s.order = nil
		s.validCompute = nil
		s.validPresent = nil
		s.executionOrder = nil
		s.deviceRuns = nil
		s.staleCount = 0
		s.running = false
		return nil
	})
}

func (s *Scheduler) destroyExecutorsLocked() {
	ctx := context.Background()
	for _, g := range s.graphs {
		if err := g.Destroy(ctx); err != nil {
			s.log.Error("executor destroy failed", logging.Err(err))
		}
	}
	s.graphs = nil
}

// Compute drives one pass through every executor. Called repeatedly by
// the compute thread.
func (s *Scheduler) Compute(ctx context.Context) module.Result {
	s.mu.RLock()
	graphs := append([]executor.Graph(nil), s.graphs...)
	s.mu.RUnlock()

	if len(graphs) == 0 {
		time.Sleep(s.idleSleep)
		return module.Success
	}

	if s.coord.computeHalted() {
		return module.Success
	}

	for {
		s.coord.setComputeWait(true)
		allReady := true
		for _, g := range graphs {
			switch r := g.ComputeReady(ctx) {
			case module.Success:
			case module.Timeout:
				allReady = false
			default:
				s.coord.setComputeWait(false)
				return r
			}
			if !allReady {
				break
			}
		}
		s.coord.setComputeWait(false)
		if allReady {
			break
		}
		select {
		case <-ctx.Done():
			return module.Fatal
		case <-time.After(readinessRetryInterval):
		}
	}

	// Compute phase: invoke each executor in order, stopping at the
	// first non-success result. The whole pass runs under the
	// coordinator's mutex so it can never interleave with a pending
	// mutation (lockState) or the present pass.
	meta := module.NewRuntimeMetadata(atomic.AddUint64(&s.frame, 1), 0)
	flog := s.log.With(logging.Uint64("frame", meta.Frame))
	result := s.coord.computePass(func() module.Result {
		for _, g := range graphs {
			if r := g.Compute(ctx, meta); r != module.Success {
				return r
			}
		}
		return module.Success
	})

	switch result {
	case module.Success:
		return module.Success
	case module.Timeout, module.Skip:
		flog.Warn("graph underrun, skipping frame")
		return module.Success
	default:
		flog.Error("fatal error in compute pass", logging.Any("result", result.String()))
		return result
	}
}

// Present drives one pass through every present-capable module. Called
// repeatedly by the present thread.
func (s *Scheduler) Present(ctx context.Context) module.Result {
	s.mu.RLock()
	present := append([]*module.PresentState(nil), s.validPresent...)
	s.mu.RUnlock()

	if len(present) == 0 {
		return module.Success
	}
	if s.coord.presentHalted() {
		return module.Success
	}

	return s.coord.presentPass(func() module.Result {
		for _, p := range present {
			if r := p.Module.Present(ctx); r != module.Success {
				return r
			}
		}
		return module.Success
	})
}

func newRebuildID() string {
	return uuid.NewString()
}
