package scheduler

import (
	"context"
	"time"

	"github.com/nmxmxh/fluxgraph/executor"
	"github.com/nmxmxh/fluxgraph/internal/errs"
	"github.com/nmxmxh/fluxgraph/logging"
	"github.com/nmxmxh/fluxgraph/module"
	"github.com/nmxmxh/fluxgraph/record"
)

// rebuildLocked runs the five-phase rebuild algorithm and (re)builds
// every executor. Caller must hold s.mu and must have
// already destroyed the previous executors. On any failure the
// pipeline is left with no executors (s.graphs == nil); registrations
// are left untouched so the caller can fix the graph and retry.
func (s *Scheduler) rebuildLocked() error {
	start := time.Now()
	rebuildID := newRebuildID()
	s.lastRebuildID = rebuildID
	log := s.log.Named("rebuild").With(logging.String("rebuild_id", rebuildID))

	regs := make([]*registration, 0, len(s.order))
	for _, key := range s.order {
		regs = append(regs, s.registrations[key])
	}

	// Phase 1 — prune inactive ports.
	hashCount := map[uint64]int{}
	for _, r := range regs {
		for _, rec := range r.inputs {
			hashCount[rec.Hash]++
		}
		for _, rec := range r.outputs {
			hashCount[rec.Hash]++
		}
	}

	validCompute := make([]*module.State, 0, len(regs))
	validPresent := make([]*module.PresentState, 0, len(regs))
	staleCount := 0

	for _, r := range regs {
		activeIn := activePorts(r.inputs, hashCount)
		activeOut := activePorts(r.outputs, hashCount)
		stale := len(activeIn) == 0 && len(activeOut) == 0
		if stale {
			staleCount++
		}
		if !stale && r.compute != nil {
			validCompute = append(validCompute, &module.State{
				Name:          r.name,
				Module:        r.compute,
				Device:        r.mod.Device(),
				Inputs:        r.inputs,
				Outputs:       r.outputs,
				ActiveInputs:  activeIn,
				ActiveOutputs: activeOut,
			})
		}
		if !stale && r.present != nil {
			validPresent = append(validPresent, &module.PresentState{
				Name:    r.name,
				Module:  r.present,
				Inputs:  r.inputs,
				Outputs: r.outputs,
			})
		}
	}

	stateByName := make(map[string]*module.State, len(validCompute))
	for _, st := range validCompute {
		stateByName[st.Name] = st
	}

	// Phase 2 — dependency order with device-affinity.
	executionOrder, err := topologicalOrder(validCompute, stateByName)
	if err != nil {
		log.Error("dependency cycle detected, rebuild aborted", logging.Err(err))
		return err
	}

	// Phase 3 — cluster assignment.
	clusterOf := assignClusters(validCompute)
	for _, st := range validCompute {
		st.ClusterID = clusterOf[st.Name]
	}

	// Phase 4 — split into device-execution runs.
	runs := splitDeviceRuns(executionOrder, stateByName, clusterOf)

	// Phase 5 — in-place aliasing validation (non-fatal by default).
	warnInplaceAliasing(validCompute, s.onInplaceConflict)

	// Executor assembly.
	graphs, err := s.buildExecutors(context.Background(), runs, stateByName)
	if err != nil {
		log.Error("executor assembly failed", logging.Err(err))
		return err
	}

	s.validCompute = validCompute
	s.validPresent = validPresent
	s.executionOrder = executionOrder
	s.deviceRuns = runs
	s.graphs = graphs
	s.staleCount = staleCount

	log.Debug("rebuild complete",
		logging.Int("compute_modules", len(validCompute)),
		logging.Int("present_modules", len(validPresent)),
		logging.Int("stale_modules", staleCount),
		logging.Int("executors", len(graphs)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func activePorts(ports record.RecordMap, hashCount map[uint64]int) record.RecordMap {
	if len(ports) == 0 {
		return nil
	}
	active := make(record.RecordMap, len(ports))
	for pin, rec := range ports {
		if hashCount[rec.Hash] > 1 {
			active[pin] = rec
		}
	}
	return active
}

// topologicalOrder implements Phase 2. It seeds a ready set with every
// in-degree-0 module and repeatedly picks a ready module matching the
// device of the previously picked module, falling back to "pick any
// ready module and adopt its device" whenever there is no match (this
// this guard always makes progress, so the loop cannot spin).
func topologicalOrder(validCompute []*module.State, stateByName map[string]*module.State) ([]string, error) {
	outputProducer := map[uint64]string{}
	inputConsumers := map[uint64][]string{}
	remaining := make(map[string]int, len(validCompute))

	for _, st := range validCompute {
		remaining[st.Name] = len(st.ActiveInputs)
		for _, rec := range st.ActiveOutputs {
			outputProducer[rec.Hash] = st.Name
		}
		for _, rec := range st.ActiveInputs {
			inputConsumers[rec.Hash] = append(inputConsumers[rec.Hash], st.Name)
		}
	}

	var ready []string
	for _, st := range validCompute {
		if remaining[st.Name] == 0 {
			ready = append(ready, st.Name)
		}
	}

	var order []string
	var lastDevice *module.Device

	for len(ready) > 0 {
		idx := -1
		if lastDevice != nil {
			for i, name := range ready {
				if stateByName[name].Device == *lastDevice {
					idx = i
					break
				}
			}
		}
		if idx == -1 {
			idx = 0
		}

		picked := ready[idx]
		ready = append(ready[:idx], ready[idx+1:]...)
		order = append(order, picked)

		d := stateByName[picked].Device
		lastDevice = &d

		for _, rec := range stateByName[picked].ActiveOutputs {
			for _, consumer := range inputConsumers[rec.Hash] {
				remaining[consumer]--
				if remaining[consumer] == 0 {
					ready = append(ready, consumer)
				}
			}
		}
	}

	if len(order) != len(validCompute) {
		return nil, ErrCycle
	}
	return order, nil
}

// assignClusters computes weakly-connected components over port
// aliasing (Phase 3) via a DFS stack walk, using an explicit stack
// rather than recursion.
func assignClusters(validCompute []*module.State) map[string]uint64 {
	adjacency := map[string]map[string]struct{}{}
	addEdge := func(a, b string) {
		if a == b {
			return
		}
		if adjacency[a] == nil {
			adjacency[a] = map[string]struct{}{}
		}
		adjacency[a][b] = struct{}{}
	}

	hashToNames := map[uint64][]string{}
	for _, st := range validCompute {
		for _, rec := range st.ActiveInputs {
			hashToNames[rec.Hash] = append(hashToNames[rec.Hash], st.Name)
		}
		for _, rec := range st.ActiveOutputs {
			hashToNames[rec.Hash] = append(hashToNames[rec.Hash], st.Name)
		}
	}
	for _, names := range hashToNames {
		for i := range names {
			for j := range names {
				addEdge(names[i], names[j])
			}
		}
	}

	clusterOf := make(map[string]uint64, len(validCompute))
	visited := map[string]bool{}
	var nextID uint64

	for _, st := range validCompute {
		if visited[st.Name] {
			continue
		}
		stack := []string{st.Name}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[n] {
				continue
			}
			visited[n] = true
			clusterOf[n] = nextID
			for neigh := range adjacency[n] {
				if !visited[neigh] {
					stack = append(stack, neigh)
				}
			}
		}
		nextID++
	}
	return clusterOf
}

// splitDeviceRuns implements Phase 4: walk execution_order, starting a
// new (device, []) run whenever the device or the cluster changes.
func splitDeviceRuns(executionOrder []string, stateByName map[string]*module.State, clusterOf map[string]uint64) []deviceRun {
	var runs []deviceRun
	var prevDevice module.Device
	var prevCluster uint64
	haveRun := false

	for _, name := range executionOrder {
		st := stateByName[name]
		cluster := clusterOf[name]
		if !haveRun || st.Device != prevDevice || cluster != prevCluster {
			runs = append(runs, deviceRun{Device: st.Device})
			haveRun = true
		}
		runs[len(runs)-1].Names = append(runs[len(runs)-1].Names, name)
		prevDevice = st.Device
		prevCluster = cluster
	}
	return runs
}

// warnInplaceAliasing implements Phase 5. An in-place module is one
// whose active inputs and active outputs share a hash; if that hash
// also has more than one consumer, the shared vector may tear under
// the in-place write, so a warning is surfaced (never fatal by
// default — the conflict may be benign depending on module semantics).
func warnInplaceAliasing(validCompute []*module.State, onConflict func(Warning)) {
	inplaceVectors := map[uint64][]string{}
	consumerCount := map[uint64]int{}

	for _, st := range validCompute {
		inHashes := map[uint64]struct{}{}
		for _, rec := range st.ActiveInputs {
			inHashes[rec.Hash] = struct{}{}
			consumerCount[rec.Hash]++
		}
		outHashes := map[uint64]struct{}{}
		for _, rec := range st.ActiveOutputs {
			outHashes[rec.Hash] = struct{}{}
		}
		for h := range inHashes {
			if _, ok := outHashes[h]; ok {
				inplaceVectors[h] = append(inplaceVectors[h], st.Name)
			}
		}
	}

	seen := map[uint64]bool{}
	for hash, names := range inplaceVectors {
		if consumerCount[hash] > 1 && !seen[hash] {
			seen[hash] = true
			onConflict(Warning{Hash: hash, Modules: names})
		}
	}
}

// buildExecutors implements "Executor assembly": one fresh Graph per
// device_execution_order entry, wired inputs/outputs set from each
// module's active ports, externally-wired sets chained across adjacent
// executor boundaries, then Create invoked in order.
func (s *Scheduler) buildExecutors(ctx context.Context, runs []deviceRun, stateByName map[string]*module.State) ([]executor.Graph, error) {
	graphs := make([]executor.Graph, 0, len(runs))
	for _, run := range runs {
		g := s.newGraph(run.Device, s.log)
		for _, name := range run.Names {
			st := stateByName[name]
			for _, rec := range st.ActiveInputs {
				g.SetWiredInput(rec.Hash)
			}
			for _, rec := range st.ActiveOutputs {
				g.SetWiredOutput(rec.Hash)
			}
			g.SetModule(st.Module)
		}
		graphs = append(graphs, g)
	}

	for i := 1; i < len(graphs); i++ {
		prev, curr := graphs[i-1], graphs[i]
		for h := range prev.WiredOutputs() {
			if _, ok := curr.WiredInputs()[h]; ok {
				prev.SetExternallyWiredOutput(h)
				curr.SetExternallyWiredInput(h)
			}
		}
	}

	for _, g := range graphs {
		if err := g.Create(ctx); err != nil {
			for _, created := range graphs {
				_ = created.Destroy(ctx)
			}
			return nil, errs.Wrap(err, "executor create")
		}
	}
	return graphs, nil
}
