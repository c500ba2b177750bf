package scheduler

import "github.com/nmxmxh/fluxgraph/debugview"

// DrawDebug produces a read-only snapshot of the current pipeline
// state. It takes a brief read lock over the counts only; it never
// blocks on the compute/present coordinator.
func (s *Scheduler) DrawDebug() debugview.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graphs := make([]debugview.GraphSummary, 0, len(s.deviceRuns))
	for _, run := range s.deviceRuns {
		graphs = append(graphs, debugview.GraphSummary{
			Device: run.Device,
			Blocks: append([]string(nil), run.Names...),
		})
	}

	return debugview.Snapshot{
		RebuildID:    s.lastRebuildID,
		GraphCount:   len(s.graphs),
		StaleCount:   s.staleCount,
		PresentCount: len(s.validPresent),
		ComputeCount: len(s.validCompute),
		Graphs:       graphs,
	}
}
