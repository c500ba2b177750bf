// Package debugview is the read-only introspection surface the host
// UI panel renders: a compact snapshot of graph count, stale count,
// present count, compute count, and per-executor device plus block
// names.
package debugview

import (
	"fmt"
	"io"

	"github.com/nmxmxh/fluxgraph/module"
)

// GraphSummary describes one executor for the debug panel.
type GraphSummary struct {
	Device module.Device
	Blocks []string
}

// Snapshot is the pure-read debug surface produced by a Scheduler.
type Snapshot struct {
	RebuildID    string
	GraphCount   int
	StaleCount   int
	PresentCount int
	ComputeCount int
	Graphs       []GraphSummary
}

// Render writes the five labeled rows as a two-column text table, a
// stand-in for the host UI's debug panel layout.
func Render(w io.Writer, s Snapshot) {
	fmt.Fprintf(w, "%-16s %d\n", "graphs", s.GraphCount)
	fmt.Fprintf(w, "%-16s %d\n", "stale", s.StaleCount)
	fmt.Fprintf(w, "%-16s %d\n", "present", s.PresentCount)
	fmt.Fprintf(w, "%-16s %d\n", "compute", s.ComputeCount)
	for i, g := range s.Graphs {
		fmt.Fprintf(w, "%-16s #%d %s %v\n", "graph", i, g.Device, g.Blocks)
	}
}
