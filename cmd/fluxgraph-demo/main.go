// Command fluxgraph-demo wires a small three-stage CPU pipeline,
// starts a compute goroutine and a present goroutine against it, and
// runs for a few frames before tearing down — a minimal stand-in for
// the host application's compute/present threads.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nmxmxh/fluxgraph/debugview"
	"github.com/nmxmxh/fluxgraph/logging"
	"github.com/nmxmxh/fluxgraph/module"
	"github.com/nmxmxh/fluxgraph/record"
	"github.com/nmxmxh/fluxgraph/scheduler"
)

// stageModule is a toy Compute+Present module: it just counts frames.
type stageModule struct {
	name   string
	device module.Device
	frames int
}

func (m *stageModule) Device() module.Device { return m.device }
func (m *stageModule) Info() string          { return fmt.Sprintf("stage %q on %s", m.name, m.device) }

func (m *stageModule) Compute(ctx context.Context, meta module.RuntimeMetadata) module.Result {
	m.frames++
	return module.Success
}

func (m *stageModule) ComputeReady(ctx context.Context) module.Result {
	return module.Success
}

func (m *stageModule) Present(ctx context.Context) module.Result {
	return module.Success
}

func rec(block, sub, pin uint32, hash uint64, device module.Device) record.Record {
	loc := record.Locale{Block: block, Sub: sub, Pin: pin}
	return record.Record{DataType: "f32", Shape: []int64{1024}, Device: device, Hash: hash, Locale: loc}
}

func main() {
	log := logging.Default("fluxgraph-demo")

	sched := scheduler.New(scheduler.Options{Logger: log})

	a := &stageModule{name: "A", device: module.CPU}
	b := &stageModule{name: "B", device: module.CPU}
	c := &stageModule{name: "C", device: module.CPU}

	// A -> B -> C, each sharing a record hash across an output/input pair.
	mustAdd(sched, "A", record.Locale{Block: 1, Sub: 0}, a,
		nil,
		record.RecordMap{"out": rec(1, 0, 0, 100, module.CPU)})
	mustAdd(sched, "B", record.Locale{Block: 2, Sub: 0}, b,
		record.RecordMap{"in": rec(1, 0, 0, 100, module.CPU)},
		record.RecordMap{"out": rec(2, 0, 0, 200, module.CPU)})
	mustAdd(sched, "C", record.Locale{Block: 3, Sub: 0}, c,
		record.RecordMap{"in": rec(2, 0, 0, 200, module.CPU)},
		nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if r := sched.Compute(ctx); r == module.Fatal {
				log.Error("compute thread stopping", logging.Any("result", r.String()))
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if r := sched.Present(ctx); r == module.Fatal {
				log.Error("present thread stopping", logging.Any("result", r.String()))
				return
			}
		}
	}()
	wg.Wait()

	debugview.Render(os.Stdout, sched.DrawDebug())

	if err := sched.Destroy(); err != nil {
		log.Error("destroy failed", logging.Err(err))
		os.Exit(1)
	}
}

func mustAdd(s *scheduler.Scheduler, name string, locale record.Locale, m module.Module, in, out record.RecordMap) {
	if err := s.AddModule(name, locale, m, in, out); err != nil {
		fmt.Fprintf(os.Stderr, "add module %s: %v\n", name, err)
		os.Exit(1)
	}
}
