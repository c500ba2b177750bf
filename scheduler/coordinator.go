package scheduler

import (
	"sync"

	"github.com/nmxmxh/fluxgraph/module"
)

// coordinator holds the lock, condition variables, and flags that let
// the compute thread, the present thread, and a mutating caller share
// module state without tearing.
//
// Two distinct mechanisms compose here:
//
//   - computeHalt/presentHalt/computeWait gate the readiness barrier: a
//     pending mutation can ask the compute loop to bail out of its
//     (potentially retrying) ComputeReady poll without needing to hold
//     mu for the whole poll.
//   - computeSync/presentSync plus mu itself serialize the actual
//     compute/present passes against a mutation: computePass and
//     presentPass hold mu for their entire duration (including every
//     executor/module invocation), and lockState holds the same mu for
//     the entire duration of its mutation function — so a mutation can
//     never run concurrently with an in-flight pass. Each pass sets and
//     clears its own sync flag while holding mu, so a pass that is
//     waiting for mu never observes the other's flag: when a compute
//     pass and a present pass both wait, sync.Mutex decides which one
//     runs next, and present passes get no priority over compute passes.
type coordinator struct {
	mu          sync.Mutex
	computeCond *sync.Cond
	presentCond *sync.Cond
	haltCond    *sync.Cond

	computeHalt bool
	presentHalt bool
	computeWait bool
	computeSync bool
	presentSync bool
}

func newCoordinator() *coordinator {
	c := &coordinator{}
	c.computeCond = sync.NewCond(&c.mu)
	c.presentCond = sync.NewCond(&c.mu)
	c.haltCond = sync.NewCond(&c.mu)
	return c
}

// computeHalted blocks while a mutation is pending and reports whether
// the caller should skip its pass entirely.
func (c *coordinator) computeHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.computeHalt {
		return false
	}
	for c.computeHalt {
		c.haltCond.Wait()
	}
	return true
}

func (c *coordinator) presentHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presentHalt
}

// setComputeWait flips the readiness-barrier flag lockState polls.
func (c *coordinator) setComputeWait(v bool) {
	c.mu.Lock()
	c.computeWait = v
	c.mu.Unlock()
	if !v {
		c.haltCond.Broadcast()
	}
}

// computePass runs fn with the compute slot held: it waits while
// presentSync is set, then holds mu for fn's entire duration so no
// mutation can interleave with it.
func (c *coordinator) computePass(fn func() module.Result) module.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.presentSync {
		c.computeCond.Wait()
	}
	c.computeSync = true
	result := fn()
	c.computeSync = false
	c.presentCond.Broadcast()
	return result
}

// presentPass runs fn with the present slot held: once it holds mu it
// sets presentSync, waits while computeSync is set, then holds mu for
// fn's entire duration. A compute pass waiting for mu does not see
// presentSync and does not yield to this pass.
func (c *coordinator) presentPass(fn func() module.Result) module.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presentSync = true
	for c.computeSync {
		c.presentCond.Wait()
	}
	result := fn()
	c.presentSync = false
	c.computeCond.Broadcast()
	return result
}

// lockState quiesces both worker loops, runs fn with exclusive access,
// then resumes them. Every mutation path (AddModule/RemoveModule/
// Destroy) goes through this. Holding mu for fn's entire duration is
// what makes a mutation a total fence against computePass/presentPass.
func (c *coordinator) lockState(fn func() error) error {
	c.mu.Lock()
	c.computeHalt = true
	c.presentHalt = true
	for c.computeWait {
		c.haltCond.Wait()
	}
	c.computeSync = true
	c.presentSync = true

	err := fn()

	c.computeSync = false
	c.presentSync = false
	c.computeHalt = false
	c.presentHalt = false
	c.mu.Unlock()

	c.computeCond.Broadcast()
	c.presentCond.Broadcast()
	c.haltCond.Broadcast()

	return err
}
