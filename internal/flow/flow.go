// Package flow implements the backpressure side of the persistence protocol.
//
// A writer hands the store a Controller. When the store cannot take more
// work, it calls OnFlowBlock, waits for room, then calls OnFlowResume. Room
// comes from two places: a store-wide Window bounding pending writes, and an
// optional per-queue Throttle bounding the producer rate.
package flow

import (
	"errors"
	"sync/atomic"
)

// ErrClosed is returned by waits interrupted because the window was closed.
var ErrClosed = errors.New("flow: closed")

// Controller is the flow-control collaborator supplied by the writer.
// Both callbacks may be invoked from the writer's own goroutine; they must not
// call back into the store.
type Controller interface {
	OnFlowBlock()
	OnFlowResume()
}

// ControllerFuncs adapts a pair of functions to Controller. Nil fields are
// no-ops.
type ControllerFuncs struct {
	Block  func()
	Resume func()
}

func (c ControllerFuncs) OnFlowBlock() {
	if c.Block != nil {
		c.Block()
	}
}

func (c ControllerFuncs) OnFlowResume() {
	if c.Resume != nil {
		c.Resume()
	}
}

// Nop is a Controller that ignores both signals.
var Nop Controller = ControllerFuncs{}

// orNop returns ctl, or Nop when ctl is nil.
func orNop(ctl Controller) Controller {
	if ctl == nil {
		return Nop
	}
	return ctl
}

// Gauge is a Controller that counts transitions and tracks whether its writer
// is currently blocked.
type Gauge struct {
	blocks  atomic.Int64
	resumes atomic.Int64
}

func (g *Gauge) OnFlowBlock()  { g.blocks.Add(1) }
func (g *Gauge) OnFlowResume() { g.resumes.Add(1) }

// Blocks returns the number of OnFlowBlock calls.
func (g *Gauge) Blocks() int64 { return g.blocks.Load() }

// Resumes returns the number of OnFlowResume calls.
func (g *Gauge) Resumes() int64 { return g.resumes.Load() }

// Blocked reports whether a block has not yet been matched by a resume.
func (g *Gauge) Blocked() bool { return g.blocks.Load() > g.resumes.Load() }
