package world

import (
	"context"

	"workyard.ai/internal/sim/bt"
	"workyard.ai/internal/sim/registry"
)

type upsertReq struct {
	Worker registry.Worker
	Resp   chan error
}

// settle brings world-side state in line with the status of the worker
// loaded in c: moving workers get a motion state, finished workers get a
// despawn schedule, and everything else loses both.
func (w *World) settle(c *bt.Context) {
	id := c.Worker.ID
	switch c.Worker.Status {
	case registry.StatusMoving:
		w.cancelDespawn(id)
		if _, ok := w.motion.Get(id); ok {
			return
		}
		if r, ok := w.cats.Regions.Get(c.Worker.TargetRegion); ok {
			if err := bt.SendTo(c, r); err != nil {
				w.log.Warn("upsert", "worker", id, "err", err)
			}
			return
		}
		if err := c.Update(func(x *registry.Worker) { x.Status = registry.StatusIdle }); err != nil {
			w.log.Warn("upsert", "worker", id, "err", err)
		}
	case registry.StatusComplete:
		w.motion.Delete(id)
		if w.DespawnPhase(id) != int(phaseTerminate) {
			w.scheduleDespawn(id)
		}
	case registry.StatusTerminated:
		w.motion.Delete(id)
		if w.DespawnPhase(id) != int(phaseRemove) {
			w.tokSeq++
			w.despawn[id] = despawnState{phase: phaseRemove, tok: w.tokSeq}
			w.afterRemove(id, w.gen, w.tokSeq, w.cfg.Timers.RemoveDelay)
		}
	default:
		w.motion.Delete(id)
		w.cancelDespawn(id)
	}
}

// Upsert applies an externally supplied worker record through the registry
// contract. A moving record without a reachable target region is parked as
// idle, and a live record at full progress is stored as complete. Must be
// called from the goroutine that owns the world.
func (w *World) Upsert(wk registry.Worker) error {
	if w.stopped {
		return ErrStopped
	}
	if wk.Progress >= 100 && wk.Status.Valid() && !wk.Status.Finished() {
		wk.Status = registry.StatusComplete
	}
	if err := w.reg.Upsert(wk); err != nil {
		return err
	}
	c := w.context()
	if c.Load(wk.ID) {
		w.settle(c)
	}
	return nil
}

// RequestUpsert is Upsert for callers outside the loop goroutine.
func (w *World) RequestUpsert(ctx context.Context, wk registry.Worker) error {
	if w.closed() {
		return ErrStopped
	}
	req := upsertReq{Worker: wk, Resp: make(chan error, 1)}
	select {
	case w.upsertReq <- req:
	case <-w.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
