package world

import (
	"fmt"
	"time"

	"workyard.ai/internal/sim/bt"
	"workyard.ai/internal/sim/registry"
)

// despawnPhase tracks where a finished worker is on its way out.
type despawnPhase int

const (
	phaseNone despawnPhase = iota
	phaseTerminate
	phaseRemove
)

type despawnState struct {
	phase despawnPhase
	tok   uint64
}

func (w *World) onComplete(c *bt.Context) {
	w.scheduleDespawn(c.Worker.ID)
}

// scheduleDespawn starts the two-stage despawn: complete becomes terminated
// after TerminateDelay, and terminated workers are removed RemoveDelay later.
// Each stage only acts if the world generation, the despawn token and the
// worker status still match what was scheduled.
func (w *World) scheduleDespawn(id string) {
	w.tokSeq++
	tok := w.tokSeq
	w.despawn[id] = despawnState{phase: phaseTerminate, tok: tok}
	w.afterTerminate(id, w.gen, tok, w.cfg.Timers.TerminateDelay)
}

func (w *World) live(id string, gen, tok uint64, phase despawnPhase) bool {
	if w.stopped || gen != w.gen {
		return false
	}
	st, ok := w.despawn[id]
	return ok && st.tok == tok && st.phase == phase
}

func (w *World) afterTerminate(id string, gen, tok uint64, delay time.Duration) {
	w.clock.After(delay, func(time.Duration) {
		if !w.live(id, gen, tok, phaseTerminate) {
			return
		}
		wk, ok := w.reg.Get(id)
		if !ok || wk.Status != registry.StatusComplete {
			delete(w.despawn, id)
			return
		}
		if err := w.reg.Update(id, func(x *registry.Worker) { x.Status = registry.StatusTerminated }); err != nil {
			delete(w.despawn, id)
			w.log.Warn("terminate", "worker", id, "err", err)
			return
		}
		w.reg.AppendEvent(registry.EventTerminate, id, fmt.Sprintf("%s terminated", wk.Name))
		w.despawn[id] = despawnState{phase: phaseRemove, tok: tok}
		w.afterRemove(id, gen, tok, w.cfg.Timers.RemoveDelay)
	})
}

func (w *World) afterRemove(id string, gen, tok uint64, delay time.Duration) {
	w.clock.After(delay, func(time.Duration) {
		if !w.live(id, gen, tok, phaseRemove) {
			return
		}
		delete(w.despawn, id)
		wk, ok := w.reg.Get(id)
		if !ok || wk.Status != registry.StatusTerminated {
			return
		}
		w.motion.Delete(id)
		if err := w.reg.Remove(id); err != nil {
			return
		}
		w.reg.AppendEvent(registry.EventDespawn, id, fmt.Sprintf("%s despawned", wk.Name))
		w.log.Debug("despawn", "worker", id, "name", wk.Name)
	})
}

// cancelDespawn drops any pending despawn for id; its callbacks become
// no-ops.
func (w *World) cancelDespawn(id string) {
	delete(w.despawn, id)
}

// DespawnPhase reports 0 (none), 1 (terminate pending) or 2 (remove pending).
func (w *World) DespawnPhase(id string) int {
	return int(w.despawn[id].phase)
}
