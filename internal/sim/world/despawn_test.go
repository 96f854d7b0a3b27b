package world

import (
	"testing"
	"time"

	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/tuning"
)

type constRand float64

func (r constRand) Float64() float64 { return float64(r) }

const testYAML = `
world: {width: 400, height: 400, spawn_region: home}
regions:
  - {id: home, name: Home, type: gate, bounds: {x: 0, y: 0, w: 50, h: 50}}
  - {id: dock, name: Dock, type: ops, bounds: {x: 300, y: 300, w: 50, h: 50}, urgency: 0.5}
`

func newTestWorld(t *testing.T) *World {
	t.Helper()
	cats, err := catalogs.Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	w, err := New(tuning.Defaults(), cats, WithoutTimers(), WithRand(constRand(0.5)), WithEpoch(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return w
}

func completeOne(t *testing.T, w *World, id string) {
	t.Helper()
	if err := w.reg.Upsert(registry.Worker{ID: id, Name: id, Status: registry.StatusWorking, Progress: 99.5, TargetRegion: "dock"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	w.Step()
	if got, _ := w.reg.Get(id); got.Status != registry.StatusComplete {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestDespawn_StaleGenerationIsNoop(t *testing.T) {
	w := newTestWorld(t)
	completeOne(t, w, "a")

	w.gen++
	w.Advance(w.cfg.Timers.TerminateDelay + w.cfg.Timers.RemoveDelay)

	got, ok := w.reg.Get("a")
	if !ok || got.Status != registry.StatusComplete {
		t.Fatalf("stale callback mutated worker: %+v ok=%v", got, ok)
	}
}

func TestDespawn_StatusChangedBetweenStages(t *testing.T) {
	w := newTestWorld(t)
	completeOne(t, w, "a")
	w.Advance(w.cfg.Timers.TerminateDelay)

	// Something external revives the worker after it was terminated.
	if err := w.reg.Update("a", func(x *registry.Worker) { x.Status = registry.StatusIdle }); err != nil {
		t.Fatalf("update: %v", err)
	}
	w.Advance(w.cfg.Timers.RemoveDelay)
	if _, ok := w.reg.Get("a"); !ok {
		t.Fatalf("revived worker was removed")
	}
	if w.DespawnPhase("a") != 0 {
		t.Fatalf("despawn state left behind")
	}
}

func TestDespawn_SecondCompletionGetsFreshToken(t *testing.T) {
	w := newTestWorld(t)
	completeOne(t, w, "a")
	first := w.despawn["a"].tok

	if _, err := w.Reassign([]string{"a"}, "dock"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	_ = w.reg.Update("a", func(x *registry.Worker) {
		x.Status = registry.StatusWorking
		x.Progress = 99.5
	})
	w.motion.Delete("a")
	w.Advance(w.cfg.Timers.TerminateDelay / 2)
	w.Step()
	if w.despawn["a"].tok == first {
		t.Fatalf("token reused")
	}

	// The first schedule comes due now and must not terminate early.
	w.Advance(w.cfg.Timers.TerminateDelay / 2)
	if got, _ := w.reg.Get("a"); got.Status != registry.StatusComplete {
		t.Fatalf("old schedule fired: %s", got.Status)
	}
	w.Advance(w.cfg.Timers.TerminateDelay / 2)
	if got, _ := w.reg.Get("a"); got.Status != registry.StatusTerminated {
		t.Fatalf("new schedule did not fire: %s", got.Status)
	}
}

func TestMissingMotionState_DriverSkips(t *testing.T) {
	w := newTestWorld(t)
	_ = w.reg.Upsert(registry.Worker{ID: "m", Name: "m", Status: registry.StatusMoving, TargetRegion: "dock"})
	w.Step()
	got, _ := w.reg.Get("m")
	if got.Status != registry.StatusMoving || !got.Pos.IsZero() {
		t.Fatalf("worker changed: %+v", got)
	}
}
