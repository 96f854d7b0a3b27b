package bt

import (
	"math"
	"testing"
	"time"

	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/geom"
	"workyard.ai/internal/sim/motion"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/steering"
	"workyard.ai/internal/sim/utility"
)

// seqRand replays vals in order, then keeps returning rest.
type seqRand struct {
	vals []float64
	rest float64
	n    int
}

func (r *seqRand) Float64() float64 {
	if r.n < len(r.vals) {
		v := r.vals[r.n]
		r.n++
		return v
	}
	r.n++
	return r.rest
}

const fixtureYAML = `
world: {width: 1000, height: 1000, spawn_region: gate}
regions:
  - {id: gate, name: Gate, type: gate, bounds: {x: 0, y: 0, w: 100, h: 100}}
  - {id: lab, name: Lab, type: test, bounds: {x: 500, y: 0, w: 100, h: 100}, urgency: 0.9}
tasks:
  test: [run tests]
`

type fixture struct {
	reg  *registry.Registry
	mot  *motion.Table
	sc   *utility.Scorer
	cats *catalogs.Catalogs
	rng  *seqRand
	c    *Context
	tree *Tree
}

func newFixture(t *testing.T, vals ...float64) *fixture {
	t.Helper()
	cats, err := catalogs.Parse([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sc, err := utility.New(utility.DefaultConfig(), cats, func() time.Time { return now })
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	f := &fixture{
		reg:  registry.New(func() time.Time { return now }),
		mot:  motion.NewTable(),
		sc:   sc,
		cats: cats,
		rng:  &seqRand{vals: vals, rest: 0.999},
		tree: DispatchTree(),
	}
	f.c = &Context{
		Registry: f.reg,
		Motion:   f.mot,
		Scorer:   sc,
		Catalogs: cats,
		Rand:     f.rng,
		Behavior: DefaultBehavior(),
		Now:      now,
	}
	return f
}

func (f *fixture) add(t *testing.T, w registry.Worker) {
	t.Helper()
	if w.Name == "" {
		w.Name = w.ID
	}
	if err := f.reg.Upsert(w); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func (f *fixture) tick(t *testing.T, id string) Status {
	t.Helper()
	st, err := f.tree.TickWorker(f.c, id)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return st
}

func (f *fixture) get(t *testing.T, id string) registry.Worker {
	t.Helper()
	w, ok := f.reg.Get(id)
	if !ok {
		t.Fatalf("worker %s missing", id)
	}
	return w
}

func TestWorking_99CompletesInOneTick(t *testing.T) {
	// fail roll misses, tokens 10, progress bump at minimum (1), files roll misses.
	f := newFixture(t, 0.9, 0, 0, 0.9)
	completed := 0
	f.c.OnComplete = func(c *Context) { completed++ }
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusWorking, Progress: 99, TargetRegion: "lab", Task: "run tests"})

	if st := f.tick(t, "w"); st != Success {
		t.Fatalf("status = %v", st)
	}
	w := f.get(t, "w")
	if w.Status != registry.StatusComplete || w.Progress != 100 {
		t.Fatalf("worker = %+v", w)
	}
	if got := f.reg.Stats().Completed; got != 1 {
		t.Fatalf("completed = %d", got)
	}
	if completed != 1 {
		t.Fatalf("OnComplete calls = %d", completed)
	}
	if w.Tokens != 10 {
		t.Fatalf("tokens = %d", w.Tokens)
	}

	// A further tick on a complete worker changes nothing.
	f.tick(t, "w")
	if f.reg.Stats().Completed != 1 {
		t.Fatalf("completed bumped twice")
	}
}

func TestWorking_FailureRollBlocks(t *testing.T) {
	f := newFixture(t, 0.001, 0)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusWorking, Progress: 40})
	f.tick(t, "w")
	w := f.get(t, "w")
	if w.Status != registry.StatusBlocked || w.Error != DefaultBehavior().FailureMessages[0] {
		t.Fatalf("worker = %+v", w)
	}
	if w.Progress != 40 {
		t.Fatalf("progress changed on failure: %v", w.Progress)
	}
	if f.reg.Stats().Failed != 1 {
		t.Fatalf("failed = %d", f.reg.Stats().Failed)
	}
	if ev := f.reg.Events()[0]; ev.Type != registry.EventFail || ev.WorkerID != "w" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestWorking_ProgressStaysBounded(t *testing.T) {
	f := newFixture(t)
	f.rng.rest = 0.5
	f.c.Behavior.FailChance = 0
	f.c.Behavior.ProgressBumpMin = 30
	f.c.Behavior.ProgressBumpMax = 90
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusWorking})
	for i := 0; i < 10; i++ {
		f.tick(t, "w")
		w := f.get(t, "w")
		if w.Progress < 0 || w.Progress > 100 {
			t.Fatalf("tick %d: progress %v", i, w.Progress)
		}
	}
	if f.get(t, "w").Status != registry.StatusComplete {
		t.Fatalf("expected completion")
	}
	if f.reg.Stats().Completed != 1 {
		t.Fatalf("completed = %d", f.reg.Stats().Completed)
	}
}

func TestBlocked_Recovery(t *testing.T) {
	f := newFixture(t, 0.5, 0.001)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusBlocked, Error: "boom"})

	f.tick(t, "w")
	if w := f.get(t, "w"); w.Status != registry.StatusBlocked || w.Error != "boom" {
		t.Fatalf("should persist: %+v", w)
	}
	f.tick(t, "w")
	w := f.get(t, "w")
	if w.Status != registry.StatusWorking || w.Error != "" {
		t.Fatalf("should recover: %+v", w)
	}
	if f.reg.Events()[0].Type != registry.EventRecover {
		t.Fatalf("missing recover event")
	}
}

func TestHold_DrainsToZero(t *testing.T) {
	f := newFixture(t)
	f.rng.rest = 0.999 // max drain: 5
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusHold, Tokens: 12})
	for _, want := range []int64{7, 2, 0, 0} {
		f.tick(t, "w")
		if got := f.get(t, "w").Tokens; got != want {
			t.Fatalf("tokens = %d want %d", got, want)
		}
	}
	if f.get(t, "w").Status != registry.StatusHold {
		t.Fatalf("hold should persist")
	}
}

func TestIdle_Reassign(t *testing.T) {
	// reassign roll hits; selection 0; goal x,y at centre; speed max; label.
	f := newFixture(t, 0.001, 0, 0.5, 0.5, 0.999, 0)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusIdle, Progress: 55, Pos: geom.V(50, 50)})

	f.tick(t, "w")
	w := f.get(t, "w")
	if w.Status != registry.StatusMoving || w.TargetRegion != "lab" || w.Task != "run tests" || w.Progress != 0 {
		t.Fatalf("worker = %+v", w)
	}
	st, ok := f.mot.Get("w")
	if !ok {
		t.Fatalf("missing motion state")
	}
	if st.Goal != geom.V(550, 50) {
		t.Fatalf("goal = %+v", st.Goal)
	}
	if math.Abs(st.Speed-DefaultBehavior().SpeedMax) > 0.01 {
		t.Fatalf("speed = %v", st.Speed)
	}
	if f.reg.Events()[0].Type != registry.EventAssign {
		t.Fatalf("missing assign event")
	}
}

func TestIdle_Persists(t *testing.T) {
	f := newFixture(t, 0.5)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusIdle})
	f.tick(t, "w")
	if f.get(t, "w").Status != registry.StatusIdle || f.mot.Len() != 0 {
		t.Fatalf("idle should persist")
	}
}

func TestMoving_MissingMotionFails(t *testing.T) {
	f := newFixture(t)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusMoving, Pos: geom.V(1, 2)})
	if st := f.tick(t, "w"); st != Failure {
		t.Fatalf("status = %v", st)
	}
	if w := f.get(t, "w"); w.Pos != geom.V(1, 2) || w.Status != registry.StatusMoving {
		t.Fatalf("worker mutated: %+v", w)
	}
}

func TestMoving_DirectSeekArrives(t *testing.T) {
	f := newFixture(t)
	goal := geom.V(500, 50)
	start := geom.V(50, 50)
	speed := 12.0
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusMoving, Pos: start, Task: "run tests", TargetRegion: "lab"})
	f.mot.Set("w", motion.State{Goal: goal, Speed: speed})

	d := start.Dist(goal)
	limit := int(math.Ceil(d/speed)) + 1
	ticks := 0
	for ; ticks < limit; ticks++ {
		if f.get(t, "w").Status != registry.StatusMoving {
			break
		}
		f.tick(t, "w")
	}
	w := f.get(t, "w")
	if w.Status != registry.StatusWorking {
		t.Fatalf("status after %d ticks = %s", ticks, w.Status)
	}
	if w.Pos != goal {
		t.Fatalf("pos = %+v want %+v", w.Pos, goal)
	}
	if _, ok := f.mot.Get("w"); ok {
		t.Fatalf("motion state not cleared")
	}
	if want := int(math.Ceil(d / speed)); ticks < want-1 || ticks > want+1 {
		t.Fatalf("ticks = %d want %d±1", ticks, want)
	}
}

func TestMoving_SteeringArriveNoTaskGoesIdle(t *testing.T) {
	f := newFixture(t)
	f.c.Steering = steering.New(steering.DefaultParams(), f.rng)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusMoving, Pos: geom.V(0, 0)})
	f.mot.Set("w", motion.State{Goal: geom.V(0, 100), Speed: 5})
	for i := 0; i < 30 && f.get(t, "w").Status == registry.StatusMoving; i++ {
		f.tick(t, "w")
	}
	if w := f.get(t, "w"); w.Status != registry.StatusIdle || w.Pos != geom.V(0, 100) {
		t.Fatalf("worker = %+v", w)
	}
}

func TestDispatch_OneActionPerTick(t *testing.T) {
	// working -> blocked on this tick must not also run the blocked handler.
	f := newFixture(t, 0.001, 0, 0.001)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusWorking})
	f.tick(t, "w")
	if w := f.get(t, "w"); w.Status != registry.StatusBlocked {
		t.Fatalf("status = %s", w.Status)
	}
	if f.rng.n != 2 {
		t.Fatalf("draws = %d; a second handler ran", f.rng.n)
	}
}

func TestDispatch_MissingHandlerFails(t *testing.T) {
	f := newFixture(t)
	h := DefaultHandlers()
	delete(h, registry.StatusHold)
	f.tree = Dispatch(h)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusHold})
	if st := f.tick(t, "w"); st != Failure {
		t.Fatalf("status = %v", st)
	}
	if st, _ := f.tree.TickWorker(f.c, "ghost"); st != Failure {
		t.Fatalf("unknown worker = %v", st)
	}
}

func TestSettledStatusesPersist(t *testing.T) {
	f := newFixture(t)
	for _, s := range []registry.Status{registry.StatusComplete, registry.StatusTerminated} {
		f.add(t, registry.Worker{ID: string(s), Status: s, Progress: 100})
		if st := f.tick(t, string(s)); st != Success {
			t.Fatalf("%s: %v", s, st)
		}
		if f.get(t, string(s)).Status != s {
			t.Fatalf("%s changed", s)
		}
	}
	if f.rng.n != 0 {
		t.Fatalf("settled handlers drew randomness")
	}
}

func TestHandlers_RemovedWorkerEmitsNoEvent(t *testing.T) {
	cases := map[string]struct {
		w   registry.Worker
		run func(*Context) Status
	}{
		"recover":  {registry.Worker{ID: "w", Status: registry.StatusBlocked, Error: "x"}, HandleBlocked},
		"fail":     {registry.Worker{ID: "w", Status: registry.StatusWorking}, HandleWorking},
		"progress": {registry.Worker{ID: "w", Status: registry.StatusWorking, Progress: 99}, HandleWorking},
		"hold":     {registry.Worker{ID: "w", Status: registry.StatusHold, Tokens: 10}, HandleHold},
	}
	for name, tc := range cases {
		// A zero roll fires recovery and failure alike; the progress case
		// needs the fail roll to miss.
		vals := []float64{0}
		if name == "progress" {
			vals = []float64{0.9, 0, 0, 0.9}
		}
		f := newFixture(t, vals...)
		f.add(t, tc.w)
		if !f.c.Load("w") {
			t.Fatalf("%s: load", name)
		}
		if err := f.reg.Remove("w"); err != nil {
			t.Fatalf("%s: remove: %v", name, err)
		}
		if st := tc.run(f.c); st != Failure {
			t.Fatalf("%s: status = %v", name, st)
		}
		if ev := f.reg.Events(); len(ev) != 0 {
			t.Fatalf("%s: events after failed write: %+v", name, ev)
		}
		if s := f.reg.Stats(); s.Completed != 0 || s.Failed != 0 {
			t.Fatalf("%s: stats bumped: %+v", name, s)
		}
	}
}

func TestMoving_RemovedWorkerKeepsMotionState(t *testing.T) {
	f := newFixture(t)
	f.add(t, registry.Worker{ID: "w", Status: registry.StatusMoving, Pos: geom.V(0, 0)})
	f.mot.Set("w", motion.State{Goal: geom.V(0, 5), Speed: 5})
	if !f.c.Load("w") {
		t.Fatalf("load")
	}
	if err := f.reg.Remove("w"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st := HandleMoving(f.c); st != Failure {
		t.Fatalf("status = %v", st)
	}
	if _, ok := f.mot.Get("w"); !ok {
		t.Fatalf("motion state dropped without a position write")
	}
	if ev := f.reg.Events(); len(ev) != 0 {
		t.Fatalf("arrive event after failed write: %+v", ev)
	}
}
