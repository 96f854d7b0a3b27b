// Package worldtest drives a world through its exported API for black-box
// tests: scripted randomness, a small fixed catalog and invariant checks.
package worldtest

import (
	"math/rand"
	"testing"
	"time"

	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/tuning"
	"workyard.ai/internal/sim/world"
)

// SeqRand replays Vals in order, then keeps returning Rest.
type SeqRand struct {
	Vals []float64
	Rest float64
	N    int
}

func (r *SeqRand) Float64() float64 {
	if r.N < len(r.Vals) {
		v := r.Vals[r.N]
		r.N++
		return v
	}
	r.N++
	return r.Rest
}

// FixtureYAML is a two-region yard: workers spawn in gate (0,0)-(100,100)
// and the only destination is lab (500,0)-(600,100).
const FixtureYAML = `
world: {width: 1000, height: 1000, spawn_region: gate}
regions:
  - {id: gate, name: Gate, type: gate, bounds: {x: 0, y: 0, w: 100, h: 100}}
  - {id: lab, name: Lab, type: build, bounds: {x: 500, y: 0, w: 100, h: 100}, urgency: 0.9, capacity: 4}
tasks:
  build: [compile, lint]
`

var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func Catalogs(t testing.TB) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Parse([]byte(FixtureYAML))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	return cats
}

// Tuning is the shipped default tuning.
func Tuning() tuning.Tuning {
	return tuning.Defaults()
}

type Harness struct {
	T    testing.TB
	Cats *catalogs.Catalogs
	W    *world.World
}

// NewHarness builds a world with a fixed epoch and id source. Extra options
// are applied last.
func NewHarness(t testing.TB, cfg tuning.Tuning, cats *catalogs.Catalogs, opts ...world.Option) *Harness {
	t.Helper()
	if cats == nil {
		cats = Catalogs(t)
	}
	base := []world.Option{
		world.WithEpoch(Epoch),
		world.WithIDSource(rand.New(rand.NewSource(7))),
	}
	w, err := world.New(cfg, cats, append(base, opts...)...)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return &Harness{T: t, Cats: cats, W: w}
}

func (h *Harness) Spawn() string {
	h.T.Helper()
	id, err := h.W.SpawnWorker()
	if err != nil {
		h.T.Fatalf("spawn: %v", err)
	}
	return id
}

func (h *Harness) Put(w registry.Worker) {
	h.T.Helper()
	if w.Name == "" {
		w.Name = w.ID
	}
	if err := h.W.Registry().Upsert(w); err != nil {
		h.T.Fatalf("upsert %s: %v", w.ID, err)
	}
}

func (h *Harness) Get(id string) registry.Worker {
	h.T.Helper()
	w, ok := h.W.Registry().Get(id)
	if !ok {
		h.T.Fatalf("worker %s missing", id)
	}
	return w
}

// StepN runs n ticks, checking invariants after each.
func (h *Harness) StepN(n int) {
	h.T.Helper()
	for i := 0; i < n; i++ {
		h.W.Step()
		h.CheckInvariants()
	}
}

// CheckInvariants fails the test if any worker has progress outside
// [0,100], or if motion state exists for a worker that is not moving.
func (h *Harness) CheckInvariants() {
	h.T.Helper()
	reg := h.W.Registry()
	for _, w := range reg.Workers() {
		if w.Progress < 0 || w.Progress > 100 {
			h.T.Fatalf("worker %s progress %v out of range", w.ID, w.Progress)
		}
		if !w.Status.Valid() {
			h.T.Fatalf("worker %s invalid status %q", w.ID, w.Status)
		}
	}
	for _, id := range h.W.Motion().IDs() {
		w, ok := reg.Get(id)
		if !ok {
			h.T.Fatalf("motion state for removed worker %s", id)
		}
		if w.Status != registry.StatusMoving {
			h.T.Fatalf("motion state for %s in status %s", id, w.Status)
		}
	}
}
