package world

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"workyard.ai/internal/sim/bt"
	"workyard.ai/internal/sim/geom"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/steering"
	"workyard.ai/internal/sim/utility"
)

// Step runs one tick over every worker present when it starts, in registry
// insertion order. Each of those workers is visited exactly once even if a
// handler changes its status mid-tick.
func (w *World) Step() {
	if w.stopped {
		return
	}
	start := time.Now()
	c := w.context()
	for _, id := range w.reg.IDs() {
		if !c.Load(id) {
			continue
		}
		if c.Worker.Status == registry.StatusMoving {
			w.integrate(c)
			continue
		}
		if _, err := w.tree.Tick(c); err != nil {
			w.log.Warn("tick", "worker", id, "status", string(c.Worker.Status), "err", err)
		}
	}
	w.ticks++
	w.lastStep = time.Since(start)
	w.publishMetrics()
}

// integrate is the driver's motion path for moving workers: arrive toward the
// goal blended with separation from nearby workers, plus optional wander.
// Separation is dropped on the final approach so a neighbor parked next to
// the goal cannot hold the worker outside the snap distance.
// A worker with no motion state is skipped.
func (w *World) integrate(c *bt.Context) {
	st, ok := w.motion.Get(c.Worker.ID)
	if !ok {
		return
	}
	pos := c.Worker.Pos
	arrive := w.steer.Arrive(pos, st.Goal, st.Speed)
	forces := []steering.Weighted{{V: arrive, Weight: w.cfg.World.ArriveWeight}}
	if w.cfg.World.SeparationWeight > 0 && pos.Dist(st.Goal) >= w.finalApproach() {
		sep := w.steer.Separation(pos, w.neighbors(c.Worker.ID, pos))
		forces = append(forces, steering.Weighted{V: sep, Weight: w.cfg.World.SeparationWeight})
	}
	if w.cfg.World.WanderWeight > 0 {
		forces = append(forces, steering.Weighted{V: w.steer.Wander(arrive, 1), Weight: w.cfg.World.WanderWeight})
	}
	if _, err := bt.Advance(c, st, w.steer.Combine(forces...)); err != nil {
		w.log.Warn("move", "worker", c.Worker.ID, "err", err)
	}
}

// finalApproach is the goal distance inside which separation is ignored.
func (w *World) finalApproach() float64 {
	return w.cfg.Steering.SeparationRadius + w.cfg.Behavior.ArriveEpsilon
}

// neighbors returns the positions of other workers within separation range.
func (w *World) neighbors(self string, pos geom.Vec2) []geom.Vec2 {
	r := w.cfg.Steering.SeparationRadius
	var out []geom.Vec2
	for _, o := range w.reg.Workers() {
		if o.ID == self || o.Status == registry.StatusTerminated {
			continue
		}
		if d := o.Pos.Dist(pos); d > 0 && d < r {
			out = append(out, o.Pos)
		}
	}
	return out
}

// Spawn is the spawn timer body: below the population cap it creates a
// worker with SpawnChance. It reports the new worker id, if any.
// Draws: chance roll, then those of SpawnWorker.
func (w *World) Spawn() (string, bool) {
	if w.stopped || w.reg.Len() >= w.cfg.World.PopulationCap {
		return "", false
	}
	if w.rng.Float64() >= w.cfg.World.SpawnChance {
		return "", false
	}
	id, err := w.SpawnWorker()
	if err != nil {
		w.log.Warn("spawn", "err", err)
		return "", false
	}
	return id, true
}

// SpawnWorker creates a worker in the spawn region and sends it to a region
// picked by the scorer. If no destination can be picked it stays idle.
// Draws: kind, position x, position y, then those of bt.Reassign.
func (w *World) SpawnWorker() (string, error) {
	if w.stopped {
		return "", ErrStopped
	}
	u, err := uuid.NewRandomFromReader(w.ids)
	if err != nil {
		return "", fmt.Errorf("worker id: %w", err)
	}
	kind := w.cats.Kind(w.rng.Float64)
	home := w.cats.SpawnRegion()
	pos := home.Bounds.Sample(w.rng.Float64, w.cfg.Behavior.GoalMargin)

	w.serial++
	now := w.Now()
	wk := registry.Worker{
		ID:        u.String(),
		Name:      fmt.Sprintf("%s-%02d", displayKind(kind), w.serial),
		Kind:      kind,
		Status:    registry.StatusIdle,
		Pos:       pos,
		SpawnedAt: now,
	}
	if err := w.reg.Upsert(wk); err != nil {
		return "", err
	}

	c := w.context()
	c.Load(wk.ID)
	sc, err := bt.Reassign(c)
	switch {
	case err == nil:
		c.Event(registry.EventSpawn, fmt.Sprintf("%s spawned at %s, heading to %s", wk.Name, home.Name, sc.Region.Name))
	default:
		c.Event(registry.EventSpawn, fmt.Sprintf("%s spawned at %s", wk.Name, home.Name))
		w.log.Debug("spawn without destination", "worker", wk.ID, "err", err)
	}
	return wk.ID, nil
}

func displayKind(kind string) string {
	if kind == "" {
		return "worker"
	}
	return kind
}

// Heartbeat recomputes total tokens, refreshes scorer occupancy, runs the
// feedback rules and pushes a one-line status summary.
func (w *World) Heartbeat() string {
	if w.stopped {
		return ""
	}
	workers := w.reg.Workers()
	var tokens int64
	for _, wk := range workers {
		tokens += wk.Tokens
	}
	w.reg.SetTotalTokens(tokens)

	counts := w.reg.CountByStatus()
	idle := counts[registry.StatusIdle]
	blocked := counts[registry.StatusBlocked]
	active := counts[registry.StatusMoving] + counts[registry.StatusWorking]
	line := fmt.Sprintf("workers=%d idle=%d blocked=%d active=%d", len(workers), idle, blocked, active)
	w.reg.PushStatusLine(line)

	byTarget := w.reg.CountByTarget()
	w.scorer.SetAssigned(byTarget)
	adj, err := w.scorer.ApplySignals(w.signals(counts, byTarget))
	if err != nil {
		w.log.Warn("feedback", "err", err)
	}
	for _, a := range adj {
		w.log.Debug("urgency", "type", a.RegionType, "from", a.From, "to", a.To, "rule", a.Rule)
	}

	w.heartbeats++
	w.log.Info("heartbeat", "workers", len(workers), "idle", idle, "blocked", blocked, "active", active, "tokens", tokens)

	if every := w.cfg.Persistence.SnapshotEveryHeartbeats; every > 0 && w.heartbeats%every == 0 && w.snapshotSink != nil {
		select {
		case w.snapshotSink <- w.ExportSnapshot():
		default:
			// Drop snapshot if sink is backed up.
		}
	}
	w.publishMetrics()
	return line
}

func (w *World) signals(byStatus map[registry.Status]int, byTarget map[string]int) map[string]float64 {
	st := make(map[string]int, len(byStatus))
	for s, n := range byStatus {
		st[string(s)] = n
	}
	byType := map[string]int{}
	for _, r := range w.cats.Candidates() {
		byType[r.Type] += byTarget[r.ID]
	}
	return utility.Signals(st, byType)
}
