package world

import (
	"fmt"
	"time"

	"workyard.ai/internal/persistence/snapshot"
	"workyard.ai/internal/sim/geom"
	"workyard.ai/internal/sim/motion"
	"workyard.ai/internal/sim/registry"
)

// ExportSnapshot captures the registry, motion table, pending despawns and
// scorer adaptations. Must be called from the goroutine that owns the world.
func (w *World) ExportSnapshot() snapshot.SnapshotV1 {
	workers := w.reg.Workers()
	out := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.id,
			Tick:    w.ticks,
		},
		Seed:           w.cfg.World.Seed,
		ClockNanos:     int64(w.clock.Now()),
		EpochUnixMilli: w.epoch.UnixMilli(),
		Workers:        make([]snapshot.WorkerV1, 0, len(workers)),
		StatusLines:    w.reg.StatusLines(),
		AdaptedUrgency: w.scorer.AdaptedUrgency(),
	}
	for _, wk := range workers {
		v := snapshot.WorkerV1{
			ID:           wk.ID,
			Name:         wk.Name,
			Kind:         wk.Kind,
			Status:       string(wk.Status),
			Task:         wk.Task,
			TargetRegion: wk.TargetRegion,
			X:            wk.Pos.X,
			Y:            wk.Pos.Y,
			SpawnedAtMS:  wk.SpawnedAt.UnixMilli(),
			Tokens:       wk.Tokens,
			Progress:     wk.Progress,
			Error:        wk.Error,
			UpdatedAtMS:  wk.UpdatedAt.UnixMilli(),
			DespawnPhase: int(w.despawn[wk.ID].phase),
		}
		if st, ok := w.motion.Get(wk.ID); ok {
			v.HasMotion = true
			v.GoalX, v.GoalY, v.Speed = st.Goal.X, st.Goal.Y, st.Speed
		}
		out.Workers = append(out.Workers, v)
	}
	for _, ev := range w.reg.Events() {
		out.Events = append(out.Events, snapshot.EventV1{
			AtMS:     ev.At.UnixMilli(),
			Type:     ev.Type,
			WorkerID: ev.WorkerID,
			Detail:   ev.Detail,
		})
	}
	st := w.reg.Stats()
	out.Stats = snapshot.StatsV1{
		Completed:    st.Completed,
		FilesTouched: st.FilesTouched,
		Failed:       st.Failed,
		TotalTokens:  st.TotalTokens,
	}
	if act := w.scorer.Activity(); len(act) > 0 {
		out.LastActivity = make(map[string]int64, len(act))
		for k, t := range act {
			out.LastActivity[k] = t.UnixMilli()
		}
	}
	return out
}

// ImportSnapshot replaces the world state with snap. Pending despawns are
// rescheduled from their recorded phase; moving workers without a recorded
// goal get a fresh one in their target region. Callbacks scheduled before
// the import become no-ops.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if w.stopped {
		return ErrStopped
	}
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("%w: %d", snapshot.ErrVersion, snap.Header.Version)
	}

	w.gen++
	w.clock.CancelAll()
	w.clock.SetNow(time.Duration(snap.ClockNanos))
	if snap.EpochUnixMilli != 0 {
		w.epoch = time.UnixMilli(snap.EpochUnixMilli).UTC()
	}
	w.ticks = snap.Header.Tick
	w.despawn = map[string]despawnState{}
	w.motion = motion.NewTable()

	workers := make([]registry.Worker, 0, len(snap.Workers))
	for _, v := range snap.Workers {
		workers = append(workers, registry.Worker{
			ID:           v.ID,
			Name:         v.Name,
			Kind:         v.Kind,
			Status:       registry.Status(v.Status),
			Task:         v.Task,
			TargetRegion: v.TargetRegion,
			Pos:          geom.V(v.X, v.Y),
			SpawnedAt:    time.UnixMilli(v.SpawnedAtMS).UTC(),
			Tokens:       v.Tokens,
			Progress:     v.Progress,
			Error:        v.Error,
			UpdatedAt:    time.UnixMilli(v.UpdatedAtMS).UTC(),
		})
	}
	events := make([]registry.GameEvent, 0, len(snap.Events))
	for _, e := range snap.Events {
		events = append(events, registry.GameEvent{
			At:       time.UnixMilli(e.AtMS).UTC(),
			Type:     e.Type,
			WorkerID: e.WorkerID,
			Detail:   e.Detail,
		})
	}
	stats := registry.Stats{
		Completed:    snap.Stats.Completed,
		FilesTouched: snap.Stats.FilesTouched,
		Failed:       snap.Stats.Failed,
		TotalTokens:  snap.Stats.TotalTokens,
	}
	if skipped := w.reg.Restore(workers, events, stats, snap.StatusLines); skipped > 0 {
		w.log.Warn("snapshot import skipped invalid workers", "skipped", skipped)
	}

	activity := make(map[string]time.Time, len(snap.LastActivity))
	for k, ms := range snap.LastActivity {
		activity[k] = time.UnixMilli(ms).UTC()
	}
	w.scorer.Restore(snap.AdaptedUrgency, activity)
	w.scorer.SetAssigned(w.reg.CountByTarget())

	byID := make(map[string]snapshot.WorkerV1, len(snap.Workers))
	for _, v := range snap.Workers {
		byID[v.ID] = v
	}
	c := w.context()
	for _, id := range w.reg.IDs() {
		c.Load(id)
		if v := byID[id]; v.HasMotion && c.Worker.Status == registry.StatusMoving {
			w.motion.Set(id, motion.State{Goal: geom.V(v.GoalX, v.GoalY), Speed: v.Speed})
		}
		w.settle(c)
	}

	if !w.noTimers {
		w.startTimers()
	}
	w.publishMetrics()
	return nil
}
