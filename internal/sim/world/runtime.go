package world

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"workyard.ai/internal/persistence/snapshot"
	"workyard.ai/internal/sim/bt"
	"workyard.ai/internal/sim/registry"
)

type reassignReq struct {
	IDs    []string
	Region string
	Resp   chan reassignResp
}

type reassignResp struct {
	N   int
	Err error
}

type snapshotReq struct {
	Resp chan snapshot.SnapshotV1
}

// Run owns the world until ctx is done or Stop is called. A ticker advances
// the simulated clock by the elapsed wall time; reassign, upsert and
// snapshot requests are served between advances so all mutation stays on
// this goroutine.
func (w *World) Run(ctx context.Context) error {
	if w.stopped {
		return ErrStopped
	}
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("world already running")
	}
	defer func() {
		w.teardown()
		w.running.Store(false)
	}()

	ticker := time.NewTicker(w.cfg.Timers.Tick)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.reassignReq:
			n, err := w.Reassign(req.IDs, req.Region)
			req.Resp <- reassignResp{N: n, Err: err}
		case req := <-w.snapshotReq:
			req.Resp <- w.ExportSnapshot()
		case req := <-w.upsertReq:
			req.Resp <- w.Upsert(req.Worker)
		case now := <-ticker.C:
			w.Advance(now.Sub(last))
			last = now
		}
	}
}

func (w *World) closed() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// RequestReassign is Reassign for callers outside the loop goroutine.
func (w *World) RequestReassign(ctx context.Context, ids []string, regionID string) (int, error) {
	if w.closed() {
		return 0, ErrStopped
	}
	req := reassignReq{IDs: ids, Region: regionID, Resp: make(chan reassignResp, 1)}
	select {
	case w.reassignReq <- req:
	case <-w.stop:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-req.Resp:
		return r.N, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RequestSnapshot exports a snapshot from the loop goroutine.
func (w *World) RequestSnapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	if w.closed() {
		return snapshot.SnapshotV1{}, ErrStopped
	}
	req := snapshotReq{Resp: make(chan snapshot.SnapshotV1, 1)}
	select {
	case w.snapshotReq <- req:
	case <-w.stop:
		return snapshot.SnapshotV1{}, ErrStopped
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
	select {
	case s := <-req.Resp:
		return s, nil
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
}

// Reassign is the manual command entry point. Every listed worker is sent to
// regionID: status moving, error cleared, fresh goal and speed. Pending
// despawns of those workers are cancelled. Unknown ids are skipped and
// reported in the returned error alongside the count that did move.
// Must be called from the goroutine that owns the world.
func (w *World) Reassign(ids []string, regionID string) (int, error) {
	if w.stopped {
		return 0, ErrStopped
	}
	region, ok := w.cats.Regions.Get(regionID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRegion, regionID)
	}
	c := w.context()
	var missing []string
	n := 0
	for _, id := range ids {
		if !c.Load(id) {
			missing = append(missing, id)
			continue
		}
		w.cancelDespawn(id)
		if err := bt.SendTo(c, region); err != nil {
			return n, fmt.Errorf("reassign %s: %w", id, err)
		}
		c.Event(registry.EventReassign, fmt.Sprintf("%s reassigned to %s", c.Worker.Name, region.Name))
		n++
	}
	if len(missing) > 0 {
		return n, fmt.Errorf("%w: %s", registry.ErrUnknownWorker, strings.Join(missing, ","))
	}
	return n, nil
}
