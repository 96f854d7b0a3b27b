package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"workyard.ai/internal/sim/registry"
)

// Attach mirrors reg into the index. A completion row is written when a
// worker transitions into complete; repeated updates while complete are not
// counted twice. The callback runs on the goroutine that mutates reg.
func (s *SQLiteIndex) Attach(reg *registry.Registry, now func() time.Time) *registry.Subscription {
	if now == nil {
		now = time.Now
	}
	last := map[string]registry.Status{}
	for _, w := range reg.Workers() {
		last[w.ID] = w.Status
	}
	return reg.Subscribe(func(c registry.Change) {
		switch c.Kind {
		case registry.ChangeEvent:
			s.WriteEvent(c.Event)
		case registry.ChangeStatusLine:
			s.WriteStatusLine(now(), c.Line)
		case registry.ChangeWorker:
			w := c.Worker
			prev := last[w.ID]
			last[w.ID] = w.Status
			if w.Status == registry.StatusComplete && prev != registry.StatusComplete {
				at := w.UpdatedAt
				if at.IsZero() {
					at = now()
				}
				s.RecordCompletion(CompletionRow{
					WorkerID: w.ID,
					Name:     w.Name,
					Kind:     w.Kind,
					Region:   w.TargetRegion,
					Task:     w.Task,
					Tokens:   w.Tokens,
					At:       at,
				})
			}
		case registry.ChangeRemove:
			delete(last, c.WorkerID)
		}
	})
}

// RecentEvents returns up to limit events, newest first. An empty workerID
// matches every worker.
func (s *SQLiteIndex) RecentEvents(ctx context.Context, workerID string, limit int) ([]registry.GameEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT at_ms,type,worker_id,detail FROM events`
	args := []any{}
	if workerID != "" {
		q += ` WHERE worker_id=?`
		args = append(args, workerID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.GameEvent
	for rows.Next() {
		var (
			ms int64
			ev registry.GameEvent
		)
		if err := rows.Scan(&ms, &ev.Type, &ev.WorkerID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(ms).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentStatusLines returns up to limit heartbeat lines, newest first.
func (s *SQLiteIndex) RecentStatusLines(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM status_lines ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// CompletionsByRegion counts finished tasks per target region.
func (s *SQLiteIndex) CompletionsByRegion(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT region, COUNT(*) FROM completions GROUP BY region`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			region string
			n      int64
		)
		if err := rows.Scan(&region, &n); err != nil {
			return nil, err
		}
		out[region] = n
	}
	return out, rows.Err()
}

// LatestSnapshot returns the path and tick of the newest recorded snapshot.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (path string, tick uint64, ok bool, err error) {
	var t int64
	err = s.db.QueryRowContext(ctx, `SELECT path,tick FROM snapshots ORDER BY tick DESC LIMIT 1`).Scan(&path, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	return path, uint64(t), true, nil
}
