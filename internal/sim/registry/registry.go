// Package registry is the shared store of worker records, the capped event
// log, aggregate counters and status lines.
//
// Mutations are expected from a single writer (the world loop). Readers may
// call the accessor methods from any goroutine; they receive copies.
// Subscribers are notified synchronously, after the lock is released, in
// mutation order.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	MaxEvents      = 250
	MaxStatusLines = 50
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrInvalidStatus = errors.New("invalid worker status")
	ErrEmptyID       = errors.New("empty worker id")
)

type Registry struct {
	now func() time.Time

	mu      sync.RWMutex
	order   []string
	workers map[string]*Worker
	events  []GameEvent // newest first
	stats   Stats
	lines   []string // newest first

	subsMu  sync.Mutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// New builds an empty registry. now supplies timestamps for UpdatedAt and
// events; nil means time.Now.
func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:     now,
		workers: map[string]*Worker{},
		subs:    map[uint64]func(Change){},
	}
}

func clampProgress(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func normalize(w *Worker) error {
	if w.ID == "" {
		return ErrEmptyID
	}
	if !w.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, w.Status)
	}
	w.Progress = clampProgress(w.Progress)
	if w.Tokens < 0 {
		w.Tokens = 0
	}
	return nil
}

// Upsert inserts w or replaces the record with the same id. New workers are
// appended to the iteration order. Invalid statuses are rejected without
// touching the stored record.
func (r *Registry) Upsert(w Worker) error {
	if err := normalize(&w); err != nil {
		return err
	}
	w.UpdatedAt = r.now()

	r.mu.Lock()
	if cur, ok := r.workers[w.ID]; ok {
		*cur = w
	} else {
		cp := w
		r.workers[w.ID] = &cp
		r.order = append(r.order, w.ID)
	}
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeWorker, Worker: w, WorkerID: w.ID})
	return nil
}

// Update applies fn to a copy of the worker and stores the result if it is
// still valid.
func (r *Registry) Update(id string, fn func(w *Worker)) error {
	r.mu.Lock()
	cur, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	next := *cur
	fn(&next)
	next.ID = id
	if err := normalize(&next); err != nil {
		r.mu.Unlock()
		return err
	}
	next.UpdatedAt = r.now()
	*cur = next
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeWorker, Worker: next, WorkerID: id})
	return nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.workers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	delete(r.workers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeRemove, WorkerID: id})
	return nil
}

// AppendEvent records an event at the head of the log, dropping the oldest
// entry once MaxEvents is exceeded.
func (r *Registry) AppendEvent(typ, workerID, detail string) GameEvent {
	ev := GameEvent{At: r.now(), Type: typ, WorkerID: workerID, Detail: detail}

	r.mu.Lock()
	if len(r.events) < MaxEvents {
		r.events = append(r.events, GameEvent{})
	}
	copy(r.events[1:], r.events[:len(r.events)-1])
	r.events[0] = ev
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeEvent, Event: ev, WorkerID: workerID})
	return ev
}

// Bump adds d to the counters.
func (r *Registry) Bump(d Stats) {
	r.mu.Lock()
	r.stats = r.stats.add(d)
	st := r.stats
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeStats, Stats: st})
}

// SetTotalTokens overwrites the token total with a recomputed value.
func (r *Registry) SetTotalTokens(n int64) {
	r.mu.Lock()
	changed := r.stats.TotalTokens != n
	r.stats.TotalTokens = n
	st := r.stats
	r.mu.Unlock()
	if changed {
		r.notify(Change{Kind: ChangeStats, Stats: st})
	}
}

func (r *Registry) PushStatusLine(line string) {
	r.mu.Lock()
	if len(r.lines) < MaxStatusLines {
		r.lines = append(r.lines, "")
	}
	copy(r.lines[1:], r.lines[:len(r.lines)-1])
	r.lines[0] = line
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeStatusLine, Line: line})
}

func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// IDs returns worker ids in insertion order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Workers returns copies of all workers in insertion order.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.workers[id])
	}
	return out
}

// Events returns the event log, newest first.
func (r *Registry) Events() []GameEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]GameEvent(nil), r.events...)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// StatusLines returns pushed status lines, newest first.
func (r *Registry) StatusLines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.lines...)
}

// CountByStatus tallies workers per status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int, len(AllStatuses))
	for _, w := range r.workers {
		out[w.Status]++
	}
	return out
}

// CountByTarget tallies non-finished workers per target region.
func (r *Registry) CountByTarget() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]int{}
	for _, w := range r.workers {
		if w.TargetRegion == "" || w.Status == StatusComplete || w.Status == StatusTerminated {
			continue
		}
		out[w.TargetRegion]++
	}
	return out
}

// Restore replaces the whole registry content. Workers with invalid records
// are skipped; the remaining order follows the input slice. Subscribers are
// not notified.
func (r *Registry) Restore(workers []Worker, events []GameEvent, stats Stats, lines []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = r.order[:0]
	r.workers = make(map[string]*Worker, len(workers))
	skipped := 0
	for _, w := range workers {
		if err := normalize(&w); err != nil {
			skipped++
			continue
		}
		if _, dup := r.workers[w.ID]; dup {
			skipped++
			continue
		}
		cp := w
		r.workers[w.ID] = &cp
		r.order = append(r.order, w.ID)
	}

	evs := append([]GameEvent(nil), events...)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].At.After(evs[j].At) })
	if len(evs) > MaxEvents {
		evs = evs[:MaxEvents]
	}
	r.events = evs

	r.stats = stats
	ls := append([]string(nil), lines...)
	if len(ls) > MaxStatusLines {
		ls = ls[:MaxStatusLines]
	}
	r.lines = ls
	return skipped
}
