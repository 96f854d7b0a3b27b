// Package sched is a simulated-time task scheduler: a priority queue of due
// times drained by Advance. It owns no goroutines and no wall clock.
package sched

import (
	"container/heap"
	"time"
)

type TaskID uint64

type task struct {
	id    TaskID
	due   time.Duration
	seq   uint64
	every time.Duration // 0 for one-shot
	fn    func(now time.Duration)
	index int
}

type queue []*task

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	return q[i].seq < q[j].seq
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler runs callbacks at simulated offsets from zero. Tasks due at the
// same instant run in scheduling order. Not safe for concurrent use.
type Scheduler struct {
	now    time.Duration
	q      queue
	byID   map[TaskID]*task
	nextID TaskID
	seq    uint64
}

func New() *Scheduler {
	return &Scheduler{byID: map[TaskID]*task{}}
}

func (s *Scheduler) Now() time.Duration { return s.now }

// Pending reports the number of scheduled tasks.
func (s *Scheduler) Pending() int { return len(s.byID) }

func (s *Scheduler) push(delay, every time.Duration, fn func(time.Duration)) TaskID {
	if delay < 0 {
		delay = 0
	}
	s.nextID++
	s.seq++
	t := &task{id: s.nextID, due: s.now + delay, seq: s.seq, every: every, fn: fn}
	heap.Push(&s.q, t)
	s.byID[t.id] = t
	return t.id
}

// After schedules fn once, delay from now.
func (s *Scheduler) After(delay time.Duration, fn func(now time.Duration)) TaskID {
	return s.push(delay, 0, fn)
}

// Every schedules fn at now+every and each period after that. A non-positive
// period is rejected with a zero id.
func (s *Scheduler) Every(every time.Duration, fn func(now time.Duration)) TaskID {
	if every <= 0 {
		return 0
	}
	return s.push(every, every, fn)
}

// Cancel removes a pending task. Cancelling an unknown or finished task is a
// no-op.
func (s *Scheduler) Cancel(id TaskID) bool {
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if t.index >= 0 {
		heap.Remove(&s.q, t.index)
	}
	return true
}

// CancelAll drops every pending task.
func (s *Scheduler) CancelAll() {
	for id := range s.byID {
		s.Cancel(id)
	}
}

// Advance moves simulated time forward by dt, running every task that falls
// due in order. A periodic task that is overdue by several periods fires once
// per period. Returns the number of callbacks run.
func (s *Scheduler) Advance(dt time.Duration) int {
	if dt < 0 {
		dt = 0
	}
	return s.RunUntil(s.now + dt)
}

// RunUntil runs tasks due at or before t and leaves the clock at t.
func (s *Scheduler) RunUntil(t time.Duration) int {
	ran := 0
	for len(s.q) > 0 && s.q[0].due <= t {
		next := heap.Pop(&s.q).(*task)
		s.now = next.due
		if next.every > 0 {
			s.seq++
			next.due += next.every
			next.seq = s.seq
			heap.Push(&s.q, next)
		} else {
			delete(s.byID, next.id)
		}
		next.fn(s.now)
		ran++
	}
	if t > s.now {
		s.now = t
	}
	return ran
}

// SetNow moves the clock without running anything. Used when restoring state.
func (s *Scheduler) SetNow(t time.Duration) { s.now = t }
