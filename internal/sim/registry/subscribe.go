package registry

import (
	"sort"
	"sync"
)

// Subscription is the handle returned by Subscribe. Cancel is idempotent and
// safe to call from inside the callback.
type Subscription struct {
	r    *Registry
	id   uint64
	once sync.Once
}

func (s *Subscription) Cancel() {
	if s == nil || s.r == nil {
		return
	}
	s.once.Do(func() {
		s.r.subsMu.Lock()
		delete(s.r.subs, s.id)
		s.r.subsMu.Unlock()
	})
}

// Subscribe registers fn for every subsequent change. fn runs on the mutating
// goroutine and must not block; hand work off to a channel or queue instead.
func (r *Registry) Subscribe(fn func(Change)) *Subscription {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	return &Subscription{r: r, id: id}
}

type subEntry struct {
	id uint64
	fn func(Change)
}

// notify calls subscribers in registration order. A subscriber cancelled by
// an earlier callback in the same round is skipped.
func (r *Registry) notify(c Change) {
	r.subsMu.Lock()
	if len(r.subs) == 0 {
		r.subsMu.Unlock()
		return
	}
	entries := make([]subEntry, 0, len(r.subs))
	for id, fn := range r.subs {
		entries = append(entries, subEntry{id: id, fn: fn})
	}
	r.subsMu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	for _, e := range entries {
		r.subsMu.Lock()
		_, live := r.subs[e.id]
		r.subsMu.Unlock()
		if live {
			e.fn(c)
		}
	}
}
