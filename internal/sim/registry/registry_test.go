package registry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Millisecond)
	}
}

func TestUpsert_RejectsInvalidStatus(t *testing.T) {
	r := New(fixedClock())
	if err := r.Upsert(Worker{ID: "w1", Status: StatusIdle}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := r.Upsert(Worker{ID: "w1", Status: "dancing"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	w, _ := r.Get("w1")
	if w.Status != StatusIdle {
		t.Fatalf("stored record changed to %q", w.Status)
	}
	if err := r.Upsert(Worker{Status: StatusIdle}); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

func TestUpsert_ClampsProgress(t *testing.T) {
	r := New(fixedClock())
	for _, tc := range []struct {
		in, want float64
	}{{-5, 0}, {42, 42}, {250, 100}} {
		if err := r.Upsert(Worker{ID: "w", Status: StatusWorking, Progress: tc.in}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		w, _ := r.Get("w")
		if w.Progress != tc.want {
			t.Fatalf("progress %v -> %v want %v", tc.in, w.Progress, tc.want)
		}
	}
}

func TestInsertionOrderSurvivesUpdates(t *testing.T) {
	r := New(fixedClock())
	for _, id := range []string{"c", "a", "b"} {
		_ = r.Upsert(Worker{ID: id, Status: StatusIdle})
	}
	_ = r.Upsert(Worker{ID: "a", Status: StatusMoving})
	_ = r.Update("c", func(w *Worker) { w.Status = StatusWorking })
	if err := r.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = r.Upsert(Worker{ID: "a", Status: StatusIdle})

	got := fmt.Sprint(r.IDs())
	if got != "[c b a]" {
		t.Fatalf("order = %s", got)
	}
	if err := r.Remove("zzz"); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("remove unknown: %v", err)
	}
}

func TestUpdate_InvalidLeavesRecord(t *testing.T) {
	r := New(fixedClock())
	_ = r.Upsert(Worker{ID: "w", Status: StatusWorking, Progress: 10})
	err := r.Update("w", func(w *Worker) {
		w.Progress = 90
		w.Status = "bogus"
	})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	w, _ := r.Get("w")
	if w.Progress != 10 || w.Status != StatusWorking {
		t.Fatalf("record mutated: %+v", w)
	}
}

func TestEventLog_CapNewestFirst(t *testing.T) {
	r := New(fixedClock())
	for i := 0; i < MaxEvents+1; i++ {
		r.AppendEvent("tick", "", fmt.Sprintf("e%d", i))
	}
	evs := r.Events()
	if len(evs) != MaxEvents {
		t.Fatalf("len = %d want %d", len(evs), MaxEvents)
	}
	if evs[0].Detail != "e250" {
		t.Fatalf("newest = %q", evs[0].Detail)
	}
	if evs[len(evs)-1].Detail != "e1" {
		t.Fatalf("oldest kept = %q (e0 should be dropped)", evs[len(evs)-1].Detail)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].At.After(evs[i-1].At) {
			t.Fatalf("not newest-first at %d", i)
		}
	}
}

func TestStatusLines_Cap(t *testing.T) {
	r := New(fixedClock())
	for i := 0; i < MaxStatusLines+7; i++ {
		r.PushStatusLine(fmt.Sprintf("l%d", i))
	}
	ls := r.StatusLines()
	if len(ls) != MaxStatusLines || ls[0] != fmt.Sprintf("l%d", MaxStatusLines+6) {
		t.Fatalf("lines len=%d head=%q", len(ls), ls[0])
	}
}

func TestBumpAndTokens(t *testing.T) {
	r := New(fixedClock())
	r.Bump(Stats{Completed: 1, Failed: 2})
	r.Bump(Stats{Completed: 1, FilesTouched: 3})
	r.SetTotalTokens(99)
	st := r.Stats()
	want := Stats{Completed: 2, FilesTouched: 3, Failed: 2, TotalTokens: 99}
	if st != want {
		t.Fatalf("stats = %+v want %+v", st, want)
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	r := New(fixedClock())
	var kinds []ChangeKind
	sub := r.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	_ = r.Upsert(Worker{ID: "w", Status: StatusIdle})
	r.AppendEvent(EventSpawn, "w", "hello")
	r.Bump(Stats{Completed: 1})
	r.PushStatusLine("ok")
	_ = r.Remove("w")

	want := []ChangeKind{ChangeWorker, ChangeEvent, ChangeStats, ChangeStatusLine, ChangeRemove}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("kinds = %v want %v", kinds, want)
	}

	sub.Cancel()
	sub.Cancel()
	r.AppendEvent(EventSpawn, "", "after cancel")
	if len(kinds) != len(want) {
		t.Fatalf("callback ran after cancel")
	}
}

func TestSubscribe_CancelInsideCallback(t *testing.T) {
	r := New(fixedClock())
	calls := 0
	var sub *Subscription
	sub = r.Subscribe(func(Change) {
		calls++
		sub.Cancel()
	})
	second := 0
	r.Subscribe(func(Change) { second++ })

	r.PushStatusLine("a")
	r.PushStatusLine("b")
	if calls != 1 || second != 2 {
		t.Fatalf("calls=%d second=%d", calls, second)
	}
}

func TestRestore(t *testing.T) {
	r := New(fixedClock())
	_ = r.Upsert(Worker{ID: "old", Status: StatusIdle})
	t0 := time.Unix(100, 0)
	skipped := r.Restore(
		[]Worker{
			{ID: "b", Status: StatusWorking, Progress: 120},
			{ID: "a", Status: "nope"},
			{ID: "b", Status: StatusIdle},
			{ID: "c", Status: StatusHold},
		},
		[]GameEvent{{At: t0, Detail: "older"}, {At: t0.Add(time.Second), Detail: "newer"}},
		Stats{Completed: 4},
		[]string{"x"},
	)
	if skipped != 2 {
		t.Fatalf("skipped = %d", skipped)
	}
	if fmt.Sprint(r.IDs()) != "[b c]" {
		t.Fatalf("ids = %v", r.IDs())
	}
	if w, _ := r.Get("b"); w.Progress != 100 {
		t.Fatalf("restore did not clamp: %v", w.Progress)
	}
	if evs := r.Events(); evs[0].Detail != "newer" {
		t.Fatalf("events not newest-first: %+v", evs)
	}
	if r.Stats().Completed != 4 || len(r.StatusLines()) != 1 {
		t.Fatalf("stats/lines not restored")
	}
}

func TestCounts(t *testing.T) {
	r := New(fixedClock())
	_ = r.Upsert(Worker{ID: "1", Status: StatusMoving, TargetRegion: "lab"})
	_ = r.Upsert(Worker{ID: "2", Status: StatusWorking, TargetRegion: "lab"})
	_ = r.Upsert(Worker{ID: "3", Status: StatusComplete, TargetRegion: "lab"})
	_ = r.Upsert(Worker{ID: "4", Status: StatusIdle})

	if c := r.CountByTarget(); c["lab"] != 2 || len(c) != 1 {
		t.Fatalf("by target = %v", c)
	}
	if c := r.CountByStatus(); c[StatusMoving] != 1 || c[StatusIdle] != 1 || c[StatusComplete] != 1 {
		t.Fatalf("by status = %v", c)
	}
}
