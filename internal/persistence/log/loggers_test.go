package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"workyard.ai/internal/sim/registry"
)

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })

	if err := w.Write(Record{Kind: KindEvent, Type: "spawn"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(Record{Kind: KindEvent, Type: "arrive"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, name := range []string{"events-2026-03-01-10.jsonl.zst", "events-2026-03-01-11.jsonl.zst"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	recs, err := ReadAll(dir, "events")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 || recs[0].Type != "spawn" || recs[1].Type != "arrive" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fixed := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "events")
		w.SetClock(fixed)
		if err := w.Write(Record{Kind: KindStatus, Line: "x"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = w.Close()
	}
	recs, err := ReadAll(dir, "events")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
}

func TestEventLogger_MirrorsRegistry(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return at }
	reg := registry.New(clock)

	l := NewEventLogger(dir, nil)
	l.Attach(reg, clock)

	reg.AppendEvent(registry.EventSpawn, "w1", "w1 spawned")
	reg.PushStatusLine("workers=1 idle=0 blocked=0 active=1")
	_ = reg.Upsert(registry.Worker{ID: "w1", Status: registry.StatusIdle})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Detached: nothing more is queued.
	reg.AppendEvent(registry.EventArrive, "w1", "ignored")

	recs, err := ReadAll(filepath.Join(dir, "events"), "events")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].Kind != KindEvent || recs[0].WorkerID != "w1" || !recs[0].At.Equal(at) {
		t.Fatalf("event record = %+v", recs[0])
	}
	if recs[1].Kind != KindStatus || recs[1].Line == "" {
		t.Fatalf("status record = %+v", recs[1])
	}
	if l.Written() != 2 || l.Dropped() != 0 {
		t.Fatalf("written=%d dropped=%d", l.Written(), l.Dropped())
	}
}

func TestReadAll_Empty(t *testing.T) {
	recs, err := ReadAll(t.TempDir(), "events")
	if err != nil || len(recs) != 0 {
		t.Fatalf("recs=%v err=%v", recs, err)
	}
}

func TestJSONLZstdWriter_OnCloseReportsFinishedFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })
	var closed []string
	w.SetOnClose(func(path string) { closed = append(closed, filepath.Base(path)) })

	_ = w.Write(Record{Kind: KindEvent, Type: "spawn"})
	if len(closed) != 0 {
		t.Fatalf("closed early: %v", closed)
	}
	now = now.Add(time.Hour)
	_ = w.Write(Record{Kind: KindEvent, Type: "arrive"})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed) != 2 || closed[0] != "events-2026-03-01-10.jsonl.zst" || closed[1] != "events-2026-03-01-11.jsonl.zst" {
		t.Fatalf("closed = %v", closed)
	}
	// A second Close has no open file to report.
	_ = w.Close()
	if len(closed) != 2 {
		t.Fatalf("closed again: %v", closed)
	}
}
