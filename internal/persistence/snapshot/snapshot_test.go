package snapshot

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap", "42.snap.zst")
	in := SnapshotV1{
		Header:     Header{WorldID: "yard", Tick: 42},
		Seed:       7,
		ClockNanos: 4_200_000_000,
		Workers: []WorkerV1{
			{ID: "a", Name: "Ada", Status: "moving", TargetRegion: "lab", X: 1, Y: 2, GoalX: 50, GoalY: 60, Speed: 4, HasMotion: true},
			{ID: "b", Name: "Bo", Status: "complete", Progress: 100, DespawnPhase: 1},
		},
		Events:         []EventV1{{AtMS: 10, Type: "spawn", WorkerID: "a", Detail: "Ada spawned"}},
		Stats:          StatsV1{Completed: 1, TotalTokens: 300},
		StatusLines:    []string{"workers=2 idle=0 blocked=0 active=1"},
		AdaptedUrgency: map[string]float64{"ops": 0.7},
	}
	if err := WriteSnapshot(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Version != Version || h.Tick != 42 || h.WorldID != "yard" {
		t.Fatalf("header = %+v", h)
	}

	out, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out.Workers) != 2 || out.Workers[0].GoalX != 50 || !out.Workers[0].HasMotion {
		t.Fatalf("workers = %+v", out.Workers)
	}
	if out.Workers[1].DespawnPhase != 1 {
		t.Fatalf("despawn phase lost: %+v", out.Workers[1])
	}
	if out.Stats.TotalTokens != 300 || out.AdaptedUrgency["ops"] != 0.7 {
		t.Fatalf("stats/urgency = %+v %+v", out.Stats, out.AdaptedUrgency)
	}
	if len(out.Events) != 1 || out.Events[0].Detail != "Ada spawned" {
		t.Fatalf("events = %+v", out.Events)
	}
}

func TestReadSnapshot_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.snap.zst")
	if err := WriteSnapshot(path, SnapshotV1{Header: Header{Version: 9}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); !errors.Is(err, ErrVersion) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadSnapshot_Missing(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error")
	}
}
