package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.Timers.Tick != 100*time.Millisecond || tu.Timers.Heartbeat != 5*time.Second {
		t.Fatalf("timers = %+v", tu.Timers)
	}
	if tu.Behavior.FailChance != 0.006 {
		t.Fatalf("fail chance = %v", tu.Behavior.FailChance)
	}
	if tu.Utility.DecayWindow != 10*time.Second || len(tu.Utility.Feedback) == 0 {
		t.Fatalf("utility = %+v", tu.Utility)
	}
	if tu.Persistence.KeepSnapshots != 48 || tu.Persistence.ArchiveEveryTicks != 36000 {
		t.Fatalf("persistence = %+v", tu.Persistence)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("world:\n  population_cap: 3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := Defaults()
	if tu.World.PopulationCap != 3 {
		t.Fatalf("cap = %d", tu.World.PopulationCap)
	}
	if tu.Timers != d.Timers || tu.Behavior.SpeedMax != d.Behavior.SpeedMax {
		t.Fatalf("defaults lost: %+v", tu.Timers)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Tuning){
		"cap":         func(t *Tuning) { t.World.PopulationCap = 0 },
		"spawn":       func(t *Tuning) { t.World.SpawnChance = 1.5 },
		"tick":        func(t *Tuning) { t.Timers.Tick = 0 },
		"fail chance": func(t *Tuning) { t.Behavior.FailChance = -0.1 },
		"speed range": func(t *Tuning) { t.Behavior.SpeedMin = 9 },
		"weight":      func(t *Tuning) { t.Utility.Weights.Urgency = -1 },
		"max speed":   func(t *Tuning) { t.Steering.MaxSpeed = 0 },
		"keep":        func(t *Tuning) { t.Persistence.KeepSnapshots = -1 },
		"decelerate":  func(t *Tuning) { t.Steering.ArriveRadius = 60 },
		"clamp":       func(t *Tuning) { t.Steering.MaxSpeed = 4 },
		"push":        func(t *Tuning) { t.World.SeparationWeight = 2 },
	}
	for name, mut := range cases {
		tu := Defaults()
		mut(&tu)
		if err := tu.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	_ = os.WriteFile(p, []byte("timers: [oops"), 0o644)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}
