package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"workyard.ai/internal/sim/bt"
	"workyard.ai/internal/sim/steering"
	"workyard.ai/internal/sim/utility"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	World       World           `yaml:"world"`
	Timers      Timers          `yaml:"timers"`
	Behavior    bt.Behavior     `yaml:"behavior"`
	Steering    steering.Params `yaml:"steering"`
	Utility     utility.Config  `yaml:"utility"`
	Persistence Persistence     `yaml:"persistence"`
}

type World struct {
	Seed          int64   `yaml:"seed"`
	PopulationCap int     `yaml:"population_cap"`
	SpawnChance   float64 `yaml:"spawn_chance"`
	// Moving workers blend arrive and separation with these weights.
	ArriveWeight     float64 `yaml:"arrive_weight"`
	SeparationWeight float64 `yaml:"separation_weight"`
	WanderWeight     float64 `yaml:"wander_weight"`
}

type Timers struct {
	Tick           time.Duration `yaml:"tick"`
	Spawn          time.Duration `yaml:"spawn"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	TerminateDelay time.Duration `yaml:"terminate_delay"`
	RemoveDelay    time.Duration `yaml:"remove_delay"`
}

type Persistence struct {
	// SnapshotEveryHeartbeats writes a snapshot every N heartbeats; 0 disables.
	SnapshotEveryHeartbeats int `yaml:"snapshot_every_heartbeats"`
	// KeepSnapshots bounds the snapshots directory; 0 keeps everything.
	KeepSnapshots int `yaml:"keep_snapshots"`
	// ArchiveEveryTicks copies the first snapshot of each window of this
	// many ticks into archives/; 0 disables.
	ArchiveEveryTicks uint64 `yaml:"archive_every_ticks"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		World: World{
			Seed:             1337,
			PopulationCap:    12,
			SpawnChance:      0.6,
			ArriveWeight:     1.0,
			SeparationWeight: 0.35,
		},
		Timers: Timers{
			Tick:           100 * time.Millisecond,
			Spawn:          2 * time.Second,
			Heartbeat:      5 * time.Second,
			TerminateDelay: 2 * time.Second,
			RemoveDelay:    3 * time.Second,
		},
		Behavior: bt.DefaultBehavior(),
		Steering: steering.DefaultParams(),
		Utility:  utility.DefaultConfig(),
		Persistence: Persistence{
			SnapshotEveryHeartbeats: 12,
			KeepSnapshots:           48,
			ArchiveEveryTicks:       36000,
		},
	}
}

// Load reads path over Defaults, so a file only needs the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.World.PopulationCap <= 0 {
		return errors.New("world.population_cap: must be positive")
	}
	if t.World.SpawnChance < 0 || t.World.SpawnChance > 1 {
		return fmt.Errorf("world.spawn_chance: %v outside [0,1]", t.World.SpawnChance)
	}
	if t.World.ArriveWeight <= 0 || t.World.SeparationWeight < 0 || t.World.WanderWeight < 0 {
		return errors.New("world: steering weights must be non-negative and arrive_weight positive")
	}
	for name, d := range map[string]time.Duration{
		"tick":      t.Timers.Tick,
		"spawn":     t.Timers.Spawn,
		"heartbeat": t.Timers.Heartbeat,
	} {
		if d <= 0 {
			return fmt.Errorf("timers.%s: must be positive", name)
		}
	}
	if t.Timers.TerminateDelay < 0 || t.Timers.RemoveDelay < 0 {
		return errors.New("timers: despawn delays must be non-negative")
	}
	if t.Steering.MaxSpeed <= 0 {
		return errors.New("steering.max_speed: must be positive")
	}
	// Moving workers cover their full speed every tick until they snap.
	if t.Steering.ArriveRadius > t.Behavior.ArriveEpsilon {
		return fmt.Errorf("steering.arrive_radius: %v exceeds behavior.arrive_epsilon %v", t.Steering.ArriveRadius, t.Behavior.ArriveEpsilon)
	}
	if t.Behavior.SpeedMax > t.Steering.MaxSpeed {
		return fmt.Errorf("behavior.speed_max: %v exceeds steering.max_speed %v", t.Behavior.SpeedMax, t.Steering.MaxSpeed)
	}
	if push := t.Steering.MaxForce * t.World.SeparationWeight; t.Behavior.SpeedMin*t.World.ArriveWeight <= push {
		return fmt.Errorf("behavior.speed_min: %v does not outrun the separation push %v", t.Behavior.SpeedMin, push)
	}
	if t.Persistence.SnapshotEveryHeartbeats < 0 || t.Persistence.KeepSnapshots < 0 {
		return errors.New("persistence: snapshot_every_heartbeats and keep_snapshots must be non-negative")
	}
	if err := t.Behavior.Validate(); err != nil {
		return err
	}
	return t.Utility.Validate()
}
