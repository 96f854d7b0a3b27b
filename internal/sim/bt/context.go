package bt

import (
	"errors"
	"fmt"
	"time"

	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/motion"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/steering"
	"workyard.ai/internal/sim/utility"
)

// Rand is the random source threaded through every handler. *rand.Rand
// satisfies it.
type Rand interface {
	Float64() float64
}

// Behavior holds every probability and bump range the handlers use.
type Behavior struct {
	RecoverChance      float64 `yaml:"recover_chance"`
	ReassignChance     float64 `yaml:"reassign_chance"`
	FailChance         float64 `yaml:"fail_chance"`
	FilesTouchedChance float64 `yaml:"files_touched_chance"`

	HoldDrainMin    int64   `yaml:"hold_drain_min"`
	HoldDrainMax    int64   `yaml:"hold_drain_max"`
	TokenBumpMin    int64   `yaml:"token_bump_min"`
	TokenBumpMax    int64   `yaml:"token_bump_max"`
	ProgressBumpMin float64 `yaml:"progress_bump_min"`
	ProgressBumpMax float64 `yaml:"progress_bump_max"`

	// Speeds are world units per tick.
	SpeedMin float64 `yaml:"speed_min"`
	SpeedMax float64 `yaml:"speed_max"`

	ArriveEpsilon float64 `yaml:"arrive_epsilon"`
	GoalMargin    float64 `yaml:"goal_margin"`

	FailureMessages []string `yaml:"failure_messages"`
}

func DefaultBehavior() Behavior {
	return Behavior{
		RecoverChance:      0.02,
		ReassignChance:     0.01,
		FailChance:         0.006,
		FilesTouchedChance: 0.05,
		HoldDrainMin:       1,
		HoldDrainMax:       5,
		TokenBumpMin:       10,
		TokenBumpMax:       60,
		ProgressBumpMin:    1,
		ProgressBumpMax:    3,
		SpeedMin:           3,
		SpeedMax:           6,
		ArriveEpsilon:      10,
		GoalMargin:         12,
		FailureMessages: []string{
			"tool call timed out",
			"rate limited by upstream",
			"merge conflict",
			"test suite red",
		},
	}
}

func (b Behavior) Validate() error {
	for name, p := range map[string]float64{
		"recover_chance":       b.RecoverChance,
		"reassign_chance":      b.ReassignChance,
		"fail_chance":          b.FailChance,
		"files_touched_chance": b.FilesTouchedChance,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("behavior.%s: %v outside [0,1]", name, p)
		}
	}
	if b.HoldDrainMin < 0 || b.HoldDrainMin > b.HoldDrainMax {
		return fmt.Errorf("behavior.hold_drain: bad range [%d,%d]", b.HoldDrainMin, b.HoldDrainMax)
	}
	if b.TokenBumpMin < 0 || b.TokenBumpMin > b.TokenBumpMax {
		return fmt.Errorf("behavior.token_bump: bad range [%d,%d]", b.TokenBumpMin, b.TokenBumpMax)
	}
	if b.ProgressBumpMin <= 0 || b.ProgressBumpMin > b.ProgressBumpMax {
		return fmt.Errorf("behavior.progress_bump: bad range [%v,%v]", b.ProgressBumpMin, b.ProgressBumpMax)
	}
	if b.SpeedMin <= 0 || b.SpeedMin > b.SpeedMax {
		return fmt.Errorf("behavior.speed: bad range [%v,%v]", b.SpeedMin, b.SpeedMax)
	}
	if b.ArriveEpsilon <= 0 {
		return errors.New("behavior.arrive_epsilon: must be positive")
	}
	if b.GoalMargin < 0 {
		return errors.New("behavior.goal_margin: negative")
	}
	return nil
}

// Context is everything a tick can read or mutate. Worker is refreshed from
// the registry before the tick and after every handler write.
type Context struct {
	Worker   registry.Worker
	Registry *registry.Registry
	Motion   *motion.Table
	Scorer   *utility.Scorer
	Steering *steering.Steering // nil: moving workers seek directly
	Catalogs *catalogs.Catalogs
	Rand     Rand
	Behavior Behavior
	Now      time.Time

	OnArrive   func(c *Context)
	OnComplete func(c *Context)
}

// Load points c at worker id. It reports false if the worker is gone.
func (c *Context) Load(id string) bool {
	w, ok := c.Registry.Get(id)
	if !ok {
		return false
	}
	c.Worker = w
	return true
}

// Update mutates the current worker through the registry and refreshes
// c.Worker.
func (c *Context) Update(fn func(w *registry.Worker)) error {
	id := c.Worker.ID
	if err := c.Registry.Update(id, fn); err != nil {
		return err
	}
	c.Load(id)
	return nil
}

func (c *Context) Event(typ, detail string) {
	c.Registry.AppendEvent(typ, c.Worker.ID, detail)
}

func (c *Context) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	return c.Rand.Float64() < p
}

func (c *Context) intn(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	n := lo + int64(c.Rand.Float64()*float64(hi-lo+1))
	if n > hi {
		n = hi
	}
	return n
}

func (c *Context) uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + c.Rand.Float64()*(hi-lo)
}

func (c *Context) pick(list []string) string {
	if len(list) == 0 {
		return ""
	}
	i := int(c.Rand.Float64() * float64(len(list)))
	if i >= len(list) {
		i = len(list) - 1
	}
	return list[i]
}
