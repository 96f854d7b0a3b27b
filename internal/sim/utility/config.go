package utility

import (
	"errors"
	"fmt"
	"time"
)

type Weights struct {
	Proximity float64 `yaml:"proximity" json:"proximity"`
	Urgency   float64 `yaml:"urgency" json:"urgency"`
	Activity  float64 `yaml:"activity" json:"activity"`
	Affinity  float64 `yaml:"affinity" json:"affinity"`
	Capacity  float64 `yaml:"capacity" json:"capacity"`
}

// Rule raises or lowers the urgency of one region type while When holds.
// When is an expression over the signal names passed to ApplySignals, e.g.
// "blocked_ratio > 0.3".
type Rule struct {
	When       string  `yaml:"when"`
	RegionType string  `yaml:"region_type"`
	Delta      float64 `yaml:"delta"`
}

type Config struct {
	Weights        Weights       `yaml:"weights"`
	DecayWindow    time.Duration `yaml:"decay_window"`
	DefaultSoftCap int           `yaml:"default_soft_cap"`
	TopN           int           `yaml:"top_n"`
	Feedback       []Rule        `yaml:"feedback"`
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Proximity: 0.25,
			Urgency:   0.30,
			Activity:  0.15,
			Affinity:  0.20,
			Capacity:  0.10,
		},
		DecayWindow:    10 * time.Second,
		DefaultSoftCap: 3,
		TopN:           3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DecayWindow <= 0 {
		c.DecayWindow = d.DecayWindow
	}
	if c.DefaultSoftCap <= 0 {
		c.DefaultSoftCap = d.DefaultSoftCap
	}
	if c.TopN <= 0 {
		c.TopN = d.TopN
	}
}

func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"proximity": w.Proximity,
		"urgency":   w.Urgency,
		"activity":  w.Activity,
		"affinity":  w.Affinity,
		"capacity":  w.Capacity,
	} {
		if v < 0 {
			return fmt.Errorf("weights.%s: negative weight %v", name, v)
		}
	}
	for i, r := range c.Feedback {
		if r.When == "" {
			return fmt.Errorf("feedback[%d]: empty when", i)
		}
		if r.RegionType == "" {
			return fmt.Errorf("feedback[%d]: empty region_type", i)
		}
	}
	if c.DecayWindow < 0 {
		return errors.New("decay_window: negative")
	}
	return nil
}
