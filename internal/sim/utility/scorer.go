// Package utility ranks candidate regions for a worker.
//
// Each candidate gets five factors in [0,1] (proximity, urgency, activity,
// affinity, capacity) combined by configured weights. Selection draws at
// random among the best few, weighted by score, so workers spread out
// instead of piling onto the single best region.
package utility

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/expr-lang/expr/vm"

	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/registry"
)

var ErrNoCandidates = errors.New("no candidate regions")

type Factors struct {
	Proximity float64 `json:"proximity"`
	Urgency   float64 `json:"urgency"`
	Activity  float64 `json:"activity"`
	Affinity  float64 `json:"affinity"`
	Capacity  float64 `json:"capacity"`
}

type Score struct {
	Region  catalogs.Region `json:"region"`
	Factors Factors         `json:"factors"`
	Total   float64         `json:"total"`
}

type compiledRule struct {
	Rule
	prog *vm.Program
}

type Scorer struct {
	cfg  Config
	cats *catalogs.Catalogs
	now  func() time.Time

	lastActivity map[string]time.Time
	assigned     map[string]int
	urgency      map[string]float64 // adapted, per region type
	rules        []compiledRule
}

// New compiles the feedback rules and returns a scorer. now supplies the
// simulation clock used by the activity factor.
func New(cfg Config, cats *catalogs.Catalogs, now func() time.Time) (*Scorer, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cats == nil {
		return nil, errors.New("utility: nil catalogs")
	}
	if now == nil {
		now = time.Now
	}
	rules, err := compileRules(cfg.Feedback)
	if err != nil {
		return nil, err
	}
	return &Scorer{
		cfg:          cfg,
		cats:         cats,
		now:          now,
		lastActivity: map[string]time.Time{},
		assigned:     map[string]int{},
		urgency:      map[string]float64{},
		rules:        rules,
	}, nil
}

func (s *Scorer) Config() Config { return s.cfg }

// Touch records worker activity in a region at t.
func (s *Scorer) Touch(regionID string, t time.Time) {
	s.lastActivity[regionID] = t
}

// SetAssigned replaces the per-region occupancy used by the capacity factor.
func (s *Scorer) SetAssigned(counts map[string]int) {
	s.assigned = make(map[string]int, len(counts))
	for k, v := range counts {
		s.assigned[k] = v
	}
}

// Assign bumps occupancy for a region between SetAssigned refreshes.
func (s *Scorer) Assign(regionID string, delta int) {
	n := s.assigned[regionID] + delta
	if n < 0 {
		n = 0
	}
	s.assigned[regionID] = n
}

// Urgency returns the effective urgency of a region.
func (s *Scorer) Urgency(r catalogs.Region) float64 {
	if v, ok := s.urgency[r.Type]; ok {
		return v
	}
	return clamp01(r.Urgency)
}

func (s *Scorer) Factors(w registry.Worker, r catalogs.Region) Factors {
	var f Factors

	diag := s.cats.World.Diagonal()
	if diag > 0 {
		f.Proximity = clamp01(1 - w.Pos.Dist(r.Center())/diag)
	}

	f.Urgency = s.Urgency(r)

	if last, ok := s.lastActivity[r.ID]; ok && s.cfg.DecayWindow > 0 {
		f.Activity = clamp01(float64(s.now().Sub(last)) / float64(s.cfg.DecayWindow))
	} else {
		f.Activity = 1
	}

	f.Affinity = clamp01(s.cats.Affinity.Lookup(w.Kind, r.Type))

	softCap := r.Capacity
	if softCap <= 0 {
		softCap = s.cfg.DefaultSoftCap
	}
	f.Capacity = 1 - math.Min(float64(s.assigned[r.ID])/float64(softCap), 1)

	return f
}

// Score evaluates one candidate. It does not mutate the scorer.
func (s *Scorer) Score(w registry.Worker, r catalogs.Region) Score {
	f := s.Factors(w, r)
	wt := s.cfg.Weights
	total := wt.Proximity*f.Proximity +
		wt.Urgency*f.Urgency +
		wt.Activity*f.Activity +
		wt.Affinity*f.Affinity +
		wt.Capacity*f.Capacity
	return Score{Region: r, Factors: f, Total: total}
}

// Rank scores every candidate, best first. Equal totals are ordered by
// region id.
func (s *Scorer) Rank(w registry.Worker, candidates []catalogs.Region) []Score {
	out := make([]Score, 0, len(candidates))
	for _, r := range candidates {
		out = append(out, s.Score(w, r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Region.ID < out[j].Region.ID
	})
	return out
}

// Select ranks candidates and draws one of the top N with probability
// proportional to its score. f returns values in [0,1). If the top N all
// score zero the best-ranked candidate is returned without drawing.
func (s *Scorer) Select(w registry.Worker, candidates []catalogs.Region, f func() float64) (Score, error) {
	if len(candidates) == 0 {
		return Score{}, ErrNoCandidates
	}
	ranked := s.Rank(w, candidates)
	top := ranked
	if len(top) > s.cfg.TopN {
		top = top[:s.cfg.TopN]
	}

	var sum float64
	for _, sc := range top {
		if sc.Total > 0 {
			sum += sc.Total
		}
	}
	if sum <= 0 || f == nil {
		return top[0], nil
	}

	target := f() * sum
	var acc float64
	last := top[0]
	for _, sc := range top {
		if sc.Total <= 0 {
			continue
		}
		last = sc
		acc += sc.Total
		if target < acc {
			return sc, nil
		}
	}
	return last, nil
}

func clamp01(x float64) float64 {
	if x < 0 || math.IsNaN(x) {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
