package utility

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/expr-lang/expr"
)

// Adjustment records one urgency change made by ApplySignals.
type Adjustment struct {
	RegionType string  `json:"region_type"`
	From       float64 `json:"from"`
	To         float64 `json:"to"`
	Rule       string  `json:"rule"`
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		prog, err := expr.Compile(r.When, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("feedback[%d] %q: %w", i, r.When, err)
		}
		out = append(out, compiledRule{Rule: r, prog: prog})
	}
	return out, nil
}

// ApplySignals runs every feedback rule against signals and nudges the
// urgency of matching region types by the rule delta, clamped to [0,1].
// Adaptations accumulate across calls until ResetUrgency. A rule whose
// expression fails to evaluate is skipped and reported in the returned error;
// the remaining rules still apply.
func (s *Scorer) ApplySignals(signals map[string]float64) ([]Adjustment, error) {
	env := make(map[string]any, len(signals))
	for k, v := range signals {
		env[k] = v
	}

	var adj []Adjustment
	var errs []error
	for _, r := range s.rules {
		out, err := expr.Run(r.prog, env)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.When, err))
			continue
		}
		fire, _ := out.(bool)
		if !fire {
			continue
		}
		from := s.typeUrgency(r.RegionType)
		to := clamp01(from + r.Delta)
		s.urgency[r.RegionType] = to
		adj = append(adj, Adjustment{RegionType: r.RegionType, From: from, To: to, Rule: r.When})
	}
	return adj, errors.Join(errs...)
}

// ResetUrgency drops every adaptation so regions fall back to their static
// urgency.
func (s *Scorer) ResetUrgency() {
	s.urgency = map[string]float64{}
}

// AdaptedUrgency returns a copy of the per-type adaptations.
func (s *Scorer) AdaptedUrgency() map[string]float64 {
	out := make(map[string]float64, len(s.urgency))
	for k, v := range s.urgency {
		out[k] = v
	}
	return out
}

// typeUrgency is the current rating of a region type: the adapted value when
// one exists, otherwise the mean static urgency of regions of that type.
func (s *Scorer) typeUrgency(regionType string) float64 {
	if v, ok := s.urgency[regionType]; ok {
		return v
	}
	var sum float64
	n := 0
	for _, r := range s.cats.Regions.List {
		if r.Type == regionType {
			sum += r.Urgency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return clamp01(sum / float64(n))
}

// Signals builds the standard signal map from status and region-type
// occupancy counts: idle_ratio, blocked_ratio, working_ratio, workers and
// occ_<type> (share of workers targeting that type).
func Signals(byStatus map[string]int, byType map[string]int) map[string]float64 {
	total := 0
	for _, n := range byStatus {
		total += n
	}
	out := map[string]float64{"workers": float64(total)}
	ratio := func(n int) float64 {
		if total == 0 {
			return 0
		}
		return float64(n) / float64(total)
	}
	out["idle_ratio"] = ratio(byStatus["idle"])
	out["blocked_ratio"] = ratio(byStatus["blocked"])
	out["working_ratio"] = ratio(byStatus["working"])

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		out["occ_"+t] = ratio(byType[t])
	}
	return out
}

// Activity returns a copy of the last recorded activity per region.
func (s *Scorer) Activity() map[string]time.Time {
	out := make(map[string]time.Time, len(s.lastActivity))
	for k, v := range s.lastActivity {
		out[k] = v
	}
	return out
}

// Restore replaces adapted urgency and activity, as read back from a
// snapshot. Nil maps clear the corresponding state.
func (s *Scorer) Restore(urgency map[string]float64, activity map[string]time.Time) {
	s.urgency = make(map[string]float64, len(urgency))
	for k, v := range urgency {
		s.urgency[k] = clamp01(v)
	}
	s.lastActivity = make(map[string]time.Time, len(activity))
	for k, v := range activity {
		s.lastActivity[k] = v
	}
}
