// Package motion holds transient movement state for workers in transit.
package motion

import "workyard.ai/internal/sim/geom"

type State struct {
	Velocity geom.Vec2
	Goal     geom.Vec2
	Speed    float64
}

// Table is keyed by worker id. It is owned by the world loop and is not safe
// for concurrent use.
type Table struct {
	m map[string]*State
}

func NewTable() *Table { return &Table{m: map[string]*State{}} }

func (t *Table) Get(id string) (*State, bool) {
	s, ok := t.m[id]
	return s, ok
}

func (t *Table) Set(id string, s State) {
	cp := s
	t.m[id] = &cp
}

func (t *Table) Delete(id string) { delete(t.m, id) }

func (t *Table) Len() int { return len(t.m) }

// IDs returns the ids with motion state, in no particular order.
func (t *Table) IDs() []string {
	out := make([]string, 0, len(t.m))
	for id := range t.m {
		out = append(out, id)
	}
	return out
}
