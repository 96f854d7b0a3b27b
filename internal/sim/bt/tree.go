// Package bt is the per-worker decision engine.
//
// Trees are described with a closed set of node kinds (Composite, Condition,
// Action) and lowered once onto go-behaviortree, which supplies the
// Selector/Sequence semantics and the tri-state Status. A lowered Tree is
// ticked with a *Context naming the worker under evaluation.
package bt

import (
	"fmt"

	bt "github.com/joeycumines/go-behaviortree"
)

type Status = bt.Status

const (
	Running = bt.Running
	Success = bt.Success
	Failure = bt.Failure
)

// Node is a tree description. The set of implementations is closed.
type Node interface {
	lower(slot *slot) bt.Node
}

type CompositeKind int

const (
	KindSelector CompositeKind = iota + 1
	KindSequence
)

func (k CompositeKind) String() string {
	switch k {
	case KindSelector:
		return "selector"
	case KindSequence:
		return "sequence"
	}
	return fmt.Sprintf("composite(%d)", int(k))
}

type Composite struct {
	Kind     CompositeKind
	Name     string
	Children []Node
}

// Selector succeeds on the first child that succeeds, reports Running on the
// first child still running, and fails only when every child fails.
func Selector(name string, children ...Node) *Composite {
	return &Composite{Kind: KindSelector, Name: name, Children: children}
}

// Sequence fails on the first failing child, reports Running on the first
// child still running, and succeeds only when every child succeeds.
func Sequence(name string, children ...Node) *Composite {
	return &Composite{Kind: KindSequence, Name: name, Children: children}
}

type Condition struct {
	Name string
	Pred func(c *Context) bool
}

type Action struct {
	Name string
	Run  func(c *Context) Status
}

func Cond(name string, pred func(c *Context) bool) *Condition {
	return &Condition{Name: name, Pred: pred}
}

func Act(name string, run func(c *Context) Status) *Action {
	return &Action{Name: name, Run: run}
}

// slot carries the context of the tick in progress to the lowered closures.
type slot struct {
	cur *Context
}

func (n *Composite) lower(s *slot) bt.Node {
	children := make([]bt.Node, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, c.lower(s))
	}
	var tick bt.Tick
	switch n.Kind {
	case KindSelector:
		tick = bt.Selector
	case KindSequence:
		tick = bt.Sequence
	default:
		kind := n.Kind
		tick = func([]bt.Node) (bt.Status, error) {
			return bt.Failure, fmt.Errorf("bt: unknown composite kind %s", kind)
		}
	}
	return bt.New(tick, children...)
}

func (n *Condition) lower(s *slot) bt.Node {
	pred := n.Pred
	return bt.New(func([]bt.Node) (bt.Status, error) {
		if pred != nil && pred(s.cur) {
			return bt.Success, nil
		}
		return bt.Failure, nil
	})
}

func (n *Action) lower(s *slot) bt.Node {
	run := n.Run
	name := n.Name
	return bt.New(func([]bt.Node) (bt.Status, error) {
		if run == nil {
			return bt.Failure, fmt.Errorf("bt: action %s has no handler", name)
		}
		st := run(s.cur)
		switch st {
		case bt.Running, bt.Success, bt.Failure:
			return st, nil
		}
		return bt.Failure, fmt.Errorf("bt: action %s returned invalid status %v", name, st)
	})
}

// Tree is a lowered description. It is not safe for concurrent ticks.
type Tree struct {
	root bt.Node
	slot *slot
}

func New(root Node) *Tree {
	s := &slot{}
	return &Tree{root: root.lower(s), slot: s}
}

// Tick evaluates the tree once against c.
func (t *Tree) Tick(c *Context) (Status, error) {
	t.slot.cur = c
	defer func() { t.slot.cur = nil }()
	return t.root.Tick()
}
