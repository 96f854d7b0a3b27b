package geom

import "math"

// Rect is an axis-aligned box anchored at its top-left corner.
type Rect struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	W float64 `json:"w" yaml:"w"`
	H float64 `json:"h" yaml:"h"`
}

func (r Rect) Center() Vec2 { return Vec2{X: r.X + r.W/2, Y: r.Y + r.H/2} }

func (r Rect) Contains(p Vec2) bool {
	return p.X >= r.X && p.X <= r.X+r.W && p.Y >= r.Y && p.Y <= r.Y+r.H
}

func (r Rect) Diagonal() float64 { return math.Hypot(r.W, r.H) }

// Sample picks a uniform point inside r shrunk by margin on every side.
// A margin that would invert the box collapses to the center.
func (r Rect) Sample(f func() float64, margin float64) Vec2 {
	w := r.W - 2*margin
	h := r.H - 2*margin
	if w <= 0 || h <= 0 {
		return r.Center()
	}
	return Vec2{
		X: r.X + margin + f()*w,
		Y: r.Y + margin + f()*h,
	}
}
