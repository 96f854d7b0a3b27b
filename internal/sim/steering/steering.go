// Package steering turns goals and neighbors into per-step velocity vectors.
//
// Every behavior returns a velocity in world units per tick. Behaviors never
// mutate their inputs; combining them is the caller's job.
package steering

import (
	"math"

	"workyard.ai/internal/sim/geom"
)

type Params struct {
	MaxSpeed         float64 `yaml:"max_speed"`
	MaxForce         float64 `yaml:"max_force"`
	ArriveRadius     float64 `yaml:"arrive_radius"`
	SeparationRadius float64 `yaml:"separation_radius"`
	CohesionRadius   float64 `yaml:"cohesion_radius"`
	// WanderAngle is the largest rotation (radians) applied at strength 1.
	WanderAngle float64 `yaml:"wander_angle"`
}

func DefaultParams() Params {
	return Params{
		MaxSpeed:         6,
		MaxForce:         1.5,
		ArriveRadius:     10,
		SeparationRadius: 28,
		CohesionRadius:   120,
		WanderAngle:      0.35,
	}
}

// Rand is the random source used by Wander.
type Rand interface {
	Float64() float64
}

type Steering struct {
	P    Params
	Rand Rand
}

func New(p Params, r Rand) *Steering {
	return &Steering{P: p, Rand: r}
}

// Seek heads straight for target at speed.
func (s *Steering) Seek(pos, target geom.Vec2, speed float64) geom.Vec2 {
	return target.Sub(pos).Normalize().Scale(speed)
}

// Arrive is Seek with linear deceleration inside ArriveRadius.
func (s *Steering) Arrive(pos, target geom.Vec2, speed float64) geom.Vec2 {
	d := target.Sub(pos)
	dist := d.Len()
	if dist == 0 {
		return geom.Vec2{}
	}
	if s.P.ArriveRadius > 0 && dist < s.P.ArriveRadius {
		speed = speed * dist / s.P.ArriveRadius
	}
	return d.Scale(speed / dist)
}

func (s *Steering) Flee(pos, threat geom.Vec2, speed float64) geom.Vec2 {
	return s.Seek(pos, threat, speed).Scale(-1)
}

// Separation pushes away from neighbors closer than SeparationRadius,
// weighting each push by 1/d. Coincident neighbors carry no direction and are
// ignored.
func (s *Steering) Separation(pos geom.Vec2, neighbors []geom.Vec2) geom.Vec2 {
	var sum geom.Vec2
	n := 0
	for _, nb := range neighbors {
		away := pos.Sub(nb)
		d := away.Len()
		if d <= 0 || d >= s.P.SeparationRadius {
			continue
		}
		sum = sum.Add(away.Scale(1 / (d * d)))
		n++
	}
	if n == 0 {
		return geom.Vec2{}
	}
	avg := sum.Scale(1 / float64(n))
	return avg.Normalize().Scale(s.P.MaxSpeed).Limit(s.P.MaxForce)
}

// Cohesion seeks the centroid of neighbors within CohesionRadius at half
// MaxSpeed.
func (s *Steering) Cohesion(pos geom.Vec2, neighbors []geom.Vec2) geom.Vec2 {
	in := make([]geom.Vec2, 0, len(neighbors))
	for _, nb := range neighbors {
		if pos.Dist(nb) < s.P.CohesionRadius {
			in = append(in, nb)
		}
	}
	if len(in) == 0 {
		return geom.Vec2{}
	}
	return s.Seek(pos, geom.Centroid(in), s.P.MaxSpeed/2)
}

// Wander rotates velocity by a random angle in [-WanderAngle, WanderAngle]
// scaled by strength.
func (s *Steering) Wander(velocity geom.Vec2, strength float64) geom.Vec2 {
	if s.Rand == nil || velocity.IsZero() || strength == 0 {
		return velocity
	}
	a := (s.Rand.Float64()*2 - 1) * s.P.WanderAngle * strength
	return velocity.Rotate(a)
}

type Weighted struct {
	V      geom.Vec2
	Weight float64
}

// Combine sums weighted forces and clamps the result to MaxSpeed.
func (s *Steering) Combine(forces ...Weighted) geom.Vec2 {
	var sum geom.Vec2
	for _, f := range forces {
		if math.IsNaN(f.V.X) || math.IsNaN(f.V.Y) {
			continue
		}
		sum = sum.Add(f.V.Scale(f.Weight))
	}
	return sum.Limit(s.P.MaxSpeed)
}
