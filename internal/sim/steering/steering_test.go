package steering

import (
	"math"
	"testing"

	"workyard.ai/internal/sim/geom"
)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func testSteering() *Steering {
	return New(Params{
		MaxSpeed:         8,
		MaxForce:         2,
		ArriveRadius:     50,
		SeparationRadius: 30,
		CohesionRadius:   100,
		WanderAngle:      math.Pi / 4,
	}, fixedRand(1))
}

func TestSeek(t *testing.T) {
	s := testSteering()
	v := s.Seek(geom.V(0, 0), geom.V(100, 0), 5)
	if v != geom.V(5, 0) {
		t.Fatalf("seek = %+v", v)
	}
	if v := s.Seek(geom.V(3, 3), geom.V(3, 3), 5); !v.IsZero() {
		t.Fatalf("seek at target = %+v", v)
	}
}

func TestArrive_Deceleration(t *testing.T) {
	s := testSteering()
	cases := []struct {
		d    float64
		want float64
	}{
		{d: 200, want: 6},
		{d: 50, want: 6},
		{d: 25, want: 3},
		{d: 5, want: 0.6},
		{d: 0.5, want: 0.06},
	}
	for _, tc := range cases {
		v := s.Arrive(geom.V(0, 0), geom.V(0, tc.d), 6)
		if math.Abs(v.Len()-tc.want) > 1e-9 {
			t.Fatalf("arrive d=%v |v|=%v want %v", tc.d, v.Len(), tc.want)
		}
		if v.X != 0 || v.Y <= 0 {
			t.Fatalf("arrive d=%v wrong direction %+v", tc.d, v)
		}
	}
	if v := s.Arrive(geom.V(7, 7), geom.V(7, 7), 6); !v.IsZero() {
		t.Fatalf("arrive at goal = %+v", v)
	}
}

func TestFlee(t *testing.T) {
	s := testSteering()
	v := s.Flee(geom.V(0, 0), geom.V(10, 0), 4)
	if v != geom.V(-4, 0) {
		t.Fatalf("flee = %+v", v)
	}
}

func TestSeparation(t *testing.T) {
	s := testSteering()
	if v := s.Separation(geom.V(0, 0), nil); !v.IsZero() || math.IsNaN(v.X) || math.IsNaN(v.Y) {
		t.Fatalf("separation(empty) = %+v", v)
	}
	if v := s.Separation(geom.V(0, 0), []geom.Vec2{{X: 0, Y: 0}}); !v.IsZero() {
		t.Fatalf("separation(coincident) = %+v", v)
	}
	if v := s.Separation(geom.V(0, 0), []geom.Vec2{{X: 500, Y: 0}}); !v.IsZero() {
		t.Fatalf("separation(out of range) = %+v", v)
	}
	v := s.Separation(geom.V(0, 0), []geom.Vec2{{X: 10, Y: 0}})
	if v.X >= 0 || math.Abs(v.Y) > 1e-12 {
		t.Fatalf("separation direction = %+v", v)
	}
	if math.Abs(v.Len()-2) > 1e-9 {
		t.Fatalf("separation should clamp to max force: |v|=%v", v.Len())
	}
}

func TestCohesion(t *testing.T) {
	s := testSteering()
	if v := s.Cohesion(geom.V(0, 0), nil); !v.IsZero() {
		t.Fatalf("cohesion(empty) = %+v", v)
	}
	v := s.Cohesion(geom.V(0, 0), []geom.Vec2{{X: 0, Y: 20}, {X: 0, Y: 40}, {X: 900, Y: 900}})
	if math.Abs(v.Len()-4) > 1e-9 || v.Y <= 0 || math.Abs(v.X) > 1e-12 {
		t.Fatalf("cohesion = %+v", v)
	}
}

func TestWander(t *testing.T) {
	s := testSteering()
	v := s.Wander(geom.V(2, 0), 1)
	if math.Abs(v.Len()-2) > 1e-9 {
		t.Fatalf("wander changed speed: %v", v.Len())
	}
	want := geom.V(2, 0).Rotate(math.Pi / 4)
	if math.Abs(v.X-want.X) > 1e-9 || math.Abs(v.Y-want.Y) > 1e-9 {
		t.Fatalf("wander = %+v want %+v", v, want)
	}
	if v := s.Wander(geom.V(2, 0), 0); v != geom.V(2, 0) {
		t.Fatalf("wander strength 0 = %+v", v)
	}
}

func TestCombine(t *testing.T) {
	s := testSteering()
	v := s.Combine(
		Weighted{V: geom.V(4, 0), Weight: 1},
		Weighted{V: geom.V(0, 2), Weight: 0.5},
	)
	if v != geom.V(4, 1) {
		t.Fatalf("combine = %+v", v)
	}
	v = s.Combine(Weighted{V: geom.V(100, 0), Weight: 1})
	if math.Abs(v.Len()-8) > 1e-9 {
		t.Fatalf("combine clamp |v|=%v", v.Len())
	}
}
