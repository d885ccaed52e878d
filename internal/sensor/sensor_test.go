package sensor

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

func TestSampleStatic(t *testing.T) {
	s := Static{Accel: protocol.Vector{X: 1, Y: 2, Z: 3}, Gyro: protocol.Vector{X: -1}}
	r := Sample(s, rand.New(rand.NewPCG(1, 1)))
	if r.Fallback {
		t.Fatal("static sensor should not fall back")
	}
	if r.Accel != s.Accel || r.Gyro != s.Gyro {
		t.Fatalf("got %+v", r)
	}
}

func TestSampleFallsBackOnError(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for _, s := range []Sensor{Failing{}, nil} {
		for i := 0; i < 100; i++ {
			r := Sample(s, rng)
			if !r.Fallback {
				t.Fatal("expected fallback")
			}
			for _, v := range []int16{r.Accel.X, r.Accel.Y, r.Accel.Z} {
				if v < 0 || v >= 100 {
					t.Fatalf("accel %d out of [0,100)", v)
				}
			}
			for _, v := range []int16{r.Gyro.X, r.Gyro.Y, r.Gyro.Z} {
				if v < 0 || v >= 50 {
					t.Fatalf("gyro %d out of [0,50)", v)
				}
			}
		}
	}
}

func TestRandomIsDeterministicPerSeed(t *testing.T) {
	a, b := NewRandom(3), NewRandom(3)
	for i := 0; i < 10; i++ {
		va, _ := a.ReadAcceleration()
		vb, _ := b.ReadAcceleration()
		if va != vb {
			t.Fatalf("seeded sensors diverged at %d: %v vs %v", i, va, vb)
		}
	}
}

func TestByName(t *testing.T) {
	s, err := ByName("random", 7)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Random); !ok {
		t.Fatalf("random gave %T", s)
	}
	if r := Sample(s, nil); r.Fallback {
		t.Fatal("random sensor fell back")
	}

	s, err = ByName("failing", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadGyro(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("failing sensor read: %v", err)
	}

	if s, err := ByName("none", 0); err != nil || s != nil {
		t.Fatalf("none gave %v, %v", s, err)
	}
	if _, err := ByName("lidar", 0); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
