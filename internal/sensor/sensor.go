// Package sensor is the motion-sensor boundary used by followers to fill
// telemetry frames.
package sensor

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

var ErrUnavailable = errors.New("sensor: unavailable")

// Kinds lists the names accepted by ByName.
var Kinds = []string{"random", "failing", "none"}

// ByName returns the sensor for a CLI name. "none" returns nil, which makes
// Sample use its fallback generator.
func ByName(name string, seed uint64) (Sensor, error) {
	switch name {
	case "random":
		return NewRandom(seed), nil
	case "failing":
		return Failing{}, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("sensor: unknown kind %q", name)
}

// Sensor exposes synchronous accelerometer and gyroscope reads.
type Sensor interface {
	ReadAcceleration() (protocol.Vector, error)
	ReadGyro() (protocol.Vector, error)
}

// Reading is one sample of both axes triples.
type Reading struct {
	Accel    protocol.Vector
	Gyro     protocol.Vector
	Fallback bool // at least one axis came from the fallback generator
}

// Sample reads s. A nil sensor or a failed read falls back to pseudo-random
// values: accel in [0,100), gyro in [0,50).
func Sample(s Sensor, rng *rand.Rand) Reading {
	var r Reading
	var err error
	if s != nil {
		r.Accel, err = s.ReadAcceleration()
	}
	if s == nil || err != nil {
		r.Accel = randomVector(rng, 100)
		r.Fallback = true
	}
	if s != nil {
		r.Gyro, err = s.ReadGyro()
	}
	if s == nil || err != nil {
		r.Gyro = randomVector(rng, 50)
		r.Fallback = true
	}
	return r
}

func randomVector(rng *rand.Rand, limit int) protocol.Vector {
	return protocol.Vector{
		X: int16(rng.IntN(limit)),
		Y: int16(rng.IntN(limit)),
		Z: int16(rng.IntN(limit)),
	}
}

// Static always returns the same readings.
type Static struct {
	Accel, Gyro protocol.Vector
}

func (s Static) ReadAcceleration() (protocol.Vector, error) { return s.Accel, nil }
func (s Static) ReadGyro() (protocol.Vector, error)         { return s.Gyro, nil }

// Random draws readings from rng in the same ranges as the fallback.
type Random struct {
	rng *rand.Rand
}

func NewRandom(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
}

func (r *Random) ReadAcceleration() (protocol.Vector, error) { return randomVector(r.rng, 100), nil }
func (r *Random) ReadGyro() (protocol.Vector, error)         { return randomVector(r.rng, 50), nil }

// Failing is a sensor whose reads always fail, e.g. a disconnected IMU.
type Failing struct{}

func (Failing) ReadAcceleration() (protocol.Vector, error) { return protocol.Vector{}, ErrUnavailable }
func (Failing) ReadGyro() (protocol.Vector, error)         { return protocol.Vector{}, ErrUnavailable }
