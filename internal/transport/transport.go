// Package transport defines the radio boundary the swarm protocol drives and
// provides implementations for simulation (in-memory ether), local
// multi-process runs (multicast UDP) and tests.
package transport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxFrameSize is the hard payload limit of the radio.
	MaxFrameSize = 32

	MaxChannel = 125
)

// DataRate selects the on-air bit rate.
type DataRate uint8

const (
	RateLow    DataRate = iota // 250 kbps
	RateMedium                 // 1 Mbps
	RateHigh                   // 2 Mbps
)

func (r DataRate) String() string {
	switch r {
	case RateLow:
		return "250kbps"
	case RateMedium:
		return "1mbps"
	case RateHigh:
		return "2mbps"
	}
	return fmt.Sprintf("rate(%d)", uint8(r))
}

// ParseDataRate accepts low|medium|high.
func ParseDataRate(s string) (DataRate, error) {
	switch strings.ToLower(s) {
	case "low", "250kbps":
		return RateLow, nil
	case "medium", "1mbps":
		return RateMedium, nil
	case "high", "2mbps":
		return RateHigh, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRate, s)
}

// Address is a 40-bit pipe address.
type Address [5]byte

// AddressFromUint64 takes the low 40 bits of v, least significant byte first,
// the way RF24 pipe addresses are written (0xF0F0F0F0D2).
func AddressFromUint64(v uint64) Address {
	var a Address
	for i := range a {
		a[i] = byte(v >> (8 * i))
	}
	return a
}

func (a Address) String() string { return hex.EncodeToString(a[:]) }

var (
	ErrInvalidChannel = errors.New("transport: invalid channel (valid range: 0-125)")
	ErrInvalidRate    = errors.New("transport: invalid data rate")
	ErrClosed         = errors.New("transport: radio closed")
)

// Radio is a half-duplex, payload-limited packet radio.
//
// Receive with peek=true must not consume the frame: a later peek or a
// consuming read returns the same bytes. n is the full length of the frame
// at the head of the receive queue; min(n, len(buf)) bytes are copied.
type Radio interface {
	Configure(channel uint8, rate DataRate) error
	SetAddresses(tx, rx Address) error

	// Send returns false on oversize frames or a missing acknowledgment.
	Send(frame []byte) bool
	Receive(buf []byte, peek bool) (n int, ok bool)

	// LinkDiagnostics reports the retry count of the last send and whether
	// received power was detected since the last call.
	LinkDiagnostics() (retries uint8, rpd bool)

	Close() error
}

func validChannel(ch uint8) error {
	if ch > MaxChannel {
		return ErrInvalidChannel
	}
	return nil
}

// Pipe addresses from the reference hardware setup.
var (
	SwarmPipe  = AddressFromUint64(0xF0F0F0F0D2)
	GroundPipe = AddressFromUint64(0xF0F0F0F0E1)
)

// Channel is one radio context: frequency, rate and pipe addresses.
type Channel struct {
	Number uint8
	Rate   DataRate
	TX, RX Address
}

// DefaultSwarmChannel carries joins, election traffic and telemetry.
func DefaultSwarmChannel() Channel {
	return Channel{Number: 1, Rate: RateMedium, TX: SwarmPipe, RX: SwarmPipe}
}

// DefaultGroundChannel is the leader's uplink slot in dual-context mode.
func DefaultGroundChannel() Channel {
	return Channel{Number: 76, Rate: RateMedium, TX: GroundPipe, RX: GroundPipe}
}

// Tune configures r for c.
func Tune(r Radio, c Channel) error {
	if err := r.Configure(c.Number, c.Rate); err != nil {
		return err
	}
	return r.SetAddresses(c.TX, c.RX)
}
