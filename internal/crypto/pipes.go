// Package crypto derives radio pipe addresses from a shared swarm secret.
//
// Addresses are not a security boundary: anyone listening on the channel
// can learn them. Deriving them keeps independent swarms sharing a channel
// from hearing each other's frames.
package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/SeneAlukard/rf24drone/internal/transport"
)

const hkdfInfo = "rf24drone-pipe-v1"

// Pipes is the pair of addresses one swarm uses.
type Pipes struct {
	Swarm  transport.Address
	Ground transport.Address
}

// DerivePipes derives the swarm and ground pipe addresses for s.
func DerivePipes(s *Secret) (Pipes, error) {
	swarm, err := DerivePipe(s, "swarm")
	if err != nil {
		return Pipes{}, err
	}
	ground, err := DerivePipe(s, "ground")
	if err != nil {
		return Pipes{}, err
	}
	return Pipes{Swarm: swarm, Ground: ground}, nil
}

// DerivePipe expands the secret into a 5-byte address for label with
// HKDF-SHA256. Candidates the radio would confuse with its preamble or
// noise are skipped.
func DerivePipe(s *Secret, label string) (transport.Address, error) {
	r := hkdf.New(sha256.New, s.Key[:], []byte(s.Swarm), []byte(hkdfInfo+"/"+label))
	var a transport.Address
	for i := 0; i < 32; i++ {
		if _, err := io.ReadFull(r, a[:]); err != nil {
			return a, fmt.Errorf("crypto: derive %s pipe: %w", label, err)
		}
		if usable(a) {
			return a, nil
		}
	}
	return a, fmt.Errorf("crypto: no usable %s pipe address", label)
}

// usable rejects addresses starting with a preamble-like byte
// (0x55/0xAA) or a constant run (0x00/0xFF).
func usable(a transport.Address) bool {
	switch a[0] {
	case 0x00, 0x55, 0xAA, 0xFF:
		return false
	}
	return true
}
