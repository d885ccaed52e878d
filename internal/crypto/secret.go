package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
)

const SecretSize = 32

var ErrBadSecret = errors.New("crypto: secret must be 32 hex-encoded bytes")

// Secret is the swarm-wide key material pipe addresses are derived from.
// Every drone and the ground station of one swarm share it.
type Secret struct {
	Key [SecretSize]byte `json:"-"`

	// Serialized form for JSON
	KeyHex string `json:"key"`
	Swarm  string `json:"swarm"`
}

func GenerateSecret(swarm string) (*Secret, error) {
	s := &Secret{Swarm: swarm}
	if _, err := io.ReadFull(rand.Reader, s.Key[:]); err != nil {
		return nil, err
	}
	s.KeyHex = hex.EncodeToString(s.Key[:])
	return s, nil
}

// SecretFromHex parses a hex-encoded key.
func SecretFromHex(swarm, h string) (*Secret, error) {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != SecretSize {
		return nil, ErrBadSecret
	}
	s := &Secret{Swarm: swarm, KeyHex: h}
	copy(s.Key[:], b)
	return s, nil
}

func (s *Secret) Save(path string) error {
	s.KeyHex = hex.EncodeToString(s.Key[:])
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func LoadSecret(path string) (*Secret, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var raw Secret
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, err
	}
	return SecretFromHex(raw.Swarm, raw.KeyHex)
}
