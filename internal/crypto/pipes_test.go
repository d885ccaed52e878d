package crypto

import (
	"path/filepath"
	"testing"

	"github.com/SeneAlukard/rf24drone/internal/transport"
)

func TestDerivePipesDeterministic(t *testing.T) {
	s, err := GenerateSecret("alpha")
	if err != nil {
		t.Fatal(err)
	}
	a, err := DerivePipes(s)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := DerivePipes(s)
	if a != b {
		t.Fatalf("derivation not deterministic: %v vs %v", a, b)
	}
	if a.Swarm == a.Ground {
		t.Fatal("swarm and ground pipes collide")
	}
	for _, addr := range []transport.Address{a.Swarm, a.Ground} {
		if !usable(addr) {
			t.Fatalf("unusable address %x", addr)
		}
	}
}

func TestDerivePipesDifferPerSwarm(t *testing.T) {
	s, _ := GenerateSecret("alpha")
	other := *s
	other.Swarm = "bravo"

	a, _ := DerivePipes(s)
	b, _ := DerivePipes(&other)
	if a.Swarm == b.Swarm {
		t.Fatal("different swarm names derived the same pipe")
	}
}

func TestSecretSaveLoad(t *testing.T) {
	s, _ := GenerateSecret("alpha")
	path := filepath.Join(t.TempDir(), "swarm.json")
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSecret(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != s.Key || got.Swarm != "alpha" {
		t.Fatalf("loaded %+v", got)
	}
}

func TestSecretFromHexRejectsShort(t *testing.T) {
	if _, err := SecretFromHex("x", "abcd"); err != ErrBadSecret {
		t.Fatalf("expected ErrBadSecret, got %v", err)
	}
}
