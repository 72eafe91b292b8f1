package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/symmetry-network/hub/config"
)

func genConfig(t *testing.T) *config.Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	return &config.Config{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
	}
}

func TestLoad_ValidKeypair(t *testing.T) {
	cfg := genConfig(t)
	id, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if id.KeyHex() != cfg.PublicKey {
		t.Errorf("KeyHex() = %s, want %s", id.KeyHex(), cfg.PublicKey)
	}
}

func TestLoad_MismatchedPublicKey(t *testing.T) {
	cfg := genConfig(t)
	other := genConfig(t)
	cfg.PublicKey = other.PublicKey

	if _, err := Load(cfg); err == nil {
		t.Error("Load() with mismatched publicKey should error")
	}
}

func TestSignAndVerify(t *testing.T) {
	cfg := genConfig(t)
	id, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	msg := []byte("challenge-bytes")
	sig := id.Sign(msg)
	if !ed25519.Verify(id.Public, msg, sig) {
		t.Error("signature should verify against the public key")
	}
}

func TestDiscoveryKey_Deterministic(t *testing.T) {
	cfg := genConfig(t)
	id, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	d1 := DiscoveryKey(id.Public)
	d2 := DiscoveryKey(id.Public)
	if d1 != d2 {
		t.Error("DiscoveryKey() should be deterministic for the same public key")
	}
	if d1 == id.KeyHex() {
		t.Error("DiscoveryKey() should not just echo the public key")
	}
}
