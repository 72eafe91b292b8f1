// Package identity handles the hub's long-term Ed25519 keypair: loading it
// from configuration, deriving the discovery key peers rendezvous on, and
// signing challenge bytes (spec §6 "Server identity").
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/zeebo/blake3"

	"github.com/symmetry-network/hub/config"
)

// Identity is the hub's long-term keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Load parses the keypair out of the loaded config. privateKey is 64 raw
// bytes (seed||public) per spec §6; publicKey must match the last 32
// bytes of it.
func Load(cfg *config.Config) (*Identity, error) {
	priv, err := cfg.PrivateKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("decode privateKey: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("privateKey must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}

	pub, err := cfg.PublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("decode publicKey: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("publicKey must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	privateKey := ed25519.PrivateKey(priv)
	derived := privateKey.Public().(ed25519.PublicKey)
	if !derived.Equal(ed25519.PublicKey(pub)) {
		return nil, fmt.Errorf("publicKey does not match the public half of privateKey")
	}

	return &Identity{Public: derived, Private: privateKey}, nil
}

// Sign signs msg with the hub's long-term secret key, for replying to a
// peer's challenge frame (spec §4.5, §6).
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.Private, msg)
}

// KeyHex returns the hex-encoded public key, the wire form peers see as a
// peer `key`.
func (id *Identity) KeyHex() string {
	return hex.EncodeToString(id.Public)
}

// Libp2pPrivKey converts the hub's raw Ed25519 key into the libp2p crypto
// type the transport's host identity expects.
func (id *Identity) Libp2pPrivKey() (libp2pcrypto.PrivKey, error) {
	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(id.Private)
	if err != nil {
		return nil, fmt.Errorf("convert to libp2p key: %w", err)
	}
	return priv, nil
}

// DiscoveryKey derives a one-way rendezvous identifier from a public key
// via BLAKE3-256, so the overlay advertisement never exposes the key
// itself (spec GLOSSARY, "Discovery key").
func DiscoveryKey(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
