// Package peer defines node identity and peer records for the overlay.
// Identity is the trust anchor; addresses are ephemeral metadata.
package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Identity is a node's cryptographic identity. The ID is derived from the
// public key and stays stable across address changes.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// NewIdentity generates a fresh ed25519 identity.
func NewIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity key: %w", err)
	}
	return Identity{PrivateKey: priv, PublicKey: pub}, nil
}

// IdentityFromSeed derives a deterministic identity from a 32-byte seed.
// Used by tests and by nodes that persist their seed.
func IdentityFromSeed(seed []byte) (Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return Identity{}, fmt.Errorf("identity seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Identity{PrivateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey)}, nil
}

// ID returns the hex-encoded public key identifying this node.
func (id Identity) ID() string {
	return hex.EncodeToString(id.PublicKey)
}

// Sign signs the message with the identity key.
func (id Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.PrivateKey, message)
}

// Verify checks a signature against a hex-encoded peer id.
func Verify(peerID string, message, sig []byte) bool {
	pub, err := hex.DecodeString(peerID)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// Record describes a known peer. Records are keyed by ID in the overlay's
// peer table; discovery channels only ever update addresses and liveness.
type Record struct {
	ID       string
	PubKey   []byte
	Addrs    []string
	LastSeen time.Time
}

// MergeAddr adds addr to the record if not already present.
func (r *Record) MergeAddr(addr string) {
	if addr == "" {
		return
	}
	for _, existing := range r.Addrs {
		if existing == addr {
			return
		}
	}
	r.Addrs = append(r.Addrs, addr)
}
