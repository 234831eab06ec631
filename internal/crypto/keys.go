// Package crypto converts node identity keys into the forms the link
// layer needs: an X25519 static key for Noise, and the zid that key proves.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"

	"zenoh/pkg/wire"
)

// EdPrivateToX25519 derives an X25519 private key from an ED25519 private key.
// This is SHA-512(seed)[:32]; X25519 applies clamping internally.
func EdPrivateToX25519(edPriv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(edPriv.Seed())
	return h[:32:32]
}

// EdPublicToX25519 converts an ED25519 public key to its Montgomery form.
func EdPublicToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// NoiseKeypair returns the Noise XX static key for an ED25519 keypair.
func NoiseKeypair(priv ed25519.PrivateKey) (noise.DHKey, error) {
	pub, err := EdPublicToX25519(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: EdPrivateToX25519(priv), Public: pub}, nil
}

// ZenohIDFromStatic derives the zid bound to an X25519 public key: the
// first 16 bytes of its SHA-256. A peer that completes a Noise handshake
// with static key k may only claim ZenohIDFromStatic(k).
func ZenohIDFromStatic(x25519Pub []byte) wire.ZenohID {
	h := sha256.Sum256(x25519Pub)
	var id wire.ZenohID
	copy(id[:], h[:])
	if id.IsZero() {
		id[0] = 1
	}
	return id
}
