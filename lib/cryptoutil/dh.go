// Package cryptoutil implements the key exchange and authenticated
// encryption primitives used by the peer fabric (spec §4.2): Diffie-Hellman
// over MODP group 14 for the handshake, and AES-256-GCM for every frame
// exchanged after the handshake completes.
package cryptoutil

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/gravitational/trace"
	"github.com/monnand/dhkx"
)

// modp14GroupID is the RFC 3526 §3 2048-bit MODP group, as named in spec §4.2.
const modp14GroupID = 14

// KeyPair is a Diffie-Hellman keypair bound to the modp14 group. The zero
// value is not usable; construct with GenerateKeyPair.
type KeyPair struct {
	group *dhkx.DHGroup
	priv  *dhkx.DHKey
}

// GenerateKeyPair produces a fresh DH keypair over group modp14.
func GenerateKeyPair() (*KeyPair, error) {
	group, err := dhkx.GetGroup(modp14GroupID)
	if err != nil {
		return nil, trace.Wrap(err, "loading modp14 group")
	}

	priv, err := group.GeneratePrivateKey(nil)
	if err != nil {
		return nil, trace.Wrap(err, "generating DH private key")
	}

	return &KeyPair{group: group, priv: priv}, nil
}

// PublicKeyBase64 returns this keypair's public component, base64-encoded,
// suitable for placing in a plaintext key:exchange frame.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.priv.Bytes())
}

// ComputeSecret derives the 32-byte shared AES-256 key from the peer's
// base64-encoded public key: SHA-256 of the raw DH shared secret.
func (k *KeyPair) ComputeSecret(remotePubBase64 string) ([]byte, error) {
	remoteBytes, err := base64.StdEncoding.DecodeString(remotePubBase64)
	if err != nil {
		return nil, trace.Wrap(err, "decoding remote public key")
	}

	remotePub := dhkx.NewPublicKey(remoteBytes)
	shared, err := k.group.ComputeKey(remotePub, k.priv)
	if err != nil {
		return nil, trace.Wrap(err, "computing DH shared secret")
	}

	digest := sha256.Sum256(shared.Bytes())
	return digest[:], nil
}
