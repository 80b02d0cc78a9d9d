// Package cryptocore implements the cryptographic primitives named in the
// crypto primitives component: password-based key derivation, AEAD
// encryption, transport sealing, and identity signatures. It has no
// knowledge of envelopes, the store, or the sync engine — those layers
// call into it.
package cryptocore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/google/uuid"

	"github.com/kindlyrobotics/ratchetclient/model"
)

// Key sizes, named the way the reference server names them, kept here so
// every caller validates against the same constants instead of magic
// numbers.
const (
	Kyber1024PublicKeySize  = kyber1024.PublicKeySize
	Kyber1024PrivateKeySize = kyber1024.PrivateKeySize
	Kyber1024CiphertextSize = kyber1024.CiphertextSize
	Kyber1024SharedKeySize  = kyber1024.SharedKeySize

	Dilithium3PublicKeySize  = mode3.PublicKeySize
	Dilithium3PrivateKeySize = mode3.PrivateKeySize
	Dilithium3SignatureSize  = mode3.SignatureSize
)

// GenerateIdentityKeyPair generates a new Dilithium3 signing pair, used for
// long-lived identity signatures.
func GenerateIdentityKeyPair() (model.IdentityKeyPair, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return model.IdentityKeyPair{}, fmt.Errorf("cryptocore: generate identity key pair: %w", err)
	}
	return model.IdentityKeyPair{
		Algorithm: "dilithium3",
		Public:    pub.Bytes(),
		Private:   priv.Bytes(),
	}, nil
}

// GenerateTransportKeyPair generates a new Kyber1024 KEM pair, used for
// transport sealing. Rotated periodically by the rotation package.
func GenerateTransportKeyPair() (model.TransportKeyPair, error) {
	pub, priv, err := kyber1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		return model.TransportKeyPair{}, fmt.Errorf("cryptocore: generate transport key pair: %w", err)
	}
	pubBytes := make([]byte, Kyber1024PublicKeySize)
	privBytes := make([]byte, Kyber1024PrivateKeySize)
	pub.Pack(pubBytes)
	priv.Pack(privBytes)
	return model.TransportKeyPair{
		Algorithm: "kyber1024",
		Public:    pubBytes,
		Private:   privBytes,
	}, nil
}

// KeyFingerprint computes a SHA-256 hex fingerprint of a public key, used
// by the directory cache and rotation announcements to display a
// human-checkable key identity.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// NewEventID returns a fresh client-generated UUID for a MessageRecord id
// or queue item id.
func NewEventID() string {
	return uuid.NewString()
}

// NewSalt returns n random bytes suitable for use as a KDF salt.
func NewSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptocore: generate salt: %w", err)
	}
	return salt, nil
}
