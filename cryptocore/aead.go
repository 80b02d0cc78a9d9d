package cryptocore

import (
	"fmt"
	"io"

	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"

	"github.com/kindlyrobotics/ratchetclient/model"
)

// Envelope is the {ciphertext, iv} shape every persisted plaintext field
// takes once sealed, per data-model invariant 1.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
}

// DeriveMasterKey derives a 256-bit MasterKey from a password using
// PBKDF2-HMAC-SHA256, the memory/iteration-hard KDF named in the data
// model. Both salt and iterations are supplied by the (out-of-scope) auth
// handshake response — this function defines no default of its own.
func DeriveMasterKey(password string, salt []byte, iterations int) (model.MasterKey, error) {
	if iterations <= 0 {
		return model.MasterKey{}, fmt.Errorf("cryptocore: iterations must be positive, got %d", iterations)
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, model.MasterKeySize, sha256.New)
	var key model.MasterKey
	copy(key[:], derived)
	return key, nil
}

// Encrypt seals plaintext under key using XChaCha20-Poly1305, returning the
// {ciphertext, iv} envelope every locally persisted plaintext field takes.
func Encrypt(key model.MasterKey, plaintext []byte) (Envelope, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("cryptocore: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("cryptocore: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return Envelope{Ciphertext: ciphertext, IV: nonce}, nil
}

// Decrypt opens an Envelope sealed by Encrypt, failing with an opaque
// error classified as DecryptFailed by the caller — never leaking details
// about why decryption failed.
func Decrypt(key model.MasterKey, env Envelope) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decrypt failed: %w", err)
	}
	return plaintext, nil
}

// deriveKey derives a subkey from a shared secret via HKDF-SHA256, used by
// Seal/Unseal to turn a Kyber shared secret into an AEAD key.
func deriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("cryptocore: hkdf: %w", err)
	}
	return out, nil
}
