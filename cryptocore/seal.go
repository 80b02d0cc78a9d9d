package cryptocore

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed is the opaque transport-sealed wire format: a Kyber1024
// encapsulation to the recipient's transport public key plus an
// XChaCha20-Poly1305-sealed payload under the HKDF-derived shared key.
// Callers never construct or inspect this shape directly — Seal/Unseal
// hide it — and its wire format stays stable across versions.
type Sealed struct {
	KEMCiphertext []byte
	Ciphertext    []byte
	Nonce         []byte
}

const sealHKDFInfo = "ratchetclient-transport-seal-v1"

// Seal encapsulates plaintextBytes to recipientPublicTransportKey, giving
// a ciphertext whose wire format is opaque to callers and stable across
// versions, per the crypto primitives contract.
func Seal(plaintextBytes []byte, recipientPublicTransportKey []byte) (Sealed, error) {
	if len(recipientPublicTransportKey) != Kyber1024PublicKeySize {
		return Sealed{}, fmt.Errorf("cryptocore: seal: invalid recipient key size %d", len(recipientPublicTransportKey))
	}

	var pub kyber1024.PublicKey
	pub.Unpack(recipientPublicTransportKey)

	kemCiphertext := make([]byte, Kyber1024CiphertextSize)
	sharedKey := make([]byte, Kyber1024SharedKeySize)
	pub.EncapsulateTo(kemCiphertext, sharedKey, nil)

	aeadKey, err := deriveKey(sharedKey, nil, []byte(sealHKDFInfo), chacha20poly1305.KeySize)
	if err != nil {
		return Sealed{}, err
	}

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return Sealed{}, fmt.Errorf("cryptocore: seal: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("cryptocore: seal: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintextBytes, nil)
	return Sealed{KEMCiphertext: kemCiphertext, Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Unseal reverses Seal using the owner's transport private key.
func Unseal(sealed Sealed, ownTransportPrivateKey []byte) ([]byte, error) {
	if len(ownTransportPrivateKey) != Kyber1024PrivateKeySize {
		return nil, fmt.Errorf("cryptocore: unseal: invalid private key size %d", len(ownTransportPrivateKey))
	}

	var priv kyber1024.PrivateKey
	priv.Unpack(ownTransportPrivateKey)

	sharedKey := make([]byte, Kyber1024SharedKeySize)
	priv.DecapsulateTo(sharedKey, sealed.KEMCiphertext)

	aeadKey, err := deriveKey(sharedKey, nil, []byte(sealHKDFInfo), chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: unseal: new aead: %w", err)
	}

	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: unseal: decrypt failed: %w", err)
	}
	return plaintext, nil
}

// paddingBlockSizes mirrors the reference server's traffic-shape
// mitigation: pad a transit payload up to the nearest fixed block size so
// the relay cannot infer message length from ciphertext size.
var paddingBlockSizes = []int{256, 1024, 4096, 16384, 65536}

// PadToBlockSize pads data to the smallest block size that fits it, with
// the original length stored big-endian in the last two bytes.
func PadToBlockSize(data []byte) ([]byte, error) {
	dataLen := len(data)
	blockSize := paddingBlockSizes[len(paddingBlockSizes)-1]
	for _, size := range paddingBlockSizes {
		if size >= dataLen+2 {
			blockSize = size
			break
		}
	}
	if dataLen+2 > blockSize {
		return nil, fmt.Errorf("cryptocore: pad: payload %d bytes exceeds largest block size %d", dataLen, blockSize)
	}

	padded := make([]byte, blockSize)
	copy(padded, data)
	if _, err := io.ReadFull(rand.Reader, padded[dataLen:blockSize-2]); err != nil {
		return nil, fmt.Errorf("cryptocore: pad: fill random padding: %w", err)
	}
	padded[blockSize-2] = byte((dataLen >> 8) & 0xFF)
	padded[blockSize-1] = byte(dataLen & 0xFF)
	return padded, nil
}

// UnpadFromBlockSize reverses PadToBlockSize.
func UnpadFromBlockSize(padded []byte) ([]byte, error) {
	n := len(padded)
	if n < 2 {
		return nil, fmt.Errorf("cryptocore: unpad: padded data too short (%d bytes)", n)
	}
	origLen := int(padded[n-2])<<8 | int(padded[n-1])
	if origLen > n-2 {
		return nil, fmt.Errorf("cryptocore: unpad: claimed length %d exceeds available %d", origLen, n-2)
	}
	return padded[:origLen], nil
}
