package cryptocore

import (
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Sign produces a deterministic Dilithium3 signature over message using
// the identity private key.
func Sign(identityPrivateKey, message []byte) ([]byte, error) {
	if len(identityPrivateKey) != Dilithium3PrivateKeySize {
		return nil, fmt.Errorf("cryptocore: sign: invalid private key size %d", len(identityPrivateKey))
	}
	var priv mode3.PrivateKey
	var privArray [mode3.PrivateKeySize]byte
	copy(privArray[:], identityPrivateKey)
	priv.Unpack(&privArray)

	signature := make([]byte, Dilithium3SignatureSize)
	mode3.SignTo(&priv, message, signature)
	return signature, nil
}

// Verify checks a Dilithium3 signature over message against the identity
// public key. Returns false (not an error) for a structurally valid but
// non-matching signature; callers classify that as SignatureInvalid.
func Verify(identityPublicKey, message, signature []byte) (bool, error) {
	if len(identityPublicKey) != Dilithium3PublicKeySize {
		return false, fmt.Errorf("cryptocore: verify: invalid public key size %d", len(identityPublicKey))
	}
	if len(signature) != Dilithium3SignatureSize {
		return false, fmt.Errorf("cryptocore: verify: invalid signature size %d", len(signature))
	}
	var pub mode3.PublicKey
	var pubArray [mode3.PublicKeySize]byte
	copy(pubArray[:], identityPublicKey)
	pub.Unpack(&pubArray)

	return mode3.Verify(&pub, message, signature), nil
}
