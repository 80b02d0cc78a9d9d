package model

import "errors"

// IdentityKeyPair is the long-lived signing pair. The public half is
// published in the directory and embedded in outbound events for inline
// verification fallback.
type IdentityKeyPair struct {
	Algorithm string `json:"algorithm"` // "dilithium3"
	Public    []byte `json:"public"`
	Private   []byte `json:"private"`
}

// TransportKeyPair is the KEM-style encryption pair used to seal
// per-recipient envelopes. Rotated periodically per the rotation policy.
type TransportKeyPair struct {
	Algorithm string `json:"algorithm"` // "kyber1024"
	Public    []byte `json:"public"`
	Private   []byte `json:"private"`
}

// MasterKeySize is the size in bytes of a MasterKey.
const MasterKeySize = 32

// MasterKey is the symmetric AEAD key derived from the user's password.
// It must never be logged or serialized in plaintext; MarshalJSON always
// fails so an accidental json.Marshal of a struct embedding it cannot leak
// it onto disk or over the wire.
type MasterKey [MasterKeySize]byte

// MarshalJSON refuses to serialize a MasterKey. Callers that need to
// persist a sealed copy must do so explicitly via cryptocore, never via
// encoding/json.
func (MasterKey) MarshalJSON() ([]byte, error) {
	return nil, errMasterKeyNotSerializable
}

var errMasterKeyNotSerializable = errors.New("model: MasterKey must not be JSON-serialized")
