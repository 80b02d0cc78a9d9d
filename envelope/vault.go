package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/model"
)

// Vault is the JSON shape sealed under the owner's MasterKey before being
// pushed to the server vault or the on-disk store; it carries everything
// needed to reconstruct a MessageRecord without re-resolving the directory.
type Vault struct {
	Type              model.EventKind       `json:"type"`
	MessageID         string                `json:"message_id"`
	PeerHandle        string                `json:"peer_handle"`
	PeerUsername      string                `json:"peer_username"`
	PeerHost          string                `json:"peer_host"`
	PeerIdentityKey   []byte                `json:"peer_identity_key,omitempty"`
	PeerTransportKey  []byte                `json:"peer_transport_key,omitempty"`
	Direction         model.Direction       `json:"direction"`
	Timestamp         time.Time             `json:"timestamp"`

	Text             string                 `json:"text,omitempty"`
	Attachments      []model.AttachmentRef  `json:"attachments,omitempty"`
	ReplyToMessageID string                 `json:"reply_to_message_id,omitempty"`
	EditedAt         *time.Time             `json:"edited_at,omitempty"`
	DeletedAt        *time.Time             `json:"deleted_at,omitempty"`
	ReactionAction   model.ReactionAction   `json:"reaction_action,omitempty"`
	ReactionEmoji    string                 `json:"reaction_emoji,omitempty"`
	DeliveredAt      *time.Time             `json:"delivered_at,omitempty"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`
	ReadAt           *time.Time             `json:"read_at,omitempty"`
	RotatedAt        *time.Time             `json:"rotated_at,omitempty"`
	NewPublicTransportKey []byte            `json:"new_public_transport_key,omitempty"`
	CallType         string                 `json:"call_type,omitempty"`
	CallID           string                 `json:"call_id,omitempty"`
	CallAction       string                 `json:"call_action,omitempty"`
	CallDurationSecs *int                   `json:"call_duration_seconds,omitempty"`
}

// BuildVault seals v under masterKey, producing the Envelope stored in the
// local store's messages table and mirrored to the server vault.
func BuildVault(v Vault, masterKey model.MasterKey) (cryptocore.Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return cryptocore.Envelope{}, fmt.Errorf("envelope: marshal vault: %w", err)
	}
	env, err := cryptocore.Encrypt(masterKey, data)
	if err != nil {
		return cryptocore.Envelope{}, fmt.Errorf("envelope: seal vault: %w", err)
	}
	return env, nil
}

// ParseVault reverses BuildVault.
func ParseVault(env cryptocore.Envelope, masterKey model.MasterKey) (Vault, error) {
	data, err := cryptocore.Decrypt(masterKey, env)
	if err != nil {
		return Vault{}, fmt.Errorf("envelope: unseal vault: %w", err)
	}
	var v Vault
	if err := json.Unmarshal(data, &v); err != nil {
		return Vault{}, fmt.Errorf("envelope: parse vault: %w", err)
	}
	return v, nil
}
