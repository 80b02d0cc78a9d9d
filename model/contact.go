package model

import "time"

// Contact is a conversation partner record, AEAD-sealed under MasterKey in
// the local store and in the server's sealed block list / vault.
type Contact struct {
	Handle             Handle    `json:"handle"`
	Username            string    `json:"username"`
	Host               string    `json:"host"`
	Nickname           string    `json:"nickname,omitempty"`
	PublicIdentityKey  []byte    `json:"public_identity_key"`
	PublicTransportKey []byte    `json:"public_transport_key"`
	Avatar             string    `json:"avatar,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	// MessageRequest is set for a synthesized contact stub created from an
	// unknown sender's first verified message (spec §4.5 "Unknown
	// senders"). Accepting the contact clears it on this record only;
	// stored messages from that handle are not rewritten.
	MessageRequest bool `json:"message_request,omitempty"`
}

// MergeContact applies the deterministic merge rule of the data model:
// non-empty incoming fields win except CreatedAt, which becomes the
// earlier of the two.
func MergeContact(existing, incoming Contact) Contact {
	merged := existing

	if incoming.Nickname != "" {
		merged.Nickname = incoming.Nickname
	}
	if len(incoming.PublicIdentityKey) > 0 {
		merged.PublicIdentityKey = incoming.PublicIdentityKey
	}
	if len(incoming.PublicTransportKey) > 0 {
		merged.PublicTransportKey = incoming.PublicTransportKey
	}
	if incoming.Avatar != "" {
		merged.Avatar = incoming.Avatar
	}
	if incoming.Username != "" {
		merged.Username = incoming.Username
	}
	if incoming.Host != "" {
		merged.Host = incoming.Host
	}

	if existing.CreatedAt.IsZero() {
		merged.CreatedAt = incoming.CreatedAt
	} else if !incoming.CreatedAt.IsZero() && incoming.CreatedAt.Before(existing.CreatedAt) {
		merged.CreatedAt = incoming.CreatedAt
	}

	return merged
}

// BlockList is sealed under MasterKey on the server.
type BlockList struct {
	Users   []Handle `json:"users"`
	Servers []string `json:"servers"`
}
