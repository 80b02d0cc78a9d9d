package model

import "time"

// Direction is the side of a conversation a MessageRecord represents.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// EventKind tags the payload a MessageRecord's ciphertext decrypts to.
type EventKind string

const (
	KindMessage     EventKind = "message"
	KindEdit        EventKind = "edit"
	KindDelete      EventKind = "delete"
	KindReaction    EventKind = "reaction"
	KindReceipt     EventKind = "receipt"
	KindKeyRotation EventKind = "key_rotation"
	KindCall        EventKind = "call"
)

// ReceiptStatus is the delivery-state rank for receipt events. Higher rank
// always wins; same-rank ties go to the latest timestamp.
type ReceiptStatus string

const (
	ReceiptDeliveredToServer  ReceiptStatus = "DELIVERED_TO_SERVER"
	ReceiptProcessedByClient  ReceiptStatus = "PROCESSED_BY_CLIENT"
	ReceiptReadByUser         ReceiptStatus = "READ_BY_USER"
)

// Rank returns the receipt's position in the total order
// DELIVERED_TO_SERVER < PROCESSED_BY_CLIENT < READ_BY_USER.
func (r ReceiptStatus) Rank() int {
	switch r {
	case ReceiptDeliveredToServer:
		return 0
	case ReceiptProcessedByClient:
		return 1
	case ReceiptReadByUser:
		return 2
	default:
		return -1
	}
}

// ReactionAction is whether a reaction event adds or removes a reaction.
type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

// AttachmentRef is opaque attachment metadata: URL/key bytes produced by
// the out-of-scope upload collaborator, never object bytes themselves.
type AttachmentRef struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	MimeType string `json:"mime_type,omitempty"`
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// MessageRecord is an immutable raw event in the append-only local log.
// ID is a client-generated UUID; PeerHandle is the conversation partner
// regardless of direction (recipient for outgoing, sender for incoming).
type MessageRecord struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	SenderID          string    `json:"sender_id"`
	PeerHandle        Handle    `json:"peer_handle"`
	Direction         Direction `json:"direction"`
	Kind              EventKind `json:"kind"`
	ContentCiphertext []byte    `json:"content_ciphertext"`
	Verified          bool      `json:"verified"`
	IsRead            bool      `json:"is_read"`
	VaultSynced       bool      `json:"vault_synced"`
	CreatedAt         time.Time `json:"created_at"`

	// Decoded payload fields, populated once ContentCiphertext has been
	// unsealed; these are what the projection engine folds over.
	MessageID         string         `json:"message_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	Attachments       []AttachmentRef `json:"attachments,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	ReplyToMessageID  string         `json:"reply_to_message_id,omitempty"`
	ReactionAction    ReactionAction `json:"reaction_action,omitempty"`
	ReactionEmoji     string         `json:"reaction_emoji,omitempty"`
	ReceiptStatus     ReceiptStatus  `json:"receipt_status,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ProcessedAt       *time.Time     `json:"processed_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	RotatedAt         *time.Time     `json:"rotated_at,omitempty"`
	NewPublicTransportKey []byte     `json:"new_public_transport_key,omitempty"`
	CallType          string         `json:"call_type,omitempty"`
	CallID            string         `json:"call_id,omitempty"`
	CallAction        string         `json:"call_action,omitempty"`
	CallDurationSecs  *int           `json:"call_duration_seconds,omitempty"`
}

// Reaction is one emoji's current reactor state on a VisibleMessage.
type Reaction struct {
	Emoji      string `json:"emoji"`
	Count      int    `json:"count"`
	ReactedByMe bool  `json:"reacted_by_me"`
}

// VisibleMessage is synthesized on read by the projection engine.
type VisibleMessage struct {
	ID               string          `json:"id"`
	MessageID        string          `json:"message_id"`
	PeerHandle       Handle          `json:"peer_handle"`
	Direction        Direction       `json:"direction"`
	Text             string          `json:"text"`
	Attachments      []AttachmentRef `json:"attachments,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	EditedAt         *time.Time      `json:"edited_at,omitempty"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty"`
	Reactions        []Reaction      `json:"reactions,omitempty"`
	ReplyToMessageID string          `json:"reply_to_message_id,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	ReadAt           *time.Time      `json:"read_at,omitempty"`
	Verified         bool            `json:"verified"`
	Kind             EventKind       `json:"kind"`
	MessageRequest   bool            `json:"message_request,omitempty"`

	CallType         string     `json:"call_type,omitempty"`
	CallAction       string     `json:"call_action,omitempty"`
	CallDurationSecs *int       `json:"call_duration_seconds,omitempty"`
}

// ConversationSummary is the fast sidebar-rendering projection of the
// latest event per peer, independent of a full conversation load.
type ConversationSummary struct {
	PeerHandle        Handle    `json:"peer_handle"`
	LastMessageText   string    `json:"last_message_text"`
	LastMessageTime   time.Time `json:"last_message_timestamp"`
	Direction         Direction `json:"direction"`
	IsRead            bool      `json:"is_read"`
}
