package syncengine

import "context"

// QueueItem is one pending sealed inbound item from GET /messages/queue.
type QueueItem struct {
	ID              string
	SenderHandle    string
	SealedKEMCiphertext []byte
	SealedCiphertext    []byte
	SealedNonce         []byte
}

// SealedBlob is the {ciphertext, iv} wire shape used for vault reads/writes
// and the conversation-summaries endpoint.
type SealedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

// VaultStoreRequest is the body of POST /messages/queue/<id>/store: the
// atomic ACK+store-to-vault call for a processed inbound message.
type VaultStoreRequest struct {
	Blob SealedBlob
}

// VaultMirrorRequest is the body of POST /messages/vault for the outbound
// mirror of a locally composed message.
type VaultMirrorRequest struct {
	MessageID               string
	OriginalSenderHandle    string
	EncryptedBlob           []byte
	IV                      []byte
	SenderSignatureVerified bool
}

// VaultItem is one item returned by a vault sync page or the vault list.
type VaultItem struct {
	ID        string
	Blob      SealedBlob
	DeletedAt *string
	UpdatedAt string
}

// VaultPage is one page of GET /messages/vault/sync.
type VaultPage struct {
	Items      []VaultItem
	NextCursor string
	HasMore    bool
	SyncedAt   string
}

// SummaryItem is one entry of GET /messages/vault/summaries.
type SummaryItem struct {
	PeerHandle string
	Blob       SealedBlob
}

// RelayClient is the HTTP surface this module consumes from the relay, per
// spec.md §6. Implementations perform the actual network calls; syncengine
// owns only the algorithm built atop them.
type RelayClient interface {
	FetchQueue(ctx context.Context) ([]QueueItem, error)
	StoreQueueItem(ctx context.Context, id string, req VaultStoreRequest) error
	AckQueueItem(ctx context.Context, id string) error
	SendTransit(ctx context.Context, recipientHandle string, kemCiphertext, ciphertext, nonce []byte) error

	PostVaultMirror(ctx context.Context, req VaultMirrorRequest) error
	PullVaultPage(ctx context.Context, since, cursor string, limit int) (VaultPage, error)
	FetchSummaries(ctx context.Context) ([]SummaryItem, error)
}
