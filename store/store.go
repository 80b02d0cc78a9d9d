// Package store defines the local encrypted store contract: an ordered
// map over {auth, contacts, messages, syncState} tables with the
// secondary indices named in the local encrypted store component.
// Operations are not required to be transactional across tables; within a
// table, writes are atomic. This package provides two implementations:
// memstore (in-process, used by tests and embedders that don't need
// persistence) and boltstore (on-disk, bbolt-backed).
package store

import (
	"context"
	"errors"

	"github.com/kindlyrobotics/ratchetclient/model"
)

// ErrNotFound is returned by Get-style calls when no row exists for a key.
var ErrNotFound = errors.New("store: not found")

// ActiveSessionKey is the single-row key of the auth table.
const ActiveSessionKey = "active_session"

// SealedRow is the {ciphertext, iv} JSON shape every persisted plaintext
// field takes once sealed under MasterKey.
type SealedRow struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

// Store is the local encrypted store contract. Every value crossing this
// interface is already AEAD-sealed by the caller; the store itself never
// encrypts or decrypts.
type Store interface {
	// Auth table: single row keyed by ActiveSessionKey.
	GetSession(ctx context.Context) (SealedRow, error)
	PutSession(ctx context.Context, row SealedRow) error
	DeleteSession(ctx context.Context) error

	// Contacts table: primary key handle, secondary index ownerID.
	PutContact(ctx context.Context, ownerID string, handle model.Handle, row SealedRow) error
	GetContact(ctx context.Context, handle model.Handle) (SealedRow, error)
	ListContactsByOwner(ctx context.Context, ownerID string) (map[model.Handle]SealedRow, error)
	DeleteContact(ctx context.Context, handle model.Handle) error

	// Messages table: primary key event id, secondary indices ownerID,
	// [ownerID+peerHandle], peerHandle.
	PutMessage(ctx context.Context, ownerID string, peerHandle model.Handle, id string, row SealedRow) error
	GetMessage(ctx context.Context, id string) (SealedRow, error)
	ListMessagesByOwner(ctx context.Context, ownerID string) (map[string]SealedRow, error)
	ListMessagesByOwnerAndPeer(ctx context.Context, ownerID string, peerHandle model.Handle) (map[string]SealedRow, error)
	ListMessagesByPeer(ctx context.Context, peerHandle model.Handle) (map[string]SealedRow, error)
	DeleteMessage(ctx context.Context, id string) error

	// SyncState table: primary key string.
	PutSyncState(ctx context.Context, key string, row SealedRow) error
	GetSyncState(ctx context.Context, key string) (SealedRow, error)

	// Wipe clears every table; used on schema mismatch (the store may be
	// wiped and repopulated from the server vault) and on logout.
	Wipe(ctx context.Context) error

	Close() error
}
