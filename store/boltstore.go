package store

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/kindlyrobotics/ratchetclient/model"
)

// Bucket names. Index buckets hold key -> primary-key-set JSON, maintained
// by hand on every write/delete the way the secondary indices of the
// local encrypted store are specified as maintained.
var (
	bucketAuth                = []byte("auth")
	bucketContacts            = []byte("contacts")
	bucketContactsByOwner     = []byte("contacts_by_owner")
	bucketMessages            = []byte("messages")
	bucketMessagesByOwner     = []byte("messages_by_owner")
	bucketMessagesByOwnerPeer = []byte("messages_by_owner_peer")
	bucketMessagesByPeer      = []byte("messages_by_peer")
	bucketSyncState           = []byte("sync_state")
)

// Bolt is an on-disk Store backed by bbolt, the nearest embedded ordered
// key/value store to the spec's IndexedDB-style collaborator.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) a bbolt database at path and
// ensures every bucket this store uses exists.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketAuth, bucketContacts, bucketContactsByOwner,
			bucketMessages, bucketMessagesByOwner, bucketMessagesByOwnerPeer, bucketMessagesByPeer,
			bucketSyncState,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) GetSession(ctx context.Context) (SealedRow, error) {
	var row SealedRow
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAuth).Get([]byte(ActiveSessionKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &row)
	})
	return row, err
}

func (b *Bolt) PutSession(ctx context.Context, row SealedRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuth).Put([]byte(ActiveSessionKey), data)
	})
}

func (b *Bolt) DeleteSession(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuth).Delete([]byte(ActiveSessionKey))
	})
}

func (b *Bolt) PutContact(ctx context.Context, ownerID string, handle model.Handle, row SealedRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal contact: %w", err)
	}
	key := []byte(handle.String())
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketContacts).Put(key, data); err != nil {
			return err
		}
		return addToIndex(tx.Bucket(bucketContactsByOwner), []byte(ownerID), key)
	})
}

func (b *Bolt) GetContact(ctx context.Context, handle model.Handle) (SealedRow, error) {
	var row SealedRow
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContacts).Get([]byte(handle.String()))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &row)
	})
	return row, err
}

func (b *Bolt) ListContactsByOwner(ctx context.Context, ownerID string) (map[model.Handle]SealedRow, error) {
	out := make(map[model.Handle]SealedRow)
	err := b.db.View(func(tx *bolt.Tx) error {
		keys, err := readIndex(tx.Bucket(bucketContactsByOwner), []byte(ownerID))
		if err != nil {
			return err
		}
		bucket := tx.Bucket(bucketContacts)
		for _, key := range keys {
			data := bucket.Get(key)
			if data == nil {
				continue
			}
			handle, err := model.ParseHandle(string(key))
			if err != nil {
				continue
			}
			var row SealedRow
			if err := json.Unmarshal(data, &row); err != nil {
				return err
			}
			out[handle] = row
		}
		return nil
	})
	return out, err
}

func (b *Bolt) DeleteContact(ctx context.Context, handle model.Handle) error {
	key := []byte(handle.String())
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContacts).Delete(key)
	})
}

func (b *Bolt) PutMessage(ctx context.Context, ownerID string, peerHandle model.Handle, id string, row SealedRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	key := []byte(id)
	ownerKey := []byte(ownerID)
	ownerPeerKey := []byte(ownerID + "\x00" + peerHandle.String())
	peerKey := []byte(peerHandle.String())
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMessages).Put(key, data); err != nil {
			return err
		}
		if err := addToIndex(tx.Bucket(bucketMessagesByOwner), ownerKey, key); err != nil {
			return err
		}
		if err := addToIndex(tx.Bucket(bucketMessagesByOwnerPeer), ownerPeerKey, key); err != nil {
			return err
		}
		return addToIndex(tx.Bucket(bucketMessagesByPeer), peerKey, key)
	})
}

func (b *Bolt) GetMessage(ctx context.Context, id string) (SealedRow, error) {
	var row SealedRow
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &row)
	})
	return row, err
}

func (b *Bolt) ListMessagesByOwner(ctx context.Context, ownerID string) (map[string]SealedRow, error) {
	return b.listMessagesByIndex(bucketMessagesByOwner, []byte(ownerID))
}

func (b *Bolt) ListMessagesByOwnerAndPeer(ctx context.Context, ownerID string, peerHandle model.Handle) (map[string]SealedRow, error) {
	return b.listMessagesByIndex(bucketMessagesByOwnerPeer, []byte(ownerID+"\x00"+peerHandle.String()))
}

func (b *Bolt) ListMessagesByPeer(ctx context.Context, peerHandle model.Handle) (map[string]SealedRow, error) {
	return b.listMessagesByIndex(bucketMessagesByPeer, []byte(peerHandle.String()))
}

func (b *Bolt) listMessagesByIndex(indexBucket, indexKey []byte) (map[string]SealedRow, error) {
	out := make(map[string]SealedRow)
	err := b.db.View(func(tx *bolt.Tx) error {
		keys, err := readIndex(tx.Bucket(indexBucket), indexKey)
		if err != nil {
			return err
		}
		bucket := tx.Bucket(bucketMessages)
		for _, key := range keys {
			data := bucket.Get(key)
			if data == nil {
				continue
			}
			var row SealedRow
			if err := json.Unmarshal(data, &row); err != nil {
				return err
			}
			out[string(key)] = row
		}
		return nil
	})
	return out, err
}

func (b *Bolt) DeleteMessage(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Delete([]byte(id))
	})
}

func (b *Bolt) PutSyncState(ctx context.Context, key string, row SealedRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal sync state: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncState).Put([]byte(key), data)
	})
}

func (b *Bolt) GetSyncState(ctx context.Context, key string) (SealedRow, error) {
	var row SealedRow
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncState).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &row)
	})
	return row, err
}

func (b *Bolt) Wipe(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketAuth, bucketContacts, bucketContactsByOwner,
			bucketMessages, bucketMessagesByOwner, bucketMessagesByOwnerPeer, bucketMessagesByPeer,
			bucketSyncState,
		} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// addToIndex appends primaryKey to the set stored under indexKey in
// bucket, a manually maintained secondary index.
func addToIndex(bucket *bolt.Bucket, indexKey, primaryKey []byte) error {
	keys, err := readIndex(bucket, indexKey)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if string(k) == string(primaryKey) {
			return nil
		}
	}
	keys = append(keys, primaryKey)
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return bucket.Put(indexKey, data)
}

func readIndex(bucket *bolt.Bucket, indexKey []byte) ([][]byte, error) {
	data := bucket.Get(indexKey)
	if data == nil {
		return nil, nil
	}
	var keys [][]byte
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

var _ Store = (*Bolt)(nil)
