package store

import (
	"context"
	"sync"

	"github.com/kindlyrobotics/ratchetclient/model"
)

// messageIndex records the ownerID and peerHandle a message row was
// written with, so the secondary-index list calls don't need a full scan
// for the common case of a small conversation set.
type messageIndex struct {
	ownerID    string
	peerHandle model.Handle
}

// Mem is an in-process reference implementation of Store, safe for
// concurrent use. It is the default for tests and for embedders that do
// not need on-disk persistence.
type Mem struct {
	mu sync.RWMutex

	session SealedRow
	hasSession bool

	contacts      map[model.Handle]SealedRow
	contactOwners map[model.Handle]string

	messages     map[string]SealedRow
	messageIndex map[string]messageIndex

	syncState map[string]SealedRow
}

// NewMem constructs an empty in-process store.
func NewMem() *Mem {
	return &Mem{
		contacts:      make(map[model.Handle]SealedRow),
		contactOwners: make(map[model.Handle]string),
		messages:      make(map[string]SealedRow),
		messageIndex:  make(map[string]messageIndex),
		syncState:     make(map[string]SealedRow),
	}
}

func (m *Mem) GetSession(ctx context.Context) (SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasSession {
		return SealedRow{}, ErrNotFound
	}
	return m.session, nil
}

func (m *Mem) PutSession(ctx context.Context, row SealedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = row
	m.hasSession = true
	return nil
}

func (m *Mem) DeleteSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = SealedRow{}
	m.hasSession = false
	return nil
}

func (m *Mem) PutContact(ctx context.Context, ownerID string, handle model.Handle, row SealedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[handle] = row
	m.contactOwners[handle] = ownerID
	return nil
}

func (m *Mem) GetContact(ctx context.Context, handle model.Handle) (SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.contacts[handle]
	if !ok {
		return SealedRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Mem) ListContactsByOwner(ctx context.Context, ownerID string) (map[model.Handle]SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.Handle]SealedRow)
	for handle, owner := range m.contactOwners {
		if owner == ownerID {
			out[handle] = m.contacts[handle]
		}
	}
	return out, nil
}

func (m *Mem) DeleteContact(ctx context.Context, handle model.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contacts, handle)
	delete(m.contactOwners, handle)
	return nil
}

func (m *Mem) PutMessage(ctx context.Context, ownerID string, peerHandle model.Handle, id string, row SealedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[id] = row
	m.messageIndex[id] = messageIndex{ownerID: ownerID, peerHandle: peerHandle}
	return nil
}

func (m *Mem) GetMessage(ctx context.Context, id string) (SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.messages[id]
	if !ok {
		return SealedRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Mem) ListMessagesByOwner(ctx context.Context, ownerID string) (map[string]SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]SealedRow)
	for id, idx := range m.messageIndex {
		if idx.ownerID == ownerID {
			out[id] = m.messages[id]
		}
	}
	return out, nil
}

func (m *Mem) ListMessagesByOwnerAndPeer(ctx context.Context, ownerID string, peerHandle model.Handle) (map[string]SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]SealedRow)
	for id, idx := range m.messageIndex {
		if idx.ownerID == ownerID && idx.peerHandle == peerHandle {
			out[id] = m.messages[id]
		}
	}
	return out, nil
}

func (m *Mem) ListMessagesByPeer(ctx context.Context, peerHandle model.Handle) (map[string]SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]SealedRow)
	for id, idx := range m.messageIndex {
		if idx.peerHandle == peerHandle {
			out[id] = m.messages[id]
		}
	}
	return out, nil
}

func (m *Mem) DeleteMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	delete(m.messageIndex, id)
	return nil
}

func (m *Mem) PutSyncState(ctx context.Context, key string, row SealedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncState[key] = row
	return nil
}

func (m *Mem) GetSyncState(ctx context.Context, key string) (SealedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.syncState[key]
	if !ok {
		return SealedRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Mem) Wipe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = SealedRow{}
	m.hasSession = false
	m.contacts = make(map[model.Handle]SealedRow)
	m.contactOwners = make(map[model.Handle]string)
	m.messages = make(map[string]SealedRow)
	m.messageIndex = make(map[string]messageIndex)
	m.syncState = make(map[string]SealedRow)
	return nil
}

func (m *Mem) Close() error { return nil }

var _ Store = (*Mem)(nil)
