package syncengine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/directory"
	"github.com/kindlyrobotics/ratchetclient/dedup"
	"github.com/kindlyrobotics/ratchetclient/envelope"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
	"github.com/kindlyrobotics/ratchetclient/syncengine"
)

// fixedSource answers LookupHandle from a static table, standing in for
// the relay-backed directory.HTTPSource in these tests.
type fixedSource struct {
	entries map[string]directory.Entry
}

func (s *fixedSource) LookupHandle(ctx context.Context, handle model.Handle) (directory.Entry, error) {
	e, ok := s.entries[handle.String()]
	if !ok {
		return directory.Entry{}, assert.AnError
	}
	return e, nil
}

// mockRelay is a testify mock double for syncengine.RelayClient.
type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) FetchQueue(ctx context.Context) ([]syncengine.QueueItem, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]syncengine.QueueItem)
	return items, args.Error(1)
}

func (m *mockRelay) StoreQueueItem(ctx context.Context, id string, req syncengine.VaultStoreRequest) error {
	return m.Called(ctx, id, req).Error(0)
}

func (m *mockRelay) AckQueueItem(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRelay) SendTransit(ctx context.Context, recipientHandle string, kemCiphertext, ciphertext, nonce []byte) error {
	return m.Called(ctx, recipientHandle, kemCiphertext, ciphertext, nonce).Error(0)
}

func (m *mockRelay) PostVaultMirror(ctx context.Context, req syncengine.VaultMirrorRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockRelay) PullVaultPage(ctx context.Context, since, cursor string, limit int) (syncengine.VaultPage, error) {
	args := m.Called(ctx, since, cursor, limit)
	page, _ := args.Get(0).(syncengine.VaultPage)
	return page, args.Error(1)
}

func (m *mockRelay) FetchSummaries(ctx context.Context) ([]syncengine.SummaryItem, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]syncengine.SummaryItem)
	return items, args.Error(1)
}

type fixture struct {
	engine       *syncengine.Engine
	relay        *mockRelay
	selfHandle   model.Handle
	senderHandle model.Handle
	senderID     model.IdentityKeyPair
	ownTransport model.TransportKeyPair
	masterKey    model.MasterKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	self, err := model.ParseHandle("me@home.example")
	require.NoError(t, err)
	sender, err := model.ParseHandle("alice@remote.example")
	require.NoError(t, err)

	ownTransport, err := cryptocore.GenerateTransportKeyPair()
	require.NoError(t, err)
	senderIdentity, err := cryptocore.GenerateIdentityKeyPair()
	require.NoError(t, err)
	selfIdentity, err := cryptocore.GenerateIdentityKeyPair()
	require.NoError(t, err)

	var masterKey model.MasterKey
	copy(masterKey[:], []byte("0123456789abcdef0123456789abcdef"))

	src := &fixedSource{entries: map[string]directory.Entry{
		sender.String(): {
			Handle:             sender,
			PublicIdentityKey:  senderIdentity.Public,
			PublicTransportKey: ownTransport.Public, // irrelevant to these tests
		},
	}}

	relay := &mockRelay{}
	eng := &syncengine.Engine{
		Store:         store.NewMem(),
		Relay:         relay,
		Directory:     directory.NewCache(src),
		Dedup:         dedup.NewLRU(0),
		VaultPageSize: 50,
		VaultPageCap:  10,
		Identity: syncengine.Identity{
			OwnerID:             "owner-1",
			OwnHandle:           self,
			IdentityPrivateKey:  selfIdentity.Private,
			TransportPrivateKey: ownTransport.Private,
			MasterKey:           masterKey,
		},
	}

	return &fixture{
		engine:       eng,
		relay:        relay,
		selfHandle:   self,
		senderHandle: sender,
		senderID:     senderIdentity,
		ownTransport: ownTransport,
		masterKey:    masterKey,
	}
}

// sealedMessageItem builds a queue item carrying a signed, sealed
// "message" transit envelope from f.senderHandle to the fixture's own
// transport key.
func (f *fixture) sealedMessageItem(t *testing.T, text, messageID string) syncengine.QueueItem {
	t.Helper()
	tr := envelope.Transit{
		Type:         model.KindMessage,
		Content:      envelope.MessageBody(text),
		SenderHandle: f.senderHandle.String(),
		MessageID:    messageID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	sealed, err := envelope.BuildTransit(tr, f.senderID.Private, f.ownTransport.Public)
	require.NoError(t, err)

	return syncengine.QueueItem{
		ID:                  "queue-" + messageID,
		SenderHandle:        f.senderHandle.String(),
		SealedKEMCiphertext: sealed.KEMCiphertext,
		SealedCiphertext:    sealed.Ciphertext,
		SealedNonce:         sealed.Nonce,
	}
}

func TestDrainQueueStoresMessageAndAcksAfterReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.sealedMessageItem(t, "hello there", "msg-1")

	f.relay.On("FetchQueue", ctx).Return([]syncengine.QueueItem{item}, nil)
	f.relay.On("StoreQueueItem", ctx, item.ID, mock.Anything).Return(nil)
	f.relay.On("SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.engine.DrainQueue(ctx))

	rows, err := f.engine.Store.ListMessagesByOwnerAndPeer(ctx, "owner-1", f.senderHandle)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	f.relay.AssertCalled(t, "StoreQueueItem", ctx, item.ID, mock.Anything)
	f.relay.AssertNotCalled(t, "AckQueueItem", mock.Anything, mock.Anything)
}

func TestDrainQueueDedupsRepeatedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.sealedMessageItem(t, "only once", "msg-dup")

	f.relay.On("FetchQueue", ctx).Return([]syncengine.QueueItem{item, item}, nil)
	f.relay.On("StoreQueueItem", ctx, item.ID, mock.Anything).Return(nil).Once()
	f.relay.On("SendTransit", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, f.engine.DrainQueue(ctx))

	f.relay.AssertNumberOfCalls(t, "StoreQueueItem", 1)
}

func TestDrainQueueRejectsForgedSenderHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.sealedMessageItem(t, "hi", "msg-forged")
	item.SenderHandle = "mallory@evil.example"

	f.relay.On("FetchQueue", ctx).Return([]syncengine.QueueItem{item}, nil)

	require.NoError(t, f.engine.DrainQueue(ctx))

	f.relay.AssertNotCalled(t, "StoreQueueItem", mock.Anything, mock.Anything, mock.Anything)
	rows, err := f.engine.Store.ListMessagesByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMirrorOutboundMarksVaultSyncedOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := model.MessageRecord{
		ID:          "local-1",
		OwnerID:     "owner-1",
		PeerHandle:  f.senderHandle,
		Direction:   model.DirectionOut,
		Kind:        model.KindMessage,
		MessageID:   "local-1",
		Text:        "outbound text",
		Timestamp:   time.Now().UTC(),
		VaultSynced: false,
	}
	data, err := cryptocore.Encrypt(f.masterKey, mustMarshal(t, rec))
	require.NoError(t, err)
	require.NoError(t, f.engine.Store.PutMessage(ctx, "owner-1", f.senderHandle, rec.ID, store.SealedRow{Ciphertext: data.Ciphertext, IV: data.IV}))

	f.relay.On("PostVaultMirror", ctx, mock.Anything).Return(nil)

	require.NoError(t, f.engine.MirrorOutbound(ctx))

	f.relay.AssertNumberOfCalls(t, "PostVaultMirror", 1)
}

func TestPullVaultInsertsAndDeletesByPrimaryKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vault := envelope.Vault{
		Type:       model.KindMessage,
		MessageID:  "remote-1",
		PeerHandle: f.senderHandle.String(),
		Direction:  model.DirectionIn,
		Timestamp:  time.Now().UTC(),
		Text:       "from the vault",
	}
	env, err := envelope.BuildVault(vault, f.masterKey)
	require.NoError(t, err)

	stale := model.MessageRecord{ID: "remote-2", OwnerID: "owner-1", PeerHandle: f.senderHandle, Direction: model.DirectionIn, Kind: model.KindMessage, MessageID: "remote-2", Text: "deleted on the server", Timestamp: time.Now().UTC()}
	staleEnv, err := cryptocore.Encrypt(f.masterKey, mustMarshal(t, stale))
	require.NoError(t, err)
	require.NoError(t, f.engine.Store.PutMessage(ctx, "owner-1", f.senderHandle, stale.ID, store.SealedRow{Ciphertext: staleEnv.Ciphertext, IV: staleEnv.IV}))
	deletedAt := time.Now().UTC().Format(time.RFC3339)

	page := syncengine.VaultPage{
		Items: []syncengine.VaultItem{
			{ID: "remote-1", Blob: syncengine.SealedBlob{Ciphertext: env.Ciphertext, IV: env.IV}, UpdatedAt: time.Now().UTC().Format(time.RFC3339)},
			{ID: "remote-2", DeletedAt: &deletedAt, UpdatedAt: deletedAt},
		},
		HasMore:  false,
		SyncedAt: time.Now().UTC().Format(time.RFC3339),
	}
	f.relay.On("PullVaultPage", ctx, "", "", 50).Return(page, nil)

	require.NoError(t, f.engine.PullVault(ctx))

	_, err = f.engine.Store.GetMessage(ctx, "remote-1")
	require.NoError(t, err)
	_, err = f.engine.Store.GetMessage(ctx, "remote-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDrainQueueSynthesizesContactStubForUnknownSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.sealedMessageItem(t, "first contact", "msg-unknown")

	f.relay.On("FetchQueue", ctx).Return([]syncengine.QueueItem{item}, nil)
	f.relay.On("StoreQueueItem", ctx, item.ID, mock.Anything).Return(nil)
	f.relay.On("SendTransit", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.engine.DrainQueue(ctx))

	row, err := f.engine.Store.GetContact(ctx, f.senderHandle)
	require.NoError(t, err)
	env, err := cryptocore.Decrypt(f.masterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	require.NoError(t, err)
	var c model.Contact
	require.NoError(t, json.Unmarshal(env, &c))
	assert.True(t, c.MessageRequest)
	assert.Equal(t, f.senderHandle, c.Handle)
}

func TestAcceptContactClearsMessageRequestFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.sealedMessageItem(t, "first contact", "msg-unknown-2")
	f.relay.On("FetchQueue", ctx).Return([]syncengine.QueueItem{item}, nil)
	f.relay.On("StoreQueueItem", ctx, item.ID, mock.Anything).Return(nil)
	f.relay.On("SendTransit", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.engine.DrainQueue(ctx))

	require.NoError(t, f.engine.AcceptContact(ctx, f.senderHandle))

	row, err := f.engine.Store.GetContact(ctx, f.senderHandle)
	require.NoError(t, err)
	env, err := cryptocore.Decrypt(f.masterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	require.NoError(t, err)
	var c model.Contact
	require.NoError(t, json.Unmarshal(env, &c))
	assert.False(t, c.MessageRequest)
}

func TestKeyRotationUpdatesDirectoryForSubsequentSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rotated, err := cryptocore.GenerateTransportKeyPair()
	require.NoError(t, err)

	rotationItem := syncengine.QueueItem{ID: "queue-rotate-1"}
	tr := envelope.Transit{
		Type:         model.KindKeyRotation,
		Content:      envelope.KeyRotationBody(1710000000000, rotated.Public),
		SenderHandle: f.senderHandle.String(),
		MessageID:    "rotate-1",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	sealed, err := envelope.BuildTransit(tr, f.senderID.Private, f.ownTransport.Public)
	require.NoError(t, err)
	rotationItem.SenderHandle = f.senderHandle.String()
	rotationItem.SealedKEMCiphertext = sealed.KEMCiphertext
	rotationItem.SealedCiphertext = sealed.Ciphertext
	rotationItem.SealedNonce = sealed.Nonce

	f.relay.On("FetchQueue", ctx).Return([]syncengine.QueueItem{rotationItem}, nil)
	f.relay.On("AckQueueItem", ctx, rotationItem.ID).Return(nil)

	require.NoError(t, f.engine.DrainQueue(ctx))

	f.relay.AssertCalled(t, "AckQueueItem", ctx, rotationItem.ID)

	gotKey, err := f.engine.Directory.TransportKeyFor(ctx, f.senderHandle)
	require.NoError(t, err)
	assert.Equal(t, rotated.Public, gotKey)
}

func TestSendReadReceiptSuppressedWhenDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.SendReadReceipt(ctx, f.senderHandle, "msg-1"))

	f.relay.AssertNotCalled(t, "SendTransit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendReadReceiptSendsWhenEnabled(t *testing.T) {
	f := newFixture(t)
	f.engine.Identity.ReadReceiptsEnabled = true
	ctx := context.Background()

	f.relay.On("SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.engine.SendReadReceipt(ctx, f.senderHandle, "msg-1"))

	f.relay.AssertCalled(t, "SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageSealsSendsAndStoresOutbound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.relay.On("SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything).Return(nil)

	rec, err := f.engine.SendMessage(ctx, f.senderHandle, "hi Alice", "", nil)
	require.NoError(t, err)

	f.relay.AssertCalled(t, "SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything)

	row, err := f.engine.Store.GetMessage(ctx, rec.ID)
	require.NoError(t, err)
	stored, err := cryptocore.Decrypt(f.masterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	require.NoError(t, err)
	var got model.MessageRecord
	require.NoError(t, json.Unmarshal(stored, &got))
	assert.Equal(t, model.DirectionOut, got.Direction)
	assert.False(t, got.VaultSynced)
	assert.Equal(t, "hi Alice", got.Text)
}

func TestSendMessageReturnsErrorWhenRelaySendFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.relay.On("SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	_, err := f.engine.SendMessage(ctx, f.senderHandle, "never arrives", "", nil)
	assert.Error(t, err)
}

func TestConversationFoldsStoredMessageAndEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.relay.On("SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything).Return(nil)

	rec, err := f.engine.SendMessage(ctx, f.senderHandle, "original", "", nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.SendEdit(ctx, f.senderHandle, rec.MessageID, "edited"))

	visible, err := f.engine.Conversation(ctx, f.senderHandle)
	require.NoError(t, err)
	require.Len(t, visible, 1, "the edit must be grouped onto the original message, not appear as a second one")
	assert.Equal(t, "edited", visible[0].Text)
	assert.NotNil(t, visible[0].EditedAt)
}

func TestPullVaultDoesNotAdvanceLastVaultSyncWhenPageCapHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.VaultPageCap = 1

	page := syncengine.VaultPage{HasMore: true, NextCursor: "cursor-1", SyncedAt: "2026-01-01T00:00:00Z"}
	f.relay.On("PullVaultPage", ctx, "", "", 50).Return(page, nil)

	require.NoError(t, f.engine.PullVault(ctx))

	_, err := f.engine.Store.GetSyncState(ctx, "last_vault_sync")
	assert.ErrorIs(t, err, store.ErrNotFound, "a capped, non-terminating run must not persist a lastVaultSync that would skip the unseen remainder")
}

func TestSendCallSignalSendsOfferAndStoresNothingLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.relay.On("SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := f.engine.SendCallSignal(ctx, f.senderHandle, "video", "call-1", "offer", map[string]any{"sdp": "v=0"}, nil)
	require.NoError(t, err)

	f.relay.AssertCalled(t, "SendTransit", ctx, f.senderHandle.String(), mock.Anything, mock.Anything, mock.Anything)

	rows, err := f.engine.Store.ListMessagesByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, rows, "live call signaling is never stored or mirrored by syncengine itself")
}

func mustMarshal(t *testing.T, rec model.MessageRecord) []byte {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return data
}
