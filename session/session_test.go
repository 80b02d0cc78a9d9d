package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/session"
	"github.com/kindlyrobotics/ratchetclient/store"
)

type mockAuth struct{ mock.Mock }

func (m *mockAuth) FetchAuthParams(ctx context.Context, username string) (session.AuthParams, error) {
	args := m.Called(ctx, username)
	params, _ := args.Get(0).(session.AuthParams)
	return params, args.Error(1)
}

func (m *mockAuth) RevokeSession(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockPush struct{ mock.Mock }

func (m *mockPush) Unsubscribe(ctx context.Context) error { return m.Called(ctx).Error(0) }

type mockWorker struct{ mock.Mock }

func (m *mockWorker) Unregister(ctx context.Context) error { return m.Called(ctx).Error(0) }

func seedSession(t *testing.T, st store.Store, password string, salt []byte, iterations int) {
	t.Helper()
	masterKey, err := cryptocore.DeriveMasterKey(password, salt, iterations)
	require.NoError(t, err)

	identity, err := cryptocore.GenerateIdentityKeyPair()
	require.NoError(t, err)
	transport, err := cryptocore.GenerateTransportKeyPair()
	require.NoError(t, err)

	rec := map[string]any{
		"owner_id":              "owner-1",
		"handle":                "me@home.example",
		"identity_private_key":  identity.Private,
		"identity_public_key":   identity.Public,
		"transport_private_key": transport.Private,
		"transport_public_key":  transport.Public,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	env, err := cryptocore.Encrypt(masterKey, data)
	require.NoError(t, err)
	require.NoError(t, st.PutSession(context.Background(), store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV}))
}

func TestColdStartWithNoSessionGoesGuest(t *testing.T) {
	st := store.NewMem()
	auth := &mockAuth{}
	env := session.NewEnvironment(st, auth)

	require.NoError(t, env.ColdStart(context.Background()))
	assert.Equal(t, session.StateGuest, env.State())
}

func TestColdStartWithSessionButNoCachedKeyGoesLocked(t *testing.T) {
	st := store.NewMem()
	salt := []byte("0123456789abcdef")
	seedSession(t, st, "hunter2", salt, 10)

	auth := &mockAuth{}
	env := session.NewEnvironment(st, auth)

	require.NoError(t, env.ColdStart(context.Background()))
	assert.Equal(t, session.StateLocked, env.State())
}

func TestUnlockDerivesKeyAndGoesAuthenticated(t *testing.T) {
	st := store.NewMem()
	salt := []byte("0123456789abcdef")
	seedSession(t, st, "hunter2", salt, 10)

	auth := &mockAuth{}
	auth.On("FetchAuthParams", mock.Anything, "me").Return(session.AuthParams{Salt: salt, Iterations: 10}, nil)

	env := session.NewEnvironment(st, auth)
	require.NoError(t, env.Unlock(context.Background(), "me", "hunter2"))
	assert.Equal(t, session.StateAuthenticated, env.State())

	ownerID, handle, idPriv, tPriv, ok := env.Identity()
	require.True(t, ok)
	assert.Equal(t, "owner-1", ownerID)
	assert.Equal(t, "me@home.example", handle.String())
	assert.NotEmpty(t, idPriv)
	assert.NotEmpty(t, tPriv)
}

func TestUnlockFailsWithWrongPassword(t *testing.T) {
	st := store.NewMem()
	salt := []byte("0123456789abcdef")
	seedSession(t, st, "hunter2", salt, 10)

	auth := &mockAuth{}
	auth.On("FetchAuthParams", mock.Anything, "me").Return(session.AuthParams{Salt: salt, Iterations: 10}, nil)

	env := session.NewEnvironment(st, auth)
	err := env.Unlock(context.Background(), "me", "wrong-password")
	assert.Error(t, err)
	assert.NotEqual(t, session.StateAuthenticated, env.State())
}

func TestLogoutOrderedTeardownRunsAllStepsAndClearsKeys(t *testing.T) {
	st := store.NewMem()
	salt := []byte("0123456789abcdef")
	seedSession(t, st, "hunter2", salt, 10)

	auth := &mockAuth{}
	auth.On("FetchAuthParams", mock.Anything, "me").Return(session.AuthParams{Salt: salt, Iterations: 10}, nil)
	auth.On("RevokeSession", mock.Anything).Return(nil)

	push := &mockPush{}
	push.On("Unsubscribe", mock.Anything).Return(nil)
	worker := &mockWorker{}
	worker.On("Unregister", mock.Anything).Return(nil)

	env := session.NewEnvironment(st, auth)
	env.Push = push
	env.Worker = worker
	require.NoError(t, env.Unlock(context.Background(), "me", "hunter2"))

	require.NoError(t, env.Logout(context.Background()))
	assert.Equal(t, session.StateGuest, env.State())

	_, _, _, _, ok := env.Identity()
	assert.False(t, ok)

	_, err := st.GetSession(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)

	auth.AssertCalled(t, "RevokeSession", mock.Anything)
	push.AssertCalled(t, "Unsubscribe", mock.Anything)
	worker.AssertCalled(t, "Unregister", mock.Anything)
}

func TestApplyRotatedTransportKeyPersistsAndUpdatesIdentity(t *testing.T) {
	st := store.NewMem()
	salt := []byte("0123456789abcdef")
	seedSession(t, st, "hunter2", salt, 10)

	auth := &mockAuth{}
	auth.On("FetchAuthParams", mock.Anything, "me").Return(session.AuthParams{Salt: salt, Iterations: 10}, nil)

	env := session.NewEnvironment(st, auth)
	require.NoError(t, env.Unlock(context.Background(), "me", "hunter2"))

	newPair, err := cryptocore.GenerateTransportKeyPair()
	require.NoError(t, err)
	rotatedAt := time.Now().UTC()
	require.NoError(t, env.ApplyRotatedTransportKey(context.Background(), newPair.Public, newPair.Private, rotatedAt))

	_, _, _, transportPriv, ok := env.Identity()
	require.True(t, ok)
	assert.Equal(t, newPair.Private, transportPriv)

	got, ok := env.TransportKeyRotatedAt()
	require.True(t, ok)
	assert.WithinDuration(t, rotatedAt, got, time.Second)

	// A fresh cold start from the persisted row must see the rotated key.
	env2 := session.NewEnvironment(st, auth)
	require.NoError(t, env2.Unlock(context.Background(), "me", "hunter2"))
	_, _, _, transportPriv2, ok := env2.Identity()
	require.True(t, ok)
	assert.Equal(t, newPair.Private, transportPriv2)
}
