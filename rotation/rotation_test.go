package rotation_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/rotation"
	"github.com/kindlyrobotics/ratchetclient/store"
)

func TestSchedulerRotatesPastInterval(t *testing.T) {
	s := rotation.Scheduler{Interval: 30 * 24 * time.Hour}
	rotatedAt := time.Now().Add(-31 * 24 * time.Hour)
	assert.True(t, s.ShouldRotate(rotatedAt, time.Now()))

	recent := time.Now().Add(-29 * 24 * time.Hour)
	assert.False(t, s.ShouldRotate(recent, time.Now()))
}

func TestSchedulerSkipsDuringActiveCall(t *testing.T) {
	s := rotation.Scheduler{Interval: 30 * 24 * time.Hour, CallActive: func() bool { return true }}
	rotatedAt := time.Now().Add(-60 * 24 * time.Hour)
	assert.False(t, s.ShouldRotate(rotatedAt, time.Now()))
}

type mockRelay struct{ mock.Mock }

func (m *mockRelay) RotateTransportKey(ctx context.Context, req rotation.RotateRequest) error {
	return m.Called(ctx, req).Error(0)
}

type mockSender struct{ mock.Mock }

func (m *mockSender) SendTransit(ctx context.Context, recipientHandle string, kemCiphertext, ciphertext, nonce []byte) error {
	return m.Called(ctx, recipientHandle, kemCiphertext, ciphertext, nonce).Error(0)
}

func TestRotateAnnouncesEveryContactAfterSuccessfulPatch(t *testing.T) {
	ctx := context.Background()

	var masterKey model.MasterKey
	copy(masterKey[:], []byte("0123456789abcdef0123456789abcdef"))

	contactTransport, err := cryptocore.GenerateTransportKeyPair()
	require.NoError(t, err)
	selfIdentity, err := cryptocore.GenerateIdentityKeyPair()
	require.NoError(t, err)

	bob, err := model.ParseHandle("bob@remote.example")
	require.NoError(t, err)

	st := store.NewMem()
	contact := model.Contact{
		Handle:             bob,
		PublicTransportKey: contactTransport.Public,
	}
	data, err := json.Marshal(contact)
	require.NoError(t, err)
	env, err := cryptocore.Encrypt(masterKey, data)
	require.NoError(t, err)
	require.NoError(t, st.PutContact(ctx, "owner-1", bob, store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV}))

	relay := &mockRelay{}
	relay.On("RotateTransportKey", ctx, mock.Anything).Return(nil)
	sender := &mockSender{}
	sender.On("SendTransit", ctx, bob.String(), mock.Anything, mock.Anything, mock.Anything).Return(nil)

	var swapped model.TransportKeyPair
	r := &rotation.Rotator{
		Store:  st,
		Relay:  relay,
		Sender: sender,
		Identity: rotation.Identity{
			OwnerID:             "owner-1",
			IdentityPrivateKey:  selfIdentity.Private,
			MasterKey:           masterKey,
		},
		Swap: func(pair model.TransportKeyPair, rotatedAt time.Time) {
			swapped = pair
		},
	}

	newPair, err := r.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, newPair.Public)
	assert.Equal(t, newPair.Public, swapped.Public)

	relay.AssertNumberOfCalls(t, "RotateTransportKey", 1)
	sender.AssertNumberOfCalls(t, "SendTransit", 1)
}
