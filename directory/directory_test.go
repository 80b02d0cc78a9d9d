package directory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/ratchetclient/directory"
	"github.com/kindlyrobotics/ratchetclient/model"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) LookupHandle(ctx context.Context, handle model.Handle) (directory.Entry, error) {
	args := m.Called(ctx, handle)
	entry, _ := args.Get(0).(directory.Entry)
	return entry, args.Error(1)
}

func mustHandle(t *testing.T, s string) model.Handle {
	t.Helper()
	h, err := model.ParseHandle(s)
	require.NoError(t, err)
	return h
}

func TestResolveCachesAfterFirstFetch(t *testing.T) {
	ctx := context.Background()
	alice := mustHandle(t, "alice@host.example")

	src := &mockSource{}
	entry := directory.Entry{Handle: alice, PublicIdentityKey: []byte("id-key"), PublicTransportKey: []byte("transport-key")}
	src.On("LookupHandle", ctx, alice).Return(entry, nil).Once()

	cache := directory.NewCache(src)

	res, err := cache.Resolve(ctx, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, directory.FromCache, res.Outcome)
	assert.Equal(t, entry.PublicIdentityKey, res.PublicIdentityKey)

	res2, err := cache.Resolve(ctx, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, directory.FromCache, res2.Outcome)

	src.AssertExpectations(t)
}

func TestResolveFallsBackToInlineWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	alice := mustHandle(t, "alice@host.example")

	src := &mockSource{}
	src.On("LookupHandle", ctx, alice).Return(directory.Entry{}, errors.New("network down"))

	cache := directory.NewCache(src)
	res, err := cache.Resolve(ctx, alice, []byte("inline-key"))
	require.NoError(t, err)
	assert.Equal(t, directory.FromInline, res.Outcome)
	assert.Equal(t, []byte("inline-key"), res.PublicIdentityKey)
}

func TestResolveErrorsWhenUnreachableAndNoInlineKey(t *testing.T) {
	ctx := context.Background()
	alice := mustHandle(t, "alice@host.example")

	src := &mockSource{}
	src.On("LookupHandle", ctx, alice).Return(directory.Entry{}, errors.New("network down"))

	cache := directory.NewCache(src)
	_, err := cache.Resolve(ctx, alice, nil)
	assert.Error(t, err)
}

func TestResolveDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	alice := mustHandle(t, "alice@host.example")

	src := &mockSource{}
	entry := directory.Entry{Handle: alice, PublicIdentityKey: []byte("real-key")}
	src.On("LookupHandle", ctx, alice).Return(entry, nil).Once()

	cache := directory.NewCache(src)
	res, err := cache.Resolve(ctx, alice, []byte("forged-key"))
	require.NoError(t, err)
	assert.Equal(t, directory.Mismatch, res.Outcome)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	alice := mustHandle(t, "alice@host.example")

	src := &mockSource{}
	first := directory.Entry{Handle: alice, PublicTransportKey: []byte("old")}
	second := directory.Entry{Handle: alice, PublicTransportKey: []byte("new")}
	src.On("LookupHandle", ctx, alice).Return(first, nil).Once()
	src.On("LookupHandle", ctx, alice).Return(second, nil).Once()

	cache := directory.NewCache(src)
	key, err := cache.TransportKeyFor(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), key)

	cache.Invalidate(alice)

	key, err = cache.TransportKeyFor(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), key)
}

func TestUpdateInstallsEntryWithoutFetch(t *testing.T) {
	ctx := context.Background()
	alice := mustHandle(t, "alice@host.example")

	src := &mockSource{}
	cache := directory.NewCache(src)
	cache.Update(directory.Entry{Handle: alice, PublicTransportKey: []byte("rotated")})

	key, err := cache.TransportKeyFor(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), key)
	src.AssertNotCalled(t, "LookupHandle", mock.Anything, mock.Anything)
}
