package relayclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/relayclient"
	"github.com/kindlyrobotics/ratchetclient/rotation"
)

func TestFetchQueueDecodesItemsAndSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/messages/queue", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"id":                    "item-1",
				"sender_handle":         "bob@remote.example",
				"sealed_kem_ciphertext": []byte("kem"),
				"sealed_ciphertext":     []byte("ct"),
				"sealed_nonce":          []byte("nonce"),
			},
		})
	}))
	defer srv.Close()

	client := relayclient.New(srv.URL, 5*time.Second, func() string { return "tok-123" })
	items, err := client.FetchQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, "bob@remote.example", items[0].SenderHandle)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestAckQueueItemPostsToExpectedPath(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := relayclient.New(srv.URL, 5*time.Second, nil)
	require.NoError(t, client.AckQueueItem(context.Background(), "item-9"))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/messages/queue/item-9/ack", path)
}

func TestRotateTransportKeyPatchesWithSealedBody(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "sealed_private_transport_key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := relayclient.New(srv.URL, 5*time.Second, nil)
	err := client.RotateTransportKey(context.Background(), rotation.RotateRequest{
		NewPublicTransportKey:     []byte("pub"),
		SealedPrivateTransportKey: rotation.SealedBlob{Ciphertext: []byte("ct"), IV: []byte("iv")},
		RotatedAt:                 time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, method)
}

func TestFetchAuthParamsDecodesSaltAndIterations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/params/alice", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"salt": []byte("0123456789abcdef"), "iterations": 200000})
	}))
	defer srv.Close()

	client := relayclient.New(srv.URL, 5*time.Second, nil)
	params, err := client.FetchAuthParams(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 200000, params.Iterations)
	assert.Equal(t, []byte("0123456789abcdef"), params.Salt)
}

func TestUnauthorizedResponseMapsToAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := relayclient.New(srv.URL, 5*time.Second, nil)
	err := client.RevokeSession(context.Background())
	assert.Error(t, err)
	assert.True(t, errs.Is(err, errs.AuthExpired))
}
