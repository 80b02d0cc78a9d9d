// Package relayclient is the concrete HTTP adapter for the relay surface
// described in spec.md §6. It implements syncengine.RelayClient,
// rotation.RelayClient, and session.AuthClient against a single
// authenticated *http.Client, the same bearer-token-over-plain-net/http
// idiom directory.HTTPSource uses for the unauthenticated directory
// lookup.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/rotation"
	"github.com/kindlyrobotics/ratchetclient/session"
	"github.com/kindlyrobotics/ratchetclient/syncengine"
)

// TokenSource supplies the bearer token for every authenticated request.
// A session.Environment-backed implementation can swap the token after
// a login/refresh without this package needing to know about it.
type TokenSource func() string

// Client is the relay's HTTP surface, shared across the sync engine,
// rotation, and session packages so there is exactly one HTTP connection
// pool and one timeout policy for the whole process. Requests are not
// retried.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenSource
}

// New constructs a Client with the given base URL and request timeout.
func New(baseURL string, timeout time.Duration, token TokenSource) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
		Token:   token,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.New(errs.InvalidPayload, "relayclient.do", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return errs.New(errs.NetworkTransient, "relayclient.do", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.New(errs.NetworkTransient, "relayclient.do", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errs.New(errs.AuthExpired, "relayclient.do", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return errs.New(errs.NetworkTransient, "relayclient.do", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errs.New(errs.InvalidPayload, "relayclient.do", fmt.Errorf("status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(errs.InvalidPayload, "relayclient.do", err)
	}
	return nil
}

// --- syncengine.RelayClient ---

var _ syncengine.RelayClient = (*Client)(nil)

type queueItemWire struct {
	ID                  string `json:"id"`
	SenderHandle        string `json:"sender_handle"`
	SealedKEMCiphertext []byte `json:"sealed_kem_ciphertext"`
	SealedCiphertext    []byte `json:"sealed_ciphertext"`
	SealedNonce         []byte `json:"sealed_nonce"`
}

func (c *Client) FetchQueue(ctx context.Context) ([]syncengine.QueueItem, error) {
	var wire []queueItemWire
	if err := c.do(ctx, http.MethodGet, "/messages/queue", nil, &wire); err != nil {
		return nil, err
	}
	items := make([]syncengine.QueueItem, 0, len(wire))
	for _, w := range wire {
		items = append(items, syncengine.QueueItem{
			ID:                  w.ID,
			SenderHandle:        w.SenderHandle,
			SealedKEMCiphertext: w.SealedKEMCiphertext,
			SealedCiphertext:    w.SealedCiphertext,
			SealedNonce:         w.SealedNonce,
		})
	}
	return items, nil
}

func (c *Client) StoreQueueItem(ctx context.Context, id string, req syncengine.VaultStoreRequest) error {
	body := map[string]any{
		"blob": map[string]any{"ciphertext": req.Blob.Ciphertext, "iv": req.Blob.IV},
	}
	return c.do(ctx, http.MethodPost, "/messages/queue/"+url.PathEscape(id)+"/store", body, nil)
}

func (c *Client) AckQueueItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/messages/queue/"+url.PathEscape(id)+"/ack", nil, nil)
}

func (c *Client) SendTransit(ctx context.Context, recipientHandle string, kemCiphertext, ciphertext, nonce []byte) error {
	body := map[string]any{
		"recipient_handle": recipientHandle,
		"kem_ciphertext":   kemCiphertext,
		"ciphertext":       ciphertext,
		"nonce":            nonce,
	}
	return c.do(ctx, http.MethodPost, "/messages/send", body, nil)
}

func (c *Client) PostVaultMirror(ctx context.Context, req syncengine.VaultMirrorRequest) error {
	body := map[string]any{
		"message_id":                req.MessageID,
		"original_sender_handle":    req.OriginalSenderHandle,
		"encrypted_blob":            req.EncryptedBlob,
		"iv":                        req.IV,
		"sender_signature_verified": req.SenderSignatureVerified,
	}
	return c.do(ctx, http.MethodPost, "/messages/vault", body, nil)
}

type vaultPageWire struct {
	Items []struct {
		ID        string  `json:"id"`
		Blob      SealedBlobWire `json:"blob"`
		DeletedAt *string `json:"deleted_at"`
		UpdatedAt string  `json:"updated_at"`
	} `json:"items"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
	SyncedAt   string `json:"synced_at"`
}

// SealedBlobWire is the {ciphertext, iv} JSON shape used by every vault
// endpoint.
type SealedBlobWire struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

func (c *Client) PullVaultPage(ctx context.Context, since, cursor string, limit int) (syncengine.VaultPage, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	var wire vaultPageWire
	path := "/messages/vault/sync"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return syncengine.VaultPage{}, err
	}

	page := syncengine.VaultPage{NextCursor: wire.NextCursor, HasMore: wire.HasMore, SyncedAt: wire.SyncedAt}
	for _, it := range wire.Items {
		page.Items = append(page.Items, syncengine.VaultItem{
			ID:        it.ID,
			Blob:      syncengine.SealedBlob{Ciphertext: it.Blob.Ciphertext, IV: it.Blob.IV},
			DeletedAt: it.DeletedAt,
			UpdatedAt: it.UpdatedAt,
		})
	}
	return page, nil
}

func (c *Client) FetchSummaries(ctx context.Context) ([]syncengine.SummaryItem, error) {
	var wire []struct {
		PeerHandle string         `json:"peer_handle"`
		Blob       SealedBlobWire `json:"blob"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/vault/summaries", nil, &wire); err != nil {
		return nil, err
	}
	items := make([]syncengine.SummaryItem, 0, len(wire))
	for _, w := range wire {
		items = append(items, syncengine.SummaryItem{
			PeerHandle: w.PeerHandle,
			Blob:       syncengine.SealedBlob{Ciphertext: w.Blob.Ciphertext, IV: w.Blob.IV},
		})
	}
	return items, nil
}

// --- rotation.RelayClient ---

var _ rotation.RelayClient = (*Client)(nil)

func (c *Client) RotateTransportKey(ctx context.Context, req rotation.RotateRequest) error {
	body := map[string]any{
		"new_public_transport_key": req.NewPublicTransportKey,
		"sealed_private_transport_key": map[string]any{
			"ciphertext": req.SealedPrivateTransportKey.Ciphertext,
			"iv":         req.SealedPrivateTransportKey.IV,
		},
		"rotated_at": req.RotatedAt,
	}
	return c.do(ctx, http.MethodPatch, "/auth/keys/transport", body, nil)
}

// --- session.AuthClient ---

var _ session.AuthClient = (*Client)(nil)

type authParamsWire struct {
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
}

func (c *Client) FetchAuthParams(ctx context.Context, username string) (session.AuthParams, error) {
	var wire authParamsWire
	if err := c.do(ctx, http.MethodGet, "/auth/params/"+url.PathEscape(username), nil, &wire); err != nil {
		return session.AuthParams{}, err
	}
	return session.AuthParams{Salt: wire.Salt, Iterations: wire.Iterations}, nil
}

func (c *Client) RevokeSession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/auth/sessions", nil, nil)
}
