// Package session implements the session lifecycle of §4.9: the
// loading/guest/locked/awaiting-auth/authenticated state machine, unlock
// (password → MasterKey → decrypted private keys), and the ordered
// logout teardown. This package is the sole holder of MasterKey; no
// other package may persist it, per the shared-resource policy of §5.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/logging"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
)

var log = logging.For("session")

// State is one node of the session lifecycle state machine.
type State string

const (
	StateLoading                 State = "loading"
	StateGuest                   State = "guest"
	StateLocked                  State = "locked"
	StateAwaiting2FA             State = "awaiting_2fa"
	StateAwaitingMasterPassword  State = "awaiting_master_password"
	StateAuthenticated           State = "authenticated"
)

// AuthParams is the server's per-user KDF configuration, fetched fresh on
// every unlock rather than cached locally (the active session row never
// carries plaintext KDF parameters, since it is sealed under the very key
// those parameters derive).
type AuthParams struct {
	Salt       []byte
	Iterations int
}

// AuthClient is the server surface this package consumes for the parts of
// §6's auth flow not covered by the opaque passkey/OPAQUE handshakes.
type AuthClient interface {
	FetchAuthParams(ctx context.Context, username string) (AuthParams, error)
	RevokeSession(ctx context.Context) error
}

// PushUnsubscriber unsubscribes this device from push notifications on
// logout.
type PushUnsubscriber interface {
	Unsubscribe(ctx context.Context) error
}

// BackgroundWorker is the push-notification decryption worker mentioned
// in §5, unregistered on logout.
type BackgroundWorker interface {
	Unregister(ctx context.Context) error
}

// record is the plaintext payload sealed under MasterKey in the active
// session row.
type record struct {
	OwnerID               string    `json:"owner_id"`
	Handle                string    `json:"handle"`
	IdentityPrivateKey    []byte    `json:"identity_private_key"`
	IdentityPublicKey     []byte    `json:"identity_public_key"`
	TransportPrivateKey   []byte    `json:"transport_private_key"`
	TransportPublicKey    []byte    `json:"transport_public_key"`
	TransportKeyRotatedAt time.Time `json:"transport_key_rotated_at"`
}

// Environment ties the local store and the session-scoped network
// collaborators together. It is the place an embedder wires
// syncengine.Engine, rotation.Rotator, and callbridge.Bridge together
// once a record is decrypted, by reading Identity()/MasterKey() after
// Unlock succeeds.
type Environment struct {
	Store store.Store
	Auth  AuthClient
	Push  PushUnsubscriber
	Worker BackgroundWorker
	Now   func() time.Time

	mu        sync.Mutex
	state     State
	masterKey *model.MasterKey
	rec       record
}

// NewEnvironment constructs an Environment in StateLoading.
func NewEnvironment(st store.Store, auth AuthClient) *Environment {
	return &Environment{Store: st, Auth: auth, state: StateLoading}
}

func (e *Environment) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// State returns the current lifecycle state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ColdStart implements the cold-start transition: no session row → guest;
// a row present but no cached MasterKey → locked; a row present with a
// MasterKey already cached (e.g. a previous Unlock this process) →
// re-derive/verify and go authenticated.
func (e *Environment) ColdStart(ctx context.Context) error {
	row, err := e.Store.GetSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		e.setState(StateGuest)
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	cached := e.masterKey
	e.mu.Unlock()

	if cached == nil {
		e.setState(StateLocked)
		return nil
	}

	rec, err := decryptRecord(row, *cached)
	if err != nil {
		e.setState(StateLocked)
		return err
	}
	e.applyRecord(rec)
	e.setState(StateAuthenticated)
	return nil
}

// Unlock derives MasterKey from password and the server's KDF params,
// decrypts the stored private keys, verifies their lengths are non-zero,
// and transitions to authenticated.
func (e *Environment) Unlock(ctx context.Context, username, password string) error {
	row, err := e.Store.GetSession(ctx)
	if err != nil {
		return err
	}

	params, err := e.Auth.FetchAuthParams(ctx, username)
	if err != nil {
		return err
	}

	masterKey, err := cryptocore.DeriveMasterKey(password, params.Salt, params.Iterations)
	if err != nil {
		return err
	}

	rec, err := decryptRecord(row, masterKey)
	if err != nil {
		return err
	}
	if len(rec.IdentityPrivateKey) == 0 || len(rec.TransportPrivateKey) == 0 {
		return errors.New("session: decrypted key material is empty")
	}

	e.mu.Lock()
	e.masterKey = &masterKey
	e.mu.Unlock()

	e.applyRecord(rec)
	e.setState(StateAuthenticated)
	return nil
}

func (e *Environment) applyRecord(rec record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec = rec
}

// ApplyRotatedTransportKey updates the in-memory and persisted session
// record with a freshly rotated transport key pair, the Swap callback
// rotation.Rotator invokes once the server PATCH succeeds (§4.7 step 3).
func (e *Environment) ApplyRotatedTransportKey(ctx context.Context, public, private []byte, rotatedAt time.Time) error {
	e.mu.Lock()
	if e.masterKey == nil {
		e.mu.Unlock()
		return errors.New("session: cannot apply rotated key without an active session")
	}
	masterKey := *e.masterKey
	rec := e.rec
	rec.TransportPublicKey = public
	rec.TransportPrivateKey = private
	rec.TransportKeyRotatedAt = rotatedAt
	e.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	env, err := cryptocore.Encrypt(masterKey, data)
	if err != nil {
		return err
	}
	if err := e.Store.PutSession(ctx, store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV}); err != nil {
		return err
	}

	e.applyRecord(rec)
	return nil
}

func (e *Environment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// MasterKey returns the cached key, or false if the session is not
// authenticated.
func (e *Environment) MasterKey() (model.MasterKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.masterKey == nil {
		return model.MasterKey{}, false
	}
	return *e.masterKey, true
}

// Identity returns the decrypted key material for the authenticated
// session, or false if none is cached.
func (e *Environment) Identity() (ownerID string, handle model.Handle, identityPrivate, transportPrivate []byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.masterKey == nil || e.rec.OwnerID == "" {
		return "", model.Handle{}, nil, nil, false
	}
	h, err := model.ParseHandle(e.rec.Handle)
	if err != nil {
		return "", model.Handle{}, nil, nil, false
	}
	return e.rec.OwnerID, h, e.rec.IdentityPrivateKey, e.rec.TransportPrivateKey, true
}

// TransportKeyRotatedAt returns the timestamp of the last transport-key
// rotation recorded in the active session, or false if there is none.
func (e *Environment) TransportKeyRotatedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.masterKey == nil || e.rec.OwnerID == "" {
		return time.Time{}, false
	}
	return e.rec.TransportKeyRotatedAt, true
}

// Logout runs the ordered teardown of §4.9: clear in-memory keys, wipe
// the local store, revoke the server session, unsubscribe push, and
// unregister the background worker, in that exact order so the server
// revocation happens while the session token is still otherwise valid.
// Every step runs even if an earlier one fails; all failures are joined
// and returned together.
func (e *Environment) Logout(ctx context.Context) error {
	e.mu.Lock()
	e.masterKey = nil
	e.rec = record{}
	e.mu.Unlock()

	var errs []error

	if err := e.Store.Wipe(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.Auth != nil {
		if err := e.Auth.RevokeSession(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.Push != nil {
		if err := e.Push.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.Worker != nil {
		if err := e.Worker.Unregister(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.setState(StateGuest)
	if len(errs) > 0 {
		log.WithField("failed_steps", len(errs)).Warn("logout completed with teardown failures")
		return errors.Join(errs...)
	}
	return nil
}

func decryptRecord(row store.SealedRow, masterKey model.MasterKey) (record, error) {
	data, err := cryptocore.Decrypt(masterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, err
	}
	return rec, nil
}
