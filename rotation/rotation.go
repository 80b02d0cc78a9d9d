// Package rotation implements transport-key rotation: the 30-day-or-
// command policy of §4.7, the server PATCH, and the best-effort
// key_rotation announcement sent to every contact under the rotated key.
package rotation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/envelope"
	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/logging"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
)

var log = logging.For("rotation")

// SealedBlob mirrors the {ciphertext, iv} wire shape used everywhere a
// sealed field crosses the relay boundary.
type SealedBlob struct {
	Ciphertext []byte
	IV         []byte
}

// RotateRequest is the body of PATCH /auth/keys/transport.
type RotateRequest struct {
	NewPublicTransportKey     []byte
	SealedPrivateTransportKey SealedBlob
	RotatedAt                 string
}

// RelayClient is the server surface this package consumes.
type RelayClient interface {
	RotateTransportKey(ctx context.Context, req RotateRequest) error
}

// TransitSender is the minimal outbound-send surface needed to announce a
// rotation to a contact; syncengine.RelayClient.SendTransit satisfies it.
type TransitSender interface {
	SendTransit(ctx context.Context, recipientHandle string, kemCiphertext, ciphertext, nonce []byte) error
}

// Identity bundles the key material Rotate needs. A subset of
// syncengine.Identity, duplicated rather than imported to keep this
// package free of a dependency on syncengine.
type Identity struct {
	OwnerID            string
	OwnHandle          model.Handle
	IdentityPrivateKey []byte
	MasterKey          model.MasterKey
}

// Scheduler decides whether a rotation is due. CallActive lets the caller
// skip rotation while a call is in progress, per §4.7's "skip if a call is
// active" rule.
type Scheduler struct {
	Interval   time.Duration
	CallActive func() bool
}

// ShouldRotate reports whether rotatedAt is due for rotation as of now.
func (s Scheduler) ShouldRotate(rotatedAt, now time.Time) bool {
	if s.CallActive != nil && s.CallActive() {
		return false
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * 24 * time.Hour
	}
	return now.Sub(rotatedAt) >= interval
}

// Rotator performs the rotation procedure of §4.7.
type Rotator struct {
	Store    store.Store
	Relay    RelayClient
	Sender   TransitSender
	Identity Identity
	Now      func() time.Time

	// Swap is invoked with the new pair only after the server PATCH
	// succeeds, so the caller (session lifecycle) can update the active
	// session record and the in-memory keys atomically, per step 3.
	Swap func(model.TransportKeyPair, time.Time)
}

func (r *Rotator) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Rotate generates a new transport pair, seals the private half under
// MasterKey, PATCHes the relay, swaps in-memory keys via r.Swap, and then
// best-effort announces the rotation to every contact. Delivery failures
// to individual contacts are not retried: the peer rediscovers the new
// key via directory lookup the next time it sends.
func (r *Rotator) Rotate(ctx context.Context) (model.TransportKeyPair, error) {
	newPair, err := cryptocore.GenerateTransportKeyPair()
	if err != nil {
		return model.TransportKeyPair{}, errs.New(errs.KeyMaterialCorrupt, "rotation.Rotate", err)
	}

	rotatedAt := r.now().UTC()
	sealedPrivate, err := cryptocore.Encrypt(r.Identity.MasterKey, newPair.Private)
	if err != nil {
		return model.TransportKeyPair{}, errs.New(errs.StoreFailed, "rotation.Rotate", err)
	}

	req := RotateRequest{
		NewPublicTransportKey: newPair.Public,
		SealedPrivateTransportKey: SealedBlob{
			Ciphertext: sealedPrivate.Ciphertext,
			IV:         sealedPrivate.IV,
		},
		RotatedAt: rotatedAt.Format(time.RFC3339),
	}
	if err := r.Relay.RotateTransportKey(ctx, req); err != nil {
		return model.TransportKeyPair{}, errs.New(errs.NetworkTransient, "rotation.Rotate", err)
	}

	if r.Swap != nil {
		r.Swap(newPair, rotatedAt)
	}

	r.announce(ctx, newPair.Public, rotatedAt)
	return newPair, nil
}

func (r *Rotator) announce(ctx context.Context, newPublicTransportKey []byte, rotatedAt time.Time) {
	contacts, err := r.Store.ListContactsByOwner(ctx, r.Identity.OwnerID)
	if err != nil {
		log.WithError(err).Warn("could not list contacts for rotation announcement")
		return
	}

	body := envelope.KeyRotationBody(rotatedAt.UnixMilli(), newPublicTransportKey)
	for handle, row := range contacts {
		contact, err := r.decryptContact(row)
		if err != nil {
			log.WithField("contact", handle.String()).WithError(err).Debug("skipping unreadable contact during rotation announce")
			continue
		}
		if len(contact.PublicTransportKey) == 0 {
			continue
		}

		out := envelope.Transit{
			Type:         model.KindKeyRotation,
			Content:      body,
			SenderHandle: r.Identity.OwnHandle.String(),
			Timestamp:    rotatedAt.Format(time.RFC3339),
		}
		sealed, err := envelope.BuildTransit(out, r.Identity.IdentityPrivateKey, contact.PublicTransportKey)
		if err != nil {
			log.WithField("contact", handle.String()).WithError(err).Debug("failed to build rotation announcement")
			continue
		}
		if err := r.Sender.SendTransit(ctx, handle.String(), sealed.KEMCiphertext, sealed.Ciphertext, sealed.Nonce); err != nil {
			log.WithField("contact", handle.String()).WithError(err).Debug("rotation announcement delivery failed, not retried")
		}
	}
}

func (r *Rotator) decryptContact(row store.SealedRow) (model.Contact, error) {
	data, err := cryptocore.Decrypt(r.Identity.MasterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	if err != nil {
		return model.Contact{}, err
	}
	var c model.Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return model.Contact{}, err
	}
	return c, nil
}
