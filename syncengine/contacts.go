package syncengine

import (
	"context"
	"encoding/json"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
)

// ensureContact synthesizes a contact stub on first contact from a
// verified sender and merges it into any existing record per §3's merge
// rule, per the "unknown senders" behavior of §4.5: a handle not yet in
// contacts gets a message-request stub rather than being treated as an
// error.
func (e *Engine) ensureContact(ctx context.Context, peer model.Handle, identityKey, transportKey []byte) error {
	existing, found, err := e.getContact(ctx, peer)
	if err != nil {
		return err
	}

	incoming := model.Contact{
		Handle:             peer,
		Username:           peer.Username,
		Host:               peer.Host,
		PublicIdentityKey:  identityKey,
		PublicTransportKey: transportKey,
		CreatedAt:          e.now(),
	}
	if !found {
		incoming.MessageRequest = true
		return e.putContact(ctx, incoming)
	}

	merged := model.MergeContact(existing, incoming)
	return e.putContact(ctx, merged)
}

// AcceptContact clears the message-request flag for peer, after which
// Fold's messageRequest parameter for that conversation should be sourced
// as false: the flag is never stored per-message, so no bulk rewrite of
// MessageRecord rows is needed.
func (e *Engine) AcceptContact(ctx context.Context, peer model.Handle) error {
	existing, found, err := e.getContact(ctx, peer)
	if err != nil {
		return err
	}
	if !found {
		return errs.New(errs.InvalidPayload, "syncengine.AcceptContact", nil)
	}
	existing.MessageRequest = false
	return e.putContact(ctx, existing)
}

func (e *Engine) getContact(ctx context.Context, peer model.Handle) (model.Contact, bool, error) {
	row, err := e.Store.GetContact(ctx, peer)
	if err != nil {
		if err == store.ErrNotFound {
			return model.Contact{}, false, nil
		}
		return model.Contact{}, false, errs.New(errs.StoreFailed, "syncengine.getContact", err)
	}
	plaintext, err := cryptocore.Decrypt(e.Identity.MasterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	if err != nil {
		return model.Contact{}, false, errs.New(errs.DecryptFailed, "syncengine.getContact", err)
	}
	var c model.Contact
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return model.Contact{}, false, errs.New(errs.StoreFailed, "syncengine.getContact", err)
	}
	return c, true, nil
}

func (e *Engine) putContact(ctx context.Context, c model.Contact) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.putContact", err)
	}
	env, err := cryptocore.Encrypt(e.Identity.MasterKey, data)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.putContact", err)
	}
	row := store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV}
	if err := e.Store.PutContact(ctx, e.Identity.OwnerID, c.Handle, row); err != nil {
		return errs.New(errs.StoreFailed, "syncengine.putContact", err)
	}
	return nil
}
