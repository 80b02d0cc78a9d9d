package syncengine

import (
	"context"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/directory"
	"github.com/kindlyrobotics/ratchetclient/envelope"
	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
)

// DrainQueue implements the initial fast path: pull every pending item
// from the server-held inbound queue and process each in turn.
func (e *Engine) DrainQueue(ctx context.Context) error {
	items, err := e.Relay.FetchQueue(ctx)
	if err != nil {
		return errs.New(errs.NetworkTransient, "syncengine.DrainQueue", err)
	}

	for _, item := range items {
		if err := e.processQueueItem(ctx, item); err != nil {
			log.WithField("queue_item", item.ID).WithError(err).Debug("queue item dropped")
		}
	}
	return nil
}

// processQueueItem implements §4.6.1 step for step.
func (e *Engine) processQueueItem(ctx context.Context, item QueueItem) error {
	seen, err := e.Dedup.SeenOrRecord(ctx, item.ID)
	if err != nil {
		return errs.New(errs.NetworkTransient, "syncengine.processQueueItem", err)
	}
	if seen {
		return nil
	}

	sealed := cryptocore.Sealed{
		KEMCiphertext: item.SealedKEMCiphertext,
		Ciphertext:    item.SealedCiphertext,
		Nonce:         item.SealedNonce,
	}

	// Step 1: unseal. Decrypt failure is a silent drop, no ACK — the key
	// may simply have been rotated since this item was sealed.
	t, err := envelope.ParseTransit(sealed, e.Identity.TransportPrivateKey)
	if err != nil {
		return errs.New(errs.DecryptFailed, "syncengine.processQueueItem", err)
	}

	// Step 3: resolve sender via directory (cache-first).
	res, err := e.Directory.Resolve(ctx, mustHandle(t.SenderHandle), t.SenderIdentityKey)
	if err != nil {
		return errs.New(errs.NetworkTransient, "syncengine.processQueueItem", err)
	}
	if res.Outcome == directory.Mismatch {
		return errs.New(errs.DirectoryMismatch, "syncengine.processQueueItem", nil)
	}

	// Step 4: verify signature; require inline sender_handle to equal the
	// queue item's sender_handle.
	if t.SenderHandle != item.SenderHandle {
		return errs.New(errs.InvalidPayload, "syncengine.processQueueItem", nil)
	}
	verified, err := envelope.VerifySignature(t, res.PublicIdentityKey)
	if err != nil {
		return errs.New(errs.InvalidPayload, "syncengine.processQueueItem", err)
	}
	if !verified {
		return errs.New(errs.SignatureInvalid, "syncengine.processQueueItem", nil)
	}

	if t.Type != model.KindCall {
		if err := e.ensureContact(ctx, mustHandle(item.SenderHandle), res.PublicIdentityKey, res.PublicTransportKey); err != nil {
			log.WithField("peer", item.SenderHandle).WithError(err).Debug("failed to synthesize or merge contact stub")
		}
	}

	// Step 5: special-case pre-store handling.
	switch t.Type {
	case model.KindCall:
		// Live call signaling is always ACKed, never stored, regardless
		// of freshness or bridge outcome, per §4.8's "ACK always" rule.
		defer e.ack(ctx, item.ID)
		if e.CallBridge == nil {
			return nil
		}
		return e.CallBridge.HandleSignal(ctx, t.SenderHandle, t.CallType, t.CallID, t.CallAction, t.Timestamp, t.SDP, t.Candidate)

	case model.KindReceipt, model.KindKeyRotation:
		if err := e.storeRawEvent(ctx, item.SenderHandle, t, false); err != nil {
			return err
		}
		if t.Type == model.KindKeyRotation {
			e.applyKeyRotation(ctx, mustHandle(item.SenderHandle), res.PublicIdentityKey, t.Content)
		}
		return e.ack(ctx, item.ID)
	}

	// Step 6: storable kinds (message, edit, delete, reaction) — build a
	// vault payload, seal under MasterKey, atomic ACK+store on the server.
	vault := transitToVault(t, item.SenderHandle)
	env, err := envelope.BuildVault(vault, e.Identity.MasterKey)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.processQueueItem", err)
	}

	req := VaultStoreRequest{Blob: SealedBlob{Ciphertext: env.Ciphertext, IV: env.IV}}
	if err := e.Relay.StoreQueueItem(ctx, item.ID, req); err != nil {
		return errs.New(errs.NetworkTransient, "syncengine.processQueueItem", err)
	}

	if err := e.storeRawEvent(ctx, item.SenderHandle, t, true); err != nil {
		return err
	}

	// Step 7: a stored inbound message gets a best-effort PROCESSED receipt.
	if t.Type == model.KindMessage {
		e.sendReceiptBestEffort(ctx, item.SenderHandle, t.MessageID, model.ReceiptProcessedByClient)
	}

	return nil
}

// applyKeyRotation installs the rotated transport key directly into the
// directory cache so the very next outbound send to this peer uses it,
// rather than waiting on the entry's natural expiry or a fresh lookup.
func (e *Engine) applyKeyRotation(ctx context.Context, peer model.Handle, identityKey []byte, content string) {
	_, newKey := parseKeyRotationContent(content)
	if len(newKey) == 0 {
		log.WithField("peer", peer.String()).Debug("key_rotation event carried no parseable transport key")
		return
	}
	e.Directory.Update(directory.Entry{
		Handle:             peer,
		Host:               peer.Host,
		PublicIdentityKey:  identityKey,
		PublicTransportKey: newKey,
		FetchedAt:          e.now(),
	})
	if err := e.ensureContact(ctx, peer, identityKey, newKey); err != nil {
		log.WithField("peer", peer.String()).WithError(err).Debug("failed to persist rotated key on contact record")
	}
}

func (e *Engine) ack(ctx context.Context, id string) error {
	if err := e.Relay.AckQueueItem(ctx, id); err != nil {
		return errs.New(errs.NetworkTransient, "syncengine.ack", err)
	}
	return nil
}

// storeRawEvent inserts the decoded transit payload into the local
// messages table as a MessageRecord, so eventlog can fold it later.
// vaultSynced reflects whether the server already has a vault copy
// (true for message/edit/delete/reaction kinds stored via step 6).
func (e *Engine) storeRawEvent(ctx context.Context, senderHandle string, t envelope.Transit, vaultSynced bool) error {
	peer := mustHandle(senderHandle)
	rec := transitToRecord(e.Identity.OwnerID, peer, t, vaultSynced)

	data, err := marshalRecord(rec)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.storeRawEvent", err)
	}
	env, err := cryptocore.Encrypt(e.Identity.MasterKey, data)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.storeRawEvent", err)
	}

	row := store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV}
	if err := e.Store.PutMessage(ctx, e.Identity.OwnerID, peer, rec.ID, row); err != nil {
		return errs.New(errs.StoreFailed, "syncengine.storeRawEvent", err)
	}
	return nil
}

// SendReadReceipt emits a READ_BY_USER receipt for messageID to peerHandle,
// called by the embedder when the user views a conversation. Per §4.6,
// read receipts are suppressed entirely — neither sent nor applied — when
// the caller's privacy setting disables them, so a disabled toggle makes
// this a no-op rather than an error.
func (e *Engine) SendReadReceipt(ctx context.Context, peerHandle model.Handle, messageID string) error {
	if !e.Identity.ReadReceiptsEnabled {
		return nil
	}
	e.sendReceiptBestEffort(ctx, peerHandle.String(), messageID, model.ReceiptReadByUser)
	return nil
}

func (e *Engine) sendReceiptBestEffort(ctx context.Context, recipientHandle, messageID string, status model.ReceiptStatus) {
	transportKey, err := e.Directory.TransportKeyFor(ctx, mustHandle(recipientHandle))
	if err != nil {
		log.WithError(err).Debug("could not resolve recipient transport key for receipt")
		return
	}

	body := receiptBody(status, e.now())
	out := envelope.Transit{
		Type:         model.KindReceipt,
		Content:      body,
		SenderHandle: e.Identity.OwnHandle.String(),
		MessageID:    messageID,
	}
	sealed, err := envelope.BuildTransit(out, e.Identity.IdentityPrivateKey, transportKey)
	if err != nil {
		log.WithError(err).Debug("failed to build receipt envelope")
		return
	}
	if err := e.Relay.SendTransit(ctx, recipientHandle, sealed.KEMCiphertext, sealed.Ciphertext, sealed.Nonce); err != nil {
		log.WithError(err).Debug("best-effort receipt send failed")
	}
}

func receiptBody(status model.ReceiptStatus, now time.Time) string {
	return envelope.ReceiptBody(status, now.UTC().Format(time.RFC3339))
}

func mustHandle(s string) model.Handle {
	h, err := model.ParseHandle(s)
	if err != nil {
		return model.Handle{}
	}
	return h
}
