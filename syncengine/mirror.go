package syncengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/envelope"
	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
)

// lastVaultSyncKey is the SyncState primary key lastVaultSync is stored
// under, an ISO-8601 timestamp bumped only after a terminating page.
const lastVaultSyncKey = "last_vault_sync"

// MirrorOutbound walks the owner's local messages for any row with
// vaultSynced=false and direction=out (or kind=call, mirrored regardless
// of direction), and POSTs each to the server vault.
func (e *Engine) MirrorOutbound(ctx context.Context) error {
	rows, err := e.Store.ListMessagesByOwner(ctx, e.Identity.OwnerID)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.MirrorOutbound", err)
	}

	for id, row := range rows {
		rec, err := e.decryptRecord(row)
		if err != nil {
			log.WithField("message_id", id).WithError(err).Debug("skipping unreadable local record during mirror")
			continue
		}
		if rec.VaultSynced {
			continue
		}
		if rec.Direction != model.DirectionOut && rec.Kind != model.KindCall {
			continue
		}

		vault := recordToVault(rec)
		env, err := envelope.BuildVault(vault, e.Identity.MasterKey)
		if err != nil {
			log.WithField("message_id", id).WithError(err).Warn("failed to seal outbound vault mirror")
			continue
		}

		req := VaultMirrorRequest{
			MessageID:               rec.MessageID,
			OriginalSenderHandle:    rec.PeerHandle.String(),
			EncryptedBlob:           env.Ciphertext,
			IV:                      env.IV,
			SenderSignatureVerified: true,
		}
		if err := e.Relay.PostVaultMirror(ctx, req); err != nil {
			log.WithField("message_id", id).WithError(err).Debug("outbound vault mirror failed, retrying next pass")
			continue
		}

		rec.VaultSynced = true
		if err := e.putRecord(ctx, rec); err != nil {
			log.WithField("message_id", id).WithError(err).Warn("failed to persist vaultSynced flag after mirror")
		}
	}
	return nil
}

// PullVault walks paginated vault pages since lastVaultSync, reconciling
// each against the local messages table by primary key, and advances
// lastVaultSync only once hasMore=false.
func (e *Engine) PullVault(ctx context.Context) error {
	since := e.readLastVaultSync(ctx)

	cursor := ""
	pageLimit := e.VaultPageSize
	if pageLimit <= 0 {
		pageLimit = 100
	}
	pageCap := e.VaultPageCap
	if pageCap <= 0 {
		pageCap = 200
	}

	var lastSynced string
	for pages := 0; pages < pageCap; pages++ {
		page, err := e.Relay.PullVaultPage(ctx, since, cursor, pageLimit)
		if err != nil {
			return errs.New(errs.NetworkTransient, "syncengine.PullVault", err)
		}

		for _, item := range page.Items {
			if err := e.applyVaultItem(ctx, item); err != nil {
				log.WithField("vault_item", item.ID).WithError(err).Debug("vault item reconciliation failed")
			}
		}

		if !page.HasMore {
			lastSynced = page.SyncedAt
			break
		}
		cursor = page.NextCursor
	}

	if lastSynced != "" {
		if err := e.writeLastVaultSync(ctx, lastSynced); err != nil {
			log.WithError(err).Warn("failed to persist lastVaultSync")
		}
	}
	return nil
}

// applyVaultItem inserts, removes, or overwrites one local record per the
// paginated pull's compare-by-primary-key reconciliation rule.
func (e *Engine) applyVaultItem(ctx context.Context, item VaultItem) error {
	if item.DeletedAt != nil {
		return e.Store.DeleteMessage(ctx, item.ID)
	}

	vault, err := envelope.ParseVault(cryptocore.Envelope{Ciphertext: item.Blob.Ciphertext, IV: item.Blob.IV}, e.Identity.MasterKey)
	if err != nil {
		return errs.New(errs.DecryptFailed, "syncengine.applyVaultItem", err)
	}

	peer, err := model.ParseHandle(vault.PeerHandle)
	if err != nil {
		return errs.New(errs.InvalidPayload, "syncengine.applyVaultItem", err)
	}

	rec := vaultToRecord(item.ID, e.Identity.OwnerID, peer, vault)
	return e.putRecord(ctx, rec)
}

// FetchConversationSummaries pulls the latest per-peer event from the
// server, decrypts it, and returns the set merged with any newer local
// message for that peer (the server copy may lag a message still
// in-flight to the vault).
func (e *Engine) FetchConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error) {
	items, err := e.Relay.FetchSummaries(ctx)
	if err != nil {
		return nil, errs.New(errs.NetworkTransient, "syncengine.FetchConversationSummaries", err)
	}

	out := make([]model.ConversationSummary, 0, len(items))
	for _, item := range items {
		peer, err := model.ParseHandle(item.PeerHandle)
		if err != nil {
			continue
		}
		vault, err := envelope.ParseVault(cryptocore.Envelope{Ciphertext: item.Blob.Ciphertext, IV: item.Blob.IV}, e.Identity.MasterKey)
		if err != nil {
			log.WithField("peer", item.PeerHandle).WithError(err).Debug("failed to decrypt conversation summary")
			continue
		}

		summary := model.ConversationSummary{
			PeerHandle:      peer,
			LastMessageText: vault.Text,
			LastMessageTime: vault.Timestamp,
			Direction:       vault.Direction,
		}

		if local, ok := e.newerLocalSummary(ctx, peer, vault.Timestamp); ok {
			summary = local
		}
		out = append(out, summary)
	}
	return out, nil
}

// newerLocalSummary scans the owner's messages with that peer for one
// more recent than the server's summary snapshot.
func (e *Engine) newerLocalSummary(ctx context.Context, peer model.Handle, notBefore time.Time) (model.ConversationSummary, bool) {
	rows, err := e.Store.ListMessagesByOwnerAndPeer(ctx, e.Identity.OwnerID, peer)
	if err != nil {
		return model.ConversationSummary{}, false
	}

	var latest *model.MessageRecord
	for _, row := range rows {
		rec, err := e.decryptRecord(row)
		if err != nil {
			continue
		}
		if rec.Kind != model.KindMessage && rec.Kind != model.KindEdit {
			continue
		}
		if latest == nil || rec.Timestamp.After(latest.Timestamp) {
			r := rec
			latest = &r
		}
	}
	if latest == nil || !latest.Timestamp.After(notBefore) {
		return model.ConversationSummary{}, false
	}

	return model.ConversationSummary{
		PeerHandle:      peer,
		LastMessageText: latest.Text,
		LastMessageTime: latest.Timestamp,
		Direction:       latest.Direction,
		IsRead:          latest.IsRead,
	}, true
}

func (e *Engine) readLastVaultSync(ctx context.Context) string {
	row, err := e.Store.GetSyncState(ctx, lastVaultSyncKey)
	if err != nil {
		return ""
	}
	env, err := cryptocore.Decrypt(e.Identity.MasterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	if err != nil {
		return ""
	}
	return string(env)
}

func (e *Engine) writeLastVaultSync(ctx context.Context, iso string) error {
	env, err := cryptocore.Encrypt(e.Identity.MasterKey, []byte(iso))
	if err != nil {
		return err
	}
	return e.Store.PutSyncState(ctx, lastVaultSyncKey, store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV})
}

func (e *Engine) decryptRecord(row store.SealedRow) (model.MessageRecord, error) {
	data, err := cryptocore.Decrypt(e.Identity.MasterKey, cryptocore.Envelope{Ciphertext: row.Ciphertext, IV: row.IV})
	if err != nil {
		return model.MessageRecord{}, err
	}
	var rec model.MessageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.MessageRecord{}, err
	}
	return rec, nil
}

func (e *Engine) putRecord(ctx context.Context, rec model.MessageRecord) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.putRecord", err)
	}
	env, err := cryptocore.Encrypt(e.Identity.MasterKey, data)
	if err != nil {
		return errs.New(errs.StoreFailed, "syncengine.putRecord", err)
	}
	row := store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV}
	if err := e.Store.PutMessage(ctx, e.Identity.OwnerID, rec.PeerHandle, rec.ID, row); err != nil {
		return errs.New(errs.StoreFailed, "syncengine.putRecord", err)
	}
	return nil
}
