package syncengine

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/envelope"
	"github.com/kindlyrobotics/ratchetclient/model"
)

// transitToVault normalizes an inbound transit payload into the vault
// shape mirrored to the server, carrying decrypted plaintext and
// normalized peer metadata instead of the transit wire fields.
func transitToVault(t envelope.Transit, senderHandle string) envelope.Vault {
	v := envelope.Vault{
		Type:         t.Type,
		MessageID:    t.MessageID,
		PeerHandle:   senderHandle,
		Direction:    model.DirectionIn,
		Timestamp:    parseTimestamp(t.Timestamp),
	}

	switch t.Type {
	case model.KindMessage:
		v.Text = t.Content
	case model.KindEdit:
		v.Text = t.Content
	case model.KindReaction:
		v.ReactionAction = t.ReactionAction
		v.ReactionEmoji = t.ReactionEmoji
	}

	return v
}

// transitToRecord builds the local MessageRecord inserted after a queue
// item is processed, whether or not it was mirrored to the server vault.
// The store row key (ID) is always freshly generated, never t.MessageID:
// an edit/delete/reaction/receipt event targets an earlier message via the
// same MessageID that message was created with, so reusing it as the row
// key here would silently overwrite that earlier row instead of adding a
// new one for eventlog.Fold to group by MessageID.
func transitToRecord(ownerID string, peer model.Handle, t envelope.Transit, vaultSynced bool) model.MessageRecord {
	rec := model.MessageRecord{
		ID:          cryptocore.NewEventID(),
		OwnerID:     ownerID,
		PeerHandle:  peer,
		Direction:   model.DirectionIn,
		Kind:        t.Type,
		Verified:    true,
		VaultSynced: vaultSynced,
		MessageID:   t.MessageID,
		Timestamp:   parseTimestamp(t.Timestamp),
	}

	switch t.Type {
	case model.KindMessage, model.KindEdit:
		rec.Text = t.Content
	case model.KindReaction:
		rec.ReactionAction = t.ReactionAction
		rec.ReactionEmoji = t.ReactionEmoji
	case model.KindReceipt:
		rec.ReceiptStatus = parseReceiptStatus(t.Content)
	case model.KindKeyRotation:
		rotatedAt, key := parseKeyRotationContent(t.Content)
		rec.RotatedAt = rotatedAt
		rec.NewPublicTransportKey = key
	}

	return rec
}

// parseTimestamp falls back to the receive time on a missing or malformed
// value rather than rejecting the event: the transit Timestamp field sits
// outside the canonical signed body for every kind except receipt, so it
// carries no authenticity guarantee either way and a bad clock string is
// not grounds to drop an otherwise verified message.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return ts
}

// parseReceiptStatus extracts the status segment of a "receipt:<status>:<ts>"
// signed body.
func parseReceiptStatus(content string) model.ReceiptStatus {
	parts := strings.SplitN(content, ":", 3)
	if len(parts) < 2 || parts[0] != "receipt" {
		return ""
	}
	switch model.ReceiptStatus(parts[1]) {
	case model.ReceiptDeliveredToServer, model.ReceiptProcessedByClient, model.ReceiptReadByUser:
		return model.ReceiptStatus(parts[1])
	default:
		return ""
	}
}

// parseKeyRotationContent extracts the epoch-ms timestamp and base64 key
// from a "key-rotation:<epoch_ms>:<base64 key>" signed body.
func parseKeyRotationContent(content string) (*time.Time, []byte) {
	parts := strings.SplitN(content, ":", 3)
	if len(parts) != 3 || parts[0] != "key-rotation" {
		return nil, nil
	}
	epochMs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, nil
	}
	rotatedAt := time.UnixMilli(epochMs).UTC()
	key, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return &rotatedAt, nil
	}
	return &rotatedAt, key
}

func marshalRecord(rec model.MessageRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// recordToVault builds the vault payload mirrored to the server for a
// locally composed (outbound) event, or a call-notice event of either
// direction.
func recordToVault(rec model.MessageRecord) envelope.Vault {
	return envelope.Vault{
		Type:                  rec.Kind,
		MessageID:             rec.MessageID,
		PeerHandle:            rec.PeerHandle.String(),
		PeerUsername:          rec.PeerHandle.Username,
		PeerHost:              rec.PeerHandle.Host,
		Direction:             rec.Direction,
		Timestamp:             rec.Timestamp,
		Text:                  rec.Text,
		Attachments:           rec.Attachments,
		ReplyToMessageID:      rec.ReplyToMessageID,
		ReactionAction:        rec.ReactionAction,
		ReactionEmoji:         rec.ReactionEmoji,
		DeliveredAt:           rec.DeliveredAt,
		ProcessedAt:           rec.ProcessedAt,
		ReadAt:                rec.ReadAt,
		RotatedAt:             rec.RotatedAt,
		NewPublicTransportKey: rec.NewPublicTransportKey,
		CallType:              rec.CallType,
		CallID:                rec.CallID,
		CallAction:            rec.CallAction,
		CallDurationSecs:      rec.CallDurationSecs,
	}
}

// vaultToRecord reverses recordToVault for an item pulled from the
// server's paginated vault sync, reusing the server-assigned item id as
// the local primary key.
func vaultToRecord(id, ownerID string, peer model.Handle, v envelope.Vault) model.MessageRecord {
	return model.MessageRecord{
		ID:                    id,
		OwnerID:               ownerID,
		PeerHandle:            peer,
		Direction:             v.Direction,
		Kind:                  v.Type,
		Verified:              true,
		VaultSynced:           true,
		MessageID:             v.MessageID,
		Text:                  v.Text,
		Attachments:           v.Attachments,
		Timestamp:             v.Timestamp,
		ReplyToMessageID:      v.ReplyToMessageID,
		ReactionAction:        v.ReactionAction,
		ReactionEmoji:         v.ReactionEmoji,
		DeliveredAt:           v.DeliveredAt,
		ProcessedAt:           v.ProcessedAt,
		ReadAt:                v.ReadAt,
		RotatedAt:             v.RotatedAt,
		NewPublicTransportKey: v.NewPublicTransportKey,
		CallType:              v.CallType,
		CallID:                v.CallID,
		CallAction:            v.CallAction,
		CallDurationSecs:      v.CallDurationSecs,
	}
}
