// Package eventlog implements the projection engine: a pure, synchronous
// fold of an append-only event slice into the user-visible conversation
// state. It performs no I/O and calls into no other component — every
// input it needs (verification results, freshness clock) is passed in by
// the caller.
package eventlog

import (
	"sort"
	"time"

	"github.com/kindlyrobotics/ratchetclient/model"
)

// KeyRotationUpdate is emitted when a verified, fresh key_rotation event is
// folded; the caller (syncengine) is responsible for applying it to the
// contact record and invalidating the directory cache entry.
type KeyRotationUpdate struct {
	Handle                model.Handle
	NewPublicTransportKey []byte
	RotatedAt             time.Time
}

// Result is everything a fold over one peer's events produces.
type Result struct {
	Messages     []model.VisibleMessage
	KeyRotations []KeyRotationUpdate
}

// receiptState tracks the highest receipt rank reached for one target
// message, so a stale lower-rank or same-rank-earlier receipt can never
// regress the visible state, per the receipt rank invariant.
type receiptState struct {
	rank          int
	timestampAtRank time.Time
}

// reactionKey identifies one (messageId, emoji, reactor) triple.
type reactionKey struct {
	messageID string
	emoji     string
	reactor   model.Direction
}

type reactionState struct {
	action    model.ReactionAction
	timestamp time.Time
}

type editState struct {
	timestamp time.Time
}

// builder accumulates state for one messageId while folding.
type builder struct {
	msg       model.VisibleMessage
	direction model.Direction
	deleted   bool
	deletedAt time.Time
}

// Fold runs the projection over events, which must already be filtered to
// a single peer and carry a final Verified flag from signature
// verification. now is the wall-clock instant used for key_rotation
// freshness; messageRequest is applied to every seeded text message (call
// notices do not carry it), reflecting
// whether the owning contact has not yet been accepted.
func Fold(events []model.MessageRecord, now time.Time, messageRequest bool, readReceiptsEnabled bool) Result {
	sorted := make([]model.MessageRecord, len(events))
	copy(sorted, events)
	SortEvents(sorted)

	order := make([]string, 0, len(sorted))
	builders := make(map[string]*builder)
	receipts := make(map[string]*receiptState)
	edits := make(map[string]*editState)
	reactions := make(map[reactionKey]*reactionState)
	var rotations []KeyRotationUpdate

	targetID := func(e model.MessageRecord) string {
		if e.MessageID != "" {
			return e.MessageID
		}
		return e.ID
	}

	for _, e := range sorted {
		switch e.Kind {
		case model.KindMessage:
			id := targetID(e)
			b := &builder{direction: e.Direction}
			b.msg = model.VisibleMessage{
				ID:               id,
				MessageID:        id,
				PeerHandle:       e.PeerHandle,
				Direction:        e.Direction,
				Text:             e.Text,
				Attachments:      e.Attachments,
				Timestamp:        e.Timestamp,
				ReplyToMessageID: e.ReplyToMessageID,
				Verified:         e.Verified,
				Kind:             model.KindMessage,
				MessageRequest:   messageRequest,
			}
			builders[id] = b
			order = append(order, id)

		case model.KindEdit:
			if !e.Verified {
				continue
			}
			id := targetID(e)
			b, ok := builders[id]
			if !ok || b.direction != e.Direction {
				continue
			}
			st, seen := edits[id]
			if seen && !e.Timestamp.After(st.timestamp) {
				continue
			}
			edits[id] = &editState{timestamp: e.Timestamp}
			b.msg.Text = e.Text
			editedAt := e.Timestamp
			b.msg.EditedAt = &editedAt

		case model.KindDelete:
			if !e.Verified {
				continue
			}
			id := targetID(e)
			b, ok := builders[id]
			if !ok || b.direction != e.Direction {
				continue
			}
			if b.deleted && !e.Timestamp.After(b.deletedAt) {
				continue
			}
			b.deleted = true
			b.deletedAt = e.Timestamp

		case model.KindReaction:
			if !e.Verified {
				continue
			}
			id := targetID(e)
			if _, ok := builders[id]; !ok {
				continue
			}
			key := reactionKey{messageID: id, emoji: e.ReactionEmoji, reactor: e.Direction}
			st, seen := reactions[key]
			if seen && e.Timestamp.Before(st.timestamp) {
				continue
			}
			reactions[key] = &reactionState{action: e.ReactionAction, timestamp: e.Timestamp}

		case model.KindReceipt:
			if e.Direction != model.DirectionIn {
				continue
			}
			if !readReceiptsEnabled && e.ReceiptStatus == model.ReceiptReadByUser {
				continue
			}
			id := targetID(e)
			b, ok := builders[id]
			if !ok || b.direction != model.DirectionOut {
				continue
			}
			rank := e.ReceiptStatus.Rank()
			if rank < 0 {
				continue
			}
			st, seen := receipts[id]
			if seen {
				if rank < st.rank {
					continue
				}
				if rank == st.rank && !e.Timestamp.After(st.timestampAtRank) {
					continue
				}
			}
			receipts[id] = &receiptState{rank: rank, timestampAtRank: e.Timestamp}
			ts := e.Timestamp
			switch e.ReceiptStatus {
			case model.ReceiptDeliveredToServer:
				b.msg.DeliveredAt = &ts
			case model.ReceiptProcessedByClient:
				b.msg.ProcessedAt = &ts
			case model.ReceiptReadByUser:
				b.msg.ReadAt = &ts
			}

		case model.KindKeyRotation:
			if !e.Verified || e.RotatedAt == nil {
				continue
			}
			age := now.Sub(*e.RotatedAt)
			if age > 24*time.Hour || age < -5*time.Minute {
				continue
			}
			rotations = append(rotations, KeyRotationUpdate{
				Handle:                e.PeerHandle,
				NewPublicTransportKey: e.NewPublicTransportKey,
				RotatedAt:             *e.RotatedAt,
			})

		case model.KindCall:
			id := targetID(e)
			b := &builder{direction: e.Direction}
			b.msg = model.VisibleMessage{
				ID:               id,
				MessageID:        id,
				PeerHandle:       e.PeerHandle,
				Direction:        e.Direction,
				Timestamp:        e.Timestamp,
				Verified:         e.Verified,
				Kind:             model.KindCall,
				CallType:         e.CallType,
				CallAction:       e.CallAction,
				CallDurationSecs: e.CallDurationSecs,
			}
			builders[id] = b
			order = append(order, id)
		}
	}

	messages := make([]model.VisibleMessage, 0, len(order))
	for _, id := range order {
		b := builders[id]
		if b.deleted {
			continue
		}
		b.msg.Reactions = aggregateReactions(reactions, id)
		messages = append(messages, b.msg)
	}

	return Result{Messages: messages, KeyRotations: rotations}
}

// aggregateReactions computes the display reaction list for messageID:
// one entry per emoji with at least one reactor currently in the add
// state, count = number of such reactors (at most two in a pairwise
// conversation), reactedByMe true iff the self (out) reactor is one of
// them.
func aggregateReactions(reactions map[reactionKey]*reactionState, messageID string) []model.Reaction {
	counts := make(map[string]int)
	byMe := make(map[string]bool)
	var emojiOrder []string

	for key, st := range reactions {
		if key.messageID != messageID {
			continue
		}
		if st.action != model.ReactionAdd {
			continue
		}
		if counts[key.emoji] == 0 {
			emojiOrder = append(emojiOrder, key.emoji)
		}
		counts[key.emoji]++
		if key.reactor == model.DirectionOut {
			byMe[key.emoji] = true
		}
	}

	sort.Strings(emojiOrder)
	out := make([]model.Reaction, 0, len(emojiOrder))
	for _, emoji := range emojiOrder {
		out = append(out, model.Reaction{Emoji: emoji, Count: counts[emoji], ReactedByMe: byMe[emoji]})
	}
	return out
}

// SortEvents sorts events by payload timestamp ascending, then by event id,
// the fold order the projection engine requires and the total order the
// quantified invariants rely on.
func SortEvents(events []model.MessageRecord) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}
