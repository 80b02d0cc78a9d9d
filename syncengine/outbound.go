package syncengine

import (
	"context"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/envelope"
	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/model"
)

// SendMessage composes, signs, and seals a new message to peer, sends it
// over the transit path, then stores it locally as an unmirrored outbound
// event; MirrorOutbound carries it into the server vault on the next sync
// pass, per §4.6's "outbound actions traverse the reverse path."
func (e *Engine) SendMessage(ctx context.Context, peer model.Handle, text, replyToMessageID string, attachments []model.AttachmentRef) (model.MessageRecord, error) {
	messageID := cryptocore.NewEventID()
	now := e.now().UTC()

	if err := e.sendOutboundTransit(ctx, peer, envelope.Transit{
		Type:      model.KindMessage,
		Content:   envelope.MessageBody(text),
		MessageID: messageID,
		Timestamp: now.Format(time.RFC3339),
	}); err != nil {
		return model.MessageRecord{}, err
	}

	rec := model.MessageRecord{
		ID:               messageID,
		OwnerID:          e.Identity.OwnerID,
		PeerHandle:       peer,
		Direction:        model.DirectionOut,
		Kind:             model.KindMessage,
		Verified:         true,
		MessageID:        messageID,
		Text:             text,
		Attachments:      attachments,
		Timestamp:        now,
		ReplyToMessageID: replyToMessageID,
	}
	if err := e.putRecord(ctx, rec); err != nil {
		return model.MessageRecord{}, err
	}
	return rec, nil
}

// SendEdit sends a new text for an earlier message targetMessageID was
// created with, and stores the edit event locally under a fresh row keyed
// by the same MessageID so eventlog.Fold groups it with the original.
func (e *Engine) SendEdit(ctx context.Context, peer model.Handle, targetMessageID, newText string) error {
	now := e.now().UTC()
	if err := e.sendOutboundTransit(ctx, peer, envelope.Transit{
		Type:      model.KindEdit,
		Content:   envelope.EditBody(newText),
		MessageID: targetMessageID,
		Timestamp: now.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	rec := model.MessageRecord{
		ID:         cryptocore.NewEventID(),
		OwnerID:    e.Identity.OwnerID,
		PeerHandle: peer,
		Direction:  model.DirectionOut,
		Kind:       model.KindEdit,
		Verified:   true,
		MessageID:  targetMessageID,
		Text:       newText,
		Timestamp:  now,
	}
	return e.putRecord(ctx, rec)
}

// SendDelete sends the fixed delete sentinel for targetMessageID.
func (e *Engine) SendDelete(ctx context.Context, peer model.Handle, targetMessageID string) error {
	now := e.now().UTC()
	if err := e.sendOutboundTransit(ctx, peer, envelope.Transit{
		Type:      model.KindDelete,
		Content:   envelope.DeleteSentinel,
		MessageID: targetMessageID,
		Timestamp: now.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	rec := model.MessageRecord{
		ID:         cryptocore.NewEventID(),
		OwnerID:    e.Identity.OwnerID,
		PeerHandle: peer,
		Direction:  model.DirectionOut,
		Kind:       model.KindDelete,
		Verified:   true,
		MessageID:  targetMessageID,
		Timestamp:  now,
	}
	return e.putRecord(ctx, rec)
}

// SendReaction adds or removes emoji on targetMessageID.
func (e *Engine) SendReaction(ctx context.Context, peer model.Handle, targetMessageID string, action model.ReactionAction, emoji string) error {
	now := e.now().UTC()
	if err := e.sendOutboundTransit(ctx, peer, envelope.Transit{
		Type:           model.KindReaction,
		Content:        envelope.ReactionBody(action, emoji),
		MessageID:      targetMessageID,
		ReactionAction: action,
		ReactionEmoji:  emoji,
		Timestamp:      now.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	rec := model.MessageRecord{
		ID:             cryptocore.NewEventID(),
		OwnerID:        e.Identity.OwnerID,
		PeerHandle:     peer,
		Direction:      model.DirectionOut,
		Kind:           model.KindReaction,
		Verified:       true,
		MessageID:      targetMessageID,
		ReactionAction: action,
		ReactionEmoji:  emoji,
		Timestamp:      now,
	}
	return e.putRecord(ctx, rec)
}

// SendCallSignal sends a WebRTC signaling envelope (offer/answer/ice/end)
// to peer per §4.8. Unlike message/edit/delete/reaction, a call signal is
// never stored locally or mirrored here: callbridge persists a call-notice
// record itself once a call concludes, on either side of the connection.
func (e *Engine) SendCallSignal(ctx context.Context, peer model.Handle, callType, callID, callAction string, sdp, candidate map[string]any) error {
	now := e.now().UTC().Format(time.RFC3339)
	body, err := envelope.CallBody(envelope.CallSignalPayload{
		Type:       string(model.KindCall),
		CallType:   callType,
		CallID:     callID,
		CallAction: callAction,
		Timestamp:  now,
		SDP:        sdp,
		Candidate:  candidate,
	})
	if err != nil {
		return errs.New(errs.InvalidPayload, "syncengine.SendCallSignal", err)
	}

	return e.sendOutboundTransit(ctx, peer, envelope.Transit{
		Type:       model.KindCall,
		Content:    body,
		MessageID:  callID,
		CallType:   callType,
		CallID:     callID,
		CallAction: callAction,
		SDP:        sdp,
		Candidate:  candidate,
		Timestamp:  now,
	})
}

// sendOutboundTransit resolves peer's transport key, signs and seals t
// under the caller's identity key, and sends it over the transit path.
func (e *Engine) sendOutboundTransit(ctx context.Context, peer model.Handle, t envelope.Transit) error {
	t.SenderHandle = e.Identity.OwnHandle.String()

	transportKey, err := e.Directory.TransportKeyFor(ctx, peer)
	if err != nil {
		return errs.New(errs.NetworkTransient, "syncengine.sendOutboundTransit", err)
	}
	sealed, err := envelope.BuildTransit(t, e.Identity.IdentityPrivateKey, transportKey)
	if err != nil {
		return errs.New(errs.InvalidPayload, "syncengine.sendOutboundTransit", err)
	}
	if err := e.Relay.SendTransit(ctx, peer.String(), sealed.KEMCiphertext, sealed.Ciphertext, sealed.Nonce); err != nil {
		return errs.New(errs.NetworkTransient, "syncengine.sendOutboundTransit", err)
	}
	return nil
}
