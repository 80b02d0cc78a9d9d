// Package envelope builds and parses the two envelope shapes named in the
// envelope codec component: transit envelopes (client -> server -> client,
// sealed to a recipient's transport key) and vault envelopes (client ->
// server vault, sealed under the owner's MasterKey). It guarantees the
// content/structured-field agreement checks named in the component design.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/model"
)

// Transit is the JSON shape carried inside a transit-sealed ciphertext.
// The relay sees only the outer ciphertext plus routing metadata
// (recipient_handle, event_type); everything here is opaque to it.
type Transit struct {
	Type              model.EventKind `json:"type"`
	Content           string          `json:"content"`
	SenderHandle      string          `json:"sender_handle"`
	SenderSignature   []byte          `json:"sender_signature"`
	SenderIdentityKey []byte          `json:"sender_identity_key,omitempty"`
	MessageID         string          `json:"message_id,omitempty"`

	// Structured fields, present depending on Type; cross-checked against
	// Content by ParseTransit for the kinds that carry a redundant signed
	// summary (reactions).
	ReactionAction model.ReactionAction `json:"reaction_action,omitempty"`
	ReactionEmoji  string               `json:"reaction_emoji,omitempty"`
	CallType       string               `json:"call_type,omitempty"`
	CallID         string               `json:"call_id,omitempty"`
	CallAction     string               `json:"call_action,omitempty"`
	SDP            map[string]any       `json:"sdp,omitempty"`
	Candidate      map[string]any       `json:"candidate,omitempty"`
	Timestamp      string               `json:"timestamp,omitempty"`
}

// BuildTransit signs t's content under senderIdentityPrivateKey using the
// canonical signature payload, then serializes and seals the result to
// recipientPublicTransportKey. t.SenderHandle must already be set; the
// returned Sealed is ready to POST to /messages/send.
func BuildTransit(t Transit, senderIdentityPrivateKey, recipientPublicTransportKey []byte) (cryptocore.Sealed, error) {
	signature, err := cryptocore.Sign(senderIdentityPrivateKey, cryptocore.Canonical(t.SenderHandle, t.Content, t.MessageID))
	if err != nil {
		return cryptocore.Sealed{}, fmt.Errorf("envelope: sign transit: %w", err)
	}
	t.SenderSignature = signature

	data, err := json.Marshal(t)
	if err != nil {
		return cryptocore.Sealed{}, fmt.Errorf("envelope: marshal transit: %w", err)
	}
	padded, err := cryptocore.PadToBlockSize(data)
	if err != nil {
		return cryptocore.Sealed{}, fmt.Errorf("envelope: pad transit: %w", err)
	}
	sealed, err := cryptocore.Seal(padded, recipientPublicTransportKey)
	if err != nil {
		return cryptocore.Sealed{}, fmt.Errorf("envelope: seal transit: %w", err)
	}
	return sealed, nil
}

// ParseTransit unseals and decodes a transit envelope, then enforces that
// any field present both in the signed Content string and as a structured
// field agrees — rejecting the event otherwise, per the codec's guarantee.
// It does not verify the sender signature: that requires the sender's
// identity key as resolved by the directory cache, which this package has
// no knowledge of. Callers must call VerifySignature once they have it.
func ParseTransit(sealed cryptocore.Sealed, ownTransportPrivateKey []byte) (Transit, error) {
	padded, err := cryptocore.Unseal(sealed, ownTransportPrivateKey)
	if err != nil {
		return Transit{}, fmt.Errorf("envelope: unseal transit: %w", err)
	}
	plaintext, err := cryptocore.UnpadFromBlockSize(padded)
	if err != nil {
		return Transit{}, fmt.Errorf("envelope: unpad transit: %w", err)
	}

	var t Transit
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return Transit{}, fmt.Errorf("envelope: parse transit: %w", err)
	}

	if err := checkContentAgreement(t); err != nil {
		return Transit{}, err
	}

	return t, nil
}

// VerifySignature checks t's SenderSignature over its canonical payload
// against senderPublicIdentityKey, the key resolved for t.SenderHandle.
func VerifySignature(t Transit, senderPublicIdentityKey []byte) (bool, error) {
	return cryptocore.Verify(senderPublicIdentityKey, cryptocore.Canonical(t.SenderHandle, t.Content, t.MessageID), t.SenderSignature)
}

// checkContentAgreement enforces the reaction cross-check named in the
// envelope codec: the signed content string "reaction:<add|remove>:<emoji>"
// must equal the structured ReactionAction/ReactionEmoji fields.
func checkContentAgreement(t Transit) error {
	if t.Type != model.KindReaction {
		return nil
	}
	expected := fmt.Sprintf("reaction:%s:%s", t.ReactionAction, t.ReactionEmoji)
	if t.Content != expected {
		return fmt.Errorf("envelope: reaction content %q disagrees with structured fields %q", t.Content, expected)
	}
	return nil
}
