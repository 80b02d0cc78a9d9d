package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kindlyrobotics/ratchetclient/model"
)

// DeleteSentinel is the fixed signed body every delete event's canonical
// payload must equal exactly.
const DeleteSentinel = "ratchet-chat:delete"

// MessageBody is the signed body of a message event: the user text as-is.
func MessageBody(text string) string { return text }

// EditBody is the signed body of an edit event: the new text as-is.
func EditBody(newText string) string { return newText }

// ReactionBody builds the signed body of a reaction event.
func ReactionBody(action model.ReactionAction, emoji string) string {
	return fmt.Sprintf("reaction:%s:%s", action, emoji)
}

// ReceiptBody builds the signed body of a receipt event. isoTimestamp must
// be RFC3339 formatted, matching the wire convention used elsewhere.
func ReceiptBody(status model.ReceiptStatus, isoTimestamp string) string {
	return fmt.Sprintf("receipt:%s:%s", status, isoTimestamp)
}

// KeyRotationBody builds the signed body of a key_rotation event.
func KeyRotationBody(rotatedAtEpochMs int64, newPublicTransportKey []byte) string {
	return fmt.Sprintf("key-rotation:%d:%s", rotatedAtEpochMs, base64.StdEncoding.EncodeToString(newPublicTransportKey))
}

// CallSignalPayload is the JSON structure signed and carried for live call
// signaling (offer/answer/ice/end/etc.); callId doubles as the event's
// messageId in the canonical signature payload.
type CallSignalPayload struct {
	Type       string         `json:"type"`
	CallType   string         `json:"call_type"`
	CallID     string         `json:"call_id"`
	CallAction string         `json:"call_action"`
	Timestamp  string         `json:"timestamp"`
	SDP        map[string]any `json:"sdp,omitempty"`
	Candidate  map[string]any `json:"candidate,omitempty"`
}

// CallBody marshals p as its own signed body, per §6's call canonical
// signature definition.
func CallBody(p CallSignalPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal call signal body: %w", err)
	}
	return string(data), nil
}
