// Package callbridge implements the call signaling bridge of §4.8: live
// WebRTC signaling envelopes are routed here instead of the vault, and a
// call-notice visible message is synthesized and persisted once a call
// concludes. Signature verification, dedup, and queue ACKing all happen
// upstream in syncengine before a signal ever reaches this package; this
// package owns freshness, session tracking, and forwarding to whatever
// owns the local RTCPeerConnection.
package callbridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kindlyrobotics/ratchetclient/cryptocore"
	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/logging"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
)

var log = logging.For("callbridge")

// Identity bundles the key material needed to persist a call-notice
// record, a subset of syncengine.Identity duplicated to avoid an import
// cycle.
type Identity struct {
	OwnerID   string
	MasterKey model.MasterKey
}

// SignalForwarder receives a freshness- and dedup-cleared signal for
// delivery to the local RTCPeerConnection layer, which lives outside this
// module (browser/native WebRTC stack, out of scope per spec.md §1).
type SignalForwarder func(senderHandle, callType, callID, callAction string, sdp, candidate map[string]any)

// activeCall tracks one in-flight call's start time, keyed by call id, so
// a terminal signal (end/declined/busy) can compute a duration.
type activeCall struct {
	peerHandle string
	callType   string
	startedAt  time.Time
}

// Bridge implements syncengine.CallSignalHandler.
type Bridge struct {
	Store     store.Store
	Identity  Identity
	Freshness time.Duration
	Now       func() time.Time
	Forward   SignalForwarder

	mu      sync.Mutex
	calls   map[string]activeCall
}

// NewBridge constructs a Bridge with the default 120s freshness window.
func NewBridge(st store.Store, identity Identity) *Bridge {
	return &Bridge{
		Store:     st,
		Identity:  identity,
		Freshness: 120 * time.Second,
		calls:     make(map[string]activeCall),
	}
}

func (b *Bridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// HandleSignal implements syncengine.CallSignalHandler. Dedup, ACK, and
// signature verification already happened in the caller; this applies
// the freshness check, tracks session lifetime, persists a call-notice
// record on terminal actions, and forwards the signal onward.
func (b *Bridge) HandleSignal(ctx context.Context, senderHandle string, callType, callID, callAction, timestamp string, sdp, candidate map[string]any) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return errs.New(errs.InvalidPayload, "callbridge.HandleSignal", err)
	}

	freshness := b.Freshness
	if freshness <= 0 {
		freshness = 120 * time.Second
	}
	if b.now().Sub(ts) > freshness {
		return errs.New(errs.StaleEvent, "callbridge.HandleSignal", nil)
	}

	if isTerminal(callAction) {
		if err := b.persistCallNotice(ctx, senderHandle, callType, callID, callAction, ts); err != nil {
			log.WithField("call_id", callID).WithError(err).Warn("failed to persist call-notice record")
		}
	}

	b.track(senderHandle, callType, callID, callAction)

	if b.Forward != nil {
		b.Forward(senderHandle, callType, callID, callAction, sdp, candidate)
	}
	return nil
}

func isTerminal(callAction string) bool {
	switch callAction {
	case "end", "declined", "busy", "session_declined":
		return true
	default:
		return false
	}
}

func (b *Bridge) track(senderHandle, callType, callID, callAction string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch callAction {
	case "offer", "ringing":
		if _, ok := b.calls[callID]; !ok {
			b.calls[callID] = activeCall{peerHandle: senderHandle, callType: callType, startedAt: b.now()}
		}
	case "end", "declined", "busy", "session_declined":
		delete(b.calls, callID)
	}
}

func (b *Bridge) persistCallNotice(ctx context.Context, senderHandle, callType, callID, callAction string, ts time.Time) error {
	b.mu.Lock()
	call, ok := b.calls[callID]
	b.mu.Unlock()

	var durationSecs *int
	if ok {
		d := int(ts.Sub(call.startedAt).Seconds())
		if d < 0 {
			d = 0
		}
		durationSecs = &d
	}

	peer, err := model.ParseHandle(senderHandle)
	if err != nil {
		return err
	}

	rec := model.MessageRecord{
		ID:               cryptocore.NewEventID(),
		OwnerID:          b.Identity.OwnerID,
		PeerHandle:       peer,
		Direction:        model.DirectionIn,
		Kind:             model.KindCall,
		Verified:         true,
		VaultSynced:      false,
		Timestamp:        ts,
		CallType:         callType,
		CallID:           callID,
		CallAction:       callAction,
		CallDurationSecs: durationSecs,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	env, err := cryptocore.Encrypt(b.Identity.MasterKey, data)
	if err != nil {
		return err
	}
	row := store.SealedRow{Ciphertext: env.Ciphertext, IV: env.IV}
	return b.Store.PutMessage(ctx, b.Identity.OwnerID, peer, rec.ID, row)
}
