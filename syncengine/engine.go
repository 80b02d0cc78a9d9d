// Package syncengine implements the sync engine: queue drain, background
// vault pull/mirror, the real-time socket path, and the dedup set that
// keeps all three convergent. Grounded on the reference server's
// publish-without-plaintext pub/sub idiom and the persist-before-send /
// ack-only-what-processed ordering of a typical message service.
package syncengine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kindlyrobotics/ratchetclient/dedup"
	"github.com/kindlyrobotics/ratchetclient/directory"
	"github.com/kindlyrobotics/ratchetclient/logging"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/store"
)

var log = logging.For("syncengine")

// Identity bundles the session-scoped key material the engine needs to
// unseal inbound items, sign outbound receipts, and mirror to the vault.
// None of it is ever persisted by this package; session owns its lifetime.
type Identity struct {
	OwnerID                string
	OwnHandle              model.Handle
	IdentityPrivateKey     []byte
	TransportPrivateKey    []byte
	MasterKey              model.MasterKey
	ReadReceiptsEnabled    bool
}

// CallSignalHandler receives live call-signaling transit payloads, routed
// here instead of the vault per the call bridge's rules.
type CallSignalHandler interface {
	HandleSignal(ctx context.Context, senderHandle string, callType, callID, callAction, timestamp string, sdp, candidate map[string]any) error
}

// Engine ties the store, relay, directory cache, and dedup set together
// into the three ordered responsibilities of §4.6.
type Engine struct {
	Store     store.Store
	Relay     RelayClient
	Directory *directory.Cache
	Dedup     dedup.Store
	CallBridge CallSignalHandler
	Identity  Identity
	Now       func() time.Time

	VaultPageSize int
	VaultPageCap  int

	syncing int32
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SyncOnce runs the initial fast path and background full path once,
// coalescing concurrent callers behind a single-flight flag so overlapping
// triggers (a socket event firing mid-poll) never run two drains at once.
func (e *Engine) SyncOnce(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.syncing, 0, 1) {
		log.Debug("sync already in progress, coalescing")
		return nil
	}
	defer atomic.StoreInt32(&e.syncing, 0)

	if err := e.DrainQueue(ctx); err != nil {
		log.WithError(err).Warn("queue drain failed")
	}
	if err := e.MirrorOutbound(ctx); err != nil {
		log.WithError(err).Warn("outbound vault mirror failed")
	}
	if err := e.PullVault(ctx); err != nil {
		log.WithError(err).Warn("vault pull failed")
	}
	return nil
}
