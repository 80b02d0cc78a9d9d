// Command ratchetd is the client-daemon composition root: it loads
// configuration, opens the local encrypted store, wires the relay HTTP
// client into the session, sync engine, rotation, and call bridge
// packages, and runs the background sync loop until interrupted.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kindlyrobotics/ratchetclient/callbridge"
	"github.com/kindlyrobotics/ratchetclient/config"
	"github.com/kindlyrobotics/ratchetclient/dedup"
	"github.com/kindlyrobotics/ratchetclient/directory"
	"github.com/kindlyrobotics/ratchetclient/model"
	"github.com/kindlyrobotics/ratchetclient/relayclient"
	"github.com/kindlyrobotics/ratchetclient/rotation"
	"github.com/kindlyrobotics/ratchetclient/session"
	"github.com/kindlyrobotics/ratchetclient/store"
	"github.com/kindlyrobotics/ratchetclient/syncengine"
)

// daemon bundles every long-lived collaborator the sync loop, rotation
// scheduler, and realtime listener need, the same flat-struct shape the
// reference server's Server type uses to hold its services together.
type daemon struct {
	store     *store.Bolt
	relay     *relayclient.Client
	directory *directory.Cache
	dedup     dedup.Store
	session   *session.Environment
	bridge    *callbridge.Bridge
	engine    *syncengine.Engine
	listener  *syncengine.RealtimeListener
	rotator   *rotation.Rotator
	scheduler rotation.Scheduler
}

func main() {
	log.Println("[ratchetd] starting")

	cfg := config.Load()

	dbPath := getEnvOrDefault("RATCHETD_DB_PATH", filepath.Join(".", "ratchetclient.db"))
	st, err := store.OpenBolt(dbPath)
	if err != nil {
		log.Fatalf("[ratchetd] failed to open local store: %v", err)
	}
	defer st.Close()

	d := newDaemon(cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.session.ColdStart(ctx); err != nil {
		log.Printf("[ratchetd] cold start: %v", err)
	}

	go d.runSyncLoop(ctx)
	go d.runRotationLoop(ctx)
	go d.listener.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[ratchetd] shutting down")
	cancel()
}

func newDaemon(cfg config.Config, st *store.Bolt) *daemon {
	// The passkey/password/OPAQUE handshake that issues this token is
	// opaque to this module; ratchetd takes it fully formed from the
	// environment rather than performing the handshake itself.
	currentToken := os.Getenv("RATCHETD_SESSION_TOKEN")
	relay := relayclient.New(cfg.RelayBaseURL, cfg.HTTPTimeout, func() string { return currentToken })

	dirSource := directory.NewHTTPSource(cfg.RelayBaseURL, cfg.HTTPTimeout)
	dirCache := directory.NewCache(dirSource)

	sessionEnv := session.NewEnvironment(st, relay)

	bridge := callbridge.NewBridge(st, callbridge.Identity{})
	bridge.Freshness = cfg.CallSignalingFreshness

	engine := &syncengine.Engine{
		Store:         st,
		Relay:         relay,
		Directory:     dirCache,
		Dedup:         dedup.NewLRU(cfg.DedupCapacity),
		CallBridge:    bridge,
		VaultPageSize: cfg.VaultPageSize,
		VaultPageCap:  cfg.VaultPageCap,
	}

	listener := syncengine.NewRealtimeListener(cfg.RelaySocketURL, syncengine.DialSocket, engine)

	rotator := &rotation.Rotator{
		Store:  st,
		Relay:  relay,
		Sender: relay,
	}

	d := &daemon{
		store:     st,
		relay:     relay,
		directory: dirCache,
		dedup:     engine.Dedup,
		session:   sessionEnv,
		bridge:    bridge,
		engine:    engine,
		listener:  listener,
		rotator:   rotator,
		scheduler: rotation.Scheduler{Interval: cfg.TransportKeyRotationInterval},
	}

	rotator.Swap = func(newPair model.TransportKeyPair, rotatedAt time.Time) {
		if err := sessionEnv.ApplyRotatedTransportKey(context.Background(), newPair.Public, newPair.Private, rotatedAt); err != nil {
			log.Printf("[ratchetd] failed to persist rotated transport key: %v", err)
			return
		}
		d.applyIdentity()
	}

	return d
}

// applyIdentity pushes the session's decrypted key material into the
// engine, bridge, and rotator, which otherwise hold none of it. Called
// from the rotator's Swap callback after every completed rotation;
// ratchetd itself never calls Unlock, so no call follows one.
func (d *daemon) applyIdentity() {
	ownerID, handle, identityPriv, transportPriv, ok := d.session.Identity()
	if !ok {
		return
	}
	masterKey, _ := d.session.MasterKey()

	d.engine.Identity = syncengine.Identity{
		OwnerID:             ownerID,
		OwnHandle:           handle,
		IdentityPrivateKey:  identityPriv,
		TransportPrivateKey: transportPriv,
		MasterKey:           masterKey,
	}
	d.bridge.Identity = callbridge.Identity{OwnerID: ownerID, MasterKey: masterKey}
	d.rotator.Identity = rotation.Identity{
		OwnerID:            ownerID,
		OwnHandle:          handle,
		IdentityPrivateKey: identityPriv,
		MasterKey:          masterKey,
	}
}

func (d *daemon) runSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		if _, ok := d.session.MasterKey(); ok {
			if err := d.engine.SyncOnce(ctx); err != nil {
				log.Printf("[ratchetd] sync: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *daemon) runRotationLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, ok := d.session.MasterKey(); !ok {
			continue
		}
		rotatedAt, ok := d.session.TransportKeyRotatedAt()
		if !ok {
			rotatedAt = time.Time{}
		}
		if !d.scheduler.ShouldRotate(rotatedAt, time.Now()) {
			continue
		}
		if _, err := d.rotator.Rotate(ctx); err != nil {
			log.Printf("[ratchetd] rotation: %v", err)
		}
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
