package syncengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket event type names subscribed to per §4.6's real-time path.
const (
	EventIncomingMessage        = "INCOMING_MESSAGE"
	EventOutgoingMessageSynced  = "OUTGOING_MESSAGE_SYNCED"
	EventIncomingMessageSynced  = "INCOMING_MESSAGE_SYNCED"
	EventVaultMessageUpdated    = "VAULT_MESSAGE_UPDATED"
	EventBlockListUpdated       = "BLOCK_LIST_UPDATED"
	EventSettingsUpdated        = "SETTINGS_UPDATED"
	EventPrivacySettingsUpdated = "PRIVACY_SETTINGS_UPDATED"
	EventSignal                 = "signal"
)

// socketEnvelope is the {type, payload} shape every socket frame takes.
type socketEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SocketClient is the minimal real-time transport surface this module
// consumes; gorilla/websocket satisfies it via *websocket.Conn directly
// for the two methods used here.
type SocketClient interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// SocketDialer opens a SocketClient connection to url, the seam tests
// substitute with an in-memory pipe instead of a real dial.
type SocketDialer func(ctx context.Context, url string) (SocketClient, error)

// DialSocket dials url with gorilla/websocket, the production SocketDialer.
func DialSocket(ctx context.Context, url string) (SocketClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RealtimeListener runs the socket read loop and dispatches each frame to
// the handler registered for its type. It reconnects with backoff on a
// read error, since a dropped socket must not stop the background poll
// path from covering for it in the meantime.
type RealtimeListener struct {
	URL    string
	Dial   SocketDialer
	Engine *Engine

	handlersMu sync.RWMutex
	handlers   map[string]func(ctx context.Context, payload json.RawMessage)

	reconnectBackoff time.Duration
}

// NewRealtimeListener wires the default handlers for the message-sync
// events onto e, plus any caller-registered signal/settings handlers via
// OnEvent.
func NewRealtimeListener(url string, dial SocketDialer, e *Engine) *RealtimeListener {
	l := &RealtimeListener{
		URL:              url,
		Dial:             dial,
		Engine:           e,
		handlers:         make(map[string]func(ctx context.Context, payload json.RawMessage)),
		reconnectBackoff: time.Second,
	}

	syncTrigger := func(ctx context.Context, _ json.RawMessage) {
		if err := l.Engine.SyncOnce(ctx); err != nil {
			log.WithError(err).Warn("socket-triggered sync failed")
		}
	}
	l.OnEvent(EventIncomingMessage, syncTrigger)
	l.OnEvent(EventOutgoingMessageSynced, syncTrigger)
	l.OnEvent(EventIncomingMessageSynced, syncTrigger)
	l.OnEvent(EventVaultMessageUpdated, syncTrigger)

	return l
}

// OnEvent registers (or replaces) the handler for a socket event type.
// Handlers for BLOCK_LIST_UPDATED, SETTINGS_UPDATED, and
// PRIVACY_SETTINGS_UPDATED live outside this package's scope (they touch
// session-level state, not the message sync path) and are wired by the
// composition root via this method.
func (l *RealtimeListener) OnEvent(eventType string, handler func(ctx context.Context, payload json.RawMessage)) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers[eventType] = handler
}

// Run dials and reads frames until ctx is canceled, reconnecting on any
// read error. It blocks; callers run it in its own goroutine.
func (l *RealtimeListener) Run(ctx context.Context) {
	backoff := l.reconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.Dial(ctx, l.URL)
		if err != nil {
			log.WithError(err).Warn("socket dial failed, retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			continue
		}

		backoff = l.reconnectBackoff
		l.readLoop(ctx, conn)
		conn.Close()

		if !sleepOrDone(ctx, backoff) {
			return
		}
	}
}

func (l *RealtimeListener) readLoop(ctx context.Context, conn SocketClient) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("socket read error, reconnecting")
			return
		}
		l.dispatch(ctx, data)
	}
}

func (l *RealtimeListener) dispatch(ctx context.Context, data []byte) {
	var frame socketEnvelope
	if err := json.Unmarshal(data, &frame); err != nil {
		log.WithError(err).Debug("dropping malformed socket frame")
		return
	}

	l.handlersMu.RLock()
	handler, ok := l.handlers[frame.Type]
	l.handlersMu.RUnlock()
	if !ok {
		return
	}
	handler(ctx, frame.Payload)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
