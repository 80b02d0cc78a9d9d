// Package directory implements the directory cache: a best-effort,
// session-scoped resolver from a Handle to the peer's current public keys,
// refreshed lazily on key_rotation and falling back to an inline key when
// the directory is unreachable, while never silently accepting a mismatch.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/kindlyrobotics/ratchetclient/logging"
	"github.com/kindlyrobotics/ratchetclient/model"
)

var log = logging.For("directory")

// Entry is a resolved directory record for one handle.
type Entry struct {
	Handle             model.Handle
	Host               string
	PublicIdentityKey  []byte
	PublicTransportKey []byte
	FetchedAt          time.Time
}

// Source fetches a fresh Entry from the relay. Implementations perform the
// HTTP lookup; this package owns only the caching and fallback policy.
type Source interface {
	LookupHandle(ctx context.Context, handle model.Handle) (Entry, error)
}

// Outcome tags how a Resolution was produced, so callers can decide whether
// signature verification may proceed or must be delayed.
type Outcome int

const (
	// FromCache: the directory answered, possibly from an earlier fetch.
	FromCache Outcome = iota
	// FromInline: the directory was unreachable; the inline identity key
	// carried on the payload itself was used instead, unverified against
	// any directory record.
	FromInline
	// Mismatch: a directory entry exists and disagrees with the inline
	// key offered by the payload. Callers must never accept this as
	// authenticityVerified.
	Mismatch
)

// Resolution is the result of resolving a handle for signature
// verification purposes.
type Resolution struct {
	Outcome            Outcome
	PublicIdentityKey  []byte
	PublicTransportKey []byte
}

// Cache is the in-memory, session-scoped directory cache. Safe for
// concurrent use; holds no disk state, since the directory is rebuilt from
// the relay each session per the data model's lifecycle split.
type Cache struct {
	source Source

	mu      sync.RWMutex
	entries map[model.Handle]Entry
}

// NewCache constructs an empty cache backed by source.
func NewCache(source Source) *Cache {
	return &Cache{source: source, entries: make(map[model.Handle]Entry)}
}

// Resolve answers a signature-verification resolution for handle, given an
// inline identity key offered by the payload under verification (may be
// nil if the payload carried none). It tries the cache first, falls back
// to a live fetch, and finally to the inline key alone if the directory is
// unreachable — never silently accepting a cache/inline disagreement.
func (c *Cache) Resolve(ctx context.Context, handle model.Handle, inlineIdentityKey []byte) (Resolution, error) {
	entry, ok := c.get(handle)
	if !ok {
		fetched, err := c.source.LookupHandle(ctx, handle)
		if err != nil {
			log.WithField("handle", handle.String()).WithError(err).Debug("directory lookup failed, falling back to inline key")
			if len(inlineIdentityKey) == 0 {
				return Resolution{}, err
			}
			return Resolution{Outcome: FromInline, PublicIdentityKey: inlineIdentityKey}, nil
		}
		c.put(fetched)
		entry = fetched
	}

	if len(inlineIdentityKey) > 0 && !bytesEqual(inlineIdentityKey, entry.PublicIdentityKey) {
		return Resolution{Outcome: Mismatch}, nil
	}

	return Resolution{
		Outcome:            FromCache,
		PublicIdentityKey:  entry.PublicIdentityKey,
		PublicTransportKey: entry.PublicTransportKey,
	}, nil
}

// TransportKeyFor returns the cached transport key for handle, refreshing
// from the source if absent. Used when sealing an outbound transit
// envelope to a contact.
func (c *Cache) TransportKeyFor(ctx context.Context, handle model.Handle) ([]byte, error) {
	if entry, ok := c.get(handle); ok {
		return entry.PublicTransportKey, nil
	}
	entry, err := c.source.LookupHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	c.put(entry)
	return entry.PublicTransportKey, nil
}

// Invalidate drops a cached entry, forcing the next Resolve/TransportKeyFor
// call to refetch. Available to callers that learn a contact's key is
// stale without already holding the replacement (syncengine prefers Update
// when it has the new key in hand, below).
func (c *Cache) Invalidate(handle model.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, handle)
}

// Update installs a fresh entry directly, used by syncengine after a
// verified inbound key_rotation event has already supplied the new
// transport key, avoiding a redundant round trip to the relay.
func (c *Cache) Update(entry Entry) {
	c.put(entry)
}

func (c *Cache) get(handle model.Handle) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[handle]
	return entry, ok
}

func (c *Cache) put(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Handle] = entry
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
