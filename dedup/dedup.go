// Package dedup implements the bounded in-memory dedup set: event ids seen
// recently are tracked so the sync engine never double-processes the same
// queue item arriving twice (once via socket, once via poll).
package dedup

import "context"

// Store is the dedup backing contract. SeenOrRecord reports whether id was already
// recorded, recording it if not, atomically from the caller's perspective.
type Store interface {
	// SeenOrRecord returns true if id has already been recorded; otherwise
	// it records id and returns false.
	SeenOrRecord(ctx context.Context, id string) (bool, error)
}
