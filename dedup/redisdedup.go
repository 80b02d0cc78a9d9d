package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is an optional dedup backing store for a multi-process client
// host (e.g. a desktop app with a helper process sharing dedup state).
// Entries expire after ttl so the set self-bounds without an explicit
// trim pass, the same TTL-key idiom the reference server uses for
// typing-indicator presence.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis constructs a dedup store backed by an existing client. keyPrefix
// namespaces dedup keys from any other use of the same Redis instance.
func NewRedis(client *redis.Client, keyPrefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, prefix: keyPrefix, ttl: ttl}
}

func (r *Redis) SeenOrRecord(ctx context.Context, id string) (bool, error) {
	key := fmt.Sprintf("%s:%s", r.prefix, id)
	// SetNX: true means we recorded it fresh (not seen before); false
	// means the key already existed (seen).
	wasSet, err := r.client.SetNX(ctx, key, "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis setnx: %w", err)
	}
	return !wasSet, nil
}

var _ Store = (*Redis)(nil)
