package webhook

import (
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/go-redis/redis/v7"
)

// Deduper suppresses redelivered processor events. Stripe retries until it
// sees a 2xx, so the same event id can arrive more than once even when the
// first delivery succeeded.
type Deduper interface {
	// Seen reports whether the event id was already fully processed
	Seen(eventID string) (bool, error)
	// Mark records the event id once its event has been processed. An
	// event must never be marked before processing succeeds, otherwise a
	// redelivery after a transient failure would be swallowed.
	Mark(eventID string) error
}

const dedupKeyPrefix = "billing:webhook:event:"

// RedisDeduper tracks processed event ids in Redis with a TTL
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper returns a Deduper backed by Redis. A 24h window is enough:
// Stripe stops retrying well before then.
func NewRedisDeduper(client redis.UniversalClient) (*RedisDeduper, error) {
	if client == nil {
		return nil, extErrors.New("nil redis client is invalid")
	}
	return &RedisDeduper{
		client: client,
		ttl:    24 * time.Hour,
	}, nil
}

// Seen implements Deduper via EXISTS
func (d *RedisDeduper) Seen(eventID string) (bool, error) {
	n, err := d.client.Exists(dedupKeyPrefix + eventID).Result()
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot check event id")
	}
	return n > 0, nil
}

// Mark implements Deduper via SET with the dedup TTL
func (d *RedisDeduper) Mark(eventID string) error {
	if err := d.client.Set(dedupKeyPrefix+eventID, 1, d.ttl).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot mark event id")
	}
	return nil
}
