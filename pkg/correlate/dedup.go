package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper is the per-(rule, event) seen-set that keeps stream redeliveries
// from advancing a window twice. Keys live as long as a late event could
// still land (window plus the lateness bound).
type Deduper struct {
	client *redis.Client
	prefix string
}

// NewDeduper creates a deduper storing keys under "<prefix>:seen:".
func NewDeduper(client *redis.Client, prefix string) *Deduper {
	if client == nil {
		panic("correlate: redis client cannot be nil")
	}
	return &Deduper{client: client, prefix: prefix}
}

// Acquire claims the (rule, event) pair. It returns false when the pair was
// already processed. The claim must be released if the event is not applied,
// or redelivery would be silently swallowed.
func (d *Deduper) Acquire(ctx context.Context, ruleID, eventID string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(ruleID, eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire dedup claim: %w", err)
	}
	return ok, nil
}

// Release drops the claim so a redelivered event can be reprocessed.
func (d *Deduper) Release(ctx context.Context, ruleID, eventID string) error {
	if err := d.client.Del(ctx, d.key(ruleID, eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release dedup claim: %w", err)
	}
	return nil
}

func (d *Deduper) key(ruleID, eventID string) string {
	return d.prefix + ":seen:" + ruleID + ":" + eventID
}
