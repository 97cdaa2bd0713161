package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed event ids per workspace. The provider retries
// webhook posts for up to three days, so the memory must outlive that.
type Deduper interface {
	// Seen atomically records (workspaceID, eventID) and reports whether it
	// was already present.
	Seen(ctx context.Context, workspaceID uuid.UUID, eventID string) (bool, error)

	// Forget releases a recorded (workspaceID, eventID) so the provider's
	// retry is accepted again. Called when the enqueue after a Seen check
	// failed; without it the retry would be skipped and the event lost.
	Forget(ctx context.Context, workspaceID uuid.UUID, eventID string) error
}

// RedisDeduper is the production Deduper: SET NX with TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper builds a Deduper with the given retention.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, workspaceID uuid.UUID, eventID string) (bool, error) {
	key := fmt.Sprintf("wasend:webhook:%s:%s", workspaceID, eventID)
	set, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return !set, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, workspaceID uuid.UUID, eventID string) error {
	key := fmt.Sprintf("wasend:webhook:%s:%s", workspaceID, eventID)
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}

// MemoryDeduper is the in-process Deduper for tests and single-node runs.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// NewMemoryDeduper builds an in-process Deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Seen(_ context.Context, workspaceID uuid.UUID, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	key := workspaceID.String() + ":" + eventID
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	// Opportunistic sweep keeps the map bounded without a janitor goroutine.
	if len(d.seen) > 100_000 {
		for k, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now.Add(d.ttl)
	return false, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, workspaceID uuid.UUID, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, workspaceID.String()+":"+eventID)
	return nil
}
