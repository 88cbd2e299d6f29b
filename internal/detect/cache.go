package detect

import (
	"context"
	"sync"
	"time"

	"replywatch/internal/models"
)

// CheckpointSource is the persistence surface the history layer reads
// checkpoints through.
type CheckpointSource interface {
	GetCheckpoint(ctx context.Context, mailbox string) (models.Checkpoint, error)
	InitCheckpoint(ctx context.Context, mailbox, provider, position string) error
}

type cacheEntry struct {
	cp      models.Checkpoint
	expires time.Time
}

// CheckpointCache is an explicit read-through cache over the checkpoint
// store with a fixed TTL. Writes go straight to the store; the cache only
// absorbs the repeated reads a busy mailbox generates between advances.
type CheckpointCache struct {
	src CheckpointSource
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCheckpointCache(src CheckpointSource, ttl time.Duration) *CheckpointCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CheckpointCache{
		src:     src,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the mailbox checkpoint, from cache when fresh.
func (c *CheckpointCache) Get(ctx context.Context, mailbox string) (models.Checkpoint, error) {
	c.mu.Lock()
	if e, ok := c.entries[mailbox]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.cp, nil
	}
	c.mu.Unlock()

	cp, err := c.src.GetCheckpoint(ctx, mailbox)
	if err != nil {
		return models.Checkpoint{}, err
	}
	c.mu.Lock()
	c.entries[mailbox] = cacheEntry{cp: cp, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return cp, nil
}

// Init seeds the checkpoint on a mailbox's first sync and invalidates the
// cached miss.
func (c *CheckpointCache) Init(ctx context.Context, mailbox, provider, position string) error {
	if err := c.src.InitCheckpoint(ctx, mailbox, provider, position); err != nil {
		return err
	}
	c.Invalidate(mailbox)
	return nil
}

// Invalidate drops the cached entry; callers invoke it after every advance
// or status change.
func (c *CheckpointCache) Invalidate(mailbox string) {
	c.mu.Lock()
	delete(c.entries, mailbox)
	c.mu.Unlock()
}
