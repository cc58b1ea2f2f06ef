package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crm-activities/domain"
)

type backend interface {
	ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Activity, error)
}

// Cache wraps an activity store with Redis-backed caching for list reads.
// Status writes evict the cached list of the affected lead.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

func (c *Cache) ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error) {
	if acts, ok := c.loadActivities(ctx, leadID); ok {
		return acts, nil
	}

	acts, err := c.base.ListActivities(ctx, leadID)
	if err != nil {
		return nil, err
	}

	c.storeActivities(ctx, leadID, acts)
	return acts, nil
}

func (c *Cache) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Activity, error) {
	a, err := c.base.UpdateStatus(ctx, id, status)
	if err != nil {
		return domain.Activity{}, err
	}

	if a.Lead != nil {
		c.Invalidate(ctx, a.Lead.ID)
	} else {
		c.invalidateAll(ctx)
	}
	return a, nil
}

// Invalidate drops the cached activity list of leadID.
func (c *Cache) Invalidate(ctx context.Context, leadID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, activitiesCacheKey(leadID)).Err(); err != nil {
		c.logger.WithError(err).WithField("lead", leadID).Warn("activity cache eviction failed")
	}
}

func (c *Cache) invalidateAll(ctx context.Context) {
	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, activitiesCacheKey("*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("activity cache scan failed")
		return
	}
	if len(keys) > 0 {
		_ = c.redis.Del(ctx, keys...).Err()
	}
}

func (c *Cache) loadActivities(ctx context.Context, leadID string) ([]domain.Activity, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, activitiesCacheKey(leadID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, activitiesCacheKey(leadID)).Err()
		}
		return nil, false
	}
	var acts []domain.Activity
	if err := sonic.Unmarshal(data, &acts); err != nil {
		_ = c.redis.Del(ctx, activitiesCacheKey(leadID)).Err()
		return nil, false
	}
	return acts, true
}

func (c *Cache) storeActivities(ctx context.Context, leadID string, acts []domain.Activity) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(acts)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, activitiesCacheKey(leadID), data, c.ttl).Err()
}

func activitiesCacheKey(leadID string) string {
	return "activities:" + leadID
}
