package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const maxIdempotencyKeyLen = 128

// RedisDeduper stores seen idempotency keys in Redis so every instance
// rejects a replayed board mutation.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(leadID, key string) string {
	return fmt.Sprintf("idem:%s:%s", leadID, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, leadID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(leadID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, leadID, key string) error {
	return r.client.Del(ctx, r.key(leadID, key)).Err()
}

// idempotent rejects requests whose Idempotency-Key was already accepted for
// the lead. Keys of requests that fail are released again.
func idempotent(deduper Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
			if deduper == nil || key == "" {
				return next(c)
			}
			if len(key) > maxIdempotencyKeyLen {
				setErrorStage(c, "idempotency")
				return c.String(http.StatusBadRequest, "idempotency key too long")
			}
			leadID := c.Param("leadId")
			ctx := c.Request().Context()

			added, err := deduper.Add(ctx, leadID, key)
			if err != nil {
				// Redis trouble must not block board changes.
				logger.WithError(err).WithField("lead", leadID).Warn("idempotency check failed")
				return next(c)
			}
			if !added {
				setErrorStage(c, "duplicate")
				return c.String(http.StatusConflict, "duplicate request")
			}

			herr := next(c)
			if herr != nil || c.Response().Status >= http.StatusBadRequest {
				if rerr := deduper.Remove(context.Background(), leadID, key); rerr != nil {
					logger.WithError(rerr).WithFields(log.Fields{"lead": leadID, "key": key}).Error("dedupe rollback failed")
				}
			}
			return herr
		}
	}
}
