// Package statuscache shields the task-status endpoint from aggressive
// pollers. It throttles per user and caches recent status payloads for a few
// seconds. The cache is an explicit injected dependency with expiry handled
// by Redis TTLs; when no Redis client is configured every check passes
// through.
package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Cache struct {
	rdb      *redis.Client
	throttle time.Duration
	ttl      time.Duration
	log      zerolog.Logger
}

func New(rdb *redis.Client, throttle, ttl time.Duration, log zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, throttle: throttle, ttl: ttl, log: log}
}

// Entry is one cached status response.
type Entry struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// Allow reports whether the user may poll right now. Redis failures fail
// open: a broken cache must not take the status endpoint down with it.
func (c *Cache) Allow(ctx context.Context, userID string) bool {
	if c == nil || c.rdb == nil || c.throttle <= 0 {
		return true
	}
	ok, err := c.rdb.SetNX(ctx, throttleKey(userID), 1, c.throttle).Result()
	if err != nil {
		c.log.Warn().Err(err).Msg("statuscache: throttle check failed")
		return true
	}
	return ok
}

// Get returns a cached response for (user, task) if one is still fresh.
func (c *Cache) Get(ctx context.Context, userID, taskID string) (*Entry, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, entryKey(userID, taskID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Msg("statuscache: read failed")
		}
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.Warn().Err(err).Msg("statuscache: corrupt entry dropped")
		return nil, false
	}
	return &entry, true
}

// Put stores a response payload for (user, task). Best-effort.
func (c *Cache) Put(ctx context.Context, userID, taskID string, status int, payload []byte) {
	if c == nil || c.rdb == nil || c.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(Entry{Status: status, Payload: payload})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, entryKey(userID, taskID), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("statuscache: write failed")
	}
}

func throttleKey(userID string) string {
	return fmt.Sprintf("wrap:status:throttle:%s", userID)
}

func entryKey(userID, taskID string) string {
	return fmt.Sprintf("wrap:status:cache:%s:%s", userID, taskID)
}
