package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"chatrelay/internal/redis"
)

const snapshotTTL = 30 * time.Minute

// cache persists context snapshots in redis so a session survives a
// process restart. All failures degrade to a miss.
type cache struct {
	client *redis.Client
}

func newCache(client *redis.Client) *cache {
	return &cache{client: client}
}

func snapshotKey(sessionID string) string {
	return fmt.Sprintf("session:ctx:%s", sessionID)
}

func (c *cache) store(ctx context.Context, sc *Context) {
	if sc == nil || sc.SessionID == "" {
		return
	}
	data, err := json.Marshal(sc)
	if err != nil {
		log.Printf("session snapshot marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, snapshotKey(sc.SessionID), data, snapshotTTL); err != nil {
		log.Printf("session snapshot write failed: %v", err)
	}
}

func (c *cache) load(ctx context.Context, sessionID string) *Context {
	raw, err := c.client.Get(ctx, snapshotKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("session snapshot read failed: %v", err)
		}
		return nil
	}
	var sc Context
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		log.Printf("session snapshot decode failed: %v", err)
		return nil
	}
	if sc.SessionID != sessionID || len(sc.Turns) == 0 {
		return nil
	}
	return &sc
}

func (c *cache) invalidate(ctx context.Context, sessionID string) {
	if err := c.client.Del(ctx, snapshotKey(sessionID)); err != nil {
		log.Printf("session snapshot invalidate failed: %v", err)
	}
}
