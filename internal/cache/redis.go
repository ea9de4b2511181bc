package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// Redis backs the summary cache with a shared store, for deployments where
// multiple API instances serve the same groups.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr string, ttl time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func key(groupID string) string { return "summary:" + groupID }

func (r *Redis) Get(ctx context.Context, groupID string) (domain.Summary, bool) {
	data, err := r.client.Get(ctx, key(groupID)).Bytes()
	if err != nil {
		return domain.Summary{}, false
	}
	var s domain.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Summary{}, false
	}
	return s, true
}

func (r *Redis) Set(ctx context.Context, groupID string, s domain.Summary) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	r.client.Set(ctx, key(groupID), data, r.ttl)
}

func (r *Redis) Invalidate(ctx context.Context, groupID string) {
	r.client.Del(ctx, key(groupID))
}
