package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
)

// SummaryCache is the cache-aside store for projected summaries, keyed by
// group id. Writes are last-writer-wins; stale reads are acceptable because
// the summary is advisory, not authoritative.
type SummaryCache interface {
	Get(ctx context.Context, groupID string) (domain.Summary, bool)
	Set(ctx context.Context, groupID string, s domain.Summary)
	Invalidate(ctx context.Context, groupID string)
}

const defaultSize = 1024

// Memory is the in-process TTL cache backend.
type Memory struct {
	lru *expirable.LRU[string, domain.Summary]
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{lru: expirable.NewLRU[string, domain.Summary](defaultSize, nil, ttl)}
}

func (m *Memory) Get(_ context.Context, groupID string) (domain.Summary, bool) {
	return m.lru.Get(groupID)
}

func (m *Memory) Set(_ context.Context, groupID string, s domain.Summary) {
	m.lru.Add(groupID, s)
}

func (m *Memory) Invalidate(_ context.Context, groupID string) {
	m.lru.Remove(groupID)
}
