package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dialflow/pkg/utils"
)

// SlotLimiter caps live calls per campaign. One slot is acquired before each
// origination and released when the call reaches a terminal status.
type SlotLimiter interface {
	Acquire(ctx context.Context, campaignID string, limit int) (bool, error)
	Release(ctx context.Context, campaignID string) error
}

// RedisSlots enforces the cap across server instances with an atomic
// counter. The TTL reclaims slots leaked by a crashed process; no call
// lasts anywhere near it.
type RedisSlots struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSlots(rdb *redis.Client) *RedisSlots {
	return &RedisSlots{rdb: rdb, ttl: time.Hour}
}

func slotKey(campaignID string) string {
	return "campaign:live_calls:" + campaignID
}

func (s *RedisSlots) Acquire(ctx context.Context, campaignID string, limit int) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, s.rdb, slotKey(campaignID), limit, s.ttl)
}

func (s *RedisSlots) Release(ctx context.Context, campaignID string) error {
	return utils.ReleaseConcurrencyCap(ctx, s.rdb, slotKey(campaignID))
}

// MemorySlots is the single-process SlotLimiter used in tests.
type MemorySlots struct {
	mu    sync.Mutex
	held  map[string]int
	peaks map[string]int
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{held: make(map[string]int), peaks: make(map[string]int)}
}

func (s *MemorySlots) Acquire(_ context.Context, campaignID string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[campaignID] >= limit {
		return false, nil
	}
	s.held[campaignID]++
	if s.held[campaignID] > s.peaks[campaignID] {
		s.peaks[campaignID] = s.held[campaignID]
	}
	return true, nil
}

func (s *MemorySlots) Release(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[campaignID] > 0 {
		s.held[campaignID]--
	}
	return nil
}

// Peak reports the highest concurrent hold seen for a campaign.
func (s *MemorySlots) Peak(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peaks[campaignID]
}
