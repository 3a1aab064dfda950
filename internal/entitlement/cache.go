package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is the subset of *redis.Client used by CachedStore.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// CachedStore is a read-through Redis cache in front of a Store. A cache
// failure falls back to the backing store; only a backing store failure is
// reported to the caller.
//
// Writes go to the backing store and then replace the cached entry with an
// invalidation marker that lives for one TTL. Readers only fill an empty key
// (SET NX) and bypass the cache while the marker is present, so a read that
// raced a write can never cache the record it fetched before the write.
type CachedStore struct {
	next  Store
	cache Cache
	ttl   time.Duration
}

func NewCachedStore(next Store, cache Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, cache: cache, ttl: ttl}
}

func cacheKey(userID string) string {
	return fmt.Sprintf("entitlement:subscription:%s", userID)
}

func (s *CachedStore) GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	key := cacheKey(userID)

	var entry cacheEntry
	fill := true
	err := s.cache.Get(ctx, key).Scan(&entry)
	switch {
	case err == nil && !entry.Invalidated:
		return entry.Record, nil
	case err == nil:
		fill = false
	case err != redis.Nil:
		log.Warn().Err(err).Str("user_id", userID).Msg("entitlement cache read failed")
	}

	rec, err := s.next.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if fill {
		if err := s.cache.SetNX(ctx, key, &cacheEntry{Record: rec}, s.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("entitlement cache write failed")
		}
	}

	return rec, nil
}

func (s *CachedStore) UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	if err := s.next.UpsertSubscription(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx, rec.UserID)
	return nil
}

func (s *CachedStore) UpdateSubscription(ctx context.Context, subscriptionID, priceID string, periodEnd time.Time) (string, error) {
	userID, err := s.next.UpdateSubscription(ctx, subscriptionID, priceID, periodEnd)
	if err != nil {
		return "", err
	}
	s.invalidate(ctx, userID)
	return userID, nil
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(userID), &cacheEntry{Invalidated: true}, s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("entitlement cache invalidation failed")
	}
}
