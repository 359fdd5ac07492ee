package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	clinicKeyPrefix = "clinic:active:"
	clinicListKey   = "clinic:active-list"
)

var errCacheMiss = errors.New("cache miss")

// kvStore is the slice of Redis the cache needs.
type kvStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type redisStore struct {
	client *redis.Client
}

func (s redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errCacheMiss
	}
	return b, err
}

func (s redisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, val, ttl).Err()
}

func (s redisStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// CachedRepository is a read-through cache over a Repository for the clinic
// directory. Entries expire after ttl; Invalidate drops them early. Staff
// counts are never cached. Redis failures fall back to the underlying store.
type CachedRepository struct {
	next   Repository
	store  kvStore
	ttl    time.Duration
	group  singleflight.Group
	logger zerolog.Logger
}

// NewCachedRepository wraps next with a Redis cache.
func NewCachedRepository(next Repository, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return newCachedRepository(next, redisStore{client: client}, ttl, logger)
}

func newCachedRepository(next Repository, store kvStore, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "clinic_cache").Logger(),
	}
}

func (c *CachedRepository) FindActiveByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	key := clinicKeyPrefix + id.String()
	var cl Clinic
	if c.load(ctx, key, &cl) {
		return &cl, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Waiters share this load; one caller's cancellation must not fail the rest.
		loadCtx := context.WithoutCancel(ctx)
		found, err := c.next.FindActiveByID(loadCtx, id)
		if err != nil {
			return nil, err
		}
		c.save(loadCtx, key, found)
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Clinic), nil
}

func (c *CachedRepository) CountActiveStaff(ctx context.Context, clinicID uuid.UUID) (int, error) {
	return c.next.CountActiveStaff(ctx, clinicID)
}

func (c *CachedRepository) ListActive(ctx context.Context) ([]*Clinic, error) {
	var list []*Clinic
	if c.load(ctx, clinicListKey, &list) {
		return list, nil
	}

	v, err, _ := c.group.Do(clinicListKey, func() (interface{}, error) {
		// Waiters share this load; one caller's cancellation must not fail the rest.
		loadCtx := context.WithoutCancel(ctx)
		found, err := c.next.ListActive(loadCtx)
		if err != nil {
			return nil, err
		}
		c.save(loadCtx, clinicListKey, found)
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Clinic), nil
}

// Invalidate drops the cached entry for id and the cached list.
func (c *CachedRepository) Invalidate(ctx context.Context, id uuid.UUID) error {
	return c.store.Del(ctx, clinicKeyPrefix+id.String(), clinicListKey)
}

func (c *CachedRepository) load(ctx context.Context, key string, dst interface{}) bool {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, errCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt")
		return false
	}
	return true
}

func (c *CachedRepository) save(ctx context.Context, key string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}
