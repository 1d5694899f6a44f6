package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cppla/monascore/models"
)

const (
	userCachePrefix     = "cache:user:"
	defaultUserCacheTTL = time.Minute
	redisOpTimeout      = 2 * time.Second
	// writeFenceTTL must outlast a database read that raced the write
	writeFenceTTL = 5 * time.Second
)

// writeFence occupies a user's key right after a write so that a reader holding
// the previous row cannot put it back into the cache.
var writeFence = []byte("-")

// CachedUserStore reads users by address through Redis. Writes go to the
// wrapped store first and then replace the cached entry with a short fence;
// readers only fill an absent key.
type CachedUserStore struct {
	next   UserStore
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedUserStore wraps next. A nil client turns the cache off.
func NewCachedUserStore(next UserStore, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedUserStore {
	if ttl <= 0 {
		ttl = defaultUserCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedUserStore{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func userCacheKey(address string) string {
	return userCachePrefix + address
}

func (s *CachedUserStore) GetByAddress(ctx context.Context, address string) (models.User, bool, error) {
	if u, ok := s.cacheGet(ctx, address); ok {
		return u, true, nil
	}
	u, found, err := s.next.GetByAddress(ctx, address)
	if err != nil || !found {
		return u, found, err
	}
	s.cacheSet(ctx, u)
	return u, true, nil
}

func (s *CachedUserStore) GetByReferralCode(ctx context.Context, code string) (models.User, bool, error) {
	return s.next.GetByReferralCode(ctx, code)
}

func (s *CachedUserStore) Add(ctx context.Context, user models.User) (models.User, error) {
	u, err := s.next.Add(ctx, user)
	if err == nil {
		s.invalidate(ctx, u.Address)
	}
	return u, err
}

func (s *CachedUserStore) Update(ctx context.Context, user models.User) (models.User, error) {
	u, err := s.next.Update(ctx, user)
	s.invalidate(ctx, user.Address)
	return u, err
}

func (s *CachedUserStore) cacheGet(ctx context.Context, address string) (models.User, bool) {
	if s.rdb == nil {
		return models.User{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	b, err := s.rdb.Get(ctx, userCacheKey(address)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("user cache get failed", zap.String("address", address), zap.Error(err))
		}
		return models.User{}, false
	}
	if bytes.Equal(b, writeFence) {
		return models.User{}, false
	}
	var u models.User
	if err := json.Unmarshal(b, &u); err != nil {
		return models.User{}, false
	}
	return u, true
}

func (s *CachedUserStore) cacheSet(ctx context.Context, u models.User) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(u)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.rdb.SetNX(ctx, userCacheKey(u.Address), b, s.ttl).Err(); err != nil {
		s.logger.Warn("user cache set failed", zap.String("address", u.Address), zap.Error(err))
	}
}

func (s *CachedUserStore) invalidate(ctx context.Context, address string) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisOpTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, userCacheKey(address), writeFence, writeFenceTTL).Err(); err != nil {
		s.logger.Warn("user cache invalidate failed", zap.String("address", address), zap.Error(err))
	}
}
