package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-workwx/core"
	"github.com/goliatone/go-workwx/ratelimit"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRateLimitKeyPrefix = "workwx:ratelimit:v1"
	DefaultRateLimitStateTTL  = time.Hour
)

// RateLimitStateStore shares throttle windows between instances so a tenant
// cooled down by one instance is not hammered by its siblings.
type RateLimitStateStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRateLimitStateStore(client redis.UniversalClient, ttl time.Duration) (*RateLimitStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultRateLimitStateTTL
	}
	return &RateLimitStateStore{client: client, prefix: DefaultRateLimitKeyPrefix, ttl: ttl}, nil
}

func (s *RateLimitStateStore) key(key core.RateLimitKey) string {
	return s.prefix + ":" + url.PathEscape(key.Tenant) + ":" + url.PathEscape(key.BucketKey)
}

func (s *RateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.client == nil {
		return ratelimit.State{}, fmt.Errorf("redisstore: rate-limit state store is not configured")
	}
	key = ratelimit.NormalizeKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return ratelimit.State{}, err
	}
	payload, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ratelimit.State{}, ratelimit.ErrStateNotFound
		}
		return ratelimit.State{}, fmt.Errorf("redisstore: get rate-limit state: %w", err)
	}
	state := ratelimit.State{}
	if err := json.Unmarshal(payload, &state); err != nil {
		return ratelimit.State{}, fmt.Errorf("redisstore: decode rate-limit state: %w", err)
	}
	return state, nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: rate-limit state store is not configured")
	}
	state.Key = ratelimit.NormalizeKey(state.Key)
	if err := validateRateLimitKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	state.Metadata = core.RedactSensitiveMap(state.Metadata)

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redisstore: encode rate-limit state: %w", err)
	}
	ttl := s.ttl
	if state.ThrottledUntil != nil {
		if window := time.Until(*state.ThrottledUntil); window > ttl {
			ttl = window
		}
	}
	if err := s.client.Set(ctx, s.key(state.Key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set rate-limit state: %w", err)
	}
	return nil
}

func validateRateLimitKey(key core.RateLimitKey) error {
	if strings.TrimSpace(key.Tenant) == "" {
		return fmt.Errorf("redisstore: rate-limit tenant is required")
	}
	if strings.TrimSpace(key.BucketKey) == "" {
		return fmt.Errorf("redisstore: rate-limit bucket key is required")
	}
	return nil
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
