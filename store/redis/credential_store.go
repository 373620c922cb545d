package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-workwx/core"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "workwx:credential:v1"

	// DefaultRetention keeps a record readable for a while after it expires so
	// state queries can tell an expired slot from an empty one.
	DefaultRetention = 5 * time.Minute

	maxWatchRetries = 4
)

// CredentialStore shares credentials between instances through Redis. Each
// slot is a single key written with SET, so readers never see a partial
// record, and the key expires a retention period after the record does.
type CredentialStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	codec     core.RecordCodec
	secrets   core.SecretProvider
	now       func() time.Time
}

type Option func(*CredentialStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *CredentialStore) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

func WithRetention(retention time.Duration) Option {
	return func(s *CredentialStore) {
		if retention >= 0 {
			s.retention = retention
		}
	}
}

func WithRecordCodec(codec core.RecordCodec) Option {
	return func(s *CredentialStore) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithSecretProvider encrypts token payloads before they reach Redis.
func WithSecretProvider(secrets core.SecretProvider) Option {
	return func(s *CredentialStore) {
		s.secrets = secrets
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *CredentialStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewCredentialStore(client redis.UniversalClient, opts ...Option) (*CredentialStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	store := &CredentialStore{
		client:    client,
		prefix:    DefaultKeyPrefix,
		retention: DefaultRetention,
		codec:     core.JSONRecordCodec{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Key returns <prefix>:<family>:<tenant> with the tenant path-escaped.
func (s *CredentialStore) Key(key core.CredentialKey) string {
	key = key.Normalize()
	return s.prefix + ":" + string(key.Family) + ":" + url.PathEscape(key.Tenant)
}

func (s *CredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.CredentialRecord, bool, error) {
	if s == nil || s.client == nil {
		return core.CredentialRecord{}, false, core.ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.CredentialRecord{}, false, err
	}

	payload, err := s.client.Get(ctx, s.Key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.CredentialRecord{}, false, nil
		}
		return core.CredentialRecord{}, false, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	record, err := core.OpenRecord(ctx, s.codec, s.secrets, payload)
	if err != nil {
		return core.CredentialRecord{}, false, fmt.Errorf("redisstore: read %s: %w", key, err)
	}
	return record, true, nil
}

// Save writes the record with a TTL of its remaining lifetime plus the
// retention period. A record already past its retention deletes the slot.
func (s *CredentialStore) Save(ctx context.Context, key core.CredentialKey, record core.CredentialRecord) error {
	if s == nil || s.client == nil {
		return core.ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	if record.IsZero() {
		return fmt.Errorf("redisstore: credential value is required")
	}

	payload, ttl, err := s.encode(ctx, record)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
			return fmt.Errorf("redisstore: delete %s: %w", key, err)
		}
		return nil
	}
	if err := s.client.Set(ctx, s.Key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

// ExpireIfValue expires the slot under WATCH while it still holds staleValue.
// A sibling writing the key between the read and the EXEC aborts the
// transaction and the comparison runs again.
func (s *CredentialStore) ExpireIfValue(ctx context.Context, key core.CredentialKey, staleValue string) (bool, error) {
	if s == nil || s.client == nil {
		return false, core.ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}
	redisKey := s.Key(key)

	for range maxWatchRetries {
		expired := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, redisKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			record, err := core.OpenRecord(ctx, s.codec, s.secrets, current)
			if err != nil {
				return err
			}
			if record.IsZero() || (staleValue != "" && record.Value != staleValue) {
				return nil
			}

			payload, ttl, err := s.encode(ctx, record.ExpiredCopy())
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if ttl <= 0 {
					pipe.Del(ctx, redisKey)
					return nil
				}
				pipe.Set(ctx, redisKey, payload, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			expired = true
			return nil
		}, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("redisstore: expire %s: %w", key, err)
		}
		return expired, nil
	}
	return false, fmt.Errorf("redisstore: expire %s: slot changed on every attempt", key)
}

// encode seals record and returns the key TTL. A non-positive TTL means the
// record is past its retention and the slot should be deleted.
func (s *CredentialStore) encode(ctx context.Context, record core.CredentialRecord) ([]byte, time.Duration, error) {
	ttl := record.ExpiresAt.Sub(s.now()) + s.retention
	if record.ExpiresAt.IsZero() || ttl < time.Millisecond {
		return nil, 0, nil
	}
	payload, err := core.SealRecord(ctx, s.codec, s.secrets, record)
	if err != nil {
		return nil, 0, err
	}
	return payload, ttl, nil
}

var (
	_ core.CredentialStore    = (*CredentialStore)(nil)
	_ core.ConditionalExpirer = (*CredentialStore)(nil)
)
