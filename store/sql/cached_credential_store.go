package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-workwx/core"
)

const credentialCacheKeyPrefix = "go-workwx::credential::v1"

var errCredentialSlotEmpty = errors.New("sqlstore: credential slot is empty")

// CachedCredentialStore serves reads from a local cache in front of a shared
// store. Saves write through and evict the cached slot; empty slots are never
// cached so a sibling's first issuance becomes visible on the next read.
type CachedCredentialStore struct {
	base  core.CredentialStore
	cache repositorycache.CacheService
}

func NewCachedCredentialStore(
	base core.CredentialStore,
	cacheService repositorycache.CacheService,
) (*CachedCredentialStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base credential store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: credential cache service is required")
	}
	return &CachedCredentialStore{base: base, cache: cacheService}, nil
}

// CredentialCacheKey returns go-workwx::credential::v1::<family>::<tenant>.
func CredentialCacheKey(key core.CredentialKey) (string, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return "", err
	}
	return strings.Join([]string{
		credentialCacheKeyPrefix,
		url.PathEscape(string(key.Family)),
		url.PathEscape(key.Tenant),
	}, "::"), nil
}

func (s *CachedCredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.CredentialRecord, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.CredentialRecord{}, false, core.ErrStoreNotConfigured
	}
	cacheKey, err := CredentialCacheKey(key)
	if err != nil {
		return core.CredentialRecord{}, false, err
	}
	record, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.CredentialRecord, error) {
		fetched, ok, fetchErr := s.base.Get(ctx, key)
		if fetchErr != nil {
			return core.CredentialRecord{}, fetchErr
		}
		if !ok {
			return core.CredentialRecord{}, errCredentialSlotEmpty
		}
		return fetched, nil
	})
	if err != nil {
		if errors.Is(err, errCredentialSlotEmpty) {
			return core.CredentialRecord{}, false, nil
		}
		return core.CredentialRecord{}, false, err
	}
	return record, true, nil
}

func (s *CachedCredentialStore) Save(ctx context.Context, key core.CredentialKey, record core.CredentialRecord) error {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ErrStoreNotConfigured
	}
	cacheKey, err := CredentialCacheKey(key)
	if err != nil {
		return err
	}
	if err := s.base.Save(ctx, key, record); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

// GetSource reads the base store without touching the cache.
func (s *CachedCredentialStore) GetSource(ctx context.Context, key core.CredentialKey) (core.CredentialRecord, bool, error) {
	if s == nil || s.base == nil {
		return core.CredentialRecord{}, false, core.ErrStoreNotConfigured
	}
	if source, ok := s.base.(core.SourceReader); ok {
		return source.GetSource(ctx, key)
	}
	return s.base.Get(ctx, key)
}

// ExpireIfValue compares against the base record, never the cached copy, and
// evicts the cached slot whatever the outcome: a mismatch means this instance
// is holding a token a sibling already replaced.
func (s *CachedCredentialStore) ExpireIfValue(ctx context.Context, key core.CredentialKey, staleValue string) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, core.ErrStoreNotConfigured
	}
	cacheKey, err := CredentialCacheKey(key)
	if err != nil {
		return false, err
	}

	var expired bool
	if expirer, ok := s.base.(core.ConditionalExpirer); ok {
		expired, err = expirer.ExpireIfValue(ctx, key, staleValue)
	} else {
		expired, err = s.expireByReadWrite(ctx, key, staleValue)
	}
	if err != nil {
		return false, err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return expired, err
	}
	return expired, nil
}

func (s *CachedCredentialStore) expireByReadWrite(ctx context.Context, key core.CredentialKey, staleValue string) (bool, error) {
	record, found, err := s.GetSource(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || record.IsZero() {
		return false, nil
	}
	if staleValue != "" && record.Value != staleValue {
		return false, nil
	}
	if err := s.base.Save(ctx, key, record.ExpiredCopy()); err != nil {
		return false, err
	}
	return true, nil
}

