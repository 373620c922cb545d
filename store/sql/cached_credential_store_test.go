package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-workwx/core"
)

type stubCredentialStore struct {
	mu        sync.Mutex
	records   map[core.CredentialKey]core.CredentialRecord
	getCalls  int
	saveCalls int
	getErr    error
}

func newStubCredentialStore() *stubCredentialStore {
	return &stubCredentialStore{records: map[core.CredentialKey]core.CredentialRecord{}}
}

func (s *stubCredentialStore) Get(_ context.Context, key core.CredentialKey) (core.CredentialRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return core.CredentialRecord{}, false, s.getErr
	}
	record, ok := s.records[key.Normalize()]
	return record, ok, nil
}

func (s *stubCredentialStore) Save(_ context.Context, key core.CredentialKey, record core.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	s.records[key.Normalize()] = record
	return nil
}

func TestCachedCredentialStore_HitsCacheAfterFirstRead(t *testing.T) {
	base := newStubCredentialStore()
	key := core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}
	base.records[key] = core.CredentialRecord{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}

	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	for i := 0; i < 3; i++ {
		record, ok, err := store.Get(context.Background(), key)
		if err != nil || !ok || record.Value != "tok-1" {
			t.Fatalf("get %d: %+v %v %v", i, record, ok, err)
		}
	}
	if base.getCalls != 1 {
		t.Fatalf("expected a single base read, got %d", base.getCalls)
	}
}

func TestCachedCredentialStore_DoesNotCacheEmptySlot(t *testing.T) {
	base := newStubCredentialStore()
	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	key := core.CredentialKey{Family: core.FamilyTicket, Tenant: "ww_corp"}

	if _, ok, err := store.Get(context.Background(), key); err != nil || ok {
		t.Fatalf("expected empty slot, got ok=%v err=%v", ok, err)
	}
	base.records[key] = core.CredentialRecord{Value: "ticket-1", ExpiresAt: time.Now().Add(time.Hour)}
	record, ok, err := store.Get(context.Background(), key)
	if err != nil || !ok || record.Value != "ticket-1" {
		t.Fatalf("expected sibling write to be visible, got %+v %v %v", record, ok, err)
	}
}

func TestCachedCredentialStore_SaveEvictsSlot(t *testing.T) {
	base := newStubCredentialStore()
	key := core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}
	base.records[key] = core.CredentialRecord{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	if _, _, err := store.Get(context.Background(), key); err != nil {
		t.Fatalf("prime: %v", err)
	}

	expired := core.CredentialRecord{Value: "tok-1"}.ExpiredCopy()
	if err := store.Save(context.Background(), key, expired); err != nil {
		t.Fatalf("save: %v", err)
	}
	record, _, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if record.ValidAt(time.Now()) {
		t.Fatalf("expected expired copy after eviction, got %+v", record)
	}
	if base.getCalls != 2 || base.saveCalls != 1 {
		t.Fatalf("unexpected base calls get=%d save=%d", base.getCalls, base.saveCalls)
	}
}

func TestCachedCredentialStore_InvalidateKeepsSiblingRefresh(t *testing.T) {
	bases := map[string]func() core.CredentialStore{
		"read-write base": func() core.CredentialStore { return newStubCredentialStore() },
		"atomic base":     func() core.CredentialStore { return core.NewMemoryCredentialStore() },
	}
	for name, newBase := range bases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			shared := newBase()
			var issued atomic.Int32
			issuer := core.IssuerFunc(func(context.Context, core.CredentialKey) (core.IssuedCredential, error) {
				return core.IssuedCredential{Value: fmt.Sprintf("tok-%d", issued.Add(1)), TTL: 2 * time.Hour}, nil
			})
			newInstance := func() *core.CredentialManager {
				store, err := NewCachedCredentialStore(shared, newTestCacheService(t))
				if err != nil {
					t.Fatalf("new cached store: %v", err)
				}
				manager, err := core.NewCredentialManager(store, "ww_corp", core.WithIssuer(core.FamilyAccess, issuer))
				if err != nil {
					t.Fatalf("new manager: %v", err)
				}
				return manager
			}
			first, second := newInstance(), newInstance()

			held, err := first.Ensure(ctx, core.FamilyAccess)
			if err != nil || held.Value != "tok-1" {
				t.Fatalf("first ensure: %+v %v", held, err)
			}
			fresh, err := second.Refresh(ctx, core.FamilyAccess)
			if err != nil || fresh.Value != "tok-2" {
				t.Fatalf("second refresh: %+v %v", fresh, err)
			}

			if err := first.Invalidate(ctx, core.FamilyAccess, held.Value); err != nil {
				t.Fatalf("invalidate: %v", err)
			}
			stored, ok, err := shared.Get(ctx, first.Key(core.FamilyAccess))
			if err != nil || !ok {
				t.Fatalf("shared get: %v %v", ok, err)
			}
			if stored.Value != "tok-2" || !stored.ValidAt(time.Now()) {
				t.Fatalf("expected sibling token to survive, got %q valid=%v", stored.Value, stored.ValidAt(time.Now()))
			}

			current, err := first.Ensure(ctx, core.FamilyAccess)
			if err != nil {
				t.Fatalf("ensure after invalidate: %v", err)
			}
			if current.Value != "tok-2" || issued.Load() != 2 {
				t.Fatalf("expected the sibling token without reissue, got %q issued=%d", current.Value, issued.Load())
			}
		})
	}
}

func TestCachedCredentialStore_IssueRechecksSharedRecord(t *testing.T) {
	ctx := context.Background()
	base := newStubCredentialStore()
	key := core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}
	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	base.records[key] = core.CredentialRecord{Value: "tok-old", ExpiresAt: time.Now().Add(-time.Minute)}
	if _, _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("prime: %v", err)
	}
	base.records[key] = core.CredentialRecord{Value: "tok-sibling", ExpiresAt: time.Now().Add(time.Hour)}

	var issued atomic.Int32
	manager, err := core.NewCredentialManager(store, "ww_corp", core.WithIssuer(core.FamilyAccess,
		core.IssuerFunc(func(context.Context, core.CredentialKey) (core.IssuedCredential, error) {
			issued.Add(1)
			return core.IssuedCredential{Value: "tok-new", TTL: time.Hour}, nil
		})))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	record, err := manager.Ensure(ctx, core.FamilyAccess)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if record.Value != "tok-sibling" || issued.Load() != 0 {
		t.Fatalf("expected the shared record instead of a new issuance, got %q issued=%d", record.Value, issued.Load())
	}
}

func TestCachedCredentialStore_PropagatesErrors(t *testing.T) {
	base := newStubCredentialStore()
	base.getErr = errors.New("db down")
	store, err := NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	if _, _, err := store.Get(context.Background(), core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}); err == nil {
		t.Fatalf("expected base error")
	}
	if _, _, err := store.Get(context.Background(), core.CredentialKey{Family: core.FamilyAccess}); err == nil {
		t.Fatalf("expected invalid key error")
	}
	if _, err := NewCachedCredentialStore(nil, newTestCacheService(t)); err == nil {
		t.Fatalf("expected missing base to fail")
	}
}

func TestCredentialCacheKey_Contract(t *testing.T) {
	key, err := CredentialCacheKey(core.CredentialKey{Family: " Suite ", Tenant: " wx suite "})
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "go-workwx::credential::v1::suite::wx%20suite" {
		t.Fatalf("unexpected cache key %q", key)
	}
}
