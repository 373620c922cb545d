package redisstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-workwx/core"
	"github.com/goliatone/go-workwx/ratelimit"
	"github.com/goliatone/go-workwx/security"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCredentialStore_SaveAndGet(t *testing.T) {
	mr, client := newTestRedis(t)
	now := time.Now().UTC()
	store, err := NewCredentialStore(client, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}

	if _, ok, err := store.Get(context.Background(), key); err != nil || ok {
		t.Fatalf("expected empty slot, got ok=%v err=%v", ok, err)
	}

	record := core.CredentialRecord{Value: "tok-1", IssuedAt: now, ExpiresAt: now.Add(7190 * time.Second)}
	if err := store.Save(context.Background(), key, record); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Get(context.Background(), core.CredentialKey{Family: " Access ", Tenant: " ww_corp "})
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Value != "tok-1" || !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("unexpected record %+v", got)
	}

	ttl := mr.TTL("workwx:credential:v1:access:ww_corp")
	if want := 7190*time.Second + DefaultRetention; ttl != want {
		t.Fatalf("expected ttl %s, got %s", want, ttl)
	}
}

func TestCredentialStore_ExpireIfValueLeavesSiblingToken(t *testing.T) {
	mr, client := newTestRedis(t)
	now := time.Now().UTC()
	store, err := NewCredentialStore(client, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}

	if expired, err := store.ExpireIfValue(ctx, key, "tok-1"); err != nil || expired {
		t.Fatalf("expected no-op on empty slot, got %v %v", expired, err)
	}
	if err := store.Save(ctx, key, core.CredentialRecord{Value: "tok-2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if expired, err := store.ExpireIfValue(ctx, key, "tok-1"); err != nil || expired {
		t.Fatalf("expected replaced token to be left alone, got %v %v", expired, err)
	}
	if got, _, _ := store.Get(ctx, key); got.Value != "tok-2" || !got.ValidAt(now) {
		t.Fatalf("expected tok-2 still valid, got %+v", got)
	}

	if expired, err := store.ExpireIfValue(ctx, key, "tok-2"); err != nil || !expired {
		t.Fatalf("expected matching token to expire, got %v %v", expired, err)
	}
	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok || got.ValidAt(now) {
		t.Fatalf("expected expired record kept for retention, got %+v ok=%v err=%v", got, ok, err)
	}
	if ttl := mr.TTL(store.Key(key)); ttl != DefaultRetention {
		t.Fatalf("expected retention ttl %s, got %s", DefaultRetention, ttl)
	}
}

func TestCredentialStore_KeyExpiresAfterRetention(t *testing.T) {
	mr, client := newTestRedis(t)
	now := time.Now().UTC()
	store, err := NewCredentialStore(client, WithClock(fixedClock(now)), WithRetention(time.Minute))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := core.CredentialKey{Family: core.FamilyTicket, Tenant: "ww_corp"}
	if err := store.Save(context.Background(), key, core.CredentialRecord{Value: "ticket-1", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	mr.FastForward(90 * time.Second)
	got, ok, err := store.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected expired record retained, got ok=%v err=%v", ok, err)
	}
	if got.ValidAt(now.Add(90 * time.Second)) {
		t.Fatalf("expected retained record to read as expired")
	}

	mr.FastForward(time.Minute)
	if _, ok, _ := store.Get(context.Background(), key); ok {
		t.Fatalf("expected key gone after retention")
	}
}

func TestCredentialStore_ExpiredCopyPastRetentionDeletesSlot(t *testing.T) {
	mr, client := newTestRedis(t)
	now := time.Now().UTC()
	store, err := NewCredentialStore(client, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}
	issuedAt := now.Add(-time.Hour)
	record := core.CredentialRecord{Value: "tok-1", IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(7190 * time.Second)}
	if err := store.Save(context.Background(), key, record); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(context.Background(), key, record.ExpiredCopy()); err != nil {
		t.Fatalf("save expired: %v", err)
	}
	if mr.Exists(store.Key(key)) {
		t.Fatalf("expected slot deleted")
	}
}

func TestCredentialStore_SealsWithSecretProvider(t *testing.T) {
	mr, client := newTestRedis(t)
	secrets, err := security.NewAppKeySecretProviderFromString("redis-store-test-key")
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	store, err := NewCredentialStore(client, WithSecretProvider(secrets), WithKeyPrefix("tenant-app:"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := core.CredentialKey{Family: core.FamilySuite, Tenant: "wx_suite"}
	if err := store.Save(context.Background(), key, core.CredentialRecord{Value: "suite-secret-token", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := mr.Get("tenant-app:suite:wx_suite")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if _, err := security.ParseEnvelopeMetadata([]byte(raw)); err != nil {
		t.Fatalf("expected sealed envelope, got %q: %v", raw, err)
	}
	got, ok, err := store.Get(context.Background(), key)
	if err != nil || !ok || got.Value != "suite-secret-token" {
		t.Fatalf("expected round trip, got %+v %v %v", got, ok, err)
	}
}

func TestCredentialStore_Validation(t *testing.T) {
	_, client := newTestRedis(t)
	if _, err := NewCredentialStore(nil); err == nil {
		t.Fatalf("expected nil client to fail")
	}
	store, err := NewCredentialStore(client)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(context.Background(), core.CredentialKey{Family: core.FamilyAccess, Tenant: "ww_corp"}, core.CredentialRecord{}); err == nil {
		t.Fatalf("expected empty record to fail")
	}
	if _, _, err := store.Get(context.Background(), core.CredentialKey{Family: "oauth", Tenant: "ww_corp"}); err == nil {
		t.Fatalf("expected unknown family to fail")
	}
}

func TestCredentialStore_SharedBetweenInstances(t *testing.T) {
	_, client := newTestRedis(t)
	var issued atomic.Int32
	issuer := core.IssuerFunc(func(context.Context, core.CredentialKey) (core.IssuedCredential, error) {
		n := issued.Add(1)
		time.Sleep(10 * time.Millisecond)
		return core.IssuedCredential{Value: fmt.Sprintf("tok-%d", n), TTL: 2 * time.Hour}, nil
	})

	managers := make([]*core.CredentialManager, 2)
	for i := range managers {
		store, err := NewCredentialStore(client)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		manager, err := core.NewCredentialManager(store, "ww_corp", core.WithIssuer(core.FamilyAccess, issuer))
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		managers[i] = manager
	}

	first, err := managers[0].Ensure(context.Background(), core.FamilyAccess)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := managers[i%2].Ensure(context.Background(), core.FamilyAccess)
			if err != nil {
				t.Errorf("ensure %d: %v", i, err)
				return
			}
			results[i] = record.Value
		}(i)
	}
	wg.Wait()

	for i, value := range results {
		if value != first.Value {
			t.Fatalf("caller %d got %q, expected shared %q", i, value, first.Value)
		}
	}
	if issued.Load() != 1 {
		t.Fatalf("expected a single issuance across instances, got %d", issued.Load())
	}
}

func TestRateLimitStateStore_RoundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	store, err := NewRateLimitStateStore(client, time.Minute)
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}
	key := core.RateLimitKey{Tenant: "ww_corp", BucketKey: "/Message/Send"}
	if _, err := store.Get(context.Background(), key); err != ratelimit.ErrStateNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	until := time.Now().Add(10 * time.Minute).UTC()
	if err := store.Upsert(context.Background(), ratelimit.State{
		Key:            key,
		LastErrcode:    45009,
		Attempts:       1,
		ThrottledUntil: &until,
		Metadata:       map[string]any{"access_token": "leak"},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	state, err := store.Get(context.Background(), core.RateLimitKey{Tenant: "ww_corp", BucketKey: "message/send"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.LastErrcode != 45009 || state.ThrottledUntil == nil || !state.ThrottledUntil.Equal(until) {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.Metadata["access_token"] != core.RedactedValue {
		t.Fatalf("expected redacted metadata, got %+v", state.Metadata)
	}
	if ttl := mr.TTL("workwx:ratelimit:v1:ww_corp:message%2Fsend"); ttl < 9*time.Minute {
		t.Fatalf("expected ttl to cover throttle window, got %s", ttl)
	}
}

func TestAdaptivePolicy_SharesThrottleAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	storeA, _ := NewRateLimitStateStore(client, 0)
	storeB, _ := NewRateLimitStateStore(client, 0)
	now := time.Now().UTC()
	policyA := ratelimit.NewAdaptivePolicy(storeA)
	policyA.Now = fixedClock(now)
	policyB := ratelimit.NewAdaptivePolicy(storeB)
	policyB.Now = fixedClock(now)

	key := core.RateLimitKey{Tenant: "ww_corp", BucketKey: "message/send"}
	if err := policyA.AfterCall(context.Background(), key, core.ResponseMeta{StatusCode: 200, Remote: core.RemoteError{Code: 45033}}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	if err := policyB.BeforeCall(context.Background(), key); err == nil {
		t.Fatalf("expected sibling instance to observe throttle window")
	}
}
