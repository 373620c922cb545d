package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-workwx/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

const (
	ErrcodeSystemBusy         = -1
	ErrcodeFrequencyExceeded  = 45009
	ErrcodeConcurrentExceeded = 45033
)

// DefaultCooldowns is the first cool-down opened by each throttle errcode.
// Frequency limits are counted per minute on the remote side.
var DefaultCooldowns = map[int]time.Duration{
	ErrcodeSystemBusy:         time.Second,
	ErrcodeFrequencyExceeded:  time.Minute,
	ErrcodeConcurrentExceeded: 2 * time.Second,
}

const (
	DefaultHTTPCooldown = time.Second
	DefaultMaxCooldown  = 5 * time.Minute
)

// State is the throttle bookkeeping for one (tenant, bucket) pair.
type State struct {
	Key            core.RateLimitKey
	LastStatus     int
	LastErrcode    int
	Attempts       int
	ThrottledUntil *time.Time
	UpdatedAt      time.Time
	Metadata       map[string]any
}

// Throttled reports whether calls are blocked at now.
func (s State) Throttled(now time.Time) bool {
	return s.ThrottledUntil != nil && now.Before(*s.ThrottledUntil)
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	Tenant     string
	BucketKey  string
	Errcode    int
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: %s/%s cooling down for %s after errcode %d",
		strings.TrimSpace(e.Tenant), strings.TrimSpace(e.BucketKey), e.RetryAfter, e.Errcode)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"tenant":     strings.TrimSpace(e.Tenant),
		"bucket_key": strings.TrimSpace(e.BucketKey),
	}
	if e.Errcode != 0 {
		metadata["errcode"] = e.Errcode
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

// AdaptivePolicy fails calls fast while a bucket cools down after the remote
// side reported a throttle errcode. Consecutive throttles double the
// cool-down up to MaxCooldown; any unthrottled response closes the window.
type AdaptivePolicy struct {
	Store        StateStore
	Cooldowns    map[int]time.Duration
	HTTPCooldown time.Duration
	MaxCooldown  time.Duration
	Now          func() time.Time
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	cooldowns := make(map[int]time.Duration, len(DefaultCooldowns))
	for code, delay := range DefaultCooldowns {
		cooldowns[code] = delay
	}
	return &AdaptivePolicy{
		Store:        store,
		Cooldowns:    cooldowns,
		HTTPCooldown: DefaultHTTPCooldown,
		MaxCooldown:  DefaultMaxCooldown,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, NormalizeKey(key))
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := p.now()
	if !state.Throttled(now) {
		return nil
	}
	return ThrottledError{
		Tenant:     state.Key.Tenant,
		BucketKey:  state.Key.BucketKey,
		Errcode:    state.LastErrcode,
		RetryAfter: state.ThrottledUntil.Sub(now),
	}
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = NormalizeKey(key)
	now := p.now()

	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	state.LastStatus = res.StatusCode
	state.LastErrcode = res.Remote.Code
	state.UpdatedAt = now
	state.Metadata = mergeMetadata(state.Metadata, res.Metadata)

	if delay, throttled := p.cooldown(res, state.Attempts+1, now); throttled {
		state.Attempts++
		until := now.Add(delay)
		state.ThrottledUntil = &until
	} else {
		state.Attempts = 0
		state.ThrottledUntil = nil
	}
	return p.Store.Upsert(ctx, state)
}

// cooldown returns the window a response opens. A throttle errcode wins over
// the HTTP status; a bare 429 honours Retry-After when present.
func (p *AdaptivePolicy) cooldown(res core.ResponseMeta, attempt int, now time.Time) (time.Duration, bool) {
	if res.Remote.Code != 0 {
		if base, ok := p.cooldowns()[res.Remote.Code]; ok {
			return p.escalate(base, attempt), true
		}
	}
	if res.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	if hint, ok := retryAfter(res, now); ok {
		return hint, true
	}
	base := p.HTTPCooldown
	if base <= 0 {
		base = DefaultHTTPCooldown
	}
	return p.escalate(base, attempt), true
}

func (p *AdaptivePolicy) escalate(base time.Duration, attempt int) time.Duration {
	ceiling := p.MaxCooldown
	if ceiling <= 0 {
		ceiling = DefaultMaxCooldown
	}
	delay := base
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	return min(delay, ceiling)
}

func (p *AdaptivePolicy) cooldowns() map[int]time.Duration {
	if p.Cooldowns == nil {
		return DefaultCooldowns
	}
	return p.Cooldowns
}

func (p *AdaptivePolicy) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func retryAfter(res core.ResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	raw := headerValue(res.Headers, "Retry-After")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, seconds > 0
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now), true
	}
	return 0, false
}

func headerValue(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// NormalizeKey trims the tenant and folds the bucket to a lower-case path
// without surrounding slashes.
func NormalizeKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		Tenant:    strings.TrimSpace(key.Tenant),
		BucketKey: strings.Trim(strings.TrimSpace(strings.ToLower(key.BucketKey)), "/"),
	}
}

// CloneState copies the pointer and map fields of state.
func CloneState(state State) State {
	cloned := state
	cloned.Key = NormalizeKey(state.Key)
	cloned.Metadata = mergeMetadata(nil, state.Metadata)
	if state.ThrottledUntil != nil {
		until := state.ThrottledUntil.UTC()
		cloned.ThrottledUntil = &until
	}
	return cloned
}

func mergeMetadata(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range extra {
		out[key] = value
	}
	return out
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
