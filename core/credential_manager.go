package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CredentialManager is the only writer of the credential store. For a given
// key at most one issuance is in flight per manager; concurrent Ensure calls
// wait for and share its result.
type CredentialManager struct {
	store  CredentialStore
	tenant string
	margin time.Duration
	now    func() time.Time
	obs    observer

	mu      sync.RWMutex
	issuers map[Family]Issuer
	tenants map[Family]string

	flights singleflight.Group
}

type CredentialManagerOption func(*CredentialManager)

func WithManagerClock(now func() time.Time) CredentialManagerOption {
	return func(m *CredentialManager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithSafetyMargin(margin time.Duration) CredentialManagerOption {
	return func(m *CredentialManager) {
		if margin >= 0 {
			m.margin = margin
		}
	}
}

func WithManagerObservability(logger Logger, metrics MetricsRecorder) CredentialManagerOption {
	return func(m *CredentialManager) {
		m.obs = newObserver(logger, metrics)
	}
}

func WithIssuer(family Family, issuer Issuer) CredentialManagerOption {
	return func(m *CredentialManager) {
		if issuer != nil {
			m.issuers[family.Normalize()] = issuer
		}
	}
}

// WithFamilyTenant scopes one family to a tenant other than the manager's,
// as suite credentials are scoped to the suite id.
func WithFamilyTenant(family Family, tenant string) CredentialManagerOption {
	return func(m *CredentialManager) {
		if tenant = strings.TrimSpace(tenant); tenant != "" {
			m.tenants[family.Normalize()] = tenant
		}
	}
}

func NewCredentialManager(store CredentialStore, tenant string, opts ...CredentialManagerOption) (*CredentialManager, error) {
	if store == nil {
		return nil, ErrStoreNotConfigured
	}
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, fmt.Errorf("core: credential tenant is required")
	}
	manager := &CredentialManager{
		store:   store,
		tenant:  tenant,
		margin:  DefaultSafetyMargin,
		now:     func() time.Time { return time.Now().UTC() },
		obs:     newObserver(nil, nil),
		issuers: map[Family]Issuer{},
		tenants: map[Family]string{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(manager)
	}
	return manager, nil
}

// RegisterIssuer binds the remote issuance endpoint of a family. Issuers that
// depend on the dispatcher are registered after construction.
func (m *CredentialManager) RegisterIssuer(family Family, issuer Issuer) error {
	if m == nil {
		return fmt.Errorf("core: credential manager is nil")
	}
	family = family.Normalize()
	if err := family.Validate(); err != nil {
		return err
	}
	if issuer == nil {
		return ErrIssuerNotConfigured
	}
	m.mu.Lock()
	m.issuers[family] = issuer
	m.mu.Unlock()
	return nil
}

func (m *CredentialManager) Tenant() string {
	if m == nil {
		return ""
	}
	return m.tenant
}

func (m *CredentialManager) SafetyMargin() time.Duration {
	if m == nil {
		return DefaultSafetyMargin
	}
	return m.margin
}

func (m *CredentialManager) Key(family Family) CredentialKey {
	if m == nil {
		return CredentialKey{Family: family}.Normalize()
	}
	family = family.Normalize()
	tenant := m.tenant
	if override, ok := m.tenants[family]; ok {
		tenant = override
	}
	return CredentialKey{Family: family, Tenant: tenant}.Normalize()
}

// Ensure returns a record valid right now, issuing a new one when the stored
// record is absent or expired. Issuance failures are not retried.
func (m *CredentialManager) Ensure(ctx context.Context, family Family) (CredentialRecord, error) {
	if m == nil {
		return CredentialRecord{}, fmt.Errorf("core: credential manager is nil")
	}
	key := m.Key(family)
	if err := key.Validate(); err != nil {
		return CredentialRecord{}, err
	}

	record, found, err := m.store.Get(ctx, key)
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("core: read credential %s: %w", key, err)
	}
	if found && record.ValidAt(m.now()) {
		return record, nil
	}

	// The issuance outlives any single caller: a cancelled waiter leaves, the
	// others still get the result.
	flightCtx := context.WithoutCancel(ctx)
	result := m.flights.DoChan(key.String(), func() (any, error) {
		return m.issue(flightCtx, key)
	})
	select {
	case <-ctx.Done():
		return CredentialRecord{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return CredentialRecord{}, res.Err
		}
		return res.Val.(CredentialRecord), nil
	}
}

// Refresh discards the stored record and issues a new one.
func (m *CredentialManager) Refresh(ctx context.Context, family Family) (CredentialRecord, error) {
	if m == nil {
		return CredentialRecord{}, fmt.Errorf("core: credential manager is nil")
	}
	key := m.Key(family)
	if err := key.Validate(); err != nil {
		return CredentialRecord{}, err
	}
	record, found, err := m.store.Get(ctx, key)
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("core: read credential %s: %w", key, err)
	}
	if found && !record.IsZero() {
		if err := m.Invalidate(ctx, family, record.Value); err != nil {
			return CredentialRecord{}, err
		}
	}
	return m.Ensure(ctx, family)
}

// Invalidate marks the stored record expired when it still holds staleValue.
// An empty staleValue invalidates whatever is stored. A record already
// replaced by a fresher token is left alone.
func (m *CredentialManager) Invalidate(ctx context.Context, family Family, staleValue string) error {
	if m == nil {
		return fmt.Errorf("core: credential manager is nil")
	}
	key := m.Key(family)
	if err := key.Validate(); err != nil {
		return err
	}
	startedAt := time.Now()
	fields := map[string]any{
		"family":             string(key.Family),
		"tenant":             key.Tenant,
		"stale_token_masked": MaskToken(staleValue),
	}

	staleValue = strings.TrimSpace(staleValue)
	expired, err := m.expireIfValue(ctx, key, staleValue)
	if err != nil {
		m.obs.observeOperation(ctx, startedAt, "credential_invalidate", err, fields)
		return err
	}
	if !expired {
		m.obs.logInfo(ctx, "credential absent or already replaced, skipping invalidation", fields)
		return nil
	}
	m.obs.logWarn(ctx, "credential invalidated", fields)
	m.obs.recordCounter(ctx, "workwx.credential_invalidate.total", 1, map[string]string{
		"family": string(key.Family),
		"tenant": key.Tenant,
	})
	return nil
}

// State reports where the stored record sits in the absent/valid/expired cycle.
func (m *CredentialManager) State(ctx context.Context, family Family) (CredentialState, CredentialRecord, error) {
	if m == nil {
		return "", CredentialRecord{}, fmt.Errorf("core: credential manager is nil")
	}
	key := m.Key(family)
	if err := key.Validate(); err != nil {
		return "", CredentialRecord{}, err
	}
	record, found, err := m.store.Get(ctx, key)
	if err != nil {
		return "", CredentialRecord{}, fmt.Errorf("core: read credential %s: %w", key, err)
	}
	return ResolveCredentialState(m.now(), record, found), record, nil
}

func (m *CredentialManager) issue(ctx context.Context, key CredentialKey) (record CredentialRecord, err error) {
	startedAt := time.Now()
	fields := map[string]any{
		"family": string(key.Family),
		"tenant": key.Tenant,
	}
	defer func() {
		if err == nil {
			fields["token_masked"] = record.Masked()
			fields["expires_at"] = record.ExpiresAt
		}
		m.obs.observeOperation(ctx, startedAt, "credential_issue", err, fields)
	}()

	// A flight that finished just before this one started may already have
	// saved a fresh record.
	current, found, err := m.readSource(ctx, key)
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("core: read credential %s: %w", key, err)
	}
	if found && current.ValidAt(m.now()) {
		return current, nil
	}

	m.mu.RLock()
	issuer := m.issuers[key.Family]
	m.mu.RUnlock()
	if issuer == nil {
		return CredentialRecord{}, &CredentialError{Key: key, Err: ErrIssuerNotConfigured}
	}

	issued, err := issuer.Issue(ctx, key)
	if err != nil {
		return CredentialRecord{}, asCredentialError(key, err)
	}
	if strings.TrimSpace(issued.Value) == "" {
		return CredentialRecord{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: no token", ErrIncompleteIssuance)}
	}
	if issued.TTL <= 0 {
		return CredentialRecord{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: no expires_in", ErrIncompleteIssuance)}
	}

	record = NewCredentialRecord(m.now(), issued, m.margin)
	if err := m.store.Save(ctx, key, record); err != nil {
		return CredentialRecord{}, fmt.Errorf("core: save credential %s: %w", key, err)
	}
	return record, nil
}

// expireIfValue compares and expires against the shared record. Stores
// without ConditionalExpirer get a read-then-write, which is only safe when
// this manager is the slot's sole writer.
func (m *CredentialManager) expireIfValue(ctx context.Context, key CredentialKey, staleValue string) (bool, error) {
	if expirer, ok := m.store.(ConditionalExpirer); ok {
		expired, err := expirer.ExpireIfValue(ctx, key, staleValue)
		if err != nil {
			return false, fmt.Errorf("core: expire credential %s: %w", key, err)
		}
		return expired, nil
	}

	record, found, err := m.readSource(ctx, key)
	if err != nil {
		return false, fmt.Errorf("core: read credential %s: %w", key, err)
	}
	if !found || record.IsZero() {
		return false, nil
	}
	if staleValue != "" && record.Value != staleValue {
		return false, nil
	}
	if err := m.store.Save(ctx, key, record.ExpiredCopy()); err != nil {
		return false, fmt.Errorf("core: save credential %s: %w", key, err)
	}
	return true, nil
}

func (m *CredentialManager) readSource(ctx context.Context, key CredentialKey) (CredentialRecord, bool, error) {
	if source, ok := m.store.(SourceReader); ok {
		return source.GetSource(ctx, key)
	}
	return m.store.Get(ctx, key)
}

// asCredentialError keeps the remote errcode/errmsg of whatever failed during
// issuance.
func asCredentialError(key CredentialKey, err error) error {
	var credentialErr *CredentialError
	if errors.As(err, &credentialErr) {
		if credentialErr.Key.Family == "" {
			credentialErr.Key = key
		}
		return credentialErr
	}
	wrapped := &CredentialError{Key: key, Err: err}
	if remote, ok := RemoteErrorOf(err); ok {
		wrapped.Remote = remote
	}
	return wrapped
}

var _ CredentialProvider = (*CredentialManager)(nil)
