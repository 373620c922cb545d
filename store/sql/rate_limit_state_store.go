package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-workwx/core"
	"github.com/goliatone/go-workwx/ratelimit"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RateLimitStateStore persists throttle windows so every instance pointed at
// the same database honours a cool-down opened by any of them.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateLimitStateRecord](db, rateLimitStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{db: db, repo: repo}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key = ratelimit.NormalizeKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return ratelimit.State{}, err
	}
	record, err := selectRateLimitState(ctx, s.db, key)
	if err != nil {
		return ratelimit.State{}, err
	}
	if record == nil {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return record.toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	state = ratelimit.CloneState(state)
	if err := validateRateLimitKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	state.Metadata = core.RedactSensitiveMap(state.Metadata)

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := selectRateLimitState(ctx, tx, state.Key)
		if err != nil {
			return err
		}
		if record == nil {
			record = &rateLimitStateRecord{
				ID:        uuid.NewString(),
				CreatedAt: state.UpdatedAt.UTC(),
			}
			record.apply(state)
			_, err = s.repo.CreateTx(ctx, tx, record)
			return err
		}
		record.apply(state)
		_, err = tx.NewUpdate().Model(record).WherePK().Exec(ctx)
		return err
	})
}

func (r *rateLimitStateRecord) apply(state ratelimit.State) {
	r.Tenant = state.Key.Tenant
	r.BucketKey = state.Key.BucketKey
	r.LastStatus = state.LastStatus
	r.LastErrcode = state.LastErrcode
	r.Attempts = state.Attempts
	r.ThrottledUntil = nil
	if state.ThrottledUntil != nil {
		until := state.ThrottledUntil.UTC()
		r.ThrottledUntil = &until
	}
	r.Metadata = state.Metadata
	r.UpdatedAt = state.UpdatedAt.UTC()
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	return ratelimit.CloneState(ratelimit.State{
		Key:            core.RateLimitKey{Tenant: r.Tenant, BucketKey: r.BucketKey},
		LastStatus:     r.LastStatus,
		LastErrcode:    r.LastErrcode,
		Attempts:       r.Attempts,
		ThrottledUntil: r.ThrottledUntil,
		UpdatedAt:      r.UpdatedAt.UTC(),
		Metadata:       r.Metadata,
	})
}

func selectRateLimitState(ctx context.Context, db bun.IDB, key core.RateLimitKey) (*rateLimitStateRecord, error) {
	record := &rateLimitStateRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant = ?", key.Tenant).
		Where("?TableAlias.bucket_key = ?", key.BucketKey).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func validateRateLimitKey(key core.RateLimitKey) error {
	if strings.TrimSpace(key.Tenant) == "" {
		return fmt.Errorf("sqlstore: rate-limit tenant is required")
	}
	if strings.TrimSpace(key.BucketKey) == "" {
		return fmt.Errorf("sqlstore: rate-limit bucket key is required")
	}
	return nil
}
