package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-workwx/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CredentialStore persists one credential per (family, tenant) so every
// process sharing the database reuses the same token.
type CredentialStore struct {
	db      *bun.DB
	repo    repository.Repository[*credentialRecord]
	codec   core.RecordCodec
	secrets core.SecretProvider
	now     func() time.Time
}

type CredentialStoreOption func(*CredentialStore)

func WithRecordCodec(codec core.RecordCodec) CredentialStoreOption {
	return func(s *CredentialStore) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithSecretProvider encrypts token payloads before they are written.
func WithSecretProvider(secrets core.SecretProvider) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.secrets = secrets
	}
}

func withCredentialClock(now func() time.Time) CredentialStoreOption {
	return func(s *CredentialStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewCredentialStore(db *bun.DB, opts ...CredentialStoreOption) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	store := &CredentialStore{
		db:    db,
		repo:  repo,
		codec: core.JSONRecordCodec{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *CredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.CredentialRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.CredentialRecord{}, false, core.ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return core.CredentialRecord{}, false, err
	}

	record := &credentialRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.family = ?", string(key.Family)).
		Where("?TableAlias.tenant = ?", key.Tenant).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.CredentialRecord{}, false, nil
		}
		return core.CredentialRecord{}, false, err
	}

	out, err := s.open(ctx, record)
	if err != nil {
		return core.CredentialRecord{}, false, fmt.Errorf("sqlstore: read credential %s/%s: %w", key.Family, key.Tenant, err)
	}
	return out, true, nil
}

// Save replaces the slot for key. The read and write run in one transaction.
func (s *CredentialStore) Save(ctx context.Context, key core.CredentialKey, in core.CredentialRecord) error {
	if s == nil || s.db == nil || s.repo == nil {
		return core.ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	if in.IsZero() {
		return fmt.Errorf("sqlstore: credential value is required")
	}

	payload, err := core.SealRecord(ctx, s.codec, s.secrets, in)
	if err != nil {
		return err
	}
	now := s.now()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, findErr := findCredentialTx(ctx, tx, key)
		if findErr != nil {
			return findErr
		}
		created := false
		if record == nil {
			created = true
			record = &credentialRecord{
				ID:        uuid.NewString(),
				Family:    string(key.Family),
				Tenant:    key.Tenant,
				CreatedAt: now,
			}
		}
		record.Payload = payload
		record.PayloadFormat = s.codec.Format()
		record.PayloadVersion = s.codec.Version()
		record.Sealed = s.secrets != nil
		record.ExpiresAt = in.ExpiresAt.UTC()
		record.IssuedAt = timePointer(in.IssuedAt)
		record.UpdatedAt = now

		if created {
			_, createErr := s.repo.CreateTx(ctx, tx, record)
			return createErr
		}
		_, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

// ExpireIfValue rewrites the slot as expired while it still holds
// staleValue. The UPDATE is conditioned on the payload that was compared, so
// a sibling's concurrent Save makes it a no-op.
func (s *CredentialStore) ExpireIfValue(ctx context.Context, key core.CredentialKey, staleValue string) (bool, error) {
	if s == nil || s.db == nil {
		return false, core.ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}

	expired := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, findErr := findCredentialTx(ctx, tx, key)
		if findErr != nil || record == nil {
			return findErr
		}
		current, openErr := s.open(ctx, record)
		if openErr != nil {
			return fmt.Errorf("sqlstore: read credential %s/%s: %w", key.Family, key.Tenant, openErr)
		}
		if current.IsZero() || (staleValue != "" && current.Value != staleValue) {
			return nil
		}

		stale := current.ExpiredCopy()
		payload, sealErr := core.SealRecord(ctx, s.codec, s.secrets, stale)
		if sealErr != nil {
			return sealErr
		}
		res, updateErr := tx.NewUpdate().
			Model((*credentialRecord)(nil)).
			Set("payload = ?", payload).
			Set("payload_format = ?", s.codec.Format()).
			Set("payload_version = ?", s.codec.Version()).
			Set("sealed = ?", s.secrets != nil).
			Set("expires_at = ?", stale.ExpiresAt.UTC()).
			Set("updated_at = ?", s.now()).
			Where("id = ?", record.ID).
			Where("payload = ?", record.Payload).
			Exec(ctx)
		if updateErr != nil {
			return updateErr
		}
		affected, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return rowsErr
		}
		expired = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// Delete clears the slot for key. Deleting an empty slot is not an error.
func (s *CredentialStore) Delete(ctx context.Context, key core.CredentialKey) error {
	if s == nil || s.db == nil {
		return core.ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("family = ?", string(key.Family)).
		Where("tenant = ?", key.Tenant).
		Exec(ctx)
	return err
}

func (s *CredentialStore) open(ctx context.Context, record *credentialRecord) (core.CredentialRecord, error) {
	if record.PayloadFormat != "" && record.PayloadFormat != s.codec.Format() {
		return core.CredentialRecord{}, fmt.Errorf("unsupported payload format %q", record.PayloadFormat)
	}
	var secrets core.SecretProvider
	if record.Sealed {
		if s.secrets == nil {
			return core.CredentialRecord{}, fmt.Errorf("payload is sealed but no secret provider is configured")
		}
		secrets = s.secrets
	}
	out, err := core.OpenRecord(ctx, s.codec, secrets, record.Payload)
	if err != nil {
		return core.CredentialRecord{}, err
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = record.ExpiresAt.UTC()
	}
	return out, nil
}

func findCredentialTx(ctx context.Context, tx bun.Tx, key core.CredentialKey) (*credentialRecord, error) {
	record := &credentialRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.family = ?", string(key.Family)).
		Where("?TableAlias.tenant = ?", key.Tenant).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
