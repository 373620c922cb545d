package core

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCredentialStore keeps one record per key inside the process. It has no
// cross-process visibility: several instances sharing a tenant will each issue
// their own credential, and a fresh access credential can invalidate the one a
// sibling still holds. Deployments running more than one instance must supply
// a shared store.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	entries map[CredentialKey]CredentialRecord
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		entries: map[CredentialKey]CredentialRecord{},
	}
}

func (s *MemoryCredentialStore) Get(_ context.Context, key CredentialKey) (CredentialRecord, bool, error) {
	if s == nil {
		return CredentialRecord{}, false, ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return CredentialRecord{}, false, err
	}

	s.mu.RLock()
	record, ok := s.entries[key]
	s.mu.RUnlock()
	return record, ok, nil
}

func (s *MemoryCredentialStore) Save(_ context.Context, key CredentialKey, record CredentialRecord) error {
	if s == nil {
		return ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	if record.IsZero() {
		return fmt.Errorf("core: credential value is required")
	}

	s.mu.Lock()
	if s.entries == nil {
		s.entries = map[CredentialKey]CredentialRecord{}
	}
	s.entries[key] = record
	s.mu.Unlock()
	return nil
}

func (s *MemoryCredentialStore) ExpireIfValue(_ context.Context, key CredentialKey, staleValue string) (bool, error) {
	if s == nil {
		return false, ErrStoreNotConfigured
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.entries[key]
	if !ok || record.IsZero() {
		return false, nil
	}
	if staleValue != "" && record.Value != staleValue {
		return false, nil
	}
	s.entries[key] = record.ExpiredCopy()
	return true, nil
}

var (
	_ CredentialStore    = (*MemoryCredentialStore)(nil)
	_ ConditionalExpirer = (*MemoryCredentialStore)(nil)
)
