package security

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-workwx/core"
)

// KeyringSecretProvider encrypts with the active key and decrypts with
// whichever registered key sealed the payload. Rotating the store key is
// adding a new active key and keeping the previous one until stored
// credentials have been reissued.
type KeyringSecretProvider struct {
	mu     sync.RWMutex
	active *AppKeySecretProvider
	keys   map[string]*AppKeySecretProvider
}

func NewKeyringSecretProvider(active *AppKeySecretProvider, previous ...*AppKeySecretProvider) (*KeyringSecretProvider, error) {
	if active == nil {
		return nil, fmt.Errorf("security: active key is required")
	}
	ring := &KeyringSecretProvider{
		active: active,
		keys:   map[string]*AppKeySecretProvider{},
	}
	for _, key := range append([]*AppKeySecretProvider{active}, previous...) {
		if key == nil {
			continue
		}
		if err := ring.add(key); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// Rotate makes key the active encryption key. The previous key stays
// available for decryption.
func (r *KeyringSecretProvider) Rotate(key *AppKeySecretProvider) error {
	if r == nil {
		return fmt.Errorf("security: keyring is nil")
	}
	if key == nil {
		return fmt.Errorf("security: key is required")
	}
	if err := r.add(key); err != nil {
		return err
	}
	r.mu.Lock()
	r.active = key
	r.mu.Unlock()
	return nil
}

func (r *KeyringSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("security: keyring is nil")
	}
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()
	return active.Encrypt(ctx, plaintext)
}

func (r *KeyringSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("security: keyring is nil")
	}
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	key, ok := r.keys[keyLabel(meta.KeyID, meta.Version)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("security: no key registered for %s:%d", meta.KeyID, meta.Version)
	}
	return key.Decrypt(ctx, ciphertext)
}

func (r *KeyringSecretProvider) Metadata() (string, int) {
	if r == nil {
		return "", 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active.Metadata()
}

func (r *KeyringSecretProvider) add(key *AppKeySecretProvider) error {
	id := keyLabel(key.KeyID(), key.Version())
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.keys[id]; ok && existing != key {
		return fmt.Errorf("security: key %s already registered", id)
	}
	r.keys[id] = key
	return nil
}

var _ core.SecretProvider = (*KeyringSecretProvider)(nil)
