package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-workwx/core"
)

const DefaultKeyID = "workwx-app-key"

// KeyRotationWindow bounds when a key may seal new payloads.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	if !w.NotBefore.IsZero() && at.Before(w.NotBefore) {
		return false
	}
	return w.NotAfter.IsZero() || !at.After(w.NotAfter)
}

type Option func(*AppKeySecretProvider)

// AppKeySecretProvider seals credential payloads with AES-GCM under a single
// application key. The key id and version are bound as additional data, so a
// payload relabelled with another key's id fails to open.
type AppKeySecretProvider struct {
	aead    cipher.AEAD
	keyID   string
	version int
	window  KeyRotationWindow
	now     func() time.Time
}

func WithKeyID(id string) Option {
	return func(p *AppKeySecretProvider) {
		p.keyID = strings.TrimSpace(id)
	}
}

func WithVersion(version int) Option {
	return func(p *AppKeySecretProvider) {
		if version > 0 {
			p.version = version
		}
	}
}

// WithRotationWindow limits when the key may encrypt. Decryption is always
// allowed so records sealed before rotation stay readable.
func WithRotationWindow(window KeyRotationWindow) Option {
	return func(p *AppKeySecretProvider) {
		p.window = window
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *AppKeySecretProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewAppKeySecretProvider derives an AES-256 key from keyMaterial unless it
// already is a 16, 24 or 32 byte AES key.
func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	p := &AppKeySecretProvider{
		keyID:   DefaultKeyID,
		version: 1,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if !validKeyID(p.keyID) {
		return nil, fmt.Errorf("security: key id %q must be non-empty without dots or spaces", p.keyID)
	}

	block, err := aes.NewCipher(deriveKey(material))
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	if p.aead, err = cipher.NewGCM(block); err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return p, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil || p.aead == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	if !p.window.Allows(p.now()) {
		return nil, fmt.Errorf("security: key %s is outside its rotation window", p.label())
	}

	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	payload := p.aead.Seal(nonce, nonce, plaintext, []byte(p.label()))
	return sealEnvelope(p.keyID, p.version, payload), nil
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil || p.aead == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	env, err := openEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if env.KeyID != p.keyID || env.Version != p.version {
		return nil, fmt.Errorf("security: payload sealed with %s:%d, provider holds %s",
			env.KeyID, env.Version, p.label())
	}
	size := p.aead.NonceSize()
	if len(env.Payload) <= size {
		return nil, fmt.Errorf("security: sealed payload is truncated")
	}
	plaintext, err := p.aead.Open(nil, env.Payload[:size], env.Payload[size:], []byte(p.label()))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keyID
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.version
}

func (p *AppKeySecretProvider) Metadata() (string, int) {
	return p.KeyID(), p.Version()
}

func (p *AppKeySecretProvider) label() string {
	return keyLabel(p.keyID, p.version)
}

func keyLabel(keyID string, version int) string {
	return keyID + ":" + strconv.Itoa(version)
}

func deriveKey(material []byte) []byte {
	switch len(material) {
	case 16, 24, 32:
		return bytes.Clone(material)
	}
	sum := sha256.Sum256(material)
	return sum[:]
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
