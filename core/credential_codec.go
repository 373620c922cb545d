package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatJSONV1 = "credential_record_json"
	CredentialPayloadVersionV1    = 1
)

// RecordCodec serializes credential records for shared stores.
type RecordCodec interface {
	Format() string
	Version() int
	Encode(record CredentialRecord) ([]byte, error)
	Decode(payload []byte) (CredentialRecord, error)
}

type JSONRecordCodec struct{}

func (JSONRecordCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

func (JSONRecordCodec) Version() int {
	return CredentialPayloadVersionV1
}

type jsonRecordPayload struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
}

func (JSONRecordCodec) Encode(record CredentialRecord) ([]byte, error) {
	if record.IsZero() {
		return nil, fmt.Errorf("core: credential value is required")
	}
	encoded, err := json.Marshal(jsonRecordPayload{
		Value:     strings.TrimSpace(record.Value),
		ExpiresAt: record.ExpiresAt.UTC(),
		IssuedAt:  record.IssuedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (JSONRecordCodec) Decode(payload []byte) (CredentialRecord, error) {
	if len(payload) == 0 {
		return CredentialRecord{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := jsonRecordPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return CredentialRecord{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	return CredentialRecord{
		Value:     strings.TrimSpace(decoded.Value),
		ExpiresAt: decoded.ExpiresAt.UTC(),
		IssuedAt:  decoded.IssuedAt.UTC(),
	}, nil
}

// SealRecord encodes record and, when secrets is set, encrypts the payload.
func SealRecord(ctx context.Context, codec RecordCodec, secrets SecretProvider, record CredentialRecord) ([]byte, error) {
	if codec == nil {
		codec = JSONRecordCodec{}
	}
	payload, err := codec.Encode(record)
	if err != nil {
		return nil, err
	}
	if secrets == nil {
		return payload, nil
	}
	sealed, err := secrets.Encrypt(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("core: encrypt credential payload: %w", err)
	}
	return sealed, nil
}

// OpenRecord reverses SealRecord.
func OpenRecord(ctx context.Context, codec RecordCodec, secrets SecretProvider, payload []byte) (CredentialRecord, error) {
	if codec == nil {
		codec = JSONRecordCodec{}
	}
	if secrets != nil {
		opened, err := secrets.Decrypt(ctx, payload)
		if err != nil {
			return CredentialRecord{}, fmt.Errorf("core: decrypt credential payload: %w", err)
		}
		payload = opened
	}
	return codec.Decode(payload)
}

var _ RecordCodec = JSONRecordCodec{}
