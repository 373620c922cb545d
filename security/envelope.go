package security

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Sealed payloads are a single printable token so they fit redis string
// values and SQL payload columns alike:
//
//	wwx1.<key id>.<version>.<base64url(nonce || ciphertext)>
const (
	envelopeMagic     = "wwx1"
	envelopeSeparator = "."
	envelopeAlgorithm = "aes-256-gcm"
)

// EnvelopePrefix marks a sealed payload.
const EnvelopePrefix = envelopeMagic + envelopeSeparator

type EnvelopeMetadata struct {
	KeyID     string
	Version   int
	Algorithm string
}

type envelope struct {
	EnvelopeMetadata
	Payload []byte
}

// IsSealed reports whether payload carries the envelope prefix.
func IsSealed(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte(EnvelopePrefix))
}

// ParseEnvelopeMetadata reads the key id and version a payload was sealed
// with, without decrypting it.
func ParseEnvelopeMetadata(sealed []byte) (EnvelopeMetadata, error) {
	env, err := openEnvelope(sealed)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return env.EnvelopeMetadata, nil
}

func sealEnvelope(keyID string, version int, payload []byte) []byte {
	return []byte(strings.Join([]string{
		envelopeMagic,
		keyID,
		strconv.Itoa(version),
		base64.RawURLEncoding.EncodeToString(payload),
	}, envelopeSeparator))
}

func openEnvelope(sealed []byte) (envelope, error) {
	if !IsSealed(sealed) {
		return envelope{}, fmt.Errorf("security: payload is not a sealed envelope")
	}
	parts := strings.Split(strings.TrimSpace(string(sealed)), envelopeSeparator)
	if len(parts) != 4 {
		return envelope{}, fmt.Errorf("security: malformed envelope: expected 4 segments, got %d", len(parts))
	}
	version, err := strconv.Atoi(parts[2])
	if err != nil || version <= 0 {
		return envelope{}, fmt.Errorf("security: malformed envelope version %q", parts[2])
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return envelope{}, fmt.Errorf("security: decode envelope payload: %w", err)
	}
	if len(payload) == 0 {
		return envelope{}, fmt.Errorf("security: envelope payload is empty")
	}
	return envelope{
		EnvelopeMetadata: EnvelopeMetadata{KeyID: parts[1], Version: version, Algorithm: envelopeAlgorithm},
		Payload:          payload,
	}, nil
}

func validKeyID(id string) bool {
	return id != "" && !strings.ContainsAny(id, envelopeSeparator+" \t\r\n")
}
