package core

import "time"

const DefaultSafetyMargin = 10 * time.Second

// ComputeExpiry returns issuedAt + ttl - margin. A negative margin falls
// back to DefaultSafetyMargin.
func ComputeExpiry(issuedAt time.Time, ttl time.Duration, margin time.Duration) time.Time {
	if margin < 0 {
		margin = DefaultSafetyMargin
	}
	return issuedAt.Add(ttl - margin)
}

// NewCredentialRecord builds the record persisted after a successful issuance.
func NewCredentialRecord(now time.Time, issued IssuedCredential, margin time.Duration) CredentialRecord {
	now = now.UTC()
	return CredentialRecord{
		Value:     issued.Value,
		IssuedAt:  now,
		ExpiresAt: ComputeExpiry(now, issued.TTL, margin),
	}
}

// ResolveCredentialState places a stored record in the absent/valid/expired
// cycle. Valid becomes expired purely by clock passage.
func ResolveCredentialState(now time.Time, record CredentialRecord, found bool) CredentialState {
	if !found || record.IsZero() {
		return CredentialStateAbsent
	}
	if record.ValidAt(now) {
		return CredentialStateValid
	}
	return CredentialStateExpired
}

// ExpiredCopy returns the record with its expiry moved to issuedAt so every
// reader treats it as expired.
func (r CredentialRecord) ExpiredCopy() CredentialRecord {
	expired := r
	if expired.IssuedAt.IsZero() || !expired.IssuedAt.Before(expired.ExpiresAt) {
		expired.ExpiresAt = time.Unix(0, 0).UTC()
		return expired
	}
	expired.ExpiresAt = expired.IssuedAt
	return expired
}

// CredentialStatus is a token-free projection of a stored record, safe to
// hand to callers that only need lifecycle information.
type CredentialStatus struct {
	Family    Family          `json:"family"`
	State     CredentialState `json:"state"`
	Masked    string          `json:"masked,omitempty"`
	IssuedAt  time.Time       `json:"issued_at,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

func NewCredentialStatus(family Family, state CredentialState, record CredentialRecord) CredentialStatus {
	status := CredentialStatus{Family: family.Normalize(), State: state}
	if state == CredentialStateAbsent {
		return status
	}
	status.Masked = record.Masked()
	status.IssuedAt = record.IssuedAt
	status.ExpiresAt = record.ExpiresAt
	return status
}
