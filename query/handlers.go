package query

import (
	"context"

	"github.com/goliatone/go-workwx/core"
)

type CredentialReader interface {
	Ensure(ctx context.Context, family core.Family) (core.CredentialRecord, error)
	CredentialState(ctx context.Context, family core.Family) (core.CredentialState, core.CredentialRecord, error)
}

type SignatureReader interface {
	Sign(ctx context.Context, pageURL string) (core.Signature, error)
	JSConfig(ctx context.Context, req core.JSConfigRequest) (core.JSConfig, error)
}

type EnsureCredentialQuery struct {
	reader CredentialReader
}

func NewEnsureCredentialQuery(reader CredentialReader) *EnsureCredentialQuery {
	return &EnsureCredentialQuery{reader: reader}
}

func (q *EnsureCredentialQuery) Query(ctx context.Context, msg EnsureCredentialMessage) (core.CredentialRecord, error) {
	if q == nil || q.reader == nil {
		return core.CredentialRecord{}, queryDependencyError("query: credential reader is required")
	}
	return q.reader.Ensure(ctx, msg.Family)
}

// CredentialStateQuery never issues; it only reports what the store holds.
type CredentialStateQuery struct {
	reader CredentialReader
}

func NewCredentialStateQuery(reader CredentialReader) *CredentialStateQuery {
	return &CredentialStateQuery{reader: reader}
}

func (q *CredentialStateQuery) Query(ctx context.Context, msg CredentialStateMessage) (core.CredentialStatus, error) {
	if q == nil || q.reader == nil {
		return core.CredentialStatus{}, queryDependencyError("query: credential reader is required")
	}
	state, record, err := q.reader.CredentialState(ctx, msg.Family)
	if err != nil {
		return core.CredentialStatus{}, err
	}
	return core.NewCredentialStatus(msg.Family, state, record), nil
}

type SignQuery struct {
	reader SignatureReader
}

func NewSignQuery(reader SignatureReader) *SignQuery {
	return &SignQuery{reader: reader}
}

func (q *SignQuery) Query(ctx context.Context, msg SignMessage) (core.Signature, error) {
	if q == nil || q.reader == nil {
		return core.Signature{}, queryDependencyError("query: signature reader is required")
	}
	return q.reader.Sign(ctx, msg.URL)
}

type JSConfigQuery struct {
	reader SignatureReader
}

func NewJSConfigQuery(reader SignatureReader) *JSConfigQuery {
	return &JSConfigQuery{reader: reader}
}

func (q *JSConfigQuery) Query(ctx context.Context, msg JSConfigMessage) (core.JSConfig, error) {
	if q == nil || q.reader == nil {
		return core.JSConfig{}, queryDependencyError("query: signature reader is required")
	}
	return q.reader.JSConfig(ctx, msg.Request)
}
