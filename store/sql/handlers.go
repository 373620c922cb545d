package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// uuidHandlers wires a model whose primary key is a text UUID column named id.
// idOf returns nil for a nil record.
func uuidHandlers[T any](newRecord func() T, idOf func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			id := idOf(record)
			if id == nil {
				return uuid.Nil
			}
			parsed, err := uuid.Parse(strings.TrimSpace(*id))
			if err != nil {
				return uuid.Nil
			}
			return parsed
		},
		SetID: func(record T, value uuid.UUID) {
			if id := idOf(record); id != nil {
				*id = value.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			if id := idOf(record); id != nil {
				return strings.TrimSpace(*id)
			}
			return ""
		},
	}
}

func credentialHandlers() repository.ModelHandlers[*credentialRecord] {
	return uuidHandlers(
		func() *credentialRecord { return &credentialRecord{} },
		func(r *credentialRecord) *string {
			if r == nil {
				return nil
			}
			return &r.ID
		},
	)
}

func rateLimitStateHandlers() repository.ModelHandlers[*rateLimitStateRecord] {
	return uuidHandlers(
		func() *rateLimitStateRecord { return &rateLimitStateRecord{} },
		func(r *rateLimitStateRecord) *string {
			if r == nil {
				return nil
			}
			return &r.ID
		},
	)
}
