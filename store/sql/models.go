package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

// credentialRecord holds the single live credential for a (family, tenant)
// slot. Payload is the codec output, encrypted when Sealed is set.
type credentialRecord struct {
	bun.BaseModel `bun:"table:workwx_credentials,alias:wc"`

	ID             string     `bun:"id,pk"`
	Family         string     `bun:"family,notnull"`
	Tenant         string     `bun:"tenant,notnull"`
	Payload        []byte     `bun:"payload,notnull"`
	PayloadFormat  string     `bun:"payload_format,notnull"`
	PayloadVersion int        `bun:"payload_version,notnull"`
	Sealed         bool       `bun:"sealed,notnull"`
	ExpiresAt      time.Time  `bun:"expires_at,notnull"`
	IssuedAt       *time.Time `bun:"issued_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// rateLimitStateRecord is one throttle bucket. The unique (tenant,
// bucket_key) index keeps a single row per bucket.
type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:workwx_rate_limit_state,alias:wrl"`

	ID             string         `bun:"id,pk"`
	Tenant         string         `bun:"tenant,notnull"`
	BucketKey      string         `bun:"bucket_key,notnull"`
	LastStatus     int            `bun:"last_status,notnull"`
	LastErrcode    int            `bun:"last_errcode,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	ThrottledUntil *time.Time     `bun:"throttled_until,nullzero"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
