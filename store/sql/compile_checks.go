package sqlstore

import (
	"github.com/goliatone/go-workwx/core"
	"github.com/goliatone/go-workwx/ratelimit"
)

var (
	_ core.CredentialStore    = (*CredentialStore)(nil)
	_ core.ConditionalExpirer = (*CredentialStore)(nil)
	_ core.CredentialStore    = (*CachedCredentialStore)(nil)
	_ core.ConditionalExpirer = (*CachedCredentialStore)(nil)
	_ core.SourceReader       = (*CachedCredentialStore)(nil)
	_ ratelimit.StateStore    = (*RateLimitStateStore)(nil)
	_ ratelimit.StateStore    = (*CachedRateLimitStateStore)(nil)
)
