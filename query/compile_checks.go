package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-workwx/core"
)

var (
	_ gocmd.Querier[EnsureCredentialMessage, core.CredentialRecord] = (*EnsureCredentialQuery)(nil)
	_ gocmd.Querier[CredentialStateMessage, core.CredentialStatus]  = (*CredentialStateQuery)(nil)
	_ gocmd.Querier[SignMessage, core.Signature]                    = (*SignQuery)(nil)
	_ gocmd.Querier[JSConfigMessage, core.JSConfig]                 = (*JSConfigQuery)(nil)
)
