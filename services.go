package workwx

import (
	"github.com/goliatone/go-workwx/core"
	"github.com/goliatone/go-workwx/transport"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type Family = core.Family
type CredentialKey = core.CredentialKey
type CredentialRecord = core.CredentialRecord
type CredentialState = core.CredentialState
type CredentialStatus = core.CredentialStatus
type CredentialStore = core.CredentialStore
type Issuer = core.Issuer
type SuiteTicketSource = core.SuiteTicketSource
type RateLimitPolicy = core.RateLimitPolicy

type Request = core.Request
type Response = core.Response
type Signature = core.Signature
type JSConfigRequest = core.JSConfigRequest
type JSConfig = core.JSConfig

type WarmRequest = core.WarmRequest
type WarmResult = core.WarmResult

const (
	FamilyAccess = core.FamilyAccess
	FamilyTicket = core.FamilyTicket
	FamilySuite  = core.FamilySuite
)

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorMapper       = core.WithErrorMapper
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithCredentialStore   = core.WithCredentialStore
	WithTransport         = core.WithTransport
	WithRateLimitPolicy   = core.WithRateLimitPolicy
	WithSuiteTicketSource = core.WithSuiteTicketSource
	WithCredentialIssuer  = core.WithCredentialIssuer
	WithClock             = core.WithClock
	WithNonceSource       = core.WithNonceSource
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewService builds a client. Without WithTransport calls go out through
// the net/http REST adapter.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	withDefaults := make([]Option, 0, len(opts)+1)
	withDefaults = append(withDefaults, core.WithTransport(transport.NewRESTAdapter(nil)))
	withDefaults = append(withDefaults, opts...)
	return core.NewService(cfg, withDefaults...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}
