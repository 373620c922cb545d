package core

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Service owns one credential manager, one dispatcher and one signature
// engine for a configured corp (and optionally a third-party suite). Nothing
// is process-global: two services never share state unless they share a store.
type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	credentialStore CredentialStore
	transport       Transport
	manager         *CredentialManager
	dispatcher      *RequestDispatcher
	signer          *SignatureEngine
	warmer          *CredentialWarmer
	obs             observer
}

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	CredentialStore CredentialStore
	Transport       Transport
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("workwx", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("workwx"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = MapError
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}
	if builder.nonce == nil {
		builder.nonce = NewNonce
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if err := finalConfig.RequireCredentials(); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if builder.transport == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: transport is required"))
	}

	obs := newObserver(logger, builder.metricsRecorder)
	store := builder.credentialStore
	if store == nil {
		store = NewMemoryCredentialStore()
		if finalConfig.IsProduction() {
			obs.logWarn(context.Background(), "in-memory credential store used in production; instances sharing a corp will invalidate each other's tokens", map[string]any{
				"tenant": finalConfig.Tenant(),
			})
		}
	}

	managerOpts := []CredentialManagerOption{
		WithManagerClock(builder.now),
		WithSafetyMargin(finalConfig.SafetyMargin()),
		WithManagerObservability(logger, builder.metricsRecorder),
	}
	if finalConfig.SuiteEnabled() {
		managerOpts = append(managerOpts, WithFamilyTenant(FamilySuite, finalConfig.Suite.SuiteID))
	}
	manager, err := NewCredentialManager(store, finalConfig.Tenant(), managerOpts...)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	dispatcher, err := NewRequestDispatcher(manager, builder.transport,
		WithBaseURL(finalConfig.BaseURL),
		WithDispatchTenant(finalConfig.Tenant()),
		WithInvalidCredentialCodes(finalConfig.InvalidCredentialCodes()...),
		WithTimeouts(finalConfig.JSONTimeout(), finalConfig.BinaryTimeout()),
		WithDispatchRateLimitPolicy(builder.rateLimitPolicy),
		WithDispatcherObservability(logger, builder.metricsRecorder),
	)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	issuers := defaultIssuers(finalConfig, builder, dispatcher)
	for family, issuer := range builder.issuers {
		issuers[family] = issuer
	}
	for family, issuer := range issuers {
		if err := manager.RegisterIssuer(family, issuer); err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		credentialStore: store,
		transport:       builder.transport,
		manager:         manager,
		dispatcher:      dispatcher,
		signer: NewSignatureEngine(manager, finalConfig.CorpID,
			WithSignatureClock(builder.now),
			WithSignatureNonce(builder.nonce),
		),
		warmer: NewCredentialWarmer(manager, WithWarmerObservability(logger, builder.metricsRecorder)),
		obs:    obs,
	}, nil
}

func defaultIssuers(cfg Config, builder serviceBuilder, dispatcher Dispatcher) map[Family]Issuer {
	issuers := map[Family]Issuer{
		FamilyAccess: AccessTokenIssuer{
			Transport:  builder.transport,
			BaseURL:    cfg.BaseURL,
			CorpID:     cfg.CorpID,
			CorpSecret: cfg.CorpSecret,
			Timeout:    cfg.JSONTimeout(),
		},
		FamilyTicket: JSAPITicketIssuer{Dispatcher: dispatcher},
	}
	if cfg.SuiteEnabled() && builder.suiteTickets != nil {
		issuers[FamilySuite] = SuiteTokenIssuer{
			Transport:   builder.transport,
			BaseURL:     cfg.BaseURL,
			SuiteID:     cfg.Suite.SuiteID,
			SuiteSecret: cfg.Suite.SuiteSecret,
			Tickets:     builder.suiteTickets,
			Timeout:     cfg.JSONTimeout(),
		}
	}
	return issuers
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorMapper:     s.errorMapper,
		CredentialStore: s.credentialStore,
		Transport:       s.transport,
	}
}

func (s *Service) Credentials() *CredentialManager {
	if s == nil {
		return nil
	}
	return s.manager
}

func (s *Service) Dispatcher() *RequestDispatcher {
	if s == nil {
		return nil
	}
	return s.dispatcher
}

func (s *Service) Signer() *SignatureEngine {
	if s == nil {
		return nil
	}
	return s.signer
}

func (s *Service) Warmer() *CredentialWarmer {
	if s == nil {
		return nil
	}
	return s.warmer
}

// Ensure returns a valid credential of the family, issuing one if needed.
func (s *Service) Ensure(ctx context.Context, family Family) (CredentialRecord, error) {
	if s == nil {
		return CredentialRecord{}, fmt.Errorf("core: service is nil")
	}
	return s.manager.Ensure(ctx, family)
}

// Refresh forces issuance of a new credential of the family.
func (s *Service) Refresh(ctx context.Context, family Family) (CredentialRecord, error) {
	if s == nil {
		return CredentialRecord{}, fmt.Errorf("core: service is nil")
	}
	return s.manager.Refresh(ctx, family)
}

func (s *Service) Invalidate(ctx context.Context, family Family, staleValue string) error {
	if s == nil {
		return fmt.Errorf("core: service is nil")
	}
	return s.manager.Invalidate(ctx, family, staleValue)
}

func (s *Service) CredentialState(ctx context.Context, family Family) (CredentialState, CredentialRecord, error) {
	if s == nil {
		return "", CredentialRecord{}, fmt.Errorf("core: service is nil")
	}
	return s.manager.State(ctx, family)
}

// Warm pre-issues the requested families, retrying with backoff.
func (s *Service) Warm(ctx context.Context, req WarmRequest) ([]WarmResult, error) {
	if s == nil || s.warmer == nil {
		return nil, fmt.Errorf("core: service is nil")
	}
	return s.warmer.Warm(ctx, req)
}

// Dispatch sends one credentialed call, refreshing and retrying at most once.
func (s *Service) Dispatch(ctx context.Context, req Request) (Response, error) {
	if s == nil {
		return Response{}, fmt.Errorf("core: service is nil")
	}
	return s.dispatcher.Dispatch(ctx, req)
}

func (s *Service) Sign(ctx context.Context, pageURL string) (Signature, error) {
	if s == nil {
		return Signature{}, fmt.Errorf("core: service is nil")
	}
	return s.signer.Sign(ctx, pageURL)
}

func (s *Service) JSConfig(ctx context.Context, req JSConfigRequest) (JSConfig, error) {
	if s == nil {
		return JSConfig{}, fmt.Errorf("core: service is nil")
	}
	return s.signer.JSConfig(ctx, req)
}

// MapError converts err with the configured error mapper.
func (s *Service) MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return MapError(err)
	}
	return s.errorMapper(err)
}
