package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	WarmJobID = "workwx.credential.warm"

	defaultWarmMaxAttempts    = 3
	defaultWarmInitialBackoff = 500 * time.Millisecond
	defaultWarmMaxBackoff     = 10 * time.Second
)

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultWarmInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultWarmMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type WarmRequest struct {
	Families    []Family
	MaxAttempts int
}

type WarmResult struct {
	Family    Family
	Attempts  int
	ExpiresAt time.Time
}

// CredentialWarmer ensures credentials ahead of traffic, typically from a
// scheduled job. Unlike Ensure on the request path it retries transport
// failures with backoff; a remote rejection is never retried.
type CredentialWarmer struct {
	credentials CredentialProvider
	backoff     BackoffScheduler
	obs         observer
}

type WarmerOption func(*CredentialWarmer)

func WithWarmBackoff(backoff BackoffScheduler) WarmerOption {
	return func(w *CredentialWarmer) {
		if backoff != nil {
			w.backoff = backoff
		}
	}
}

func WithWarmerObservability(logger Logger, metrics MetricsRecorder) WarmerOption {
	return func(w *CredentialWarmer) {
		w.obs = newObserver(logger, metrics)
	}
}

func NewCredentialWarmer(credentials CredentialProvider, opts ...WarmerOption) *CredentialWarmer {
	warmer := &CredentialWarmer{
		credentials: credentials,
		backoff: ExponentialBackoffScheduler{
			Initial: defaultWarmInitialBackoff,
			Max:     defaultWarmMaxBackoff,
		},
		obs: newObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(warmer)
	}
	return warmer
}

// Warm ensures every requested family in order and stops at the first family
// that cannot be warmed.
func (w *CredentialWarmer) Warm(ctx context.Context, req WarmRequest) ([]WarmResult, error) {
	if w == nil || w.credentials == nil {
		return nil, fmt.Errorf("core: credential warmer is not configured")
	}
	families := req.Families
	if len(families) == 0 {
		families = []Family{FamilyAccess}
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultWarmMaxAttempts
	}

	results := make([]WarmResult, 0, len(families))
	for _, family := range families {
		family = family.Normalize()
		if err := family.Validate(); err != nil {
			return results, err
		}
		result, err := w.warmFamily(ctx, family, maxAttempts)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (w *CredentialWarmer) warmFamily(ctx context.Context, family Family, maxAttempts int) (WarmResult, error) {
	startedAt := time.Now()
	fields := map[string]any{"family": string(family)}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fields["attempt"] = attempt
		record, err := w.credentials.Ensure(ctx, family)
		if err == nil {
			w.obs.observeOperation(ctx, startedAt, "credential_warm", nil, fields)
			return WarmResult{Family: family, Attempts: attempt, ExpiresAt: record.ExpiresAt}, nil
		}
		lastErr = err
		if isUnrecoverableIssueError(err) || attempt == maxAttempts {
			break
		}
		if waitErr := waitWithContext(ctx, w.backoff.NextDelay(attempt)); waitErr != nil {
			lastErr = waitErr
			break
		}
	}
	w.obs.observeOperation(ctx, startedAt, "credential_warm", lastErr, fields)
	return WarmResult{Family: family, Attempts: attemptCount(fields)}, lastErr
}

// Handle runs a warm job. Parameters: "families" as a list or a comma
// separated string, and "max_attempts".
func (w *CredentialWarmer) Handle(ctx context.Context, msg *JobExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("core: job message is required")
	}
	req, err := warmRequestFromParameters(msg.Parameters)
	if err != nil {
		return err
	}
	_, err = w.Warm(ctx, req)
	return err
}

// WarmJobMessage builds the job message Handle consumes.
func WarmJobMessage(families ...Family) *JobExecutionMessage {
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, string(family.Normalize()))
	}
	return &JobExecutionMessage{
		JobID:          WarmJobID,
		Parameters:     map[string]any{"families": names},
		IdempotencyKey: WarmJobID + ":" + strings.Join(names, ","),
	}
}

func warmRequestFromParameters(params map[string]any) (WarmRequest, error) {
	req := WarmRequest{}
	switch typed := params["families"].(type) {
	case nil:
	case string:
		for _, name := range strings.Split(typed, ",") {
			if name = strings.TrimSpace(name); name != "" {
				req.Families = append(req.Families, Family(name))
			}
		}
	case []string:
		for _, name := range typed {
			req.Families = append(req.Families, Family(name))
		}
	case []Family:
		req.Families = append(req.Families, typed...)
	case []any:
		for _, item := range typed {
			req.Families = append(req.Families, Family(fmt.Sprint(item)))
		}
	default:
		return WarmRequest{}, fmt.Errorf("core: families parameter is invalid")
	}

	switch typed := params["max_attempts"].(type) {
	case nil:
	case int:
		req.MaxAttempts = typed
	case int64:
		req.MaxAttempts = int(typed)
	case float64:
		req.MaxAttempts = int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return WarmRequest{}, fmt.Errorf("core: max_attempts parameter is invalid")
		}
		req.MaxAttempts = parsed
	default:
		return WarmRequest{}, fmt.Errorf("core: max_attempts parameter is invalid")
	}
	return req, nil
}

// isUnrecoverableIssueError is true when the remote side rejected issuance or
// the issuer cannot build a request; retrying with the same inputs cannot
// succeed.
func isUnrecoverableIssueError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrIssuerNotConfigured) ||
		errors.Is(err, ErrIssuerMisconfigured) ||
		errors.Is(err, ErrSuiteTicketMissing) ||
		errors.Is(err, ErrIncompleteIssuance) {
		return true
	}
	var credentialErr *CredentialError
	if errors.As(err, &credentialErr) {
		return !credentialErr.Remote.OK()
	}
	return false
}

func attemptCount(fields map[string]any) int {
	attempt, _ := fields["attempt"].(int)
	return attempt
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
