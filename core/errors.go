package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorTransportFailed       = "WORKWX_TRANSPORT_FAILED"
	ErrorCredentialIssueFailed = "WORKWX_CREDENTIAL_ISSUE_FAILED"
	ErrorProtocol              = "WORKWX_PROTOCOL_ERROR"
	ErrorRetryExhausted        = "WORKWX_RETRY_EXHAUSTED"
	ErrorRateLimited           = "WORKWX_RATE_LIMITED"
	ErrorBadInput              = "WORKWX_BAD_INPUT"
	ErrorInternal              = "WORKWX_INTERNAL"
)

var (
	ErrIssuerNotConfigured = errors.New("core: issuer not configured")
	ErrStoreNotConfigured  = errors.New("core: credential store not configured")

	// Issuance failures that repeat identically until configuration or the
	// suite ticket push changes; warm-up does not retry them.
	ErrIssuerMisconfigured = errors.New("issuer is misconfigured")
	ErrSuiteTicketMissing  = errors.New("suite ticket has not been pushed yet")
	ErrIncompleteIssuance  = errors.New("issuance response is incomplete")
)

// TransportError is a network or timeout failure. It is never retried.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("core: transport %s %s: %v", e.Method, redactURL(e.URL), e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *TransportError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorTransportFailed).
		WithMetadata(map[string]any{
			"method": e.Method,
			"url":    redactURL(e.URL),
		})
}

// CredentialError reports a failed issuance. Remote is zero when the failure
// happened before the endpoint answered.
type CredentialError struct {
	Key    CredentialKey
	Remote RemoteError
	Err    error
}

func (e *CredentialError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("core: issue %s credential for %q: %v", e.Key.Family, e.Key.Tenant, e.Err)
	}
	return fmt.Sprintf("core: issue %s credential for %q: %s", e.Key.Family, e.Key.Tenant, e.Remote)
}

func (e *CredentialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *CredentialError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(ErrorCredentialIssueFailed).
		WithMetadata(map[string]any{
			"family":  string(e.Key.Family),
			"tenant":  e.Key.Tenant,
			"errcode": e.Remote.Code,
			"errmsg":  e.Remote.Message,
		})
}

// ProtocolError is a non-zero errcode unrelated to credential validity.
type ProtocolError struct {
	StatusCode int
	Remote     RemoteError
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("core: remote call failed: %s", e.Remote)
}

func (e *ProtocolError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryOperation).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(ErrorProtocol).
		WithMetadata(map[string]any{
			"status_code": e.StatusCode,
			"errcode":     e.Remote.Code,
			"errmsg":      e.Remote.Message,
		})
}

// RetryExhaustedError means the credential was refreshed once and the retried
// call still reported it invalid.
type RetryExhaustedError struct {
	Family   Family
	Attempts int
	Remote   RemoteError
}

func (e *RetryExhaustedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("core: %s credential still rejected after %d attempts: %s", e.Family, e.Attempts, e.Remote)
}

func (e *RetryExhaustedError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(ErrorRetryExhausted).
		WithMetadata(map[string]any{
			"family":   string(e.Family),
			"attempts": e.Attempts,
			"errcode":  e.Remote.Code,
			"errmsg":   e.Remote.Message,
		})
}

func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsCredentialError(err error) bool {
	var target *CredentialError
	return errors.As(err, &target)
}

func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

func IsRetryExhausted(err error) bool {
	var target *RetryExhaustedError
	return errors.As(err, &target)
}

// RemoteErrorOf extracts the errcode/errmsg envelope carried by err, if any.
func RemoteErrorOf(err error) (RemoteError, bool) {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr.Remote, true
	}
	var retryErr *RetryExhaustedError
	if errors.As(err, &retryErr) {
		return retryErr.Remote, true
	}
	var credentialErr *CredentialError
	if errors.As(err, &credentialErr) && !credentialErr.Remote.OK() {
		return credentialErr.Remote, true
	}
	return RemoteError{}, false
}

type serviceErrorConverter interface {
	ToServiceError() *goerrors.Error
}

// MapError converts any error returned by this module into the go-errors
// envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var converter serviceErrorConverter
	if errors.As(err, &converter) {
		return ensureErrorEnvelope(converter.ToServiceError())
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newError(err.Error(), goerrors.CategoryRateLimit, ErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = errorHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorCredentialIssueFailed
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryOperation:
		return ErrorProtocol
	case goerrors.CategoryExternal:
		return ErrorTransportFailed
	default:
		return ErrorInternal
	}
}

func errorHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// redactURL drops secrets carried in query parameters.
func redactURL(raw string) string {
	idx := strings.Index(raw, "?")
	if idx < 0 {
		return raw
	}
	base, query := raw[:idx], raw[idx+1:]
	parts := strings.Split(query, "&")
	for i, part := range parts {
		if name, _, _ := strings.Cut(part, "="); IsCredentialQueryParam(name) {
			parts[i] = name + "=" + RedactedValue
		}
	}
	return base + "?" + strings.Join(parts, "&")
}
