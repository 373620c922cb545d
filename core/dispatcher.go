package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL              = "https://qyapi.weixin.qq.com/cgi-bin/"
	DefaultJSONTimeout          = 5 * time.Second
	DefaultBinaryTimeout        = 60 * time.Second
	DefaultMaxResponseBodyBytes = int64(32 << 20)

	AccessTokenParam      = "access_token"
	SuiteAccessTokenParam = "suite_access_token"
)

// DefaultInvalidCredentialCodes are the errcodes meaning the attached
// credential is invalid or expired: invalid credential, invalid access_token,
// access_token expired, invalid suite_access_token, suite_access_token expired.
var DefaultInvalidCredentialCodes = []int{40001, 40014, 42001, 40082, 42009}

// IsCredentialInvalid reports whether err carries one of the default
// credential-invalid errcodes.
func IsCredentialInvalid(err error) bool {
	if IsRetryExhausted(err) {
		return true
	}
	remote, ok := RemoteErrorOf(err)
	if !ok {
		return false
	}
	for _, code := range DefaultInvalidCredentialCodes {
		if remote.Code == code {
			return true
		}
	}
	return false
}

// RequestDispatcher attaches a valid credential to each call and recovers
// from exactly one credential-invalid response by refreshing and retrying.
type RequestDispatcher struct {
	credentials   CredentialProvider
	transport     Transport
	baseURL       string
	tenant        string
	invalidCodes  map[int]struct{}
	jsonTimeout   time.Duration
	binaryTimeout time.Duration
	maxBodyBytes  int64
	rateLimit     RateLimitPolicy
	now           func() time.Time
	obs           observer
}

type DispatcherOption func(*RequestDispatcher)

func WithBaseURL(baseURL string) DispatcherOption {
	return func(d *RequestDispatcher) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			d.baseURL = ensureTrailingSlash(baseURL)
		}
	}
}

func WithDispatchTenant(tenant string) DispatcherOption {
	return func(d *RequestDispatcher) {
		d.tenant = strings.TrimSpace(tenant)
	}
}

func WithInvalidCredentialCodes(codes ...int) DispatcherOption {
	return func(d *RequestDispatcher) {
		if len(codes) == 0 {
			return
		}
		d.invalidCodes = codeSet(codes)
	}
}

func WithTimeouts(jsonTimeout, binaryTimeout time.Duration) DispatcherOption {
	return func(d *RequestDispatcher) {
		if jsonTimeout > 0 {
			d.jsonTimeout = jsonTimeout
		}
		if binaryTimeout > 0 {
			d.binaryTimeout = binaryTimeout
		}
	}
}

func WithMaxResponseBodyBytes(limit int64) DispatcherOption {
	return func(d *RequestDispatcher) {
		if limit > 0 {
			d.maxBodyBytes = limit
		}
	}
}

func WithDispatchRateLimitPolicy(policy RateLimitPolicy) DispatcherOption {
	return func(d *RequestDispatcher) {
		d.rateLimit = policy
	}
}

func WithDispatcherObservability(logger Logger, metrics MetricsRecorder) DispatcherOption {
	return func(d *RequestDispatcher) {
		d.obs = newObserver(logger, metrics)
	}
}

func NewRequestDispatcher(credentials CredentialProvider, transport Transport, opts ...DispatcherOption) (*RequestDispatcher, error) {
	if credentials == nil {
		return nil, fmt.Errorf("core: credential provider is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("core: transport is required")
	}
	dispatcher := &RequestDispatcher{
		credentials:   credentials,
		transport:     transport,
		baseURL:       DefaultBaseURL,
		invalidCodes:  codeSet(DefaultInvalidCredentialCodes),
		jsonTimeout:   DefaultJSONTimeout,
		binaryTimeout: DefaultBinaryTimeout,
		maxBodyBytes:  DefaultMaxResponseBodyBytes,
		now:           func() time.Time { return time.Now().UTC() },
		obs:           newObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(dispatcher)
	}
	return dispatcher, nil
}

// Dispatch sends req with a valid credential attached. A credential-invalid
// errcode invalidates the credential and retries once; a second one returns
// *RetryExhaustedError. Any other non-zero errcode returns *ProtocolError.
// The decoded response is returned alongside protocol errors.
func (d *RequestDispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	if d == nil {
		return Response{}, fmt.Errorf("core: dispatcher is nil")
	}
	req, err := d.normalizeRequest(req)
	if err != nil {
		return Response{}, err
	}

	limitKey := RateLimitKey{Tenant: d.tenant, BucketKey: req.Path}
	if d.rateLimit != nil {
		if err := d.rateLimit.BeforeCall(ctx, limitKey); err != nil {
			return Response{}, err
		}
	}

	startedAt := time.Now()
	fields := map[string]any{
		"family": string(req.Family),
		"tenant": d.tenant,
		"method": req.Method,
		"path":   req.Path,
	}

	const maxAttempts = 2
	var response Response
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fields["attempt"] = attempt
		credential := CredentialRecord{}
		if req.Placement != PlacementNone {
			credential, err = d.credentials.Ensure(ctx, req.Family)
			if err != nil {
				d.obs.observeOperation(ctx, startedAt, "dispatch", err, fields)
				return Response{}, err
			}
		}

		response, err = d.send(ctx, req, credential.Value)
		if err != nil {
			d.obs.observeOperation(ctx, startedAt, "dispatch", err, fields)
			return Response{}, err
		}
		response.Attempts = attempt
		d.afterCall(ctx, limitKey, response)

		if response.Remote.OK() {
			d.obs.observeOperation(ctx, startedAt, "dispatch", nil, fields)
			return response, nil
		}
		fields["errcode"] = response.Remote.Code

		if req.Placement == PlacementNone || !d.isCredentialInvalid(response.Remote.Code) {
			err = &ProtocolError{StatusCode: response.StatusCode, Remote: response.Remote}
			d.obs.observeOperation(ctx, startedAt, "dispatch", err, fields)
			return response, err
		}
		if attempt == maxAttempts {
			break
		}

		d.obs.logWarn(ctx, "credential rejected, refreshing and retrying once", fields)
		if err := d.credentials.Invalidate(ctx, req.Family, credential.Value); err != nil {
			d.obs.observeOperation(ctx, startedAt, "dispatch", err, fields)
			return response, err
		}
	}

	err = &RetryExhaustedError{Family: req.Family, Attempts: maxAttempts, Remote: response.Remote}
	d.obs.observeOperation(ctx, startedAt, "dispatch", err, fields)
	return response, err
}

func (d *RequestDispatcher) send(ctx context.Context, req Request, credential string) (Response, error) {
	transportReq, err := d.buildTransportRequest(req, credential)
	if err != nil {
		return Response{}, err
	}
	transportRes, err := d.transport.Send(ctx, transportReq)
	if err != nil {
		return Response{}, &TransportError{Method: transportReq.Method, URL: transportReq.URL, Err: err}
	}
	return d.decodeResponse(req, transportReq, transportRes)
}

func (d *RequestDispatcher) buildTransportRequest(req Request, credential string) (TransportRequest, error) {
	target := strings.TrimSpace(req.URL)
	if target == "" {
		target = d.baseURL + strings.TrimLeft(req.Path, "/")
	}

	query := cloneStringMap(req.Query)
	if query == nil {
		query = map[string]string{}
	}
	headers := cloneStringMap(req.Headers)
	if headers == nil {
		headers = map[string]string{}
	}

	body := append([]byte(nil), req.Body...)
	if req.JSON != nil || req.Placement == PlacementBody {
		payload := req.JSON
		if req.Placement == PlacementBody {
			fields, err := toFieldMap(req.JSON)
			if err != nil {
				return TransportRequest{}, err
			}
			fields[req.ParamName] = credential
			payload = fields
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return TransportRequest{}, fmt.Errorf("core: encode request body: %w", err)
		}
		body = encoded
		if strings.TrimSpace(req.ContentType) == "" {
			req.ContentType = "application/json"
		}
	}
	if req.Placement == PlacementQuery {
		query[req.ParamName] = credential
	}
	if contentType := strings.TrimSpace(req.ContentType); contentType != "" {
		headers["Content-Type"] = contentType
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.jsonTimeout
		if req.ResponseKind == ResponseKindBinary {
			timeout = d.binaryTimeout
		}
	}

	return TransportRequest{
		Method:               req.Method,
		URL:                  target,
		Query:                query,
		Headers:              headers,
		Body:                 body,
		Timeout:              timeout,
		ResponseKind:         req.ResponseKind,
		MaxResponseBodyBytes: d.maxBodyBytes,
	}, nil
}

func (d *RequestDispatcher) decodeResponse(req Request, sent TransportRequest, res TransportResponse) (Response, error) {
	contentType := headerValue(res.Headers, "Content-Type")
	response := Response{
		StatusCode:  res.StatusCode,
		Headers:     cloneStringMap(res.Headers),
		Body:        res.Body,
		ContentType: contentType,
	}

	// Binary endpoints answer with a JSON envelope when they fail.
	inspect := req.ResponseKind == ResponseKindJSON || isJSONContentType(contentType)
	if inspect && len(strings.TrimSpace(string(res.Body))) > 0 {
		remote := RemoteError{}
		if err := json.Unmarshal(res.Body, &remote); err != nil {
			if req.ResponseKind == ResponseKindJSON {
				return Response{}, &TransportError{
					Method: sent.Method,
					URL:    sent.URL,
					Err:    fmt.Errorf("decode response envelope: %w", err),
				}
			}
		} else {
			response.Remote = remote
		}
	}

	if response.Remote.OK() && (res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest) {
		return Response{}, &TransportError{
			Method: sent.Method,
			URL:    sent.URL,
			Err:    fmt.Errorf("unexpected status %d", res.StatusCode),
		}
	}
	return response, nil
}

func (d *RequestDispatcher) afterCall(ctx context.Context, key RateLimitKey, response Response) {
	if d.rateLimit == nil {
		return
	}
	meta := ResponseMeta{
		StatusCode: response.StatusCode,
		Remote:     response.Remote,
		Headers:    cloneStringMap(response.Headers),
		ObservedAt: d.now(),
	}
	if err := d.rateLimit.AfterCall(ctx, key, meta); err != nil {
		d.obs.logWarn(ctx, "rate limit state update failed", map[string]any{
			"tenant": key.Tenant,
			"path":   key.BucketKey,
			"error":  err.Error(),
		})
	}
}

func (d *RequestDispatcher) isCredentialInvalid(code int) bool {
	_, ok := d.invalidCodes[code]
	return ok
}

func (d *RequestDispatcher) normalizeRequest(req Request) (Request, error) {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodGet
		if req.JSON != nil || len(req.Body) > 0 {
			req.Method = http.MethodPost
		}
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" && strings.TrimSpace(req.URL) == "" {
		return Request{}, fmt.Errorf("core: request path is required")
	}
	if req.ResponseKind == "" {
		req.ResponseKind = ResponseKindJSON
	}
	if req.Placement == "" {
		req.Placement = PlacementQuery
	}
	switch req.Placement {
	case PlacementQuery, PlacementBody, PlacementNone:
	default:
		return Request{}, fmt.Errorf("core: credential placement %q is invalid", req.Placement)
	}
	if req.Placement == PlacementNone {
		return req, nil
	}

	if req.Family == "" {
		req.Family = FamilyAccess
	}
	req.Family = req.Family.Normalize()
	if err := req.Family.Validate(); err != nil {
		return Request{}, err
	}
	if strings.TrimSpace(req.ParamName) == "" {
		req.ParamName = AccessTokenParam
		if req.Family == FamilySuite {
			req.ParamName = SuiteAccessTokenParam
		}
	}
	return req, nil
}

func toFieldMap(payload any) (map[string]any, error) {
	switch typed := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return cloneFields(typed), nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode request body: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, errors.New("core: body credential placement requires a JSON object payload")
	}
	return fields, nil
}

func codeSet(codes []int) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func isJSONContentType(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return strings.Contains(contentType, "json")
}

func ensureTrailingSlash(value string) string {
	if strings.HasSuffix(value, "/") {
		return value
	}
	return value + "/"
}

var _ Dispatcher = (*RequestDispatcher)(nil)
