package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-workwx/core"
)

const (
	KindREST         = "rest"
	DefaultUserAgent = "go-workwx"

	defaultClientTimeout = 90 * time.Second
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter sends core transport requests over net/http. Per-request
// timeouts come from the request; the client timeout is only an upper bound.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

type Option func(*RESTAdapter)

// WithHeader adds a header sent on every request unless the request sets it.
func WithHeader(name, value string) Option {
	return func(a *RESTAdapter) {
		if name = http.CanonicalHeaderKey(strings.TrimSpace(name)); name != "" {
			a.DefaultHeaders[name] = strings.TrimSpace(value)
		}
	}
}

func WithMaxResponseBodyBytes(limit int64) Option {
	return func(a *RESTAdapter) {
		if limit > 0 {
			a.MaxResponseBodyBytes = limit
		}
	}
}

func NewRESTAdapter(client HTTPDoer, opts ...Option) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	adapter := &RESTAdapter{
		Client: client,
		DefaultHeaders: map[string]string{
			"Accept":     "application/json",
			"User-Agent": DefaultUserAgent,
		},
		MaxResponseBodyBytes: core.DefaultMaxResponseBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	return adapter
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

func (a *RESTAdapter) Send(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, failure(stageConfigure, nil, "transport: rest adapter requires an http client", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, target, err := a.build(ctx, req)
	if err != nil {
		return core.TransportResponse{}, err
	}

	startedAt := time.Now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.TransportResponse{}, failure(stageExecute, err, "transport: execute http request", map[string]any{
			"method":     httpReq.Method,
			"url":        redactURL(target),
			"timeout_ms": req.Timeout.Milliseconds(),
		})
	}
	defer httpRes.Body.Close()

	limit := a.bodyLimit(req.MaxResponseBodyBytes)
	payload, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.TransportResponse{}, failure(stageRead, err, "transport: read response body", map[string]any{
			"url":         redactURL(target),
			"status_code": httpRes.StatusCode,
		})
	}
	if int64(len(payload)) > limit {
		return core.TransportResponse{}, failure(stageRead, nil,
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			map[string]any{
				"url":              redactURL(target),
				"status_code":      httpRes.StatusCode,
				"response_limit_b": limit,
			})
	}

	metadata := map[string]any{
		"duration_ms":   time.Since(startedAt).Milliseconds(),
		"kind":          KindREST,
		"response_kind": string(req.ResponseKind),
	}
	if mediaType, _, err := mime.ParseMediaType(httpRes.Header.Get("Content-Type")); err == nil {
		metadata["media_type"] = mediaType
	}
	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       payload,
		Metadata:   metadata,
	}, nil
}

func (a *RESTAdapter) build(ctx context.Context, req core.TransportRequest) (*http.Request, *url.URL, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, nil, failure(stageBuild, nil, "transport: request url is required", nil)
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, failure(stageBuild, err, "transport: invalid request url", nil)
	}
	if len(req.Query) > 0 {
		query := target.Query()
		for key, value := range req.Query {
			if key = strings.TrimSpace(key); key != "" {
				query.Set(key, value)
			}
		}
		target.RawQuery = query.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, nil, failure(stageBuild, err, "transport: create http request", map[string]any{
			"method": method,
			"url":    redactURL(target),
		})
	}

	for key, value := range a.DefaultHeaders {
		if key = strings.TrimSpace(key); key != "" {
			httpReq.Header.Set(key, strings.TrimSpace(value))
		}
	}
	// Media downloads answer with arbitrary content types; JSON only on error.
	if req.ResponseKind == core.ResponseKindBinary {
		httpReq.Header.Del("Accept")
	}
	for key, value := range req.Headers {
		if key = strings.TrimSpace(key); key != "" {
			httpReq.Header.Set(key, strings.TrimSpace(value))
		}
	}
	return httpReq, target, nil
}

func (a *RESTAdapter) bodyLimit(requestLimit int64) int64 {
	switch {
	case requestLimit > 0:
		return requestLimit
	case a.MaxResponseBodyBytes > 0:
		return a.MaxResponseBodyBytes
	default:
		return core.DefaultMaxResponseBodyBytes
	}
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

var _ core.Transport = (*RESTAdapter)(nil)
