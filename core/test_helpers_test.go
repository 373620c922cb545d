package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now.UTC()
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingIssuer hands out tok-1, tok-2, ... and can hold every call until
// release is closed.
type countingIssuer struct {
	calls   atomic.Int32
	ttl     time.Duration
	prefix  string
	release chan struct{}
	started chan struct{}
	err     error
}

func newCountingIssuer(ttl time.Duration) *countingIssuer {
	return &countingIssuer{ttl: ttl, prefix: "tok"}
}

func (i *countingIssuer) Issue(ctx context.Context, _ CredentialKey) (IssuedCredential, error) {
	n := i.calls.Add(1)
	if i.started != nil {
		select {
		case i.started <- struct{}{}:
		default:
		}
	}
	if i.release != nil {
		select {
		case <-i.release:
		case <-ctx.Done():
			return IssuedCredential{}, ctx.Err()
		}
	}
	if i.err != nil {
		return IssuedCredential{}, i.err
	}
	return IssuedCredential{Value: fmt.Sprintf("%s-%d", i.prefix, n), TTL: i.ttl}, nil
}

func (i *countingIssuer) Calls() int {
	return int(i.calls.Load())
}

type scriptedResponse struct {
	res TransportResponse
	err error
}

// scriptedTransport answers requests in order, repeating the last entry once
// the script runs out.
type scriptedTransport struct {
	mu       sync.Mutex
	script   []scriptedResponse
	requests []TransportRequest
}

func (t *scriptedTransport) Send(_ context.Context, req TransportRequest) (TransportResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if len(t.script) == 0 {
		return jsonResponse(map[string]any{"errcode": 0, "errmsg": "ok"}), nil
	}
	next := t.script[0]
	if len(t.script) > 1 {
		t.script = t.script[1:]
	}
	return next.res, next.err
}

func (t *scriptedTransport) Requests() []TransportRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TransportRequest, len(t.requests))
	copy(out, t.requests)
	return out
}

func jsonResponse(body map[string]any) TransportResponse {
	encoded, _ := json.Marshal(body)
	return TransportResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
		Body:       encoded,
	}
}

func remoteFailure(code int, message string) TransportResponse {
	return jsonResponse(map[string]any{"errcode": code, "errmsg": message})
}

// routedTransport answers by url path suffix and counts calls per route.
type routedTransport struct {
	mu       sync.Mutex
	routes   map[string][]scriptedResponse
	calls    map[string]int
	requests []TransportRequest
}

func newRoutedTransport() *routedTransport {
	return &routedTransport{
		routes: map[string][]scriptedResponse{},
		calls:  map[string]int{},
	}
}

func (t *routedTransport) On(path string, responses ...TransportResponse) *routedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, res := range responses {
		t.routes[path] = append(t.routes[path], scriptedResponse{res: res})
	}
	return t
}

func (t *routedTransport) Send(_ context.Context, req TransportRequest) (TransportResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	for path, script := range t.routes {
		if !strings.HasSuffix(req.URL, path) {
			continue
		}
		t.calls[path]++
		next := script[0]
		if len(script) > 1 {
			t.routes[path] = script[1:]
		}
		return next.res, next.err
	}
	return TransportResponse{}, fmt.Errorf("no route for %s", req.URL)
}

func (t *routedTransport) Calls(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[path]
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return cloneFields(l.values), nil
}

type testSecretProvider struct{}

func (testSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("test secret provider: plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return []byte("enc:" + encoded), nil
}

func (testSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	value := strings.TrimSpace(string(ciphertext))
	if value == "" || !strings.HasPrefix(value, "enc:") {
		return nil, fmt.Errorf("test secret provider: invalid ciphertext")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
	if err != nil {
		return nil, fmt.Errorf("test secret provider: decode ciphertext: %w", err)
	}
	return decoded, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CorpID = "ww_corp"
	cfg.CorpSecret = "corp-secret"
	return cfg
}
