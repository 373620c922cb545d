package core

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const nonceLength = 16

// SignatureEngine authorizes a browser page to call the restricted JS-SDK
// surface. It reads tickets only through the credential provider.
type SignatureEngine struct {
	tickets CredentialProvider
	appID   string
	nonce   func() string
	now     func() time.Time
}

type SignatureOption func(*SignatureEngine)

func WithSignatureNonce(nonce func() string) SignatureOption {
	return func(e *SignatureEngine) {
		if nonce != nil {
			e.nonce = nonce
		}
	}
}

func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(e *SignatureEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewSignatureEngine(tickets CredentialProvider, appID string, opts ...SignatureOption) *SignatureEngine {
	engine := &SignatureEngine{
		tickets: tickets,
		appID:   strings.TrimSpace(appID),
		nonce:   NewNonce,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(engine)
	}
	return engine
}

// NewNonce returns a random alphanumeric string.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:nonceLength]
}

// Canonicalize lower-cases every key, sorts keys ascending and joins the pairs
// as key=value with "&". Values are not percent-encoded. When two keys collide
// after lower-casing, the one sorting last in its original form wins.
func Canonicalize(params map[string]string) string {
	originals := make([]string, 0, len(params))
	for key := range params {
		originals = append(originals, key)
	}
	sort.Strings(originals)

	lowered := make(map[string]string, len(params))
	for _, key := range originals {
		lowered[strings.ToLower(key)] = params[key]
	}
	keys := make([]string, 0, len(lowered))
	for key := range lowered {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(lowered[key])
	}
	return b.String()
}

// ComputeSignature is the lower-case hex SHA-1 of the canonical form of
// {jsapi_ticket, nonceStr, timestamp, url}.
func ComputeSignature(ticket, nonce, timestamp, pageURL string) string {
	canonical := Canonicalize(map[string]string{
		"jsapi_ticket": ticket,
		"nonceStr":     nonce,
		"timestamp":    timestamp,
		"url":          pageURL,
	})
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Sign produces the nonce, timestamp and signature for pageURL. Surrounding
// whitespace and any #fragment are dropped first, so Signature.URL can differ
// from pageURL; the page must pass the same trimmed url to the JS-SDK.
func (e *SignatureEngine) Sign(ctx context.Context, pageURL string) (Signature, error) {
	if e == nil || e.tickets == nil {
		return Signature{}, fmt.Errorf("core: signature engine is not configured")
	}
	pageURL = signableURL(pageURL)
	if pageURL == "" {
		return Signature{}, fmt.Errorf("core: url is required for signing")
	}

	ticket, err := e.tickets.Ensure(ctx, FamilyTicket)
	if err != nil {
		return Signature{}, err
	}

	nonce := e.nonce()
	timestamp := strconv.FormatInt(e.now().Unix(), 10)
	return Signature{
		Nonce:     nonce,
		Timestamp: timestamp,
		URL:       pageURL,
		Signature: ComputeSignature(ticket.Value, nonce, timestamp, pageURL),
	}, nil
}

// JSConfig builds the payload passed to the browser SDK config call.
func (e *SignatureEngine) JSConfig(ctx context.Context, req JSConfigRequest) (JSConfig, error) {
	if e == nil {
		return JSConfig{}, fmt.Errorf("core: signature engine is not configured")
	}
	signature, err := e.Sign(ctx, req.URL)
	if err != nil {
		return JSConfig{}, err
	}
	apiList := make([]string, 0, len(req.APIList))
	for _, api := range req.APIList {
		if api = strings.TrimSpace(api); api != "" {
			apiList = append(apiList, api)
		}
	}
	return JSConfig{
		Debug:     req.Debug,
		AppID:     e.appID,
		Timestamp: signature.Timestamp,
		NonceStr:  signature.Nonce,
		Signature: signature.Signature,
		JSAPIList: apiList,
	}, nil
}

func signableURL(pageURL string) string {
	pageURL = strings.TrimSpace(pageURL)
	if idx := strings.Index(pageURL, "#"); idx >= 0 {
		pageURL = pageURL[:idx]
	}
	return pageURL
}
