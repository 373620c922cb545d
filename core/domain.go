package core

import (
	"fmt"
	"strings"
	"time"
)

// Family identifies a credential kind. Each family has its own store slot,
// issuance endpoint and TTL.
type Family string

const (
	FamilyAccess Family = "access"
	FamilyTicket Family = "ticket"
	FamilySuite  Family = "suite"
)

func (f Family) String() string { return string(f) }

// Normalize lower-cases and trims the family name.
func (f Family) Normalize() Family {
	return Family(strings.TrimSpace(strings.ToLower(string(f))))
}

func (f Family) Validate() error {
	switch f.Normalize() {
	case FamilyAccess, FamilyTicket, FamilySuite:
		return nil
	case "":
		return fmt.Errorf("core: credential family is required")
	default:
		return fmt.Errorf("core: credential family %q is invalid", string(f))
	}
}

// CredentialKey addresses one store slot: a family scoped to a tenant.
type CredentialKey struct {
	Family Family
	Tenant string
}

func (k CredentialKey) Normalize() CredentialKey {
	return CredentialKey{
		Family: k.Family.Normalize(),
		Tenant: strings.TrimSpace(k.Tenant),
	}
}

func (k CredentialKey) Validate() error {
	if err := k.Family.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(k.Tenant) == "" {
		return fmt.Errorf("core: credential tenant is required")
	}
	return nil
}

func (k CredentialKey) String() string {
	normalized := k.Normalize()
	return string(normalized.Family) + ":" + normalized.Tenant
}

// CredentialRecord is an opaque token plus the instant after which it must no
// longer be used. ExpiresAt already has the safety margin subtracted.
type CredentialRecord struct {
	Value     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// IsZero reports whether the record carries no token.
func (r CredentialRecord) IsZero() bool {
	return strings.TrimSpace(r.Value) == ""
}

// ValidAt reports whether the record can be used at now.
func (r CredentialRecord) ValidAt(now time.Time) bool {
	if r.IsZero() || r.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(r.ExpiresAt)
}

// Masked returns a form of the token suitable for log messages.
func (r CredentialRecord) Masked() string {
	return MaskToken(r.Value)
}

// MaskToken keeps the first and last four characters of a token.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

// IssuedCredential is what a remote issuance endpoint reports.
type IssuedCredential struct {
	Value string
	TTL   time.Duration
}

// ResponseKind selects how a transport reads the response body.
type ResponseKind string

const (
	ResponseKindJSON   ResponseKind = "json"
	ResponseKindBinary ResponseKind = "binary"
)

// CredentialPlacement selects where a dispatched request carries the credential.
type CredentialPlacement string

const (
	PlacementQuery CredentialPlacement = "query"
	PlacementBody  CredentialPlacement = "body"
	PlacementNone  CredentialPlacement = "none"
)

// TransportRequest is a fully built outbound call.
type TransportRequest struct {
	Method               string
	URL                  string
	Query                map[string]string
	Headers              map[string]string
	Body                 []byte
	Timeout              time.Duration
	ResponseKind         ResponseKind
	MaxResponseBodyBytes int64
}

// TransportResponse is the raw remote answer.
type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

// Request describes one credentialed remote call before the credential is
// attached. Path is resolved against the configured base url unless URL is set.
type Request struct {
	Method       string
	Path         string
	URL          string
	Query        map[string]string
	Headers      map[string]string
	JSON         any
	Body         []byte
	ContentType  string
	Family       Family
	Placement    CredentialPlacement
	ParamName    string
	ResponseKind ResponseKind
	Timeout      time.Duration
}

// Response is a dispatched call outcome with the protocol envelope decoded.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	ContentType string
	Remote      RemoteError
	Attempts    int
}

// RemoteError is the errcode/errmsg envelope every remote endpoint returns.
type RemoteError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e RemoteError) OK() bool { return e.Code == 0 }

func (e RemoteError) String() string {
	return fmt.Sprintf("errcode=%d errmsg=%q", e.Code, strings.TrimSpace(e.Message))
}

// Signature is the output of browser-side authorization signing.
type Signature struct {
	Nonce     string
	Timestamp string
	// URL is the url that was signed: the input without whitespace or fragment.
	URL       string
	Signature string
}

// JSConfigRequest carries the page parameters of a JS-SDK config call.
type JSConfigRequest struct {
	URL     string
	Debug   bool
	APIList []string
}

// JSConfig is the payload handed to the browser SDK config call.
type JSConfig struct {
	Debug     bool     `json:"debug"`
	AppID     string   `json:"appId"`
	Timestamp string   `json:"timestamp"`
	NonceStr  string   `json:"nonceStr"`
	Signature string   `json:"signature"`
	JSAPIList []string `json:"jsApiList"`
}

// CredentialState is the lifecycle position of a stored record.
type CredentialState string

const (
	CredentialStateAbsent  CredentialState = "absent"
	CredentialStateValid   CredentialState = "valid"
	CredentialStateExpired CredentialState = "expired"
)
