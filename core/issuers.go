package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	accessTokenPath = "gettoken"
	jsapiTicketPath = "get_jsapi_ticket"
	suiteTokenPath  = "service/get_suite_token"
)

type issuanceEnvelope struct {
	RemoteError
	AccessToken      string `json:"access_token"`
	SuiteAccessToken string `json:"suite_access_token"`
	Ticket           string `json:"ticket"`
	ExpiresIn        int64  `json:"expires_in"`
}

func (e issuanceEnvelope) ttl() time.Duration {
	return time.Duration(e.ExpiresIn) * time.Second
}

// AccessTokenIssuer exchanges the corp id and secret for an access token.
type AccessTokenIssuer struct {
	Transport  Transport
	BaseURL    string
	CorpID     string
	CorpSecret string
	Timeout    time.Duration
}

func (i AccessTokenIssuer) Issue(ctx context.Context, key CredentialKey) (IssuedCredential, error) {
	if i.Transport == nil {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: transport is required", ErrIssuerMisconfigured)}
	}
	if strings.TrimSpace(i.CorpID) == "" || strings.TrimSpace(i.CorpSecret) == "" {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: corp_id and corp_secret are required", ErrIssuerMisconfigured)}
	}
	envelope, err := sendIssuance(ctx, key, i.Transport, TransportRequest{
		Method: http.MethodGet,
		URL:    resolveBaseURL(i.BaseURL) + accessTokenPath,
		Query: map[string]string{
			"corpid":     strings.TrimSpace(i.CorpID),
			"corpsecret": strings.TrimSpace(i.CorpSecret),
		},
		Timeout:      resolveTimeout(i.Timeout),
		ResponseKind: ResponseKindJSON,
	})
	if err != nil {
		return IssuedCredential{}, err
	}
	return IssuedCredential{Value: envelope.AccessToken, TTL: envelope.ttl()}, nil
}

// JSAPITicketIssuer fetches the JS-SDK ticket. The call is credentialed with
// the access token, so an invalid access token is refreshed once on the way.
type JSAPITicketIssuer struct {
	Dispatcher Dispatcher
}

func (i JSAPITicketIssuer) Issue(ctx context.Context, key CredentialKey) (IssuedCredential, error) {
	if i.Dispatcher == nil {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: dispatcher is required", ErrIssuerMisconfigured)}
	}
	response, err := i.Dispatcher.Dispatch(ctx, Request{
		Method: http.MethodGet,
		Path:   jsapiTicketPath,
		Family: FamilyAccess,
	})
	if err != nil {
		return IssuedCredential{}, asCredentialError(key, err)
	}
	envelope := issuanceEnvelope{}
	if err := json.Unmarshal(response.Body, &envelope); err != nil {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("decode ticket response: %w", err)}
	}
	return IssuedCredential{Value: envelope.Ticket, TTL: envelope.ttl()}, nil
}

// SuiteTokenIssuer exchanges suite id, secret and the latest pushed suite
// ticket for a suite access token.
type SuiteTokenIssuer struct {
	Transport   Transport
	BaseURL     string
	SuiteID     string
	SuiteSecret string
	Tickets     SuiteTicketSource
	Timeout     time.Duration
}

func (i SuiteTokenIssuer) Issue(ctx context.Context, key CredentialKey) (IssuedCredential, error) {
	if i.Transport == nil {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: transport is required", ErrIssuerMisconfigured)}
	}
	if i.Tickets == nil {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: suite ticket source is required", ErrIssuerMisconfigured)}
	}
	suiteID := strings.TrimSpace(i.SuiteID)
	if suiteID == "" || strings.TrimSpace(i.SuiteSecret) == "" {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("%w: suite_id and suite_secret are required", ErrIssuerMisconfigured)}
	}
	ticket, err := i.Tickets.SuiteTicket(ctx, suiteID)
	if err != nil {
		return IssuedCredential{}, &CredentialError{Key: key, Err: fmt.Errorf("load suite ticket: %w", err)}
	}
	if strings.TrimSpace(ticket) == "" {
		return IssuedCredential{}, &CredentialError{Key: key, Err: ErrSuiteTicketMissing}
	}

	body, err := json.Marshal(map[string]string{
		"suite_id":     suiteID,
		"suite_secret": strings.TrimSpace(i.SuiteSecret),
		"suite_ticket": strings.TrimSpace(ticket),
	})
	if err != nil {
		return IssuedCredential{}, &CredentialError{Key: key, Err: err}
	}
	envelope, err := sendIssuance(ctx, key, i.Transport, TransportRequest{
		Method:       http.MethodPost,
		URL:          resolveBaseURL(i.BaseURL) + suiteTokenPath,
		Headers:      map[string]string{"Content-Type": "application/json"},
		Body:         body,
		Timeout:      resolveTimeout(i.Timeout),
		ResponseKind: ResponseKindJSON,
	})
	if err != nil {
		return IssuedCredential{}, err
	}
	return IssuedCredential{Value: envelope.SuiteAccessToken, TTL: envelope.ttl()}, nil
}

// StaticSuiteTicketSource serves a suite ticket held in memory, typically the
// last one received on the callback url.
type StaticSuiteTicketSource struct {
	Tickets map[string]string
}

func (s StaticSuiteTicketSource) SuiteTicket(_ context.Context, suiteID string) (string, error) {
	ticket, ok := s.Tickets[strings.TrimSpace(suiteID)]
	if !ok {
		return "", fmt.Errorf("%w for suite %q", ErrSuiteTicketMissing, suiteID)
	}
	return ticket, nil
}

func sendIssuance(ctx context.Context, key CredentialKey, transport Transport, req TransportRequest) (issuanceEnvelope, error) {
	res, err := transport.Send(ctx, req)
	if err != nil {
		return issuanceEnvelope{}, &CredentialError{
			Key: key,
			Err: &TransportError{Method: req.Method, URL: req.URL, Err: err},
		}
	}
	envelope := issuanceEnvelope{}
	if err := json.Unmarshal(res.Body, &envelope); err != nil {
		return issuanceEnvelope{}, &CredentialError{
			Key: key,
			Err: fmt.Errorf("decode issuance response (status %d): %w", res.StatusCode, err),
		}
	}
	if !envelope.OK() {
		return issuanceEnvelope{}, &CredentialError{Key: key, Remote: envelope.RemoteError}
	}
	return envelope, nil
}

func resolveBaseURL(baseURL string) string {
	if baseURL = strings.TrimSpace(baseURL); baseURL == "" {
		return DefaultBaseURL
	}
	return ensureTrailingSlash(baseURL)
}

func resolveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultJSONTimeout
	}
	return timeout
}

var (
	_ Issuer            = AccessTokenIssuer{}
	_ Issuer            = JSAPITicketIssuer{}
	_ Issuer            = SuiteTokenIssuer{}
	_ SuiteTicketSource = StaticSuiteTicketSource{}
)
