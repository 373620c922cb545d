package query

import (
	"context"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-workwx/core"
)

type stubReader struct {
	ensureFn   func(ctx context.Context, family core.Family) (core.CredentialRecord, error)
	stateFn    func(ctx context.Context, family core.Family) (core.CredentialState, core.CredentialRecord, error)
	signFn     func(ctx context.Context, pageURL string) (core.Signature, error)
	jsConfigFn func(ctx context.Context, req core.JSConfigRequest) (core.JSConfig, error)
}

func (s stubReader) Ensure(ctx context.Context, family core.Family) (core.CredentialRecord, error) {
	return s.ensureFn(ctx, family)
}

func (s stubReader) CredentialState(ctx context.Context, family core.Family) (core.CredentialState, core.CredentialRecord, error) {
	return s.stateFn(ctx, family)
}

func (s stubReader) Sign(ctx context.Context, pageURL string) (core.Signature, error) {
	return s.signFn(ctx, pageURL)
}

func (s stubReader) JSConfig(ctx context.Context, req core.JSConfigRequest) (core.JSConfig, error) {
	return s.jsConfigFn(ctx, req)
}

func TestEnsureCredentialQuery_QueryDelegates(t *testing.T) {
	reader := stubReader{
		ensureFn: func(_ context.Context, family core.Family) (core.CredentialRecord, error) {
			if family != core.FamilyAccess {
				t.Fatalf("unexpected family %q", family)
			}
			return core.CredentialRecord{Value: "tok-1"}, nil
		},
	}
	record, err := NewEnsureCredentialQuery(reader).Query(context.Background(), EnsureCredentialMessage{Family: core.FamilyAccess})
	if err != nil {
		t.Fatalf("query ensure: %v", err)
	}
	if record.Value != "tok-1" {
		t.Fatalf("unexpected record %#v", record)
	}
}

func TestCredentialStateQuery_ReturnsStatusWithoutToken(t *testing.T) {
	now := time.Now().UTC()
	reader := stubReader{
		stateFn: func(context.Context, core.Family) (core.CredentialState, core.CredentialRecord, error) {
			return core.CredentialStateExpired, core.CredentialRecord{Value: "ticket-secret-value", IssuedAt: now, ExpiresAt: now}, nil
		},
	}
	status, err := NewCredentialStateQuery(reader).Query(context.Background(), CredentialStateMessage{Family: core.FamilyTicket})
	if err != nil {
		t.Fatalf("query state: %v", err)
	}
	if status.State != core.CredentialStateExpired || status.Family != core.FamilyTicket {
		t.Fatalf("unexpected status %#v", status)
	}
	if status.Masked == "ticket-secret-value" || status.Masked == "" {
		t.Fatalf("expected masked value, got %q", status.Masked)
	}
}

func TestSignatureQueries_Delegate(t *testing.T) {
	reader := stubReader{
		signFn: func(_ context.Context, pageURL string) (core.Signature, error) {
			return core.Signature{URL: pageURL, Nonce: "n", Timestamp: "1", Signature: "sig"}, nil
		},
		jsConfigFn: func(_ context.Context, req core.JSConfigRequest) (core.JSConfig, error) {
			return core.JSConfig{AppID: "ww_corp", Debug: req.Debug, JSAPIList: req.APIList, Signature: "sig"}, nil
		},
	}

	signature, err := NewSignQuery(reader).Query(context.Background(), SignMessage{URL: "https://app.example.com/page"})
	if err != nil || signature.URL != "https://app.example.com/page" {
		t.Fatalf("unexpected signature %#v %v", signature, err)
	}

	cfg, err := NewJSConfigQuery(reader).Query(context.Background(), JSConfigMessage{Request: core.JSConfigRequest{
		URL:     "https://app.example.com/page",
		Debug:   true,
		APIList: []string{"scanQRCode"},
	}})
	if err != nil {
		t.Fatalf("query js config: %v", err)
	}
	if !cfg.Debug || cfg.AppID != "ww_corp" || len(cfg.JSAPIList) != 1 {
		t.Fatalf("unexpected js config %#v", cfg)
	}
}

func TestMessages_ValidateReturnsRichError(t *testing.T) {
	cases := []struct {
		name  string
		msg   interface{ Validate() error }
		field string
	}{
		{name: "ensure missing family", msg: EnsureCredentialMessage{}, field: "family"},
		{name: "state unknown family", msg: CredentialStateMessage{Family: "corp"}, field: "family"},
		{name: "sign relative url", msg: SignMessage{URL: "/page"}, field: "url"},
		{name: "sign bad scheme", msg: SignMessage{URL: "ftp://example.com/x"}, field: "url"},
		{name: "jsconfig empty api", msg: JSConfigMessage{Request: core.JSConfigRequest{URL: "https://example.com", APIList: []string{" "}}}, field: "api_list"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rich *goerrors.Error
			if !goerrors.As(tc.msg.Validate(), &rich) {
				t.Fatalf("expected go-errors envelope")
			}
			if rich.Category != goerrors.CategoryValidation || rich.TextCode != core.ErrorBadInput || rich.Code != http.StatusBadRequest {
				t.Fatalf("unexpected envelope %#v", rich)
			}
			validation := rich.AllValidationErrors()
			if len(validation) == 0 || validation[0].Field != tc.field {
				t.Fatalf("expected %s validation field, got %#v", tc.field, validation)
			}
		})
	}
}

func TestQueries_NilReaderReturnsDependencyError(t *testing.T) {
	var q *SignQuery
	_, err := q.Query(context.Background(), SignMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal || rich.TextCode != core.ErrorInternal {
		t.Fatalf("unexpected dependency error %#v", rich)
	}
	if rich.Code != http.StatusInternalServerError {
		t.Fatalf("expected %d code, got %d", http.StatusInternalServerError, rich.Code)
	}
	if _, err := NewCredentialStateQuery(nil).Query(context.Background(), CredentialStateMessage{}); err == nil {
		t.Fatalf("expected missing reader to fail")
	}
}
