package core

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestCanonicalize_LowercasesAndSortsKeys(t *testing.T) {
	got := Canonicalize(map[string]string{
		"url":          "u",
		"nonceStr":     "n1",
		"timestamp":    "100",
		"jsapi_ticket": "tk",
	})
	want := "jsapi_ticket=tk&noncestr=n1&timestamp=100&url=u"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestCanonicalize_IndependentOfInputCase(t *testing.T) {
	a := Canonicalize(map[string]string{"NonceStr": "n1", "URL": "u"})
	b := Canonicalize(map[string]string{"noncestr": "n1", "url": "u"})
	if a != b {
		t.Fatalf("expected case-insensitive keys, got %q and %q", a, b)
	}
}

func TestCanonicalize_DoesNotEncodeValues(t *testing.T) {
	got := Canonicalize(map[string]string{"url": "http://example.com/a b?x=1&y=é"})
	if got != "url=http://example.com/a b?x=1&y=é" {
		t.Fatalf("expected raw value, got %q", got)
	}
}

func TestComputeSignature_KnownVectors(t *testing.T) {
	if got := ComputeSignature("tk", "n1", "100", "u"); got != "10000cda0e47717ab6e5a66ebcd219fa14f6aa3c" {
		t.Fatalf("unexpected signature %q", got)
	}
	got := ComputeSignature(
		"sM4AOVdWfPE4DxkXGEs8VMCPGGVi4C3VM0P37wVUCFvkVAy_90u5h9nbSlYy3-Sl-HhTdfl2fzFy1AOcHKP7qg",
		"Wm3WZYTPz0wzccnW",
		"1414587457",
		"http://mp.weixin.qq.com?params=value",
	)
	if got != "0f9de62fce790f9a083d5c99e95740ceb90c27ed" {
		t.Fatalf("unexpected signature for published example %q", got)
	}
}

func TestComputeSignature_EveryInputMatters(t *testing.T) {
	base := ComputeSignature("tk", "n1", "100", "u")
	if again := ComputeSignature("tk", "n1", "100", "u"); again != base {
		t.Fatalf("expected deterministic signature")
	}
	variants := map[string]string{
		"ticket":    ComputeSignature("tk2", "n1", "100", "u"),
		"nonce":     ComputeSignature("tk", "n2", "100", "u"),
		"timestamp": ComputeSignature("tk", "n1", "101", "u"),
		"url":       ComputeSignature("tk", "n1", "100", "u2"),
	}
	for name, variant := range variants {
		if variant == base {
			t.Fatalf("expected %s change to change the digest", name)
		}
	}
}

func TestNewNonce_IsAlphanumeric(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{16}$`)
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		nonce := NewNonce()
		if !pattern.MatchString(nonce) {
			t.Fatalf("unexpected nonce %q", nonce)
		}
		seen[nonce] = struct{}{}
	}
	if len(seen) < 50 {
		t.Fatalf("expected unique nonces, got %d distinct", len(seen))
	}
}

func newTicketManager(t *testing.T, issuer Issuer) *CredentialManager {
	t.Helper()
	manager, err := NewCredentialManager(NewMemoryCredentialStore(), "ww_corp", WithIssuer(FamilyTicket, issuer))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func TestSignatureEngine_SignUsesCachedTicket(t *testing.T) {
	issuer := newCountingIssuer(2 * time.Hour)
	issuer.prefix = "ticket"
	engine := NewSignatureEngine(newTicketManager(t, issuer), "ww_corp",
		WithSignatureNonce(func() string { return "n1" }),
		WithSignatureClock(func() time.Time { return time.Unix(100, 0) }),
	)

	first, err := engine.Sign(context.Background(), "https://app.example.com/page?x=1#section")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if first.URL != "https://app.example.com/page?x=1" {
		t.Fatalf("expected fragment stripped, got %q", first.URL)
	}
	if first.Nonce != "n1" || first.Timestamp != "100" {
		t.Fatalf("unexpected nonce/timestamp %+v", first)
	}
	if want := ComputeSignature("ticket-1", "n1", "100", "https://app.example.com/page?x=1"); first.Signature != want {
		t.Fatalf("expected %q, got %q", want, first.Signature)
	}

	second, err := engine.Sign(context.Background(), "https://app.example.com/page?x=1")
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if second.Signature != first.Signature {
		t.Fatalf("expected identical signature for identical inputs")
	}
	if issuer.Calls() != 1 {
		t.Fatalf("expected a single ticket issuance, got %d", issuer.Calls())
	}
}

func TestSignatureEngine_RequiresURL(t *testing.T) {
	engine := NewSignatureEngine(newTicketManager(t, newCountingIssuer(time.Hour)), "ww_corp")
	if _, err := engine.Sign(context.Background(), "  #only-fragment"); err == nil {
		t.Fatalf("expected url validation error")
	}
}

func TestSignatureEngine_TicketFailureSurfaces(t *testing.T) {
	issuer := newCountingIssuer(time.Hour)
	issuer.err = &CredentialError{Remote: RemoteError{Code: 40001, Message: "invalid credential"}}
	engine := NewSignatureEngine(newTicketManager(t, issuer), "ww_corp")

	_, err := engine.Sign(context.Background(), "https://app.example.com")
	var credentialErr *CredentialError
	if !errors.As(err, &credentialErr) {
		t.Fatalf("expected credential error, got %T %v", err, err)
	}
}

func TestSignatureEngine_JSConfig(t *testing.T) {
	issuer := newCountingIssuer(time.Hour)
	issuer.prefix = "ticket"
	engine := NewSignatureEngine(newTicketManager(t, issuer), "ww_corp",
		WithSignatureNonce(func() string { return "abc" }),
		WithSignatureClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)

	cfg, err := engine.JSConfig(context.Background(), JSConfigRequest{
		URL:     "https://app.example.com/",
		Debug:   true,
		APIList: []string{"scanQRCode", " ", "openEnterpriseChat"},
	})
	if err != nil {
		t.Fatalf("js config: %v", err)
	}
	if cfg.AppID != "ww_corp" || !cfg.Debug {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Timestamp != "1700000000" || cfg.NonceStr != "abc" {
		t.Fatalf("unexpected timestamp/nonce %+v", cfg)
	}
	if len(cfg.JSAPIList) != 2 || cfg.JSAPIList[1] != "openEnterpriseChat" {
		t.Fatalf("expected blank apis dropped, got %+v", cfg.JSAPIList)
	}
	if want := ComputeSignature("ticket-1", "abc", "1700000000", "https://app.example.com/"); cfg.Signature != want {
		t.Fatalf("expected %q, got %q", want, cfg.Signature)
	}
}
