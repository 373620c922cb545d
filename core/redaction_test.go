package core

import "testing"

func TestRedactSensitiveMap(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"access_token": "tok-123",
		"corpsecret":   "s3cret",
		"jsapi_ticket": "ticket-1",
		"signature":    "abc",
		"token_masked": "tok-****",
		"family":       "ticket",
		"tenant":       "ww_corp",
		"path":         "user/get",
		"nested":       map[string]any{"suite_secret": "x", "suite_id": "wx_suite"},
		"headers":      map[string]string{"Authorization": "Bearer x", "Accept": "application/json"},
		"items":        []any{map[string]any{"ticket": "t"}},
	})

	for _, key := range []string{"access_token", "corpsecret", "jsapi_ticket", "signature"} {
		if redacted[key] != RedactedValue {
			t.Fatalf("expected %s redacted, got %v", key, redacted[key])
		}
	}
	for key, want := range map[string]string{"token_masked": "tok-****", "family": "ticket", "tenant": "ww_corp", "path": "user/get"} {
		if redacted[key] != want {
			t.Fatalf("expected %s kept as %q, got %v", key, want, redacted[key])
		}
	}
	nested := redacted["nested"].(map[string]any)
	if nested["suite_secret"] != RedactedValue || nested["suite_id"] != "wx_suite" {
		t.Fatalf("unexpected nested redaction %+v", nested)
	}
	headers := redacted["headers"].(map[string]any)
	if headers["Authorization"] != RedactedValue || headers["Accept"] != "application/json" {
		t.Fatalf("unexpected header redaction %+v", headers)
	}
	item := redacted["items"].([]any)[0].(map[string]any)
	if item["ticket"] != RedactedValue {
		t.Fatalf("expected list item redacted, got %+v", item)
	}
}

func TestRedactSensitiveMap_Empty(t *testing.T) {
	if got := RedactSensitiveMap(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty map, got %+v", got)
	}
}
