package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-workwx/core"
)

type fakeRemote struct {
	server  *httptest.Server
	tokens  atomic.Int32
	tickets atomic.Int32
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	remote := &fakeRemote{}
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, _ *http.Request) {
		n := remote.tokens.Add(1)
		_, _ = fmt.Fprintf(w, `{"errcode":0,"errmsg":"ok","access_token":"tok-%d","expires_in":7200}`, n)
	})
	mux.HandleFunc("/cgi-bin/get_jsapi_ticket", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			_, _ = fmt.Fprint(w, `{"errcode":41001,"errmsg":"access_token missing"}`)
			return
		}
		n := remote.tickets.Add(1)
		_, _ = fmt.Fprintf(w, `{"errcode":0,"errmsg":"ok","ticket":"ticket-%d","expires_in":7200}`, n)
	})
	remote.server = httptest.NewServer(mux)
	t.Cleanup(remote.server.Close)
	return remote
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workwx.yaml")
	content := fmt.Sprintf("corp_id: ww_cli\ncorp_secret: cli-secret\nbase_url: %s/cgi-bin/\n", baseURL)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_PrintsSignedJSConfig(t *testing.T) {
	remote := newFakeRemote(t)
	configPath := writeConfig(t, remote.server.URL)

	var out bytes.Buffer
	err := run(context.Background(), []string{
		"--config", configPath,
		"--url", "https://app.example.com/page?x=1#section",
		"--debug",
		"--apis", "scanQRCode, openEnterpriseChat",
	}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var cfg core.JSConfig
	if err := json.Unmarshal(out.Bytes(), &cfg); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if cfg.AppID != "ww_cli" || !cfg.Debug {
		t.Fatalf("unexpected js config %#v", cfg)
	}
	if len(cfg.JSAPIList) != 2 || cfg.JSAPIList[1] != "openEnterpriseChat" {
		t.Fatalf("unexpected api list %#v", cfg.JSAPIList)
	}
	want := core.ComputeSignature("ticket-1", cfg.NonceStr, cfg.Timestamp, "https://app.example.com/page?x=1")
	if cfg.Signature != want {
		t.Fatalf("expected signature %s, got %s", want, cfg.Signature)
	}
}

func TestRun_SQLiteStoreReusesCredentialsAcrossRuns(t *testing.T) {
	remote := newFakeRemote(t)
	configPath := writeConfig(t, remote.server.URL)
	dsn := "file:" + filepath.Join(t.TempDir(), "workwx.db")

	args := []string{
		"--config", configPath,
		"--url", "https://app.example.com/",
		"--store", "sqlite",
		"--dsn", dsn,
		"--seal-key", "cli-seal-key",
		"--migrate",
	}
	for i := 0; i < 2; i++ {
		var out bytes.Buffer
		if err := run(context.Background(), args, &out); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if remote.tokens.Load() != 1 || remote.tickets.Load() != 1 {
		t.Fatalf("expected credentials issued once, tokens=%d tickets=%d", remote.tokens.Load(), remote.tickets.Load())
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"--config", configPath, "--state", "--store", "sqlite", "--dsn", dsn, "--seal-key", "cli-seal-key"}, &out); err != nil {
		t.Fatalf("run state: %v", err)
	}
	var statuses []core.CredentialStatus
	if err := json.Unmarshal(out.Bytes(), &statuses); err != nil {
		t.Fatalf("decode states %q: %v", out.String(), err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected three families, got %#v", statuses)
	}
	if statuses[0].State != core.CredentialStateValid || statuses[1].State != core.CredentialStateValid {
		t.Fatalf("expected access and ticket valid, got %#v", statuses)
	}
	if statuses[2].State != core.CredentialStateAbsent {
		t.Fatalf("expected suite absent, got %#v", statuses[2])
	}
}

func TestParseFlags_Validation(t *testing.T) {
	cases := map[string][]string{
		"missing url":   {"--store", "memory"},
		"unknown store": {"--url", "https://a.example.com/", "--store", "etcd"},
		"sqlite no dsn": {"--url", "https://a.example.com/", "--store", "sqlite"},
	}
	for name, args := range cases {
		if _, err := parseFlags(args); err == nil {
			t.Fatalf("%s: expected flag validation error", name)
		}
	}

	opts, err := parseFlags([]string{"--state", "--store", " Redis "})
	if err != nil {
		t.Fatalf("parse state flags: %v", err)
	}
	if opts.store != storeRedis || !opts.state {
		t.Fatalf("unexpected options %#v", opts)
	}
}
