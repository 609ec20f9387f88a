package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kbsearch/config"
	"kbsearch/tokencache"
)

type stubAuthorizer struct {
	url string
}

func (s stubAuthorizer) AuthCodeURL(state, nonce, verifier string) string {
	return s.url
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCheckSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/authorize":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	if err := runCheck(context.Background(), discard(), stubAuthorizer{url: srv.URL + "/authorize"}, nil); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
}

func TestRunCheckFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := runCheck(context.Background(), discard(), stubAuthorizer{url: srv.URL}, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunCheckRedirectLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	}))
	defer srv.Close()

	if err := runCheck(context.Background(), discard(), stubAuthorizer{url: srv.URL + "/loop"}, srv.Client()); err == nil {
		t.Fatalf("expected redirect loop to fail")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	answers := strings.Join([]string{
		"",                                // dev mode
		"",                                // proxy listen
		"",                                // portal listen
		"https://api.example.com/",        // api url
		"PZ-1",                            // portal id
		"",                                // language
		"https://login.example.com/token", // token url
		"client-1",                        // client id
		"secret-1",                        // client secret
		"",                                // scopes
		"https://idp.example.com/tenant/", // issuer
		"portal-client",                   // oidc client
		"",                                // redirect uri
		"",                                // discovery
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := runConfigInit(path, strings.NewReader(answers), &out, discard()); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Knowledge.APIURL != "https://api.example.com" {
		t.Fatalf("unexpected api url %q", cfg.Knowledge.APIURL)
	}
	if cfg.OIDC.RedirectURI != "http://localhost:5173/" {
		t.Fatalf("unexpected redirect uri %q", cfg.OIDC.RedirectURI)
	}
	if err := cfg.ValidateProxy(); err != nil {
		t.Fatalf("written config cannot run the proxy: %v", err)
	}
	if err := cfg.ValidatePortal(); err != nil {
		t.Fatalf("written config cannot run the portal: %v", err)
	}

	if err := runConfigInit(path, strings.NewReader(answers), &out, discard()); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}
}

func TestRunConfigValidate(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("# nothing yet\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runConfigValidate(empty, discard()); err == nil {
		t.Fatalf("expected an empty config to be rejected")
	}

	cfg := config.DefaultConfig()
	cfg.Knowledge.APIURL = "https://api.example.com"
	cfg.Knowledge.PortalID = "PZ-1"
	cfg.Credentials.TokenURL = "https://login.example.com/token"
	cfg.Credentials.ClientID = "client-1"
	cfg.Credentials.ClientSecret = "secret-1"
	proxyOnly := filepath.Join(dir, "proxy.yaml")
	if err := writeConfigFile(proxyOnly, cfg); err != nil {
		t.Fatal(err)
	}
	if err := runConfigValidate(proxyOnly, discard()); err != nil {
		t.Fatalf("proxy-only config should validate: %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	cfg.OIDC.Issuer = "https://idp.example.com"
	cfg.OIDC.ClientID = "portal-client"
	cfg.OIDC.RedirectURI = "http://localhost:5173/"
	cfg.OIDC.Discovery = true
	cfg.Knowledge.APIURL = "https://api.example.com"
	cfg.Knowledge.PortalID = "PZ-1"
	if err := writeConfigFile(path, cfg); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd(strings.NewReader(""), io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", path, "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	cmd = newRootCmd(strings.NewReader(""), io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected missing config file to fail")
	}
}

type stubTokens struct {
	tok tokencache.Token
}

func (s stubTokens) Token(context.Context) (string, error) { return s.tok.AccessToken, nil }

func (s stubTokens) Cached() (tokencache.Token, bool) { return s.tok, true }

func TestPrintTokenMasksValue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	err := printToken(context.Background(), &out, stubTokens{tok: tokencache.Token{
		AccessToken: "eyJhbGciOiJSUzI1NiJ9.payload.signature",
		FetchedAt:   now,
		ExpiresAt:   now.Add(55 * time.Minute),
	}})
	if err != nil {
		t.Fatalf("printToken: %v", err)
	}

	var report tokenReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Token != "eyJhbG...ture" {
		t.Fatalf("unexpected masked token %q", report.Token)
	}
	if !report.ExpiresAt.Equal(now.Add(55 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", report.ExpiresAt)
	}
}

func TestMaskShortToken(t *testing.T) {
	if got := maskToken("abc"); got != "***" {
		t.Fatalf("maskToken(abc) = %q", got)
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, httptest.NewRequest(http.MethodGet, "http://search.example.com/search?q=vpn", nil))
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://search.example.com/search?q=vpn" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestTLSVersion(t *testing.T) {
	if tlsVersion("1.3") != tls.VersionTLS13 {
		t.Fatalf("expected TLS 1.3")
	}
	if tlsVersion("1.2") != tls.VersionTLS12 || tlsVersion("") != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 default")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, discard(), "127.0.0.1:0", http.NotFoundHandler())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
