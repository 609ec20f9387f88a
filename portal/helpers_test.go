package portal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbsearch/config"
)

type exchangeCall struct {
	Code, Verifier, Nonce string
}

type stubProvider struct {
	mu          sync.Mutex
	exchangeErr error
	endSession  string
	endErr      error
	session     *Session
	exchanges   []exchangeCall
}

func (p *stubProvider) AuthCodeURL(state, nonce, verifier string) string {
	q := url.Values{"state": {state}, "nonce": {nonce}, "verifier": {verifier}}
	return "https://idp.example.com/authorize?" + q.Encode()
}

func (p *stubProvider) Exchange(_ context.Context, code, verifier, nonce string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges = append(p.exchanges, exchangeCall{Code: code, Verifier: verifier, Nonce: nonce})
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	sess := *p.session
	return &sess, nil
}

func (p *stubProvider) EndSessionURL(idTokenHint, state string) (string, error) {
	if p.endErr != nil {
		return "", p.endErr
	}
	q := url.Values{"id_token_hint": {idTokenHint}, "state": {state}}
	return p.endSession + "?" + q.Encode(), nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.OIDC.Issuer = "https://idp.example.com/tenant"
	cfg.OIDC.ClientID = "portal-client"
	cfg.OIDC.RedirectURI = "http://localhost:5173/"
	cfg.OIDC.PostLogoutRedirectURI = "http://localhost:5173/"
	cfg.Portal.SessionTTL = "12h"
	return cfg
}

func testKeys(t *testing.T) *Keys {
	t.Helper()
	keys, err := DeriveKeys(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	return keys
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStubProvider(clock *testClock) *stubProvider {
	return &stubProvider{
		endSession: "https://idp.example.com/connect/logout",
		session: &Session{
			Profile:     Profile{Subject: "user-1", Name: "Ada Lovelace", Email: "ada@example.com"},
			AccessToken: "at-1",
			IDToken:     "id-1",
			ExpiresAt:   clock.Now().Add(time.Hour),
		},
	}
}

func newTestManager(t *testing.T, provider Provider, clock *testClock) *Manager {
	t.Helper()
	m := NewManager(testConfig(), testKeys(t), discardLogger(),
		WithProviderFactory(func(context.Context) (Provider, error) { return provider, nil }),
		WithManagerClock(clock.Now),
	)
	return m
}

// browser carries cookies between requests the way a user agent would.
type browser struct {
	cookies map[string]*http.Cookie
}

func newBrowser() *browser {
	return &browser{cookies: map[string]*http.Cookie{}}
}

func (b *browser) request(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

func (b *browser) absorb(rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
}

func (b *browser) has(name string) bool {
	_, ok := b.cookies[name]
	return ok
}

// login drives a full login through the manager and returns the browser.
func login(t *testing.T, m *Manager) *browser {
	t.Helper()
	b := newBrowser()

	rec := httptest.NewRecorder()
	require.NoError(t, m.Login(rec, b.request(http.MethodPost, "/login")))
	require.Equal(t, http.StatusFound, rec.Code)
	b.absorb(rec)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	rec = httptest.NewRecorder()
	res, err := m.Resolve(rec, b.request(http.MethodGet, "/?code=good&state="+url.QueryEscape(state)))
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, res.State)
	b.absorb(rec)
	return b
}

var errStub = errors.New("stub failure")
