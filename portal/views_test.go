package portal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbsearch/knowledge"
)

type stubSearcher struct {
	mu         sync.Mutex
	results    []knowledge.Result
	searchErr  error
	article    *knowledge.Article
	articleErr error
	tokens     []string
}

func (s *stubSearcher) Search(_ context.Context, token, _ string) ([]knowledge.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return s.results, s.searchErr
}

func (s *stubSearcher) Article(_ context.Context, token, _ string) (*knowledge.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return s.article, s.articleErr
}

type portalFixture struct {
	handler  http.Handler
	manager  *Manager
	provider *stubProvider
	search   *stubSearcher
}

func newPortal(t *testing.T) *portalFixture {
	t.Helper()
	clock := newClock()
	provider := newStubProvider(clock)
	m := newTestManager(t, provider, clock)
	search := &stubSearcher{}

	cfg := testConfig()
	h, err := NewHandler(cfg.Portal, m, search, discardLogger())
	require.NoError(t, err)
	return &portalFixture{handler: h.Routes(cfg), manager: m, provider: provider, search: search}
}

func (f *portalFixture) do(b *browser, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, b.request(method, target))
	b.absorb(rec)
	return rec
}

// signIn walks the login button, the provider round trip and the callback.
func (f *portalFixture) signIn(t *testing.T) *browser {
	t.Helper()
	b := newBrowser()
	rec := f.do(b, http.MethodPost, "/login")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	rec = f.do(b, http.MethodGet, "/?code=good&state="+url.QueryEscape(loc.Query().Get("state")))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))
	return b
}

func TestAnonymousHomeShowsLogin(t *testing.T) {
	f := newPortal(t)
	rec := f.do(newBrowser(), http.MethodGet, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Welcome to AI Search")
	assert.Contains(t, body, "Login with eGain")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestSignedInHomeShowsSearch(t *testing.T) {
	f := newPortal(t)
	b := f.signIn(t)

	rec := f.do(b, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Ada Lovelace")
	assert.Contains(t, body, `action="/logout"`)
	assert.Contains(t, body, `name="q"`)
}

func TestFailedCallbackShowsError(t *testing.T) {
	f := newPortal(t)
	b := newBrowser()
	f.do(b, http.MethodPost, "/login")

	rec := f.do(b, http.MethodGet, "/?code=good&state=forged")
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = f.do(b, http.MethodGet, "/")
	body := rec.Body.String()
	assert.Contains(t, body, "login callback failed")
	assert.Contains(t, body, "Login with eGain")

	rec = f.do(b, http.MethodGet, "/")
	assert.NotContains(t, rec.Body.String(), "login callback failed", "flash is shown once")
}

func TestSearchRequiresSession(t *testing.T) {
	f := newPortal(t)
	rec := f.do(newBrowser(), http.MethodGet, "/search?q=vpn")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rec = f.do(newBrowser(), http.MethodGet, "/articles/A1")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestSearchResults(t *testing.T) {
	f := newPortal(t)
	f.search.results = []knowledge.Result{
		{ID: "A1", Name: "VPN setup", Content: `<p>Install the client</p><script>alert(1)</script>`},
		{ID: "A2", Name: "VPN errors", Content: "<b>Error 809</b>"},
	}
	b := f.signIn(t)

	rec := f.do(b, http.MethodGet, "/search?q=vpn")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `2 search results found for "vpn"`)
	assert.Contains(t, body, "VPN setup")
	assert.Contains(t, body, "<p>Install the client</p>")
	assert.Contains(t, body, "<b>Error 809</b>")
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, `href="/articles/A1?q=vpn"`)
	assert.Equal(t, []string{"at-1"}, f.search.tokens)
}

func TestSearchSingleResultWording(t *testing.T) {
	f := newPortal(t)
	f.search.results = []knowledge.Result{{ID: "A1", Name: "VPN setup"}}
	b := f.signIn(t)

	body := f.do(b, http.MethodGet, "/search?q=vpn").Body.String()
	assert.Contains(t, body, `1 search result found for "vpn"`)
}

func TestSearchNoResults(t *testing.T) {
	f := newPortal(t)
	b := f.signIn(t)

	body := f.do(b, http.MethodGet, "/search?q=zzz").Body.String()
	assert.Contains(t, body, `No results found for "zzz". Try a different search term.`)
}

func TestEmptyQueryDoesNotSearch(t *testing.T) {
	f := newPortal(t)
	b := f.signIn(t)

	body := f.do(b, http.MethodGet, "/search?q=%20%20").Body.String()
	assert.NotContains(t, body, "No results found")
	assert.Empty(t, f.search.tokens)
}

func TestSearchFailure(t *testing.T) {
	f := newPortal(t)
	f.search.searchErr = &knowledge.APIError{Status: http.StatusUnauthorized, Body: "expired"}
	b := f.signIn(t)

	body := f.do(b, http.MethodGet, "/search?q=vpn").Body.String()
	assert.Contains(t, body, "Search failed")
	assert.Contains(t, body, "Dismiss")
	assert.NotContains(t, body, "No results found")
	assert.NotContains(t, body, "expired")
}

func TestArticleView(t *testing.T) {
	f := newPortal(t)
	f.search.article = &knowledge.Article{ID: "A1", Name: "VPN setup", Content: `<h2>Steps</h2><img src="x" onerror="alert(1)">`}
	b := f.signIn(t)

	rec := f.do(b, http.MethodGet, "/articles/A1?q=vpn")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "VPN setup")
	assert.Contains(t, body, "<h2>Steps</h2>")
	assert.NotContains(t, body, "onerror")
	assert.Contains(t, body, "Back to Search Results")
	assert.Contains(t, body, `href="/search?q=vpn"`)
}

func TestArticleFailureFallsBackToResults(t *testing.T) {
	f := newPortal(t)
	f.search.articleErr = &knowledge.APIError{Status: http.StatusNotFound}
	f.search.results = []knowledge.Result{{ID: "A2", Name: "VPN errors"}}
	b := f.signIn(t)

	body := f.do(b, http.MethodGet, "/articles/A1?q=vpn").Body.String()
	assert.Contains(t, body, "Failed to load article details")
	assert.Contains(t, body, "VPN errors")
}

func TestLogoutThroughRouter(t *testing.T) {
	f := newPortal(t)
	b := f.signIn(t)

	rec := f.do(b, http.MethodPost, "/logout")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", loc.Host)

	rec = f.do(b, http.MethodGet, "/?state="+url.QueryEscape(loc.Query().Get("state")))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = f.do(b, http.MethodGet, "/")
	assert.Contains(t, rec.Body.String(), "Login with eGain")
}

func TestCallbackPath(t *testing.T) {
	assert.Equal(t, "/", callbackPath("http://localhost:5173"))
	assert.Equal(t, "/", callbackPath("http://localhost:5173/"))
	assert.Equal(t, "/auth/callback", callbackPath("https://portal.example.com/auth/callback"))
	assert.Equal(t, "/", callbackPath("::bad"))
}
