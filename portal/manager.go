// Package portal is the browser-facing search application: an OIDC session
// manager persisted in cookies plus server-rendered search views.
package portal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"kbsearch/config"
)

// State is the session manager's view of the current page load.
type State int

const (
	StateUninitialized State = iota
	StateAnonymous
	StateLoginPending
	StateAuthenticated
	StateLogoutPending
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateLoginPending:
		return "login-pending"
	case StateAuthenticated:
		return "authenticated"
	case StateLogoutPending:
		return "logout-pending"
	default:
		return "uninitialized"
	}
}

// ErrorKind classifies session manager failures.
type ErrorKind string

const (
	KindNotInitialized      ErrorKind = "not-initialized"
	KindCallbackExchange    ErrorKind = "callback-exchange-failed"
	KindProviderUnreachable ErrorKind = "provider-unreachable"
)

var (
	ErrNotInitialized      = errors.New("auth service not initialized")
	ErrCallbackExchange    = errors.New("login callback failed")
	ErrProviderUnreachable = errors.New("identity provider unreachable")
)

// Error is a session manager failure. It matches its kind's sentinel with errors.Is.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindCallbackExchange:
		return ErrCallbackExchange
	case KindProviderUnreachable:
		return ErrProviderUnreachable
	default:
		return ErrNotInitialized
	}
}

// Result is the outcome of resolving a page load.
type Result struct {
	State   State
	Session *Session
	Intent  Intent
	// Redirect is the bare path to send the browser to when the query
	// carried callback parameters.
	Redirect string
}

// ProviderFactory builds the identity provider client.
type ProviderFactory func(ctx context.Context) (Provider, error)

// Manager owns the login state of the portal.
type Manager struct {
	factory ProviderFactory
	cookies *cookieJar
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	provider Provider
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithProviderFactory replaces the OIDC provider, mainly for tests.
func WithProviderFactory(f ProviderFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithManagerClock replaces time.Now.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager prepares a session manager. No network I/O happens until Initialize.
func NewManager(cfg config.Config, keys *Keys, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		ttl:    cfg.Portal.TTL(),
		logger: logger,
		now:    time.Now,
	}
	m.factory = func(ctx context.Context) (Provider, error) {
		return NewOIDCProvider(ctx, cfg.OIDC, logger)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cookies = newCookieJar(keys, cfg.OIDC.Issuer, cfg.OIDC.ClientID, secureCookies(cfg.OIDC.RedirectURI), m.now)
	return m
}

func secureCookies(redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	return err == nil && u.Scheme == "https"
}

// Initialize builds the provider client. It is idempotent; a failed attempt
// may be retried by calling it again.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider != nil {
		return nil
	}
	p, err := m.factory(ctx)
	if err != nil {
		m.logger.Error("Failed to initialize auth service", "error", err)
		return &Error{Kind: KindProviderUnreachable, Err: err}
	}
	m.provider = p
	return nil
}

func (m *Manager) current() (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider == nil {
		return nil, &Error{Kind: KindNotInitialized}
	}
	return m.provider, nil
}

// Resolve settles the login state for a page load. Callback parameters are
// consumed and Result.Redirect names the bare path to continue on.
func (m *Manager) Resolve(w http.ResponseWriter, r *http.Request) (Result, error) {
	provider, err := m.current()
	if err != nil {
		return Result{State: StateUninitialized}, err
	}

	marker, markerErr := m.cookies.readLogoutMarker(r)
	intent := Classify(r.URL.RawQuery, markerErr == nil)

	switch intent {
	case IntentLogout:
		m.finishLogout(w, r, marker)
		return Result{State: StateAnonymous, Intent: intent, Redirect: r.URL.Path}, nil
	case IntentLogin:
		sess, err := m.finishLogin(r.Context(), w, r, provider)
		if err != nil {
			m.cookies.clearSession(w, r)
			_ = m.cookies.writeFlash(w, KindCallbackExchange, err.Error())
			return Result{State: StateAnonymous, Intent: intent, Redirect: r.URL.Path}, err
		}
		return Result{State: StateAuthenticated, Session: sess, Intent: intent, Redirect: r.URL.Path}, nil
	}

	if sess, ok := m.Current(w, r); ok {
		return Result{State: StateAuthenticated, Session: sess, Intent: intent}, nil
	}
	state := StateAnonymous
	if _, err := m.cookies.readPending(r); err == nil {
		state = StateLoginPending
	} else if markerErr == nil {
		state = StateLogoutPending
	}
	return Result{State: state, Intent: intent}, nil
}

// Current restores the persisted session. Expired or unreadable sessions
// are cleared and read as absent.
func (m *Manager) Current(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := m.cookies.readSession(r)
	if err != nil {
		if !errors.Is(err, errCookieMissing) {
			m.logger.Warn("Discarding unreadable session", "error", err)
			m.cookies.clearSession(w, r)
		}
		return nil, false
	}
	if sess.Expired(m.now()) {
		m.logger.Info("Session expired", "sub", sess.Profile.Subject)
		m.cookies.clearSession(w, r)
		return nil, false
	}
	return sess, true
}

func (m *Manager) finishLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, provider Provider) (*Session, error) {
	pending, err := m.cookies.readPending(r)
	m.cookies.clear(w, pendingCookieName)
	if err != nil {
		m.logger.Warn("Login callback without pending login", "error", err)
		return nil, &Error{Kind: KindCallbackExchange, Err: errors.New("no matching login request")}
	}

	q := r.URL.Query()
	if q.Get("state") != pending.State {
		m.logger.Warn("Login callback state mismatch")
		return nil, &Error{Kind: KindCallbackExchange, Err: errors.New("state mismatch")}
	}

	sess, err := provider.Exchange(ctx, q.Get("code"), pending.Verifier, pending.Nonce)
	if err != nil {
		m.logger.Error("Login callback failed", "error", err)
		return nil, &Error{Kind: KindCallbackExchange, Err: err}
	}
	if limit := m.now().Add(m.ttl); m.ttl > 0 && (sess.ExpiresAt.IsZero() || sess.ExpiresAt.After(limit)) {
		sess.ExpiresAt = limit
	}
	if err := m.cookies.writeSession(w, r, sess); err != nil {
		m.logger.Error("Failed to persist session", "error", err)
		return nil, &Error{Kind: KindCallbackExchange, Err: err}
	}
	m.cookies.clear(w, logoutCookieName)

	m.logger.Info("User signed in", "sub", sess.Profile.Subject, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// finishLogout never fails: whatever happens the local session ends.
func (m *Manager) finishLogout(w http.ResponseWriter, r *http.Request, marker *logoutMarker) {
	m.cookies.clear(w, logoutCookieName)
	m.cookies.clearSession(w, r)
	if got := r.URL.Query().Get("state"); marker != nil && got != marker.State {
		m.logger.Warn("Logout callback state does not match marker")
	}
	m.logger.Info("Logout callback handled")
}

// Login starts the authorization code flow with a full-page redirect.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request) error {
	provider, err := m.current()
	if err != nil {
		return err
	}

	state, err := randomString(24)
	if err != nil {
		return err
	}
	nonce, err := randomString(24)
	if err != nil {
		return err
	}
	verifier := oauth2.GenerateVerifier()

	if err := m.cookies.writePending(w, pendingLogin{State: state, Nonce: nonce, Verifier: verifier}); err != nil {
		return err
	}
	http.Redirect(w, r, provider.AuthCodeURL(state, nonce, verifier), http.StatusFound)
	return nil
}

// Logout ends the session at the provider. When the end-session redirect
// cannot be built the session is cleared locally instead.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	provider, err := m.current()
	if err != nil {
		return err
	}

	var idToken string
	if sess, ok := m.Current(w, r); ok {
		idToken = sess.IDToken
	}
	m.cookies.clearSession(w, r)

	target, err := m.beginLogout(w, provider, idToken)
	if err != nil {
		m.logger.Warn("Logout redirect failed, signing out locally", "error", err)
		m.cookies.clear(w, logoutCookieName)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return nil
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func (m *Manager) beginLogout(w http.ResponseWriter, provider Provider, idToken string) (string, error) {
	state, err := randomString(24)
	if err != nil {
		return "", err
	}
	target, err := provider.EndSessionURL(idToken, state)
	if err != nil {
		return "", err
	}
	if err := m.cookies.writeLogoutMarker(w, state); err != nil {
		return "", err
	}
	return target, nil
}

// ClearSession ends the session locally without contacting the provider.
func (m *Manager) ClearSession(w http.ResponseWriter, r *http.Request) {
	m.cookies.clearSession(w, r)
}

// UserInfo projects the session into the user details shown in the header.
func (m *Manager) UserInfo(sess *Session) *UserInfo {
	if sess == nil {
		return nil
	}
	return &UserInfo{
		ID:      sess.Profile.Subject,
		Name:    sess.Profile.Name,
		Email:   sess.Profile.Email,
		Profile: sess.Profile.Claims,
	}
}

// AccessToken returns the session's access token, or "" when anonymous.
func (m *Manager) AccessToken(sess *Session) string {
	if sess == nil {
		return ""
	}
	return sess.AccessToken
}

// Flash records a message to show on the next page render.
func (m *Manager) Flash(w http.ResponseWriter, kind ErrorKind, msg string) {
	if err := m.cookies.writeFlash(w, kind, msg); err != nil {
		m.logger.Warn("Failed to set flash message", "error", err)
	}
}

// PopFlash returns and clears the pending message.
func (m *Manager) PopFlash(w http.ResponseWriter, r *http.Request) string {
	f := m.cookies.popFlash(w, r)
	if f == nil {
		return ""
	}
	return f.Message
}

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
