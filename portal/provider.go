package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"kbsearch/config"
)

// ErrNoEndSession means the provider advertises no end-session endpoint.
var ErrNoEndSession = errors.New("provider has no end_session_endpoint")

// Provider is the minimal behaviour required from the identity provider.
type Provider interface {
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, verifier, nonce string) (*Session, error)
	EndSessionURL(idTokenHint, state string) (string, error)
}

// OIDCProvider talks to the configured OpenID Connect provider.
type OIDCProvider struct {
	oauthConfig    *oauth2.Config
	verifier       *oidc.IDTokenVerifier
	endSession     string
	postLogoutURI  string
	clientID       string
	skipSignatures bool
	logger         *slog.Logger
}

// NewOIDCProvider builds the provider from static metadata, or through
// discovery when cfg.Discovery is set.
func NewOIDCProvider(ctx context.Context, cfg config.OIDCConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	var (
		op         *oidc.Provider
		endSession = cfg.EndSessionEndpoint
		jwksURI    = cfg.JWKSURI
	)
	if cfg.Discovery {
		discovered, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider: %w", err)
		}
		var extra struct {
			EndSessionEndpoint string `json:"end_session_endpoint"`
			JWKSURI            string `json:"jwks_uri"`
		}
		if err := discovered.Claims(&extra); err != nil {
			return nil, fmt.Errorf("parse discovery document: %w", err)
		}
		if endSession == "" {
			endSession = extra.EndSessionEndpoint
		}
		jwksURI = extra.JWKSURI
		op = discovered
	} else {
		op = (&oidc.ProviderConfig{
			IssuerURL:  cfg.Issuer,
			AuthURL:    cfg.AuthorizationEndpoint,
			TokenURL:   cfg.TokenEndpoint,
			JWKSURL:    cfg.JWKSURI,
			Algorithms: cfg.Algorithms,
		}).NewProvider(ctx)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = config.DefaultOIDCScopes
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}

	// Without a key set the ID token is trusted on the strength of the TLS
	// connection to the token endpoint, as OIDC Core 3.1.3.7 permits.
	skip := jwksURI == ""
	if skip {
		logger.Warn("No jwks_uri configured, ID token signatures will not be checked", "issuer", cfg.Issuer)
	}
	verifier := op.Verifier(&oidc.Config{
		ClientID:                   cfg.ClientID,
		SupportedSigningAlgs:       cfg.Algorithms,
		InsecureSkipSignatureCheck: skip,
	})

	postLogout := cfg.PostLogoutRedirectURI
	if postLogout == "" {
		postLogout = cfg.RedirectURI
	}

	return &OIDCProvider{
		oauthConfig:    oauthCfg,
		verifier:       verifier,
		endSession:     endSession,
		postLogoutURI:  postLogout,
		clientID:       cfg.ClientID,
		skipSignatures: skip,
		logger:         logger,
	}, nil
}

// AuthCodeURL constructs the authorization request with PKCE and nonce.
func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange redeems the code, verifies the ID token and returns the new session.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, nonce string) (*Session, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, errors.New("nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = idToken.Expiry
	}

	return &Session{
		Profile:     profileFromClaims(idToken.Subject, claims),
		AccessToken: tok.AccessToken,
		IDToken:     rawIDToken,
		ExpiresAt:   expiresAt.UTC().Truncate(time.Second),
	}, nil
}

// EndSessionURL builds the RP-initiated logout redirect.
func (p *OIDCProvider) EndSessionURL(idTokenHint, state string) (string, error) {
	if p.endSession == "" {
		return "", ErrNoEndSession
	}
	u, err := url.Parse(p.endSession)
	if err != nil {
		return "", fmt.Errorf("parse end_session_endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("end_session_endpoint is not absolute: %s", p.endSession)
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if p.postLogoutURI != "" {
		q.Set("post_logout_redirect_uri", p.postLogoutURI)
	}
	q.Set("client_id", p.clientID)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func profileFromClaims(subject string, claims map[string]any) Profile {
	p := Profile{Subject: subject, Claims: claims}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		p.Name = preferred
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(p.Email)
	}
	return p
}
