// Package tokencache holds the single client-credentials access token used by
// the proxy to call the knowledge API.
package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"kbsearch/config"
)

var (
	// ErrTokenAcquisition wraps every failure to reach or parse the token endpoint.
	ErrTokenAcquisition = errors.New("failed to obtain access token")
	// ErrInvalidLifetime means the token endpoint returned no positive expires_in.
	ErrInvalidLifetime = errors.New("token endpoint returned an unusable expires_in")
)

// Token is the cached slot. It is replaced wholesale on refresh.
type Token struct {
	AccessToken string
	FetchedAt   time.Time
	ExpiresAt   time.Time
	// Clamped is set when the lifetime was shorter than the margin.
	Clamped bool
}

// Valid reports whether the token may still be served at now.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Cache returns a valid access token, refreshing it with the
// client-credentials grant when the slot is empty or stale.
type Cache struct {
	creds      clientcredentials.Config
	margin     time.Duration
	now        func() time.Time
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer

	mu    sync.RWMutex
	slot  *Token
	group singleflight.Group
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMargin overrides the safety margin subtracted from expires_in.
func WithMargin(d time.Duration) Option {
	return func(c *Cache) { c.margin = d }
}

// WithHTTPClient sets the client used to call the token endpoint.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Cache) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New builds a Cache for the given credential. No request is made until Token is called.
func New(cred config.CredentialConfig, opts ...Option) *Cache {
	c := &Cache{
		creds: clientcredentials.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			TokenURL:     cred.TokenURL,
			Scopes:       cred.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		margin: cred.Margin(),
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("kbsearch/tokencache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached access token while it is fresh and fetches a new
// one otherwise. Concurrent refreshes share a single request.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.fresh(); ok {
		return tok, nil
	}

	v, err, shared := c.group.Do("token", func() (any, error) {
		if tok, ok := c.fresh(); ok {
			return tok, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("Shared in-flight token refresh")
	}
	return v.(string), nil
}

// Cached returns a copy of the current slot, valid or not.
func (c *Cache) Cached() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.slot == nil {
		return Token{}, false
	}
	return *c.slot, true
}

func (c *Cache) fresh() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.slot != nil && c.slot.Valid(c.now()) {
		return c.slot.AccessToken, true
	}
	return "", false
}

func (c *Cache) refresh(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "tokencache.refresh",
		trace.WithAttributes(attribute.String("oauth.token_url", c.creds.TokenURL)))
	defer span.End()

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	fetchedAt := c.now()
	tok, err := c.creds.Token(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token request failed")
		c.logger.Error("Error obtaining access token", "token_url", c.creds.TokenURL, "error", err)
		return "", fmt.Errorf("%w: %w", ErrTokenAcquisition, err)
	}

	lifetime, ok := expiresIn(tok, fetchedAt)
	if !ok || lifetime <= 0 {
		err := fmt.Errorf("%w: got %v", ErrInvalidLifetime, tok.Extra("expires_in"))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid lifetime")
		c.logger.Error("Token endpoint returned invalid lifetime", "token_url", c.creds.TokenURL, "expires_in", tok.Extra("expires_in"))
		return "", err
	}

	next := Token{
		AccessToken: tok.AccessToken,
		FetchedAt:   fetchedAt,
		ExpiresAt:   fetchedAt.Add(lifetime - c.margin),
	}
	if next.ExpiresAt.Before(fetchedAt) {
		next.ExpiresAt = fetchedAt
		next.Clamped = true
		c.logger.Warn("Token lifetime shorter than safety margin, serving once", "expires_in", lifetime.String(), "margin", c.margin.String())
	}

	c.mu.Lock()
	c.slot = &next
	c.mu.Unlock()

	span.SetAttributes(attribute.Int64("oauth.expires_in_seconds", int64(lifetime/time.Second)))
	c.logger.Info("Successfully obtained access token", "expires_at", next.ExpiresAt, "clamped", next.Clamped)
	return next.AccessToken, nil
}

// expiresIn reads the raw expires_in field; oauth2 only exposes the derived
// Expiry, which is computed from the wall clock rather than the cache clock.
func expiresIn(tok *oauth2.Token, fetchedAt time.Time) (time.Duration, bool) {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case int64:
		return time.Duration(v) * time.Second, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	case nil:
		if tok.Expiry.IsZero() {
			return 0, false
		}
		return tok.Expiry.Sub(fetchedAt), true
	default:
		return 0, false
	}
}
