// Package knowledge is a thin client for the vendor knowledge and AI services REST API.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"kbsearch/config"
)

// ErrNoToken is returned when a caller has no access token to offer.
var ErrNoToken = errors.New("no access token available")

const maxErrorBody = 4 << 10

// TokenProvider supplies the bearer token for each call.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a token the caller already holds,
// such as the signed-in user's access token.
type StaticToken string

// Token returns the wrapped token.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// APIError is a non-2xx response from the vendor API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("knowledge api: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("knowledge api: unexpected status %d: %s", e.Status, e.Body)
}

// Result is the projection of a search hit the portal renders.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Article is the projection of an article the portal renders.
type Article struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Client calls the vendor API on behalf of one portal.
type Client struct {
	baseURL        string
	portalID       string
	language       string
	acceptLanguage string
	channel        string
	tokens         TokenProvider
	http           *http.Client
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a client for cfg that authenticates with tokens.
func New(cfg config.KnowledgeConfig, tokens TokenProvider, opts ...Option) *Client {
	timeout := cfg.RequestTimeout()
	c := &Client{
		baseURL:        strings.TrimSuffix(cfg.APIURL, "/"),
		portalID:       cfg.PortalID,
		language:       cfg.Language,
		acceptLanguage: cfg.AcceptLanguage,
		channel:        cfg.Channel,
		tokens:         tokens,
		http:           &http.Client{Transport: NewTransport(timeout), Timeout: timeout},
		logger:         slog.Default(),
		tracer:         otel.Tracer("kbsearch/knowledge"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTokens returns a copy of c that authenticates with tokens.
func (c *Client) WithTokens(tokens TokenProvider) *Client {
	cp := *c
	cp.tokens = tokens
	return &cp
}

// PortalID returns the portal the client is bound to.
func (c *Client) PortalID() string {
	return c.portalID
}

// NewTransport returns the outbound transport used for vendor calls.
func NewTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type retrieveRequest struct {
	Channel struct {
		Name string `json:"name"`
	} `json:"channel"`
}

// RetrieveChunks asks the AI services retrieval endpoint for passages
// matching q. The response body is returned verbatim.
func (c *Client) RetrieveChunks(ctx context.Context, q string) (json.RawMessage, error) {
	var body retrieveRequest
	body.Channel.Name = c.channel
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode retrieve request: %w", err)
	}

	query := url.Values{}
	query.Set("q", q)
	query.Set("language", c.language)

	path := "/core/aiservices/v4/portals/" + url.PathEscape(c.portalID) + "/retrieve"
	return c.do(ctx, "knowledge.retrieve_chunks", http.MethodPost, path, query, payload)
}

// AISearch runs an AI search over the portal. It returns the raw response
// together with the hits it could decode.
func (c *Client) AISearch(ctx context.Context, q string) (json.RawMessage, []Result, error) {
	query := url.Values{}
	query.Set("q", q)
	query.Set("language", c.language)

	path := "/knowledge/portalmgr/v4/portals/" + url.PathEscape(c.portalID) + "/search"
	raw, err := c.do(ctx, "knowledge.ai_search", http.MethodGet, path, query, nil)
	if err != nil {
		return nil, nil, err
	}
	results, err := decodeResults(raw)
	if err != nil {
		return raw, nil, err
	}
	return raw, results, nil
}

// ArticleByID fetches one article including its content.
func (c *Client) ArticleByID(ctx context.Context, id string) (json.RawMessage, *Article, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil, errors.New("article id is required")
	}
	query := url.Values{}
	query.Set("language", c.language)
	query.Set("articleAdditionalAttributes", "content")

	path := "/knowledge/portalmgr/v4/portals/" + url.PathEscape(c.portalID) + "/articles/" + url.PathEscape(id)
	raw, err := c.do(ctx, "knowledge.article_by_id", http.MethodGet, path, query, nil)
	if err != nil {
		return nil, nil, err
	}
	var article Article
	if err := json.Unmarshal(raw, &article); err != nil {
		return raw, nil, fmt.Errorf("decode article: %w", err)
	}
	return raw, &article, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload []byte) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("knowledge.portal_id", c.portalID)))
	defer span.End()

	fail := func(err error) (json.RawMessage, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if c.tokens == nil {
		return fail(ErrNoToken)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", op, err))
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fail(fmt.Errorf("%s: build request: %w", op, err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if c.acceptLanguage != "" {
		req.Header.Set("Accept-Language", c.acceptLanguage)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("Knowledge API request failed", "op", op, "error", err)
		return fail(fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.logger.Debug("Knowledge API call", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		c.logger.Error("Knowledge API returned error status", "op", op, "status", resp.StatusCode)
		return fail(apiErr)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("%s: read response: %w", op, err))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		return fail(fmt.Errorf("%s: response is not valid JSON", op))
	}
	return json.RawMessage(raw), nil
}

// decodeResults accepts either a bare array of hits or an object carrying
// the list under one of the keys the API has used.
func decodeResults(raw json.RawMessage) ([]Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var results []Result
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("decode search results: %w", err)
		}
		return results, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	for _, key := range []string{"searchResults", "results", "article"} {
		list, ok := envelope[key]
		if !ok {
			continue
		}
		var results []Result
		if err := json.Unmarshal(list, &results); err != nil {
			return nil, fmt.Errorf("decode search results %s: %w", key, err)
		}
		return results, nil
	}
	return nil, nil
}
