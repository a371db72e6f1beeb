// Package api is the authenticated request pipeline between CarePrep
// features and the backend. Every request carries the session's current
// bearer token when one exists; responses are handed back as opaque JSON.
//
// A 401 is replayed once with a force-refreshed token when the request body
// can be replayed. A second rejection surfaces as *UnauthorizedError, which
// features pass to a Dispatcher instead of handling themselves.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/careprep/careprep-go/internal/logctx"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is used when no backend URL is configured.
	DefaultBaseURL = "https://careprep-ai-backend.onrender.com"

	requestIDHeader  = "X-Request-ID"
	maxResponseBytes = 32 << 20
	defaultTimeout   = 60 * time.Second
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// TokenSource yields the bearer token for outgoing requests. An empty token
// with a nil error means no session; the request goes out unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceToken(ctx context.Context) (string, error)
}

// Recorder observes pipeline activity.
type Recorder interface {
	ObserveRequest(method string, status int, d time.Duration)
	RecordRefreshRetry()
	RecordUnauthorizedRedirect()
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, int, time.Duration) {}
func (nopRecorder) RecordRefreshRetry()                       {}
func (nopRecorder) RecordUnauthorizedRedirect()               {}

type noTokens struct{}

func (noTokens) Token(context.Context) (string, error)      { return "", nil }
func (noTokens) ForceToken(context.Context) (string, error) { return "", nil }

// Client issues backend requests.
type Client struct {
	base    *url.URL
	hc      *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	metrics Recorder
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying client. Its Transport is wrapped, not
// replaced.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRateLimit throttles outgoing requests, replays included.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithMetrics records request outcomes to r.
func WithMetrics(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.metrics = r
		}
	}
}

// New creates a Client for the backend at baseURL. A nil tokens sends every
// request unauthenticated.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("api: base URL must be an absolute http(s) URL, got %q", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if tokens == nil {
		tokens = noTokens{}
	}

	c := &Client{
		base:    u,
		hc:      &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
		metrics: nopRecorder{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.hc
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc.Transport = &bearerTransport{next: next, tokens: c.tokens}
	c.hc = &hc
	return c, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with in encoded as JSON. A nil in sends no body.
func (c *Client) Post(ctx context.Context, path string, in any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, path, in)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// Do issues a request with an optional JSON body. A successful response
// with an empty body yields a nil RawMessage.
func (c *Client) Do(ctx context.Context, method, path string, in any) (json.RawMessage, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("api: encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

// Upload streams r as a multipart form with one file part. The body cannot
// be replayed, so a 401 is returned without a refresh retry.
func (c *Client) Upload(ctx context.Context, path, field, filename string, r io.Reader) (json.RawMessage, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(field, filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, path, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("api: invalid path %q: %w", path, err)
	}
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = ""
	if ref.RawPath != "" {
		u.RawPath = c.base.Path + "/" + strings.TrimLeft(ref.RawPath, "/")
	}
	u.RawQuery = ref.RawQuery

	id := uuid.NewString()
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{RequestID: id, Method: method, Path: ref.Path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, id)
	return req, nil
}

func (c *Client) send(req *http.Request) (json.RawMessage, error) {
	ctx := req.Context()
	raw, err := c.attempt(req)

	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		return raw, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		c.log.DebugContext(ctx, "api.retry.skipped", slog.String("reason", "body not replayable"))
		return nil, err
	}
	tok, ferr := c.tokens.ForceToken(ctx)
	if ferr != nil {
		c.log.WarnContext(ctx, "api.token.refresh.fail", slog.String("err", ferr.Error()))
		return nil, err
	}
	if tok == "" {
		return nil, err
	}

	retry := req.Clone(withToken(ctx, tok))
	if req.GetBody != nil {
		body, gerr := req.GetBody()
		if gerr != nil {
			return nil, err
		}
		retry.Body = body
	}
	c.metrics.RecordRefreshRetry()
	c.log.InfoContext(ctx, "api.retry.refreshed")

	raw, err = c.attempt(retry)
	if errors.As(err, &ue) {
		ue.Retried = true
	}
	return raw, err
}

func (c *Client) attempt(req *http.Request) (json.RawMessage, error) {
	ctx := req.Context()
	path := strings.TrimPrefix(req.URL.Path, c.base.Path)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if req.Body != nil {
				req.Body.Close()
			}
			return nil, &NetworkError{Method: req.Method, Path: path, Err: err}
		}
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(req.Method, 0, time.Since(start))
		c.log.WarnContext(ctx, "api.request.fail", slog.String("err", err.Error()))
		return nil, &NetworkError{Method: req.Method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.ObserveRequest(req.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, &NetworkError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Err: err}
	}
	c.log.DebugContext(ctx, "api.request", slog.Int("status", resp.StatusCode), slog.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.log.InfoContext(ctx, "api.request.unauthorized")
		return nil, &UnauthorizedError{Method: req.Method, Path: path, Challenge: resp.Header.Get("WWW-Authenticate")}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &NetworkError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: body}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt := contenttype.NewMediaType(ct)
		if !mt.Matches(jsonMediaType) {
			return nil, &NetworkError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: body,
				Err: fmt.Errorf("%w: %q", ErrUnexpectedMediaType, ct)}
		}
	}
	if !json.Valid(body) {
		return nil, &NetworkError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: body, Err: ErrMalformedResponse}
	}
	return json.RawMessage(body), nil
}

type tokenKey struct{}

func withToken(ctx context.Context, tok string) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// bearerTransport attaches the session token to every outgoing request.
type bearerTransport struct {
	next   http.RoundTripper
	tokens TokenSource
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, ok := req.Context().Value(tokenKey{}).(string)
	if !ok {
		var err error
		tok, err = t.tokens.Token(req.Context())
		if err != nil {
			if req.Body != nil {
				req.Body.Close()
			}
			return nil, fmt.Errorf("%w: %w", ErrToken, err)
		}
	}
	if tok == "" {
		return t.next.RoundTrip(req)
	}
	r2 := req.Clone(req.Context())
	r2.Header.Set("Authorization", "Bearer "+tok)
	return t.next.RoundTrip(r2)
}
