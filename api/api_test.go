package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/careprep/careprep-go/api/apitest"
	"github.com/careprep/careprep-go/auth/authtest"
	"github.com/careprep/careprep-go/guard"
	"golang.org/x/time/rate"
)

// fakeTokens hands out cur until forced, then fresh.
type fakeTokens struct {
	mu     sync.Mutex
	cur    string
	fresh  string
	forced int
	err    error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur, f.err
}

func (f *fakeTokens) ForceToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	if f.fresh != "" {
		f.cur = f.fresh
	}
	return f.cur, f.err
}

func (f *fakeTokens) forcedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

// recorder captures what the test server saw.
type recorder struct {
	mu     sync.Mutex
	auths  []string
	ids    []string
	bodies []string
}

func (r *recorder) add(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auths = append(r.auths, req.Header.Get("Authorization"))
	r.ids = append(r.ids, req.Header.Get("X-Request-ID"))
	r.bodies = append(r.bodies, string(body))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.auths)
}

// acceptOnly serves 200 for the accepted bearer token and 401 otherwise.
func acceptOnly(t *testing.T, accepted string, rec *recorder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		if r.Header.Get("Authorization") != "Bearer "+accepted {
			w.Header().Set("WWW-Authenticate", `Bearer realm="test", error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"ok":true,"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL string, tokens TokenSource, opts ...Option) *Client {
	t.Helper()
	c, err := New(baseURL, tokens, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_ValidatesBaseURL(t *testing.T) {
	for _, bad := range []string{"ftp://x", "/relative", "http://"} {
		if _, err := New(bad, nil); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	c, err := New("", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BaseURL() != DefaultBaseURL {
		t.Fatalf("base URL = %q", c.BaseURL())
	}
}

func TestBearerAttachedWhenPresent(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "t1", rec)
	c := newClient(t, srv.URL, &fakeTokens{cur: "t1"})

	raw, err := c.Get(context.Background(), "/symptoms/list")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out["path"] != "/symptoms/list" {
		t.Fatalf("unexpected body %s (%v)", raw, err)
	}
	if rec.auths[0] != "Bearer t1" {
		t.Fatalf("authorization = %q", rec.auths[0])
	}
	if rec.ids[0] == "" {
		t.Fatal("expected X-Request-ID")
	}
}

func TestAbsentTokenSendsUnauthenticated(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "t1", rec)
	tokens := &fakeTokens{}
	c := newClient(t, srv.URL, tokens)

	_, err := c.Get(context.Background(), "/symptoms/list")
	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if ue.Retried {
		t.Fatal("no token should mean no retry")
	}
	if rec.auths[0] != "" {
		t.Fatalf("expected no authorization header, got %q", rec.auths[0])
	}
	if rec.count() != 1 {
		t.Fatalf("expected one request, got %d", rec.count())
	}
}

func TestUnauthorizedRetriesOnceWithForcedToken(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "fresh", rec)
	tokens := &fakeTokens{cur: "stale", fresh: "fresh"}
	c := newClient(t, srv.URL, tokens)

	raw, err := c.Post(context.Background(), "/symptoms/add", map[string]any{"symptom": "cough", "severity": 4})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if raw == nil {
		t.Fatal("expected body")
	}
	if rec.count() != 2 || tokens.forcedCount() != 1 {
		t.Fatalf("requests=%d forced=%d", rec.count(), tokens.forcedCount())
	}
	if rec.auths[1] != "Bearer fresh" {
		t.Fatalf("retry authorization = %q", rec.auths[1])
	}
	if rec.bodies[0] == "" || rec.bodies[0] != rec.bodies[1] {
		t.Fatalf("body not replayed: %q vs %q", rec.bodies[0], rec.bodies[1])
	}
	if rec.ids[0] != rec.ids[1] {
		t.Fatal("retry should keep the request ID")
	}
}

func TestUnauthorizedAfterRetry(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "never", rec)
	tokens := &fakeTokens{cur: "stale", fresh: "also-bad"}
	c := newClient(t, srv.URL, tokens)

	_, err := c.Get(context.Background(), "/documents/list")
	var ue *UnauthorizedError
	if !errors.As(err, &ue) || !ue.Retried {
		t.Fatalf("expected retried UnauthorizedError, got %v", err)
	}
	if ue.Method != http.MethodGet || ue.Path != "/documents/list" || !strings.Contains(ue.Challenge, "invalid_token") {
		t.Fatalf("unexpected error fields %+v", ue)
	}
	if rec.count() != 2 {
		t.Fatalf("expected exactly one retry, got %d requests", rec.count())
	}
}

func TestForceRefreshFailureSkipsRetry(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "never", rec)
	c := newClient(t, srv.URL, tokenFunc{
		token: func(context.Context) (string, error) { return "stale", nil },
		force: func(context.Context) (string, error) { return "", errors.New("refresh revoked") },
	})

	_, err := c.Get(context.Background(), "/ai/summary")
	if !IsUnauthorized(err) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected no retry, got %d requests", rec.count())
	}
}

type tokenFunc struct {
	token func(context.Context) (string, error)
	force func(context.Context) (string, error)
}

func (f tokenFunc) Token(ctx context.Context) (string, error)      { return f.token(ctx) }
func (f tokenFunc) ForceToken(ctx context.Context) (string, error) { return f.force(ctx) }

func TestUploadIsNotReplayed(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "fresh", rec)
	tokens := &fakeTokens{cur: "stale", fresh: "fresh"}
	c := newClient(t, srv.URL, tokens)

	_, err := c.Documents().Upload(context.Background(), "notes.pdf", strings.NewReader("%PDF-1.4"))
	if !IsUnauthorized(err) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if rec.count() != 1 || tokens.forcedCount() != 0 {
		t.Fatalf("requests=%d forced=%d", rec.count(), tokens.forcedCount())
	}
}

func TestNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/boom":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
		case "/html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		case "/garbage":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{not json"))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()
	c := newClient(t, srv.URL, &fakeTokens{cur: "t"})
	ctx := context.Background()

	var ne *NetworkError
	if _, err := c.Get(ctx, "/boom"); !errors.As(err, &ne) || ne.StatusCode != 500 || string(ne.Body) != `{"error":"boom"}` {
		t.Fatalf("expected 500 NetworkError, got %v", err)
	}
	if _, err := c.Get(ctx, "/forbidden"); !errors.As(err, &ne) || ne.StatusCode != 403 || IsUnauthorized(err) {
		t.Fatalf("expected 403 NetworkError, got %v", err)
	}
	if _, err := c.Get(ctx, "/html"); !errors.Is(err, ErrUnexpectedMediaType) {
		t.Fatalf("expected media type error, got %v", err)
	}
	if _, err := c.Get(ctx, "/garbage"); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	raw, err := c.Delete(ctx, "/empty")
	if err != nil || raw != nil {
		t.Fatalf("expected empty success, got %s, %v", raw, err)
	}
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url, nil)
	_, err := c.Get(context.Background(), "/symptoms/list")
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != 0 || ne.Err == nil {
		t.Fatalf("expected transport NetworkError, got %v", err)
	}
}

func TestTokenFailureIsNetworkError(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "t", rec)
	c := newClient(t, srv.URL, &fakeTokens{err: errors.New("keychain locked")})

	_, err := c.Get(context.Background(), "/symptoms/list")
	if !errors.Is(err, ErrToken) {
		t.Fatalf("expected ErrToken, got %v", err)
	}
	if rec.count() != 0 {
		t.Fatal("request should not have been sent")
	}
}

func TestRateLimit(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "t", rec)
	c := newClient(t, srv.URL, &fakeTokens{cur: "t"}, WithRateLimit(rate.Every(time.Hour), 1))

	if _, err := c.Get(context.Background(), "/a"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "/b")
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != 0 {
		t.Fatalf("expected throttled NetworkError, got %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("throttled request reached the server")
	}
}

type countingRecorder struct {
	mu        sync.Mutex
	statuses  []int
	retries   int
	redirects int
}

func (r *countingRecorder) ObserveRequest(_ string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *countingRecorder) RecordRefreshRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *countingRecorder) RecordUnauthorizedRedirect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirects++
}

func TestMetrics(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "fresh", rec)
	m := &countingRecorder{}
	c := newClient(t, srv.URL, &fakeTokens{cur: "stale", fresh: "fresh"}, WithMetrics(m))

	if _, err := c.Get(context.Background(), "/x"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(m.statuses) != 2 || m.statuses[0] != 401 || m.statuses[1] != 200 || m.retries != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestDispatcher(t *testing.T) {
	var navigated []string
	m := &countingRecorder{}
	d := NewDispatcher(guard.NavigatorFunc(func(p string) { navigated = append(navigated, p) }), DispatchMetrics(m))
	ctx := context.Background()

	if d.Handle(ctx, &NetworkError{Method: "GET", Path: "/x", StatusCode: 500}) {
		t.Fatal("network errors are not consumed")
	}
	if d.Handle(ctx, nil) {
		t.Fatal("nil is not consumed")
	}
	if !d.Handle(ctx, &UnauthorizedError{Method: "GET", Path: "/x"}) {
		t.Fatal("unauthorized should be consumed")
	}
	if len(navigated) != 1 || navigated[0] != guard.PathLogin || m.redirects != 1 {
		t.Fatalf("navigated=%v redirects=%d", navigated, m.redirects)
	}
}

func TestPipelineNeverNavigates(t *testing.T) {
	rec := &recorder{}
	srv := acceptOnly(t, "never", rec)
	var navigated int
	d := NewDispatcher(guard.NavigatorFunc(func(string) { navigated++ }))
	c := newClient(t, srv.URL, &fakeTokens{cur: "t"})

	_, err := c.Get(context.Background(), "/chat")
	if navigated != 0 {
		t.Fatal("pipeline navigated on its own")
	}
	if !d.Handle(context.Background(), err) || navigated != 1 {
		t.Fatalf("dispatcher did not navigate for %v", err)
	}
}

func TestServicesAgainstBackend(t *testing.T) {
	tokens := authtest.NewTokens()
	tokens.Grant("ann-token", authtest.User{ID: "ann", Mail: "ann@x.com"})
	backend := apitest.New(tokens)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c := newClient(t, srv.URL, &fakeTokens{cur: "ann-token"})
	ctx := context.Background()

	raw, err := c.Verify(ctx)
	if err != nil || !strings.Contains(string(raw), `"uid":"ann"`) {
		t.Fatalf("Verify: %s, %v", raw, err)
	}

	if _, err := c.Symptoms().Summary(ctx); err == nil {
		t.Fatal("summary with no symptoms should fail")
	}
	raw, err = c.Symptoms().Add(ctx, map[string]any{"symptom": "headache", "severity": 7, "date": "2026-10-01"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	var added struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &added)
	if raw, err = c.Symptoms().List(ctx); err != nil || !strings.Contains(string(raw), "headache") {
		t.Fatalf("List: %s, %v", raw, err)
	}
	if raw, err = c.Symptoms().Summary(ctx); err != nil || !strings.Contains(string(raw), "headache") {
		t.Fatalf("Summary: %s, %v", raw, err)
	}
	if _, err := c.Symptoms().Delete(ctx, added.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	raw, err = c.Documents().Upload(ctx, "visit.pdf", strings.NewReader("%PDF-1.4 notes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	var up struct {
		Document apitest.Document `json:"document"`
	}
	if err := json.Unmarshal(raw, &up); err != nil || up.Document.FileName != "visit.pdf" || up.Document.Size != 14 {
		t.Fatalf("unexpected upload response %s", raw)
	}
	if _, err := c.Documents().Processed(ctx, up.Document.ID); err == nil {
		t.Fatal("unprocessed document should 404")
	}
	if _, err := c.AI().Summarize(ctx, up.Document.ID); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if raw, err = c.Documents().Processed(ctx, up.Document.ID); err != nil || !strings.Contains(string(raw), "visit.pdf") {
		t.Fatalf("Processed: %s, %v", raw, err)
	}
	if raw, err = c.VisitSummaries().Latest(ctx); err != nil || !strings.Contains(string(raw), up.Document.ID) {
		t.Fatalf("Latest: %s, %v", raw, err)
	}
	var list struct {
		Summaries []apitest.VisitSummary `json:"summaries"`
	}
	raw, err = c.VisitSummaries().List(ctx)
	if err != nil || json.Unmarshal(raw, &list) != nil || len(list.Summaries) != 1 {
		t.Fatalf("List summaries: %s, %v", raw, err)
	}
	if _, err := c.VisitSummaries().Get(ctx, list.Summaries[0].ID); err != nil {
		t.Fatalf("Get summary: %v", err)
	}
	if raw, err = c.AI().Chat(ctx, "my cough", ModePreVisit, map[string]any{"symptoms": []any{}}); err != nil || !strings.Contains(string(raw), "response") {
		t.Fatalf("Chat: %s, %v", raw, err)
	}
	if _, err := c.Documents().Delete(ctx, up.Document.ID); err != nil {
		t.Fatalf("Delete document: %v", err)
	}

	tokens.Revoke("ann-token")
	if _, err := c.Documents().List(ctx); !IsUnauthorized(err) {
		t.Fatalf("revoked token should be unauthorized, got %v", err)
	}
}
