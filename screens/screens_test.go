package screens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/careprep/careprep-go/api"
	"github.com/careprep/careprep-go/api/apitest"
	"github.com/careprep/careprep-go/auth"
	"github.com/careprep/careprep-go/auth/authtest"
	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/identity/memoryidp"
	"github.com/careprep/careprep-go/profile"
	"github.com/careprep/careprep-go/session"
	"github.com/careprep/careprep-go/storage/memory"
	"golang.org/x/crypto/bcrypt"
)

type navRecorder struct{ paths []string }

func (n *navRecorder) Navigate(p string) { n.paths = append(n.paths, p) }

func (n *navRecorder) last() string {
	if len(n.paths) == 0 {
		return ""
	}
	return n.paths[len(n.paths)-1]
}

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error)      { return string(s), nil }
func (s staticTokens) ForceToken(context.Context) (string, error) { return string(s), nil }

// harness wires screens to an in-memory backend for user "ann".
type harness struct {
	backend *apitest.Server
	tokens  *authtest.Tokens
	client  *api.Client
	nav     *navRecorder
	d       *api.Dispatcher
}

func newHarness(t *testing.T, opts ...apitest.Option) *harness {
	t.Helper()
	tokens := authtest.NewTokens()
	tokens.Grant("ann-token", authtest.User{ID: "ann", Mail: "ann@x.com"})
	backend := apitest.New(tokens, opts...)
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client, err := api.New(srv.URL, staticTokens("ann-token"))
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	nav := &navRecorder{}
	return &harness{backend: backend, tokens: tokens, client: client, nav: nav, d: api.NewDispatcher(nav)}
}

var fixedNow = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }

type fakeAuth struct {
	err  error
	seen []string
}

func (f *fakeAuth) SignIn(_ context.Context, email, _ string) (*identity.Identity, error) {
	f.seen = append(f.seen, email)
	if f.err != nil {
		return nil, f.err
	}
	return &identity.Identity{ID: "u", Email: email}, nil
}

func (f *fakeAuth) Register(_ context.Context, email, _, name string) (*identity.Identity, error) {
	f.seen = append(f.seen, email+"|"+name)
	if f.err != nil {
		return nil, f.err
	}
	return &identity.Identity{ID: "u", Email: email, DisplayName: name}, nil
}

func TestLogin_Messages(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"auth/user-not-found", "No account found with this email."},
		{"auth/wrong-password", "Incorrect password. Please try again."},
		{"auth/invalid-email", "Invalid email address."},
		{"auth/network-request-failed", "Failed to sign in. Please try again."},
	}
	for _, tt := range tests {
		nav := &navRecorder{}
		l := NewLogin(&fakeAuth{err: identity.NewAuthError(tt.code, nil)}, nav, nil)
		if err := l.Submit(context.Background(), "a@x.com", "pw"); err == nil {
			t.Fatalf("%s: expected error", tt.code)
		}
		if l.Banner.Error != tt.want {
			t.Errorf("%s: banner = %q, want %q", tt.code, l.Banner.Error, tt.want)
		}
		if len(nav.paths) != 0 {
			t.Errorf("%s: navigated on failure", tt.code)
		}
	}
}

func TestLogin_SuccessNavigatesToDashboard(t *testing.T) {
	nav := &navRecorder{}
	fa := &fakeAuth{}
	l := NewLogin(fa, nav, nil)
	if err := l.Submit(context.Background(), "  a@x.com ", "pw"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if nav.last() != guard.PathDashboard || fa.seen[0] != "a@x.com" {
		t.Fatalf("nav=%v seen=%v", nav.paths, fa.seen)
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		form RegisterForm
		want string
	}{
		{RegisterForm{Name: "Ann", Password: "secret1", ConfirmPassword: "secret2"}, "Passwords do not match."},
		{RegisterForm{Name: "Ann", Password: "abc", ConfirmPassword: "abc"}, "Password must be at least 6 characters."},
		{RegisterForm{Name: " A ", Password: "secret1", ConfirmPassword: "secret1"}, "Please enter your full name."},
	}
	for _, tt := range tests {
		fa := &fakeAuth{}
		r := NewRegister(fa, &navRecorder{}, nil)
		if err := r.Submit(context.Background(), tt.form); !errors.Is(err, ErrInvalidForm) {
			t.Fatalf("expected ErrInvalidForm, got %v", err)
		}
		if r.Banner.Error != tt.want {
			t.Errorf("banner = %q, want %q", r.Banner.Error, tt.want)
		}
		if len(fa.seen) != 0 {
			t.Error("provider called despite invalid form")
		}
	}
}

func TestRegister_ProviderMessages(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"auth/email-already-in-use", "An account with this email already exists."},
		{"auth/invalid-email", "Invalid email address."},
		{"auth/weak-password", "Password is too weak. Please use a stronger password."},
		{"auth/internal-error", "Failed to create account. Please try again."},
	}
	form := RegisterForm{Name: "  Ann Lee ", Email: "ann@x.com", Password: "secret1", ConfirmPassword: "secret1"}
	for _, tt := range tests {
		r := NewRegister(&fakeAuth{err: identity.NewAuthError(tt.code, nil)}, &navRecorder{}, nil)
		_ = r.Submit(context.Background(), form)
		if r.Banner.Error != tt.want {
			t.Errorf("%s: banner = %q, want %q", tt.code, r.Banner.Error, tt.want)
		}
	}

	fa := &fakeAuth{}
	nav := &navRecorder{}
	if err := NewRegister(fa, nav, nil).Submit(context.Background(), form); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if fa.seen[0] != "ann@x.com|Ann Lee" || nav.last() != guard.PathDashboard {
		t.Fatalf("seen=%v nav=%v", fa.seen, nav.paths)
	}
}

func TestDashboard_Greeting(t *testing.T) {
	snap := session.Snapshot{Identity: &identity.Identity{ID: "u", Email: "nine@x.com"}}
	d := NewDashboard(func() session.Snapshot { return snap })
	if got := d.Greeting(); got != "Welcome back, nine!" {
		t.Fatalf("greeting = %q", got)
	}
	snap.Profile = &profile.Profile{ID: "u", Name: "Nina"}
	if got := d.Greeting(); got != "Welcome back, Nina!" {
		t.Fatalf("greeting = %q", got)
	}
	if len(d.Features()) != 4 || d.QuickActions()[0].Path != "/chat?mode=pre_visit" {
		t.Fatal("unexpected dashboard tiles")
	}
}

func TestSymptoms_Flow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := NewSymptoms(h.client, h.d, WithClock(fixedNow))

	if s.Form.Severity != 5 || s.Form.Date != "2026-10-16" {
		t.Fatalf("unexpected default form %+v", s.Form)
	}
	if err := s.Summarize(ctx); !errors.Is(err, ErrNoSymptoms) {
		t.Fatalf("expected ErrNoSymptoms, got %v", err)
	}
	if s.Banner.Error != "Please log some symptoms before generating a summary." {
		t.Fatalf("banner = %q", s.Banner.Error)
	}

	s.Form.Symptom = "headache"
	s.Form.Severity = 8
	if err := s.Add(ctx); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.Banner.Success != "Symptom logged successfully!" || s.Banner.Error != "" {
		t.Fatalf("banner = %+v", s.Banner)
	}
	if s.Form.Symptom != "" || s.Form.Severity != 5 {
		t.Fatalf("form not reset: %+v", s.Form)
	}
	if len(s.List) != 1 || s.List[0].Symptom != "headache" {
		t.Fatalf("list = %+v", s.List)
	}
	if tr := s.Trend(); len(tr) != 1 || tr[0].Label != "Oct 16" || tr[0].Severity != 8 {
		t.Fatalf("trend = %+v", tr)
	}
	if err := s.Summarize(ctx); err != nil || !strings.Contains(s.Summary, "headache") {
		t.Fatalf("Summarize: %q %v", s.Summary, err)
	}

	// A failed mutation keeps the loaded list.
	s.Form.Symptom = ""
	if err := s.Add(ctx); err == nil {
		t.Fatal("expected add failure")
	}
	if s.Banner.Error != "Failed to log symptom. Please try again." || len(s.List) != 1 {
		t.Fatalf("banner=%q list=%d", s.Banner.Error, len(s.List))
	}
	if err := s.Delete(ctx, "missing"); err == nil || s.Banner.Error != "Failed to delete symptom" || len(s.List) != 1 {
		t.Fatalf("delete missing: %v %q", err, s.Banner.Error)
	}
	if err := s.Delete(ctx, s.List[0].ID); err != nil || len(s.List) != 0 {
		t.Fatalf("delete: %v %+v", err, s.List)
	}
}

func TestSeverityLevel(t *testing.T) {
	for sev, want := range map[int]string{1: "low", 3: "low", 4: "medium", 6: "medium", 7: "high", 10: "high"} {
		if got := SeverityLevel(sev); got != want {
			t.Errorf("SeverityLevel(%d) = %q, want %q", sev, got, want)
		}
	}
}

func TestUnauthorizedGoesToDispatcher(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := NewSymptoms(h.client, h.d)
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	h.tokens.Revoke("ann-token")
	err := s.Load(ctx)
	if !api.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if s.Banner.Error != "" {
		t.Fatalf("unauthorized must not be shown inline, got %q", s.Banner.Error)
	}
	if h.nav.last() != guard.PathLogin {
		t.Fatalf("nav = %v", h.nav.paths)
	}

	c := NewChat(h.client, h.d, api.ModePreVisit)
	_ = c.Send(ctx, "hello")
	if len(c.Messages) != 1 || len(h.nav.paths) != 2 {
		t.Fatalf("messages=%+v nav=%v", c.Messages, h.nav.paths)
	}
}

func TestValidateFile(t *testing.T) {
	if msg := ValidateFile("notes.PDF", 100); msg != "" {
		t.Fatalf("pdf rejected: %q", msg)
	}
	if msg := ValidateFile("notes.exe", 100); msg != "Invalid file type. Allowed: pdf, jpg, jpeg, png, csv, xlsx, xls" {
		t.Fatalf("exe: %q", msg)
	}
	if msg := ValidateFile("scan.png", MaxUploadBytes+1); msg != "File size exceeds 10MB limit" {
		t.Fatalf("size: %q", msg)
	}
}

func TestDocuments_Flow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := NewDocuments(h.client, h.d)

	if err := d.Upload(ctx, "virus.exe", 10, strings.NewReader("x")); !errors.Is(err, ErrInvalidFile) {
		t.Fatalf("expected ErrInvalidFile, got %v", err)
	}
	if h.backend.Requests() != 0 {
		t.Fatal("invalid file reached the backend")
	}

	body := "%PDF-1.4 visit notes"
	if err := d.Upload(ctx, "/tmp/visit.pdf", int64(len(body)), strings.NewReader(body)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if d.Banner.Success != `"visit.pdf" uploaded successfully!` {
		t.Fatalf("banner = %q", d.Banner.Success)
	}
	if len(d.List) != 1 || d.List[0].Processed() || d.List[0].Kind() != "pdf" {
		t.Fatalf("list = %+v", d.List)
	}
	id := d.List[0].ID

	if _, err := d.Processed(ctx, id); err == nil {
		t.Fatal("unprocessed document should not have a processed view")
	}
	if err := d.Process(ctx, id); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Banner.Success != "Document processed successfully!" || !d.List[0].Processed() {
		t.Fatalf("after process: %+v %+v", d.Banner, d.List)
	}
	pd, err := d.Processed(ctx, id)
	if err != nil || pd.Summary.DocumentID != id || pd.Summary.PatientSummary == "" {
		t.Fatalf("Processed: %+v %v", pd, err)
	}
	if err := d.Process(ctx, "missing"); err == nil || d.Banner.Error != "Failed to process document. Please try again." {
		t.Fatalf("process missing: %v %q", err, d.Banner.Error)
	}
	if err := d.Delete(ctx, id); err != nil || len(d.List) != 0 {
		t.Fatalf("Delete: %v %+v", err, d.List)
	}
}

func TestCareSummary_SelectsNewest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := fixedNow()
	h.backend.AddSummary("ann", apitest.VisitSummary{ID: "old", PatientSummary: "old", CreatedAt: base})
	h.backend.AddSummary("ann", apitest.VisitSummary{ID: "new", PatientSummary: "new", CreatedAt: base.Add(time.Hour),
		Medications: []apitest.Medication{{Name: "Ibuprofen", Dosage: "200mg"}}})

	cs := NewCareSummary(h.client, h.d)
	if err := cs.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cs.List) != 2 || cs.Selected == nil || cs.Selected.ID != "new" || cs.Selected.Medications[0].Name != "Ibuprofen" {
		t.Fatalf("unexpected state %+v", cs)
	}
	if err := cs.Select(ctx, "old"); err != nil || cs.Selected.ID != "old" {
		t.Fatalf("Select: %v %+v", err, cs.Selected)
	}
	if err := cs.Select(ctx, "missing"); err == nil || cs.Banner.Error != "Failed to load care summary" || cs.Selected.ID != "old" {
		t.Fatalf("select missing: %v %q", err, cs.Banner.Error)
	}
}

func TestChat_ContextAndSanitizing(t *testing.T) {
	var gotContext json.RawMessage
	h := newHarness(t, apitest.WithChatResponder(func(message, mode string, chatContext json.RawMessage) string {
		gotContext = chatContext
		return "<p>Tell your doctor about <b>" + message + "</b> &amp; timing.</p><script>alert(1)</script>"
	}))
	ctx := context.Background()

	s := NewSymptoms(h.client, h.d)
	s.Form.Symptom = "cough"
	if err := s.Add(ctx); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c := NewChat(h.client, h.d, "bogus", WithClock(fixedNow))
	if c.Mode != api.ModePreVisit {
		t.Fatalf("mode = %q", c.Mode)
	}
	if err := c.LoadContext(ctx); err != nil || len(c.Context.Symptoms) != 1 {
		t.Fatalf("LoadContext: %v %+v", err, c.Context)
	}
	if err := c.Send(ctx, "   "); err != nil || len(c.Messages) != 0 {
		t.Fatal("blank input should be ignored")
	}
	if err := c.Send(ctx, "my cough"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(c.Messages) != 2 || c.Messages[1].Role != "assistant" {
		t.Fatalf("messages = %+v", c.Messages)
	}
	if got := c.Messages[1].Content; got != "Tell your doctor about my cough & timing." {
		t.Fatalf("sanitized reply = %q", got)
	}
	if !strings.Contains(string(gotContext), "cough") || !strings.Contains(string(gotContext), `"summary":null`) {
		t.Fatalf("context sent = %s", gotContext)
	}

	if err := c.SetMode(ctx, api.ModePostVisit); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if len(c.Context.Symptoms) != 0 || string(c.Context.Summary) != "" {
		t.Fatalf("post-visit context = %+v", c.Context)
	}
	if SuggestedQuestions(api.ModePostVisit)[0] != "Can you explain my diagnosis in simple terms?" {
		t.Fatal("unexpected suggestions")
	}
}

func TestChat_EscapedMarkupStaysInert(t *testing.T) {
	h := newHarness(t, apitest.WithChatResponder(func(message, mode string, chatContext json.RawMessage) string {
		return "Try &lt;script&gt;alert(1)&lt;/script&gt;now &amp; later, a &lt; b"
	}))
	c := NewChat(h.client, h.d, api.ModePreVisit, WithClock(fixedNow))
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := c.Messages[len(c.Messages)-1].Content
	if strings.Contains(got, "<script") || strings.Contains(got, "alert") {
		t.Fatalf("escaped markup came back: %q", got)
	}
	if !strings.HasPrefix(got, "Try ") || !strings.Contains(got, "now & later") {
		t.Fatalf("reply text lost: %q", got)
	}
}

func TestChat_FailedSendAppendsErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	client, err := api.New(srv.URL, staticTokens("t"))
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	nav := &navRecorder{}
	c := NewChat(client, api.NewDispatcher(nav), api.ModePostVisit)

	if err := c.Send(context.Background(), "what now?"); err == nil {
		t.Fatal("expected error")
	}
	if len(c.Messages) != 2 || !c.Messages[1].Error || c.Messages[1].Content != chatErrorReply {
		t.Fatalf("messages = %+v", c.Messages)
	}
	if len(nav.paths) != 0 {
		t.Fatal("network failure must not navigate")
	}
}

// TestEndToEnd signs up through the Session Store, then uses the session's
// tokens against a backend that verifies them with the provider's JWKS.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	idp, err := memoryidp.New(memoryidp.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("memoryidp.New: %v", err)
	}
	st, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	store := session.New(idp, profile.NewStore(st))
	if err := store.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer store.Close()

	authn, err := auth.SecurityConfig{Issuer: idp.Issuer(), Audiences: []string{idp.Audience()}}.NewJWKSAuthenticator(idp.JWKS())
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv := httptest.NewServer(apitest.New(authn))
	defer srv.Close()
	client, err := api.New(srv.URL, store)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	nav := &navRecorder{}
	d := api.NewDispatcher(nav)

	snap, err := store.WaitResolved(ctx)
	if err != nil {
		t.Fatalf("WaitResolved: %v", err)
	}
	if out := guard.Resolve(guard.PathSymptoms, snap); out.Decision != guard.RedirectSignIn {
		t.Fatalf("signed out outcome = %+v", out)
	}

	reg := NewRegister(store, nav, nil)
	if err := reg.Submit(ctx, RegisterForm{Name: "Ann", Email: "ann@x.com", Password: "secret1", ConfirmPassword: "secret1"}); err != nil {
		t.Fatalf("Register: %v (%q)", err, reg.Banner.Error)
	}
	if nav.last() != guard.PathDashboard {
		t.Fatalf("nav = %v", nav.paths)
	}
	if out := guard.Resolve(guard.PathSymptoms, store.Snapshot()); out.Decision != guard.Render {
		t.Fatalf("signed in outcome = %+v", out)
	}
	dash := NewDashboard(store.Snapshot)
	deadline := time.Now().Add(2 * time.Second)
	for dash.Greeting() != "Welcome back, Ann!" {
		if time.Now().After(deadline) {
			t.Fatalf("greeting = %q", dash.Greeting())
		}
		time.Sleep(10 * time.Millisecond)
	}

	s := NewSymptoms(client, d)
	s.Form.Symptom = "fatigue"
	if err := s.Add(ctx); err != nil {
		t.Fatalf("Add: %v (%q)", err, s.Banner.Error)
	}
	if len(s.List) != 1 {
		t.Fatalf("list = %+v", s.List)
	}

	if err := store.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if err := s.Load(ctx); !api.IsUnauthorized(err) {
		t.Fatalf("signed-out request should be unauthorized, got %v", err)
	}
	if nav.last() != guard.PathLogin || len(s.List) != 1 {
		t.Fatalf("nav=%v list=%d", nav.paths, len(s.List))
	}
}
