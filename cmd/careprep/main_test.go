package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/careprep/careprep-go/identity"
	"github.com/careprep/careprep-go/session"
)

// syncBuffer is written by background loggers as well as the command.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("CAREPREP_LOG_LEVEL", "error")
	t.Setenv("CAREPREP_PROVIDER", "")
	t.Setenv("CAREPREP_REDIS_ADDR", "")
	t.Setenv("CAREPREP_METRICS_ADDR", "")

	var out, errOut syncBuffer
	a := newApp(strings.NewReader(stdin), &out, &errOut)
	root := newRootCmd(a)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	a.close()
	return out.String(), errOut.String(), err
}

func TestShellSession(t *testing.T) {
	script := strings.Join([]string{
		"whoami",
		"register --name Ann --email ann@example.com --password secret1",
		"whoami",
		"symptoms add --severity 7 --notes after-lunch --date 2024-03-01 headache",
		"symptoms add --severity 3 --date 2024-03-02 mild nausea",
		"symptoms list",
		"symptoms summary",
		"chat --mode pre_visit what should I ask",
		"logout",
		"symptoms list",
		"exit",
		"whoami",
	}, "\n") + "\n"

	out, errOut, err := run(t, script, "--dev", "shell")
	if err != nil {
		t.Fatalf("shell: %v\nstderr: %s", err, errOut)
	}

	for _, want := range []string{
		"Welcome, Ann!",
		"Welcome back, Ann!",
		"ann@example.com",
		"Symptom logged successfully!",
		"headache",
		"mild nausea",
		"after-lunch",
		"The most severe was headache (7/10) on 2024-03-01.",
		`write down when "what should I ask" started`,
		"Signed out.",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
	if n := strings.Count(errOut, "You are not signed in"); n != 2 {
		t.Fatalf("expected 2 sign-in prompts, got %d:\n%s", n, errOut)
	}
	if strings.Count(out, "Welcome back") != 1 {
		t.Fatalf("commands after exit must not run:\n%s", out)
	}
}

func TestProtectedCommandNeedsSession(t *testing.T) {
	_, errOut, err := run(t, "", "--dev", "symptoms", "list")
	if !errors.Is(err, errSignInRequired) {
		t.Fatalf("expected errSignInRequired, got %v", err)
	}
	if !strings.Contains(errOut, "careprep login") {
		t.Fatalf("expected a sign-in prompt, got %q", errOut)
	}
}

func TestAuthFailuresShowFormMessages(t *testing.T) {
	script := strings.Join([]string{
		"login --email nobody@example.com --password whatever",
		"register --name A --email short@example.com --password secret1",
		"register --name Bea --email bea@example.com --password abc",
		"register --name Bea --email bea@example.com --password secret1 --confirm secret2",
	}, "\n") + "\n"
	_, errOut, err := run(t, script, "--dev", "shell")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	for _, want := range []string{
		"No account found with this email.",
		"Please enter your full name.",
		"Password must be at least 6 characters",
		"Passwords do not match",
	} {
		if !strings.Contains(errOut, want) {
			t.Fatalf("stderr missing %q:\n%s", want, errOut)
		}
	}
}

func TestDocumentsUpload(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "visit.pdf")
	txt := filepath.Join(dir, "visit.txt")
	for _, p := range []string{pdf, txt} {
		if err := os.WriteFile(p, []byte("%PDF-1.4 notes"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	script := strings.Join([]string{
		"register --name Ann --email ann@example.com --password secret1",
		"documents upload " + txt,
		"documents upload " + pdf,
		"documents list",
		"summaries latest",
	}, "\n") + "\n"

	out, errOut, err := run(t, script, "--dev", "shell")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if !strings.Contains(errOut, "Invalid file type. Allowed: pdf, jpg, jpeg, png, csv, xlsx, xls") {
		t.Fatalf("expected type rejection:\n%s", errOut)
	}
	for _, want := range []string{`"visit.pdf" uploaded successfully!`, "visit.pdf", "pdf", "uploaded", "No care summaries yet."} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
}

func TestChatSuggestions(t *testing.T) {
	script := "register --name Ann --email ann@example.com --password secret1\nchat --mode post_visit --suggest\n"
	out, _, err := run(t, script, "--dev", "shell")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if !strings.Contains(out, "What does this medication do?") {
		t.Fatalf("expected post-visit suggestions:\n%s", out)
	}
}

func TestServeDevNeedsAuthenticator(t *testing.T) {
	_, _, err := run(t, "", "serve-dev")
	if err == nil || !strings.Contains(err.Error(), "--issuer or --no-auth") {
		t.Fatalf("expected authenticator error, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := run(t, "", "--provider", "oidc", "whoami")
	if err == nil || !strings.Contains(err.Error(), "CAREPREP_OIDC_ISSUER") {
		t.Fatalf("expected issuer error, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		snap session.Snapshot
		want string
	}{
		{session.Snapshot{Resolving: true}, "v0 resolving"},
		{session.Snapshot{Version: 2}, "v2 signed out"},
		{session.Snapshot{Version: 3, Identity: &identity.Identity{ID: "u1", Email: "ann@example.com"}}, "v3 signed in as ann <ann@example.com>"},
	}
	for _, tt := range tests {
		if got := describe(tt.snap); got != tt.want {
			t.Fatalf("describe(%+v) = %q, want %q", tt.snap, got, tt.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	for n, want := range map[int64]string{512: "512 B", 2048: "2.0 KB", 3 << 20: "3.0 MB"} {
		if got := humanSize(n); got != want {
			t.Fatalf("humanSize(%d) = %q, want %q", n, got, want)
		}
	}
}
