package handlers

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/time/rate"

	"github.com/codinspect/agent-bridge/internal/dispatch"
	"github.com/codinspect/agent-bridge/internal/events"
)

type recordingSender struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Type   string
	Fields map[string]any
}

func (s *recordingSender) Send(ctx context.Context, eventType string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, capturedEvent{Type: eventType, Fields: fields})
	return nil
}

func (s *recordingSender) byType(eventType string) []capturedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capturedEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func unlimitedLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func TestPushMissingTokenEmitsPushErrorWithoutTouchingGit(t *testing.T) {
	sender := &recordingSender{}
	h := New(sender, t.TempDir(), "", unlimitedLimiter())

	err := h.Push(context.Background(), dispatch.PushCommand{BranchName: "feature-x", RepoOwner: "o", RepoName: "r"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	errs := sender.byType(events.TypePushError)
	if len(errs) != 1 {
		t.Fatalf("got %d push_error events, want 1: %+v", len(errs), errs)
	}
	if errs[0].Fields["branchName"] != "feature-x" {
		t.Errorf("branchName = %v, want feature-x", errs[0].Fields["branchName"])
	}
	if errs[0].Fields["error"] != "Push failed - GitHub authentication token is required" {
		t.Errorf("error = %v", errs[0].Fields["error"])
	}
}

func TestPushMissingRepoOwnerEmitsPushError(t *testing.T) {
	sender := &recordingSender{}
	h := New(sender, t.TempDir(), "env-token", unlimitedLimiter())

	if err := h.Push(context.Background(), dispatch.PushCommand{BranchName: "b", RepoName: "r"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(sender.byType(events.TypePushError)) != 1 {
		t.Fatal("expected a push_error when repoOwner is missing")
	}
}

func TestPushNoRepoCheckedOutEmitsPushError(t *testing.T) {
	sender := &recordingSender{}
	workspace := t.TempDir() // no child repo directory exists under it
	h := New(sender, workspace, "", unlimitedLimiter())

	err := h.Push(context.Background(), dispatch.PushCommand{
		BranchName:  "feature-x",
		RepoOwner:   "o",
		RepoName:    "r",
		GitHubToken: "tok",
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	errs := sender.byType(events.TypePushError)
	if len(errs) != 1 || errs[0].Fields["error"] != "No repository found" {
		t.Fatalf("got %+v, want one push_error about the missing repository", errs)
	}
}

func TestResolveTokenPrefersCommandToken(t *testing.T) {
	if got := resolveToken("cmd-token", "env-token"); got != "cmd-token" {
		t.Errorf("resolveToken = %q, want cmd-token", got)
	}
	if got := resolveToken("", "env-token"); got != "env-token" {
		t.Errorf("resolveToken fallback = %q, want env-token", got)
	}
}

func hasGitBinary(t *testing.T) bool {
	t.Helper()
	_, err := exec.LookPath("git")
	return err == nil
}

func initRepo(t *testing.T, parent string) string {
	t.Helper()
	repoDir := filepath.Join(parent, "repo")
	if err := os.Mkdir(repoDir, 0o755); err != nil {
		t.Fatalf("mkdir repo dir: %v", err)
	}
	cmd := exec.Command("git", "init", "--quiet")
	cmd.Dir = repoDir
	if err := cmd.Run(); err != nil {
		t.Fatalf("git init: %v", err)
	}
	return repoDir
}

func TestConfigureIdentityWritesLocalGitConfig(t *testing.T) {
	if !hasGitBinary(t) {
		t.Skip("git binary not available")
	}
	sender := &recordingSender{}
	workspace := t.TempDir()
	repoDir := initRepo(t, workspace)
	h := New(sender, workspace, "", unlimitedLimiter())

	if err := h.ConfigureIdentity(context.Background(), "Ada Lovelace", "ada@example.com"); err != nil {
		t.Fatalf("ConfigureIdentity: %v", err)
	}

	name := gitConfigValue(t, repoDir, "user.name")
	if name != "Ada Lovelace" {
		t.Errorf("user.name = %q, want Ada Lovelace", name)
	}
	email := gitConfigValue(t, repoDir, "user.email")
	if email != "ada@example.com" {
		t.Errorf("user.email = %q, want ada@example.com", email)
	}
}

func gitConfigValue(t *testing.T, repoDir, key string) string {
	t.Helper()
	cmd := exec.Command("git", "config", "--local", key)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git config --local %s: %v", key, err)
	}
	return trimNewline(string(out))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestConfigureIdentityNoRepoReturnsError(t *testing.T) {
	h := New(&recordingSender{}, t.TempDir(), "", unlimitedLimiter())
	if err := h.ConfigureIdentity(context.Background(), "Ada", "ada@example.com"); err == nil {
		t.Fatal("expected an error when no repository is checked out")
	}
}
