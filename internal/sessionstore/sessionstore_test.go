package sessionstore

import (
	"path/filepath"
	"testing"
)

func TestLoadAbsentFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "opencode-session-id"))
	if err := s.Load(); err != nil {
		t.Fatalf("Load on absent file: %v", err)
	}
	if got := s.Get(); got != "" {
		t.Errorf("Get() = %q, want empty string for no prior session", got)
	}
}

func TestSetThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opencode-session-id")

	s := New(path)
	if err := s.Set("ses_abc123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reloaded := New(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.Get(); got != "ses_abc123" {
		t.Errorf("Get() after reload = %q, want %q", got, "ses_abc123")
	}
}

func TestClearRemovesPointer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opencode-session-id")

	s := New(path)
	if err := s.Set("ses_xyz"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Get(); got != "" {
		t.Errorf("Get() after Clear = %q, want empty", got)
	}

	reloaded := New(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load after Clear: %v", err)
	}
	if got := reloaded.Get(); got != "" {
		t.Errorf("Get() after reload following Clear = %q, want empty", got)
	}
}
