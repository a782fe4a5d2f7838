// Package handlers implements the auxiliary command handlers that sit
// outside the prompt pipeline: locating the checked-out repo, configuring
// git commit identity, and running an authenticated git push. Grounded on
// bridge.py's _handle_push / _configure_git_identity / _resolve_github_token
// for exact semantics; the rate limiting on push is new ambient hardening
// using golang.org/x/time/rate, promoted from the teacher's indirect
// dependency surface (pulled in transitively via grpc) into a direct one.
package handlers

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/codinspect/agent-bridge/internal/dispatch"
	"github.com/codinspect/agent-bridge/internal/events"
)

// GitHandler implements dispatch.PushRunner and dispatch.IdentityConfigurer.
type GitHandler struct {
	sender         events.Sender
	workspaceRoot  string
	envGitHubToken string
	limiter        *rate.Limiter
}

// New builds a GitHandler. workspaceRoot is the directory under which the
// checked-out repository lives as a single child directory
// (<workspaceRoot>/*/.git). envGitHubToken is the process-level
// GITHUB_APP_TOKEN fallback. limiter bounds concurrent/rapid push attempts;
// pass rate.NewLimiter(rate.Every(5*time.Second), 1) for the default
// one-push-per-five-seconds policy.
func New(sender events.Sender, workspaceRoot, envGitHubToken string, limiter *rate.Limiter) *GitHandler {
	return &GitHandler{
		sender:         sender,
		workspaceRoot:  workspaceRoot,
		envGitHubToken: envGitHubToken,
		limiter:        limiter,
	}
}

// findRepoDir locates the single checked-out repository under the
// workspace root.
func (h *GitHandler) findRepoDir() (string, error) {
	matches, err := filepath.Glob(filepath.Join(h.workspaceRoot, "*", ".git"))
	if err != nil {
		return "", fmt.Errorf("handlers: glob for repo: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("handlers: no repository found under %s", h.workspaceRoot)
	}
	return filepath.Dir(matches[0]), nil
}

func resolveToken(commandToken, envToken string) string {
	if commandToken != "" {
		return commandToken
	}
	return envToken
}

// Push implements dispatch.PushRunner.
func (h *GitHandler) Push(ctx context.Context, cmd dispatch.PushCommand) error {
	token := resolveToken(cmd.GitHubToken, h.envGitHubToken)
	if token == "" || cmd.RepoOwner == "" || cmd.RepoName == "" {
		return h.sender.Send(ctx, events.TypePushError, events.Fields(
			"branchName", cmd.BranchName,
			"error", "Push failed - GitHub authentication token is required",
		))
	}

	repoDir, err := h.findRepoDir()
	if err != nil {
		return h.sender.Send(ctx, events.TypePushError, events.Fields(
			"branchName", cmd.BranchName,
			"error", "No repository found",
		))
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	remoteURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, cmd.RepoOwner, cmd.RepoName)
	refspec := fmt.Sprintf("HEAD:refs/heads/%s", cmd.BranchName)

	c := exec.CommandContext(ctx, "git", "push", remoteURL, refspec, "-f")
	c.Dir = repoDir
	c.Stdout = io.Discard
	// stderr may contain the token embedded in remoteURL; it is
	// intentionally discarded rather than surfaced in push_error. A future
	// redact-then-surface change would redact the token here before
	// propagating stderr.
	c.Stderr = io.Discard

	if err := c.Run(); err != nil {
		return h.sender.Send(ctx, events.TypePushError, events.Fields(
			"branchName", cmd.BranchName,
			"error", "Push failed - authentication may be required",
		))
	}

	return h.sender.Send(ctx, events.TypePushComplete, events.Fields("branchName", cmd.BranchName))
}

// ConfigureIdentity implements dispatch.IdentityConfigurer.
func (h *GitHandler) ConfigureIdentity(ctx context.Context, name, email string) error {
	repoDir, err := h.findRepoDir()
	if err != nil {
		return err
	}
	nameCmd := exec.CommandContext(ctx, "git", "config", "--local", "user.name", name)
	nameCmd.Dir = repoDir
	if err := nameCmd.Run(); err != nil {
		return fmt.Errorf("handlers: configure git user.name: %w", err)
	}
	emailCmd := exec.CommandContext(ctx, "git", "config", "--local", "user.email", email)
	emailCmd.Dir = repoDir
	if err := emailCmd.Run(); err != nil {
		return fmt.Errorf("handlers: configure git user.email: %w", err)
	}
	return nil
}
