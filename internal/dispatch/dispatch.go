// Package dispatch decodes inbound control-plane command frames and routes
// each to its handler. Long-running commands (prompt, push) run as
// detached tasks so the read loop stays responsive; a completion callback
// guarantees every prompt ends in exactly one execution_complete frame,
// per the detached-tasks-with-done-callbacks pattern.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codinspect/agent-bridge/internal/events"
	"github.com/codinspect/agent-bridge/internal/prompt"
	"github.com/codinspect/agent-bridge/internal/signal"
)

// PromptRunner executes one prompt to completion.
type PromptRunner interface {
	Run(ctx context.Context, req prompt.Request) error
}

// SubAgentStopper fires a best-effort stop against the sub-agent.
type SubAgentStopper interface {
	Stop(ctx context.Context, sessionID string) error
}

// SessionGetter exposes the current sub-agent session id, or "" if none.
type SessionGetter interface {
	Get() string
}

// PushCommand carries the fields of a "push" inbound frame.
type PushCommand struct {
	BranchName  string
	RepoOwner   string
	RepoName    string
	GitHubToken string
}

// PushRunner executes an authenticated git push and emits its own
// push_complete / push_error events.
type PushRunner interface {
	Push(ctx context.Context, cmd PushCommand) error
}

// IdentityConfigurer applies commit-attribution identity before prompt work
// begins, when the control plane supplies author fields.
type IdentityConfigurer interface {
	ConfigureIdentity(ctx context.Context, name, email string) error
}

// Dispatcher routes decoded frames to handlers and tracks background tasks.
type Dispatcher struct {
	sender   events.Sender
	prompts  PromptRunner
	subAgent SubAgentStopper
	session  SessionGetter
	push     PushRunner
	identity IdentityConfigurer
	shutdown *signal.Flag
	gitSync  *signal.Flag

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// New builds a Dispatcher wired to its handler collaborators.
func New(sender events.Sender, prompts PromptRunner, subAgent SubAgentStopper, session SessionGetter, push PushRunner, identity IdentityConfigurer, shutdown, gitSync *signal.Flag) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		prompts:  prompts,
		subAgent: subAgent,
		session:  session,
		push:     push,
		identity: identity,
		shutdown: shutdown,
		gitSync:  gitSync,
		tasks:    make(map[string]context.CancelFunc),
	}
}

// Dispatch decodes frame["type"] and routes it. It returns promptly for
// every command type: long-running work is spawned as a detached goroutine
// tracked internally.
func (d *Dispatcher) Dispatch(ctx context.Context, frame map[string]any) {
	cmdType, _ := frame["type"].(string)

	switch cmdType {
	case "prompt":
		d.dispatchPrompt(ctx, frame)
	case "stop":
		d.dispatchStop(ctx)
	case "snapshot":
		d.dispatchSnapshot(ctx)
	case "shutdown":
		slog.Info("dispatch: shutdown command received")
		d.shutdown.Set()
	case "git_sync_complete":
		d.gitSync.Set()
	case "push":
		d.dispatchPush(ctx, frame)
	default:
		slog.Warn("dispatch: ignoring unknown command type", "type", cmdType)
	}
}

// Shutdown cancels every tracked background task. Called by the supervisor
// once the shutdown signal fires.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.tasks {
		cancel()
	}
}

func (d *Dispatcher) dispatchPrompt(ctx context.Context, frame map[string]any) {
	messageID, ok := stringField(frame, "messageId", "message_id")
	if !ok || messageID == "" {
		slog.Warn("dispatch: prompt command missing messageId, ignoring")
		return
	}
	content, _ := stringField(frame, "content")
	model, _ := stringField(frame, "model")

	if author, ok := frame["author"].(map[string]any); ok {
		name, _ := stringField(author, "githubName")
		email, _ := stringField(author, "githubEmail")
		if name != "" && email != "" && d.identity != nil {
			if err := d.identity.ConfigureIdentity(ctx, name, email); err != nil {
				slog.Warn("dispatch: configure git identity failed", "error", err)
			}
		}
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.tasks[messageID] = cancel
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.tasks, messageID)
			d.mu.Unlock()
			cancel()
		}()

		err := d.prompts.Run(taskCtx, prompt.Request{MessageID: messageID, Content: content, Model: model})
		if err == nil {
			return
		}
		if taskCtx.Err() != nil {
			_ = d.sender.Send(ctx, events.TypeExecutionComplete, events.Fields(
				"messageId", messageID, "success", false, "error", "Task was cancelled"))
			return
		}
		_ = d.sender.Send(ctx, events.TypeExecutionComplete, events.Fields(
			"messageId", messageID, "success", false, "error", err.Error()))
	}()
}

func (d *Dispatcher) dispatchStop(ctx context.Context) {
	sessionID := d.session.Get()
	if sessionID == "" {
		return
	}
	if err := d.subAgent.Stop(ctx, sessionID); err != nil {
		slog.Warn("dispatch: sub-agent stop failed", "error", err)
	}
}

func (d *Dispatcher) dispatchSnapshot(ctx context.Context) {
	_ = d.sender.Send(ctx, events.TypeSnapshotReady, events.Fields("opencodeSessionId", d.session.Get()))
}

func (d *Dispatcher) dispatchPush(ctx context.Context, frame map[string]any) {
	branchName, _ := stringField(frame, "branchName")
	repoOwner, _ := stringField(frame, "repoOwner")
	repoName, _ := stringField(frame, "repoName")
	token, _ := stringField(frame, "githubToken")

	cmd := PushCommand{BranchName: branchName, RepoOwner: repoOwner, RepoName: repoName, GitHubToken: token}

	taskID := fmt.Sprintf("push:%s", branchName)
	taskCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.tasks[taskID] = cancel
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.tasks, taskID)
			d.mu.Unlock()
			cancel()
		}()
		if err := d.push.Push(taskCtx, cmd); err != nil {
			slog.Warn("dispatch: push handler returned error", "error", err)
		}
	}()
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
