// Package prompt implements the stream-correlation core: given one
// outbound user prompt, it attributes the sub-agent's session-wide SSE
// traffic back to that prompt alone, deduplicates tool-state transitions,
// accumulates text, and performs a final reconciliation read so no tail
// bytes are lost at idle time.
//
// Grounded on other_examples' HyphaGroup-oubliette opencode executor for
// the SSE event-type switch shape, and on the bridge.py original's
// _stream_opencode_response_sse / _fetch_final_message_state for the exact
// correlation and reconciliation semantics.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codinspect/agent-bridge/internal/events"
	"github.com/codinspect/agent-bridge/internal/idgen"
	"github.com/codinspect/agent-bridge/internal/sessionstore"
	"github.com/codinspect/agent-bridge/internal/sse"
	"github.com/codinspect/agent-bridge/internal/subagent"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDeadline bounds the entire prompt lifecycle, from SSE open through
// reconciliation, when the caller does not configure one.
const DefaultDeadline = 300 * time.Second

// TimedOutError marks a prompt that exceeded its deadline.
var TimedOutError = errors.New("prompt: timed out")

// Request is one outbound user prompt, decoded from an inbound "prompt"
// command frame.
type Request struct {
	MessageID string // control-plane message id
	Content   string
	Model     string // raw "provider/model" string, or "" for default
}

// Pipeline runs prompts against a sub-agent session, correlating the
// session-wide SSE stream to each prompt's own ascending id.
type Pipeline struct {
	client   *subagent.Client
	ids      *idgen.Generator
	sender   events.Sender
	session  *sessionstore.Store
	tracer   trace.Tracer
	deadline time.Duration
}

// New builds a Pipeline. session must already have been Loaded by the
// caller so a prior pointer (if any) is visible. tracer may be a no-op
// tracer (otel.Tracer's default before telemetry.Setup runs); spans are
// always created, they just go nowhere until an exporter is installed.
// deadline bounds the whole prompt lifecycle; a zero value falls back to
// DefaultDeadline.
func New(client *subagent.Client, ids *idgen.Generator, sender events.Sender, session *sessionstore.Store, tracer trace.Tracer, deadline time.Duration) *Pipeline {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Pipeline{client: client, ids: ids, sender: sender, session: session, tracer: tracer, deadline: deadline}
}

// state is the per-prompt correlation state, discarded when Run returns.
type state struct {
	cumulativeText      map[string]string
	emittedToolStates   map[string]struct{}
	trackedAssistantIDs map[string]struct{}
}

func newState() *state {
	return &state{
		cumulativeText:      make(map[string]string),
		emittedToolStates:   make(map[string]struct{}),
		trackedAssistantIDs: make(map[string]struct{}),
	}
}

// Run executes one prompt end to end. On success it emits execution_complete
// itself. On failure it returns an error and leaves emitting
// execution_complete{success:false} to the caller (the dispatcher's
// completion callback), except for the session.error case, where Run emits
// the "error" event itself before returning.
func (p *Pipeline) Run(ctx context.Context, req Request) error {
	ctx, span := p.tracer.Start(ctx, "bridge.prompt")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	ourID, err := p.ids.Ascending(idgen.PrefixMessage)
	if err != nil {
		return fmt.Errorf("prompt: generate ascending id: %w", err)
	}

	sessionID, err := p.ensureSession(ctx)
	if err != nil {
		return fmt.Errorf("prompt: ensure sub-agent session: %w", err)
	}

	sseCtx, sseSpan := p.tracer.Start(ctx, "bridge.prompt.sse_open")
	stream, err := p.client.OpenEventStream(sseCtx)
	sseSpan.End()
	if err != nil {
		return fmt.Errorf("prompt: open event stream: %w", err)
	}
	defer stream.Close()

	var model *subagent.Model
	if req.Model != "" {
		m := subagent.SplitModel(req.Model)
		model = &m
	}
	submitCtx, submitSpan := p.tracer.Start(ctx, "bridge.prompt.submit")
	err = p.client.SubmitPromptAsync(submitCtx, sessionID, req.Content, ourID, model)
	submitSpan.End()
	if err != nil {
		return fmt.Errorf("prompt: submit: %w", err)
	}

	loopCtx, loopSpan := p.tracer.Start(ctx, "bridge.prompt.stream_loop")
	defer loopSpan.End()

	st := newState()
	for event, readErr := range sse.Events(stream) {
		if readErr != nil {
			if ctx.Err() != nil {
				return TimedOutError
			}
			return fmt.Errorf("prompt: stream read: %w", readErr)
		}

		outcome, err := p.handleEvent(loopCtx, sessionID, ourID, req.MessageID, st, event)
		if err != nil {
			return err
		}
		if outcome == outcomeDone {
			return nil
		}
	}

	if ctx.Err() != nil {
		return TimedOutError
	}
	// Stream closed by the sub-agent without an idle/error signal: treat as
	// a clean end and still reconcile, matching the "don't lose tail bytes"
	// guarantee even on an unexpected close.
	return p.reconcileAndComplete(ctx, sessionID, ourID, req.MessageID, st)
}

type loopOutcome int

const (
	outcomeContinue loopOutcome = iota
	outcomeDone
)

func (p *Pipeline) handleEvent(ctx context.Context, sessionID, ourID, controlPlaneMessageID string, st *state, event map[string]any) (loopOutcome, error) {
	eventType, _ := event["type"].(string)
	props, _ := event["properties"].(map[string]any)

	if eventSessionID, ok := stringAt(props, "sessionID"); ok && eventSessionID != sessionID {
		return outcomeContinue, nil
	}

	switch eventType {
	case "server.connected", "server.heartbeat":
		return outcomeContinue, nil

	case "message.updated":
		info, _ := props["info"].(map[string]any)
		role, _ := stringAt(info, "role")
		parentID, _ := stringAt(info, "parentID")
		id, _ := stringAt(info, "id")
		if role == "assistant" && parentID == ourID {
			st.trackedAssistantIDs[id] = struct{}{}
			if finish, ok := stringAt(info, "finish"); ok && finish != "" && finish != "tool-calls" {
				slog.Info("prompt: assistant message finished", "message_id", controlPlaneMessageID, "finish", finish)
			}
		}
		return outcomeContinue, nil

	case "message.part.updated":
		part, _ := props["part"].(map[string]any)
		partMessageID, _ := stringAt(part, "messageID")
		if len(st.trackedAssistantIDs) > 0 {
			if _, tracked := st.trackedAssistantIDs[partMessageID]; !tracked {
				return outcomeContinue, nil
			}
		}
		p.handlePart(ctx, controlPlaneMessageID, st, part)
		return outcomeContinue, nil

	case "session.idle":
		return outcomeDone, p.reconcileAndComplete(ctx, sessionID, ourID, controlPlaneMessageID, st)

	case "session.status":
		status, _ := props["status"].(map[string]any)
		if statusType, _ := stringAt(status, "type"); statusType == "idle" {
			return outcomeDone, p.reconcileAndComplete(ctx, sessionID, ourID, controlPlaneMessageID, st)
		}
		return outcomeContinue, nil

	case "session.error":
		errMsg, _ := stringAt(props, "error")
		_ = p.sender.Send(ctx, events.TypeError, events.Fields("messageId", controlPlaneMessageID, "error", errMsg))
		return outcomeDone, fmt.Errorf("prompt: session.error: %s", errMsg)

	default:
		return outcomeContinue, nil
	}
}

func (p *Pipeline) handlePart(ctx context.Context, controlPlaneMessageID string, st *state, part map[string]any) {
	partType, _ := stringAt(part, "type")
	partID, _ := stringAt(part, "id")

	switch partType {
	case "text":
		if delta, ok := stringAt(part, "delta"); ok {
			st.cumulativeText[partID] += delta
		} else if text, ok := stringAt(part, "text"); ok {
			st.cumulativeText[partID] = text
		}
		if full := st.cumulativeText[partID]; full != "" {
			_ = p.sender.Send(ctx, events.TypeToken, events.Fields("messageId", controlPlaneMessageID, "content", full))
		}

	case "tool":
		// status/input/output live under part["state"]; only tool/callID
		// are top-level.
		toolState, _ := part["state"].(map[string]any)
		callID, _ := stringAt(part, "callID")
		status, _ := stringAt(toolState, "status")
		input, hasInput := toolState["input"]
		if (status == "pending" || status == "") && !hasInput {
			return
		}
		key := fmt.Sprintf("tool:%s:%s", callID, status)
		if _, already := st.emittedToolStates[key]; already {
			return
		}
		st.emittedToolStates[key] = struct{}{}
		tool, _ := stringAt(part, "tool")
		_ = p.sender.Send(ctx, events.TypeToolCall, events.Fields(
			"messageId", controlPlaneMessageID,
			"tool", tool,
			"args", input,
			"callId", callID,
			"status", status,
			"output", toolState["output"],
		))

	case "step-start":
		_ = p.sender.Send(ctx, events.TypeStepStart, events.Fields("messageId", controlPlaneMessageID))

	case "step-finish":
		_ = p.sender.Send(ctx, events.TypeStepFinish, events.Fields(
			"messageId", controlPlaneMessageID,
			"cost", part["cost"],
			"tokens", part["tokens"],
			"reason", part["reason"],
		))
	}
}

// reconcileAndComplete performs the final GET /session/<id>/message read so
// no tail bytes are lost, then emits the terminal success event.
func (p *Pipeline) reconcileAndComplete(ctx context.Context, sessionID, ourID, controlPlaneMessageID string, st *state) error {
	ctx, span := p.tracer.Start(ctx, "bridge.prompt.reconcile")
	defer span.End()

	messages, err := p.client.Messages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("prompt: reconciliation fetch: %w", err)
	}

	for _, msg := range messages {
		if msg.Info.Role != "assistant" {
			continue
		}
		_, tracked := st.trackedAssistantIDs[msg.Info.ID]
		if msg.Info.ParentID != ourID && !tracked {
			continue
		}
		for _, part := range msg.Parts {
			if part.Type != "text" {
				continue
			}
			if len(part.Text) > len(st.cumulativeText[part.ID]) {
				st.cumulativeText[part.ID] = part.Text
				_ = p.sender.Send(ctx, events.TypeToken, events.Fields("messageId", controlPlaneMessageID, "content", part.Text))
			}
		}
	}

	return p.sender.Send(ctx, events.TypeExecutionComplete, events.Fields("messageId", controlPlaneMessageID, "success", true))
}

// ensureSession returns a valid sub-agent session id, creating one if
// needed and discarding a persisted pointer the sub-agent no longer
// recognizes.
func (p *Pipeline) ensureSession(ctx context.Context) (string, error) {
	if existing := p.session.Get(); existing != "" {
		ok, err := p.client.SessionExists(ctx, existing)
		if err != nil {
			return "", err
		}
		if ok {
			return existing, nil
		}
		slog.Warn("prompt: persisted sub-agent session rejected, discarding", "session_id", existing)
		if err := p.session.Clear(); err != nil {
			slog.Warn("prompt: failed to clear stale session pointer", "error", err)
		}
	}

	id, err := p.client.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	if err := p.session.Set(id); err != nil {
		slog.Warn("prompt: failed to persist new session pointer", "error", err)
	}
	return id, nil
}

func stringAt(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
