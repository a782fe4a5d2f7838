// Package events defines the outbound wire vocabulary shared by every
// component that needs to talk to the control plane — the prompt pipeline,
// the dispatcher, and the auxiliary handlers — without any of them
// depending on the transport or the bridge supervisor directly.
package events

import "context"

// Outbound event type names, per the wire contract.
const (
	TypeReady             = "ready"
	TypeHeartbeat         = "heartbeat"
	TypeToken             = "token"
	TypeToolCall          = "tool_call"
	TypeStepStart         = "step_start"
	TypeStepFinish        = "step_finish"
	TypeError             = "error"
	TypeExecutionComplete = "execution_complete"
	TypeSnapshotReady     = "snapshot_ready"
	TypePushComplete      = "push_complete"
	TypePushError         = "push_error"
)

// Sender emits one outbound event. Implementations are expected to annotate
// every event with sandboxId and timestamp and to serialize concurrent
// calls onto a single underlying writer — callers must not assume anything
// about delivery beyond best-effort.
type Sender interface {
	Send(ctx context.Context, eventType string, fields map[string]any) error
}

// Fields is a convenience constructor used at call sites that build an
// event's field map inline.
func Fields(pairs ...any) map[string]any {
	if len(pairs)%2 != 0 {
		panic("events: Fields called with an odd number of arguments")
	}
	out := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic("events: Fields keys must be strings")
		}
		out[key] = pairs[i+1]
	}
	return out
}
