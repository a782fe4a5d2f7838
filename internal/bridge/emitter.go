package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/codinspect/agent-bridge/internal/transport"
)

// Emitter implements events.Sender over a Transport, annotating every
// frame with sandboxId and timestamp and serializing concurrent sends from
// the prompt goroutines, the heartbeat loop, and the auxiliary handlers
// onto the transport's single writer.
type Emitter struct {
	mu        sync.Mutex
	transport *transport.Transport
	sandboxID string
}

// NewEmitter wraps t for the lifetime of one connection. A fresh Emitter is
// built per reconnect, alongside its Transport.
func NewEmitter(t *transport.Transport, sandboxID string) *Emitter {
	return &Emitter{transport: t, sandboxID: sandboxID}
}

// Send implements events.Sender.
func (e *Emitter) Send(ctx context.Context, eventType string, fields map[string]any) error {
	frame := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = eventType
	frame["sandboxId"] = e.sandboxID
	frame["timestamp"] = float64(time.Now().UnixNano()) / 1e9

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport.Send(ctx, frame)
}
