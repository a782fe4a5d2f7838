package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/codinspect/agent-bridge/internal/transport"
)

// Run is the supervisor main loop: connect, run until the connection ends,
// classify the failure, reconnect with backoff. It returns once the
// shutdown signal is set or ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	attempts := 0

	for !b.shutdown.IsSet() {
		err := b.connectAndRun(ctx)

		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			attempts = 0
		case transport.IsSessionTerminated(err):
			slog.Info("bridge: session rejected by control plane, user can restore by sending a new prompt")
			b.shutdown.Set()
		case transport.IsNormalClosure(err):
			// no action: a clean close is expected during normal operation
		case transport.IsFatal(err):
			slog.Error("bridge: fatal connection error, shutting down", "error", err)
			b.shutdown.Set()
		default:
			slog.Warn("bridge: transient error, will reconnect", "error", err)
		}

		if b.shutdown.IsSet() {
			break
		}

		attempts++
		delay := backoffSeconds(attempts, b.cfg.Reconnect.BackoffBase, b.cfg.Reconnect.BackoffCap)
		slog.Info("bridge: reconnecting", "attempt", attempts, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
