// Package bridge wires together the transport, the sub-agent client, the
// prompt pipeline, and the command dispatcher into the supervisor loop
// described by the component design: connect, run the dispatch loop until
// the connection ends, classify the failure, and reconnect with backoff.
// Grounded on other_examples' arkeep connection-manager for the outer
// reconnect-loop shape and on bridge.py's run()/_connect_and_run() for the
// exact classification and backoff sequence.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codinspect/agent-bridge/internal/audit"
	"github.com/codinspect/agent-bridge/internal/config"
	"github.com/codinspect/agent-bridge/internal/dispatch"
	"github.com/codinspect/agent-bridge/internal/events"
	"github.com/codinspect/agent-bridge/internal/handlers"
	"github.com/codinspect/agent-bridge/internal/healthsrv"
	"github.com/codinspect/agent-bridge/internal/idgen"
	"github.com/codinspect/agent-bridge/internal/prompt"
	"github.com/codinspect/agent-bridge/internal/sessionstore"
	"github.com/codinspect/agent-bridge/internal/signal"
	"github.com/codinspect/agent-bridge/internal/subagent"
	"github.com/codinspect/agent-bridge/internal/telemetry"
	"github.com/codinspect/agent-bridge/internal/transport"

	"golang.org/x/time/rate"
)

// Bridge owns everything that survives across reconnects: the sub-agent
// HTTP client, the persisted session pointer, the ascending ID generator,
// and the shutdown/git-sync signals. A fresh Transport, Emitter,
// Dispatcher, and Pipeline are built per connection attempt.
type Bridge struct {
	cfg        *config.Config
	instanceID string

	client      *subagent.Client
	ids         *idgen.Generator
	session     *sessionstore.Store
	shutdown    *signal.Flag
	gitSync     *signal.Flag
	ledger      *audit.Ledger // nil when auditing is disabled
	connectedAt time.Time
}

// New builds a Bridge. cfg must already have passed Validate.
func New(cfg *config.Config) (*Bridge, error) {
	session := sessionstore.New(sessionstore.DefaultPath())
	if err := session.Load(); err != nil {
		return nil, fmt.Errorf("bridge: load persisted session pointer: %w", err)
	}

	var ledger *audit.Ledger
	if cfg.Audit.Enabled {
		l, err := audit.Open(cfg.Audit.DBPath)
		if err != nil {
			slog.Warn("bridge: audit ledger unavailable, continuing without it", "error", err)
		} else {
			ledger = l
		}
	}

	return &Bridge{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		client:     subagent.New(cfg.SubAgent.Port),
		ids:        idgen.New(),
		session:    session,
		shutdown:   signal.New(),
		gitSync:    signal.New(),
		ledger:     ledger,
	}, nil
}

// Status implements healthsrv.StatusProvider.
func (b *Bridge) Status() healthsrv.Status {
	status := healthsrv.Status{
		InstanceID:      b.instanceID,
		SandboxID:       b.cfg.Transport.SandboxID,
		SubAgentSession: b.session.Get(),
	}
	if !b.connectedAt.IsZero() {
		status.ConnectedAt = b.connectedAt.Format(time.RFC3339)
	}
	return status
}

// Close releases long-lived resources. Called once, at process shutdown.
func (b *Bridge) Close() {
	if b.ledger != nil {
		_ = b.ledger.Close()
	}
}

// connectAndRun dials the control plane, sends the ready frame, and runs
// the dispatch loop until the connection ends or the shutdown signal
// fires. It returns nil once it observes the shutdown signal between
// frames; otherwise it returns a non-nil error describing why the
// connection ended (a cancelled ctx surfaces as the Receive error).
func (b *Bridge) connectAndRun(ctx context.Context) error {
	t, err := transport.Dial(ctx, transport.Config{
		ControlPlaneURL: b.cfg.Transport.ControlPlaneURL,
		SessionID:       b.cfg.Transport.SessionID,
		SandboxID:       b.cfg.Transport.SandboxID,
		AuthToken:       b.cfg.Transport.AuthToken,
	})
	if err != nil {
		return err
	}
	defer t.Close(websocket.StatusNormalClosure, "")

	emitter := NewEmitter(t, b.cfg.Transport.SandboxID)
	b.connectedAt = time.Now()

	if err := emitter.Send(ctx, events.TypeReady, events.Fields("opencodeSessionId", b.session.Get())); err != nil {
		return fmt.Errorf("bridge: send ready frame: %w", err)
	}

	tracer := telemetry.Tracer()
	pipeline := prompt.New(b.client, b.ids, emitter, b.session, tracer, b.cfg.Prompt.Deadline)

	pushLimiter := rate.NewLimiter(rate.Every(5*time.Second), 1)
	git := handlers.New(emitter, b.cfg.Git.WorkspaceRoot, b.cfg.Git.GitHubAppToken, pushLimiter)

	d := dispatch.New(emitter, pipeline, b.client, sessionGetter{b.session}, git, git, b.shutdown, b.gitSync)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go b.heartbeatLoop(heartbeatCtx, emitter)

	for {
		if b.shutdown.IsSet() {
			d.Shutdown()
			return nil
		}

		frame, err := t.Receive(ctx)
		if err != nil {
			if b.auditEnabled() {
				_ = b.ledger.Record(context.Background(), b.instanceID, "connection.ended", b.cfg.Transport.SandboxID, err.Error())
			}
			return err
		}
		d.Dispatch(ctx, frame)
	}
}

func (b *Bridge) heartbeatLoop(ctx context.Context, emitter *Emitter) {
	ticker := time.NewTicker(b.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdown.Done():
			return
		case <-ticker.C:
			_ = emitter.Send(ctx, events.TypeHeartbeat, events.Fields("status", "ready"))
		}
	}
}

func (b *Bridge) auditEnabled() bool { return b.ledger != nil }

// sessionGetter adapts *sessionstore.Store to dispatch.SessionGetter.
type sessionGetter struct{ store *sessionstore.Store }

func (s sessionGetter) Get() string { return s.store.Get() }

// backoffSeconds computes min(backoffBase^attempt, cap) per the
// supervisor's documented backoff sequence.
func backoffSeconds(attempt int, backoffBase, backoffCap time.Duration) time.Duration {
	seconds := math.Pow(backoffBase.Seconds(), float64(attempt))
	capSeconds := backoffCap.Seconds()
	if seconds > capSeconds {
		seconds = capSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}
