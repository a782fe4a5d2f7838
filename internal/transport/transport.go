// Package transport manages the bidirectional framed connection to the
// control plane: dial with auth headers, keep-alive pings, send/receive of
// JSON frames, and clean close. It is grounded on the teacher's own
// server-side use of github.com/coder/websocket in
// internal/terminal/websocket.go, generalized to the client (Dial) side the
// way vanducng-goclaw's internal/channels/zalo/personal/protocol/ws_client.go
// demonstrates.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	pingInterval = 20 * time.Second
	pongTimeout  = 10 * time.Second
	readLimit    = 16 << 20
)

// FatalUpgradeError is returned when the HTTP upgrade is rejected with a
// status code that means the control-plane session will never accept this
// bridge again: 401, 403, 404, or 410.
type FatalUpgradeError struct {
	StatusCode int
}

func (e *FatalUpgradeError) Error() string {
	return fmt.Sprintf("transport: upgrade rejected with HTTP %d", e.StatusCode)
}

// SessionTerminatedError is the specific case of FatalUpgradeError where the
// control plane returned 410: the session itself is gone, not merely
// unauthorized.
type SessionTerminatedError struct {
	*FatalUpgradeError
}

// TransientError wraps a network-level failure that warrants a reconnect
// with backoff rather than giving up: timeouts, DNS/TCP/TLS failures, and
// any non-fatal HTTP status.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Config carries everything Dial needs to open the control-plane channel.
type Config struct {
	ControlPlaneURL string // e.g. https://control.example.com or wss://control.example.com
	SessionID       string
	SandboxID       string
	AuthToken       string
}

const (
	stateOpen int32 = iota
	stateClosed
)

// Transport is a single control-plane connection. It is not reentrant for
// writes: callers must serialize calls to Send themselves (the bridge
// supervisor does this with a single-writer mutex at the emitter layer).
type Transport struct {
	conn          *websocket.Conn
	state         int32
	upgradeStatus int
	pingCancel    context.CancelFunc
	pingDone      chan struct{}
	closeOnce     sync.Once
}

// Dial opens the control-plane WebSocket and starts the keep-alive ping
// loop. It does not send or receive any application frames — callers are
// responsible for sending the single ready frame before the first Receive,
// per the component contract.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	wsBase, err := toWebSocketURL(cfg.ControlPlaneURL)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	fullURL := fmt.Sprintf("%s/sessions/%s/ws?type=sandbox", wsBase, cfg.SessionID)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.AuthToken)
	header.Set("X-Sandbox-ID", cfg.SandboxID)

	conn, resp, err := websocket.Dial(ctx, fullURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			fe := &FatalUpgradeError{StatusCode: status}
			if status == http.StatusGone {
				return nil, &SessionTerminatedError{FatalUpgradeError: fe}
			}
			return nil, fe
		default:
			return nil, &TransientError{Err: err}
		}
	}
	conn.SetReadLimit(readLimit)

	upgradeStatus := http.StatusSwitchingProtocols
	if resp != nil {
		upgradeStatus = resp.StatusCode
	}

	t := &Transport{
		conn:          conn,
		state:         stateOpen,
		upgradeStatus: upgradeStatus,
		pingDone:      make(chan struct{}),
	}
	pingCtx, cancel := context.WithCancel(context.Background())
	t.pingCancel = cancel
	go t.pingLoop(pingCtx)

	return t, nil
}

// UpgradeStatusCode reports the HTTP status the upgrade handshake returned.
func (t *Transport) UpgradeStatusCode() int { return t.upgradeStatus }

func (t *Transport) pingLoop(ctx context.Context) {
	defer close(t.pingDone)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := t.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Warn("transport: ping failed, closing connection", "error", err)
				t.closeLocked(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

// Send marshals fields as JSON and writes it as a single text frame. It is
// a no-op (with a warning log) when the Transport is not open.
func (t *Transport) Send(ctx context.Context, frame map[string]any) error {
	if atomic.LoadInt32(&t.state) != stateOpen {
		slog.Warn("transport: send called while not open, dropping frame")
		return nil
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// Receive blocks until the next well-formed JSON frame arrives, the
// connection closes, or ctx is cancelled. Frames that fail to decode as
// JSON are discarded with a warning and do not terminate the connection.
func (t *Transport) Receive(ctx context.Context) (map[string]any, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, classifyReadError(err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("transport: discarding malformed inbound frame", "error", err)
			continue
		}
		return frame, nil
	}
}

func classifyReadError(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return &TransientError{Err: err}
	}
	return &TransientError{Err: err}
}

// Close performs a clean close of the underlying connection and stops the
// ping loop. Safe to call more than once.
func (t *Transport) Close(code websocket.StatusCode, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		err = t.closeLocked(code, reason)
	})
	return err
}

func (t *Transport) closeLocked(code websocket.StatusCode, reason string) error {
	atomic.StoreInt32(&t.state, stateClosed)
	if t.pingCancel != nil {
		t.pingCancel()
	}
	return t.conn.Close(code, reason)
}

var fatalSubstrings = []string{"HTTP 401", "HTTP 403", "HTTP 404", "HTTP 410"}

// IsFatal classifies err as a fatal connection failure that should stop the
// supervisor rather than trigger a reconnect. It prefers the typed
// FatalUpgradeError signal and falls back to a substring match on the
// error's textual representation, per the documented fallback classifier
// pattern for cases where only a message is available.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalUpgradeError
	if errors.As(err, &fatal) {
		return true
	}
	msg := err.Error()
	for _, substr := range fatalSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// IsSessionTerminated reports whether err specifically represents an HTTP
// 410 upgrade rejection.
func IsSessionTerminated(err error) bool {
	var terminated *SessionTerminatedError
	return errors.As(err, &terminated)
}

// IsNormalClosure reports whether err represents the peer closing the
// connection cleanly (close code 1000), as opposed to a network failure.
// The supervisor treats this as "no action" rather than logging a warning.
func IsNormalClosure(err error) bool {
	var transient *TransientError
	if !errors.As(err, &transient) {
		return false
	}
	return websocket.CloseStatus(transient.Err) == websocket.StatusNormalClosure
}

// toWebSocketURL rewrites an http(s) control-plane base URL to its ws(s)
// equivalent, leaving an already-ws(s) URL untouched.
func toWebSocketURL(base string) (string, error) {
	switch {
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
		return strings.TrimSuffix(base, "/"), nil
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimSuffix(strings.TrimPrefix(base, "https://"), "/"), nil
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimSuffix(strings.TrimPrefix(base, "http://"), "/"), nil
	default:
		return "", fmt.Errorf("unrecognized control plane URL scheme: %q", base)
	}
}
