// Package subagent is a typed wrapper over the local code-agent's HTTP+SSE
// API, grounded on the teacher's internal/agent.GrpcClient for structure
// (a small client type plus a typed StatusError callers can classify) even
// though the wire protocol here is HTTP+SSE rather than gRPC, per the
// sub-agent client contract.
package subagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// ConnectTimeout bounds request/response round trips that are not
	// expected to stream.
	ConnectTimeout = 30 * time.Second
	// LongReadTimeout is the length of the long-read budget on the prompt
	// path. The client does not apply it itself: the streaming client has
	// no timeout, and the SSE read is bounded only by the caller's ctx.
	LongReadTimeout = 300 * time.Second

	defaultProviderID = "anthropic"
)

// Model splits a caller-supplied "provider/model" string, or defaults the
// provider when no slash is present.
type Model struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// SplitModel applies the model encoding rule: a single split on the first
// "/" yields (providerID, modelID); otherwise the whole string is the
// modelID under the default provider.
func SplitModel(raw string) Model {
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		return Model{ProviderID: raw[:idx], ModelID: raw[idx+1:]}
	}
	return Model{ProviderID: defaultProviderID, ModelID: raw}
}

// StatusError carries the HTTP status code of a non-success response so
// callers can classify fatal vs. transient failures.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("subagent: unexpected HTTP %d: %s", e.StatusCode, e.Body)
}

// Client talks to the sub-agent over loopback HTTP. It is not
// authenticated: the sub-agent is localhost-trusted, per scope.
type Client struct {
	baseURL string
	short   *http.Client
	long    *http.Client
}

// New builds a Client targeting the sub-agent's port on localhost.
func New(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://localhost:%d", port),
		short:   &http.Client{Timeout: ConnectTimeout},
		long:    &http.Client{}, // caller controls the deadline via ctx for streaming reads
	}
}

// CreateSession creates a new sub-agent conversation and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.short.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("subagent: decode session create response: %w", err)
	}
	return out.ID, nil
}

// SessionExists validates a previously persisted session pointer. A
// non-200 response means the pointer is stale and must be discarded.
func (c *Client) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+sessionID, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.short.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// PromptPart is one piece of content in a prompt_async request body.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Parts     []PromptPart `json:"parts"`
	MessageID string       `json:"messageID"`
	Model     *Model       `json:"model,omitempty"`
}

// SubmitPromptAsync submits the user's message to a session. model may be
// nil to omit the field entirely.
func (c *Client) SubmitPromptAsync(ctx context.Context, sessionID, content, messageID string, model *Model) error {
	body := promptRequest{
		Parts:     []PromptPart{{Type: "text", Text: content}},
		MessageID: messageID,
		Model:     model,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("subagent: encode prompt request: %w", err)
	}
	url := fmt.Sprintf("%s/session/%s/prompt_async", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.short.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Warn("subagent: prompt_async rejected", "status", resp.StatusCode, "body", string(respBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// OpenEventStream opens the session-wide SSE stream. The caller owns the
// returned body and must close it; ctx should carry the 300s prompt-path
// deadline since this read can block for the lifetime of the stream.
func (c *Client) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.long.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

// Message mirrors the shape of one record returned by GET
// /session/<id>/message, trimmed to the fields reconciliation needs.
// id/role/parentID are nested under "info"; only "parts" is top-level.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"parts"`
}

// MessageInfo is the "info" sub-object of a Message.
type MessageInfo struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	ParentID string `json:"parentID"`
}

// Messages fetches the full message list for reconciliation.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	url := fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.short.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var messages []Message
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("subagent: decode message list: %w", err)
	}
	return messages, nil
}

// Stop best-effort cancels in-flight generation on a session. Callers are
// expected to swallow the error per the dispatcher's stop-command contract.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%s/session/%s/stop", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.short.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
