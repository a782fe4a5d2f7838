package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func TestSplitModel(t *testing.T) {
	cases := []struct {
		in   string
		want Model
	}{
		{"anthropic/claude-opus", Model{"anthropic", "claude-opus"}},
		{"claude-opus", Model{"anthropic", "claude-opus"}},
		{"openai/gpt-4/extra", Model{"openai", "gpt-4/extra"}},
		{"", Model{"anthropic", ""}},
	}
	for _, tc := range cases {
		got := SplitModel(tc.in)
		if got != tc.want {
			t.Errorf("SplitModel(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return New(port)
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ses_1"})
	}))

	id, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "ses_1" {
		t.Errorf("id = %q, want %q", id, "ses_1")
	}
}

func TestSessionExists(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	ok, err := c.SessionExists(context.Background(), "ses_1")
	if err != nil || !ok {
		t.Fatalf("SessionExists(ses_1) = %v, %v; want true, nil", ok, err)
	}
	ok, err = c.SessionExists(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("SessionExists(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestSubmitPromptAsyncNon2xxIsStatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))

	err := c.SubmitPromptAsync(context.Background(), "ses_1", "hi", "msg_1", nil)
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusBadRequest)
	}
}

func TestMessages(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"info":{"id":"msg_a","role":"assistant","parentID":"msg_1"},"parts":[{"id":"prt_1","type":"text","text":"hello world"}]}]`)
	}))

	messages, err := c.Messages(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Parts[0].Text != "hello world" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if messages[0].Info.ID != "msg_a" || messages[0].Info.ParentID != "msg_1" {
		t.Fatalf("unexpected info: %+v", messages[0].Info)
	}
}
