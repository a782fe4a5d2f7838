package sse

import (
	"fmt"
	"strings"
	"testing"
)

func TestEventsRoundTrip(t *testing.T) {
	payloads := []string{
		`{"type":"server.connected"}`,
		`{"type":"message.updated","properties":{"info":{"id":"msg_1"}}}`,
		`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`,
	}

	var sb strings.Builder
	for _, p := range payloads {
		fmt.Fprintf(&sb, "data: %s\n\n", p)
	}

	var got []string
	for event, err := range Events(strings.NewReader(sb.String())) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventType, _ := event["type"].(string)
		got = append(got, eventType)
	}

	want := []string{"server.connected", "message.updated", "session.idle"}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventsMultilineDataJoinedWithNewline(t *testing.T) {
	raw := "data: {\"type\":\"text\",\n" + "data: \"value\":1}\n\n"
	var got []map[string]any
	for event, err := range Events(strings.NewReader(raw)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, event)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0]["type"] != "text" {
		t.Errorf("type = %v, want %q", got[0]["type"], "text")
	}
	if got[0]["value"] != float64(1) {
		t.Errorf("value = %v, want 1", got[0]["value"])
	}
}

func TestEventsMalformedJSONSkippedNotFatal(t *testing.T) {
	raw := "data: {not json}\n\n" + "data: {\"type\":\"ok\"}\n\n"
	var got []string
	for event, err := range Events(strings.NewReader(raw)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventType, _ := event["type"].(string)
		got = append(got, eventType)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("got %v, want exactly [\"ok\"]", got)
	}
}

func TestEventsIgnoresNonDataFields(t *testing.T) {
	raw := "event: custom\nid: 5\ndata: {\"type\":\"ok\"}\nretry: 1000\n\n"
	var got []map[string]any
	for event, err := range Events(strings.NewReader(raw)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, event)
	}
	if len(got) != 1 || got[0]["type"] != "ok" {
		t.Fatalf("got %v, want one event of type ok", got)
	}
}
