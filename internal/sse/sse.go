// Package sse parses a Server-Sent Events byte stream into a lazy sequence
// of decoded JSON event records. Grounded on the teacher's own use of
// iter.Seq2 for streaming decode in internal/agent/grpc_client.go and
// internal/agent/service.go, generalized from gRPC streaming to SSE
// line-parsing, with the exact accumulation rules (blank-line boundary,
// "data:" prefix, multi-line join) cross-checked against
// other_examples' opencode-executor.go.go and the bridge.py original.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"strings"
)

// Events returns a lazy, finite, non-restartable sequence of decoded event
// payloads read from r. Malformed JSON within a completed event is logged
// and skipped; it does not terminate the sequence. The sequence ends (with
// no further yields) when r is exhausted or a read error occurs; a
// non-io.EOF read error is surfaced as the second value of the final yield.
func Events(r io.Reader) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		reader := bufio.NewReader(r)
		var dataLines []string

		flush := func() bool {
			if len(dataLines) == 0 {
				return true
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = nil

			var event map[string]any
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				slog.Warn("sse: discarding malformed event payload", "error", err)
				return true
			}
			return yield(event, nil)
		}

		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				trimmed := strings.TrimRight(line, "\r\n")
				switch {
				case trimmed == "":
					if !flush() {
						return
					}
				case strings.HasPrefix(trimmed, "data:"):
					data := strings.TrimPrefix(trimmed, "data:")
					data = strings.TrimPrefix(data, " ")
					dataLines = append(dataLines, data)
				default:
					// event:, id:, retry:, and comment lines carry no payload
					// content this reader needs.
				}
			}
			if err != nil {
				if err != io.EOF {
					yield(nil, err)
				} else {
					flush()
				}
				return
			}
		}
	}
}
