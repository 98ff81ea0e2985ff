package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"omni-gateway/internal/domain"
)

const dataPrefix = "data:"

// ParseStream consumes a raw byte stream from a streaming backend call and
// yields typed events on the returned channel. Two input framings are
// supported: standard SSE ("data: " lines, blank-line separated, "[DONE]"
// sentinel) and raw concatenated JSON objects with no separators. The channel
// is closed after a terminal event, at end of stream, or when ctx is
// cancelled. Transport or parse failures surface as a terminal RunError
// event; ParseStream never panics past its own boundary.
func ParseStream(ctx context.Context, body io.ReadCloser, logger *slog.Logger) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		p := &streamParser{logger: logger}
		buf := make([]byte, 4096)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, readErr := body.Read(buf)
			if n > 0 {
				for _, ev := range p.feed(string(buf[:n])) {
					if !emit(ctx, ch, ev) {
						return
					}
					if terminal(ev) {
						return
					}
				}
				if p.done {
					emit(ctx, ch, domain.StreamEvent{
						Kind:             domain.EventRunCompleted,
						Timestamp:        time.Now(),
						CompletionReason: "done",
					})
					return
				}
			}

			if readErr != nil {
				if readErr == io.EOF {
					for _, ev := range p.flush() {
						if !emit(ctx, ch, ev) || terminal(ev) {
							return
						}
					}
					return
				}
				emit(ctx, ch, domain.NewErrorEvent("stream transport: "+readErr.Error(), nil))
				return
			}
		}
	}()
	return ch
}

// terminal reports whether ev ends the stream from the parser's side.
// Synthesized unknown-event errors are passed through without terminating.
func terminal(ev domain.StreamEvent) bool {
	return ev.IsTerminal() && !ev.IsSoftError()
}

func emit(ctx context.Context, ch chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamParser holds the accumulation state between received chunks.
type streamParser struct {
	logger  *slog.Logger
	buf     string // unconsumed raw input
	partial string // JSON accumulated across SSE lines until it parses
	done    bool   // a [DONE] sentinel was seen
}

// feed consumes one received chunk and returns every event that became
// complete. Framing is re-detected on each call: backends have been observed
// switching mid-stream between SSE lines and bare concatenated objects.
func (p *streamParser) feed(chunk string) []domain.StreamEvent {
	p.buf += chunk
	var events []domain.StreamEvent

	for {
		trimmed := strings.TrimLeft(p.buf, " \t\r\n")

		// Concatenated JSON objects with no separators must be split by
		// brace depth; line-oriented parsing would shred them.
		if p.partial == "" && strings.HasPrefix(trimmed, "{") && adjacentObjects(trimmed) {
			objects, rest := splitConcatenated(trimmed)
			p.buf = rest
			for _, obj := range objects {
				events = append(events, p.classify([]byte(obj)))
			}
			if len(objects) == 0 {
				return events
			}
			continue
		}

		nl := strings.IndexByte(p.buf, '\n')
		if nl < 0 {
			return events
		}
		line := strings.TrimRight(p.buf[:nl], "\r")
		p.buf = p.buf[nl+1:]

		events = append(events, p.consumeLine(line)...)
		if p.done {
			return events
		}
	}
}

// consumeLine handles one SSE line, accumulating partial JSON until a full
// object parses.
func (p *streamParser) consumeLine(line string) []domain.StreamEvent {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if strings.HasPrefix(line, ":") {
		// SSE comment.
		return nil
	}

	payload := line
	if strings.HasPrefix(line, dataPrefix) {
		payload = strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == "[DONE]" {
			p.done = true
			return nil
		}
		// A new data: line supersedes any partial accumulation; whatever
		// was pending can no longer complete.
		if p.partial != "" {
			p.logger.Debug("dropping incomplete stream object", "len", len(p.partial))
			p.partial = ""
		}
	}

	p.partial += payload

	candidate := repairLeadingBrace(p.partial)
	if !json.Valid([]byte(candidate)) {
		// Accumulated text may itself be several concatenated objects.
		if strings.HasPrefix(candidate, "{") && adjacentObjects(candidate) {
			objects, rest := splitConcatenated(candidate)
			if len(objects) > 0 {
				p.partial = rest
				events := make([]domain.StreamEvent, 0, len(objects))
				for _, obj := range objects {
					events = append(events, p.classify([]byte(obj)))
				}
				return events
			}
		}
		return nil
	}

	p.partial = ""
	return []domain.StreamEvent{p.classify([]byte(candidate))}
}

// flush is called at end of stream. Complete leftover objects are classified;
// incomplete ones are logged and dropped, never yielded.
func (p *streamParser) flush() []domain.StreamEvent {
	var events []domain.StreamEvent

	leftover := p.partial + p.buf
	p.partial, p.buf = "", ""

	trimmed := strings.TrimSpace(leftover)
	if trimmed == "" {
		return nil
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix))
	if trimmed == "[DONE]" {
		return []domain.StreamEvent{{
			Kind:             domain.EventRunCompleted,
			Timestamp:        time.Now(),
			CompletionReason: "done",
		}}
	}

	if strings.HasPrefix(trimmed, "{") && adjacentObjects(trimmed) {
		objects, rest := splitConcatenated(trimmed)
		for _, obj := range objects {
			events = append(events, p.classify([]byte(obj)))
		}
		trimmed = rest
	}

	candidate := repairLeadingBrace(strings.TrimSpace(trimmed))
	if candidate == "" {
		return events
	}
	if json.Valid([]byte(candidate)) {
		events = append(events, p.classify([]byte(candidate)))
	} else {
		p.logger.Warn("dropping incomplete object at end of stream", "len", len(candidate))
	}
	return events
}

// repairLeadingBrace re-prepends a lost leading '{'. Upstream prefix
// stripping has been observed eating the first byte of a JSON object.
func repairLeadingBrace(s string) string {
	if s == "" || strings.HasPrefix(s, "{") {
		return s
	}
	if strings.HasSuffix(s, "}") && strings.Contains(s, "\":") {
		return "{" + s
	}
	return s
}

// adjacentObjects reports whether s appears to hold more than one JSON
// object: a '}' followed, across at most whitespace, by another '{'. Cheap
// heuristic only; splitConcatenated does the string-aware splitting.
func adjacentObjects(s string) bool {
	for i := strings.IndexByte(s, '}'); i >= 0 && i < len(s)-1; {
		j := i + 1
		for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\r' || s[j] == '\n') {
			j++
		}
		if j < len(s) && s[j] == '{' {
			return true
		}
		next := strings.IndexByte(s[i+1:], '}')
		if next < 0 {
			return false
		}
		i += 1 + next
	}
	return false
}

// splitConcatenated splits a run of JSON objects written back to back with
// no separators. It counts brace depth while tracking whether the scanner is
// inside a quoted string and honoring backslash escapes; naive splitting on
// "}{" corrupts payloads whose content contains braces. Returns the complete
// objects and the unconsumed tail (an object still missing its closing
// brace, or trailing non-object bytes).
func splitConcatenated(s string) (objects []string, rest string) {
	depth := 0
	inString := false
	escaped := false
	start := -1

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					objects = append(objects, s[start:i+1])
					start = -1
				}
			}
		}
	}

	if start >= 0 {
		rest = s[start:]
	}
	return objects, rest
}

// wireEvent is the permissive decoding target for one raw event payload.
type wireEvent struct {
	Event            string          `json:"event"`
	Timestamp        json.RawMessage `json:"timestamp"`
	RunID            string          `json:"run_id"`
	AgentID          string          `json:"agent_id"`
	TeamID           string          `json:"team_id"`
	Content          string          `json:"content"`
	TotalTokens      int             `json:"total_tokens"`
	CompletionReason string          `json:"completion_reason"`
	Metadata         json.RawMessage `json:"metadata"`
	ErrorCode        string          `json:"error_code"`
	ErrorMessage     string          `json:"error_message"`
	Message          string          `json:"message"` // some backends use this for errors
	ErrorDetails     json.RawMessage `json:"error_details"`
}

// classify turns one raw JSON object into a typed StreamEvent. Unknown or
// unparseable payloads become RunError events carrying the raw bytes rather
// than being dropped.
func (p *streamParser) classify(raw []byte) domain.StreamEvent {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		p.logger.Warn("unparseable stream event", "error", err)
		ev := domain.NewErrorEvent("unparseable event payload", raw)
		ev.ErrorCode = domain.UnknownEventCode
		return ev
	}

	kind, ok := domain.CanonicalEventKind(we.Event)
	if !ok {
		p.logger.Debug("unknown stream event type", "type", we.Event)
		ev := domain.NewErrorEvent("unknown event type: "+we.Event, raw)
		ev.ErrorCode = domain.UnknownEventCode
		ev.RunID = we.RunID
		return ev
	}

	ev := domain.StreamEvent{
		Kind:             kind,
		Timestamp:        parseTimestamp(we.Timestamp),
		RunID:            we.RunID,
		AgentID:          we.AgentID,
		TeamID:           we.TeamID,
		Content:          we.Content,
		TotalTokens:      we.TotalTokens,
		CompletionReason: we.CompletionReason,
		Metadata:         we.Metadata,
	}

	if kind == domain.EventRunError {
		ev.ErrorCode = we.ErrorCode
		ev.ErrorMessage = we.ErrorMessage
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = we.Message
		}
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = "backend reported an error"
		}
		ev.ErrorDetails = we.ErrorDetails
	}

	return ev
}

// parseTimestamp decodes a timestamp that may be a unix number (integer or
// fractional seconds), an RFC3339 string, absent, or garbage. Anything
// unusable defaults to now.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Now()
	}

	s := strings.Trim(string(raw), `"`)
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}
