// Package stream folds the two assistant wire formats, NDJSON lines from
// one-shot runs and named SSE events from a persistent server, into a single
// response state. Folding is pure: replaying the same record sequence from a
// fresh State always yields the same final State.
package stream

import (
	"strings"

	"aictl/pkg/types"
)

// ToolStatus is the observed status of the current tool invocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
)

// segment is one contiguous piece of response text. Keyed segments belong to
// a wire-level part id and may grow via deltas or be replaced wholesale;
// unkeyed segments are append-only chunks.
type segment struct {
	id   string
	text string
}

// State is the accumulated view of one exchange.
type State struct {
	segments []segment

	// Thinking is true while the assistant reasons between text output.
	Thinking bool
	// ToolName and ToolStatus describe the most recent tool invocation.
	ToolName   string
	ToolStatus ToolStatus
	// SessionID is captured from the first record that carries one.
	SessionID string
	// MessageID is captured from the first record that carries one.
	MessageID string
	// ErrText holds a terminal upstream error; when set, response text is
	// discarded and later content records are ignored.
	ErrText string
	// Todos is the latest structured todo list reported by the todo tool.
	Todos []types.TodoItem
	// Busy reflects the most recent busy/idle signal.
	Busy bool
	// ContentSeen is true once at least one content-bearing record has been
	// folded; the completion policy requires it before honoring idle.
	ContentSeen bool
}

// Response returns the accumulated response text, or the error text when the
// exchange failed upstream.
func (s *State) Response() string {
	if s.ErrText != "" {
		return s.ErrText
	}
	var b strings.Builder
	for _, seg := range s.segments {
		b.WriteString(seg.text)
	}
	return b.String()
}

// Lines splits the response into display lines.
func (s *State) Lines() []string {
	return strings.Split(s.Response(), "\n")
}

// normalizeNewlines maps CRLF and bare CR to LF.
func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// appendChunk appends a full, unkeyed text chunk.
func (s *State) appendChunk(text string) {
	if text == "" || s.ErrText != "" {
		return
	}
	s.segments = append(s.segments, segment{text: normalizeNewlines(text)})
	s.Thinking = false
	s.ContentSeen = true
}

// setPartText sets the full text of the keyed part, replacing any prior
// content for the same id so a re-sent part is never double-appended.
func (s *State) setPartText(id, text string) {
	if s.ErrText != "" {
		return
	}
	text = normalizeNewlines(text)
	for i := range s.segments {
		if s.segments[i].id == id && id != "" {
			s.segments[i].text = text
			s.Thinking = false
			s.ContentSeen = true
			return
		}
	}
	if text == "" {
		return
	}
	s.segments = append(s.segments, segment{id: id, text: text})
	s.Thinking = false
	s.ContentSeen = true
}

// appendPartDelta appends an incremental delta to the keyed part.
func (s *State) appendPartDelta(id, delta string) {
	if delta == "" || s.ErrText != "" {
		return
	}
	delta = normalizeNewlines(delta)
	for i := range s.segments {
		if s.segments[i].id == id && id != "" {
			s.segments[i].text += delta
			s.Thinking = false
			s.ContentSeen = true
			return
		}
	}
	s.segments = append(s.segments, segment{id: id, text: delta})
	s.Thinking = false
	s.ContentSeen = true
}

func (s *State) startThinking() {
	if s.ErrText != "" {
		return
	}
	s.Thinking = true
	s.ToolName = ""
	s.ToolStatus = ""
}

func (s *State) setTool(name string, status ToolStatus) {
	if name == "" || s.ErrText != "" {
		return
	}
	s.ToolName = name
	if status != "" {
		s.ToolStatus = status
	} else {
		s.ToolStatus = ToolRunning
	}
}

// fail records a terminal upstream error, discarding accumulated text.
func (s *State) fail(msg string) {
	if msg == "" {
		msg = "unknown error"
	}
	s.ErrText = msg
	s.segments = nil
	s.Thinking = false
}

func (s *State) captureSessionID(id string) {
	if id != "" && s.SessionID == "" {
		s.SessionID = id
	}
}

func (s *State) captureMessageID(id string) {
	if id != "" && s.MessageID == "" {
		s.MessageID = id
	}
}
