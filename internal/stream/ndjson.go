package stream

import (
	"encoding/json"
	"strings"

	"aictl/pkg/types"
)

// todoToolName is the tool whose input doubles as the structured todo list.
const todoToolName = "todowrite"

// partPayload mirrors the nested part object both wire formats use.
type partPayload struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Text      string     `json:"text"`
	Tool      string     `json:"tool"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	State     *toolState `json:"state"`
}

type toolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input"`
}

// errorPayload tolerates the shapes errors arrive in: a flat message, or a
// named error with the message nested under data.
type errorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e *errorPayload) text() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Name
}

// todoInput is the todo tool's input payload; some emitters wrap the list,
// some send it bare.
type todoInput struct {
	Todos []types.TodoItem `json:"todos"`
}

func parseTodos(raw json.RawMessage) ([]types.TodoItem, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var wrapped todoInput
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Todos != nil {
		return wrapped.Todos, true
	}
	var bare []types.TodoItem
	if err := json.Unmarshal(raw, &bare); err == nil && bare != nil {
		return bare, true
	}
	return nil, false
}

// ndjsonRecord is one stdout line of a quick-mode run.
type ndjsonRecord struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionID"`
	Part      *partPayload  `json:"part"`
	Error     *errorPayload `json:"error"`
	// Flat fallbacks used by older emitters.
	ID      string          `json:"id"`
	Tool    string          `json:"tool"`
	Name    string          `json:"name"`
	Status  string          `json:"status"`
	Input   json.RawMessage `json:"input"`
	Text    string          `json:"text"`
	Message string          `json:"message"`
}

// ApplyLine folds one NDJSON line into the state. Blank lines, malformed
// JSON and unknown record types are ignored.
func (s *State) ApplyLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	var rec ndjsonRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return
	}
	s.captureSessionID(rec.SessionID)
	if rec.Part != nil {
		s.captureSessionID(rec.Part.SessionID)
		s.captureMessageID(rec.Part.MessageID)
	}

	switch rec.Type {
	case "error":
		msg := rec.Error.text()
		if msg == "" {
			msg = rec.Message
		}
		s.fail(msg)
	case "thinking":
		s.startThinking()
	case "text":
		if rec.Part != nil {
			if rec.Part.ID != "" {
				s.setPartText(rec.Part.ID, rec.Part.Text)
			} else {
				s.appendChunk(rec.Part.Text)
			}
		} else if rec.ID != "" {
			s.setPartText(rec.ID, rec.Text)
		} else {
			s.appendChunk(rec.Text)
		}
	case "tool_use", "tool-call", "tool-result":
		s.applyToolRecord(rec)
	}
}

func (s *State) applyToolRecord(rec ndjsonRecord) {
	name := rec.Tool
	if name == "" {
		name = rec.Name
	}
	status := ToolStatus(rec.Status)
	input := rec.Input
	if rec.Part != nil {
		if rec.Part.Tool != "" {
			name = rec.Part.Tool
		}
		if rec.Part.State != nil {
			if rec.Part.State.Status != "" {
				status = ToolStatus(rec.Part.State.Status)
			}
			if len(rec.Part.State.Input) > 0 {
				input = rec.Part.State.Input
			}
		}
	}
	if rec.Type == "tool-result" && status == "" {
		status = ToolCompleted
	}
	s.setTool(name, status)
	if strings.EqualFold(name, todoToolName) {
		if todos, ok := parseTodos(input); ok && s.ErrText == "" {
			s.Todos = todos
		}
	}
}
