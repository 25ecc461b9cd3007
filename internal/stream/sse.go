package stream

import (
	"encoding/json"
	"strings"

	"aictl/pkg/types"
)

// SSE event names delivered by the assistant server.
const (
	EventServerConnected = "server.connected"
	EventPartUpdated     = "message.part.updated"
	EventMessageUpdated  = "message.updated"
	EventSessionStatus   = "session.status"
	EventSessionIdle     = "session.idle"
	EventSessionError    = "session.error"
	EventTodoUpdated     = "todo.updated"
)

type partUpdatedPayload struct {
	Part  *partPayload `json:"part"`
	Delta string       `json:"delta"`
}

type messageUpdatedPayload struct {
	Info struct {
		ID        string        `json:"id"`
		SessionID string        `json:"sessionID"`
		Error     *errorPayload `json:"error"`
	} `json:"info"`
}

type sessionEventPayload struct {
	SessionID string           `json:"sessionID"`
	Error     *errorPayload    `json:"error"`
	Todos     []types.TodoItem `json:"todos"`
}

// ApplyEvent folds one named SSE event into the state. Unknown event names
// and malformed payloads are ignored.
func (s *State) ApplyEvent(name string, data []byte) {
	switch name {
	case EventPartUpdated:
		var p partUpdatedPayload
		if err := json.Unmarshal(data, &p); err != nil || p.Part == nil {
			return
		}
		s.captureSessionID(p.Part.SessionID)
		s.captureMessageID(p.Part.MessageID)
		s.applyPart(p.Part, p.Delta)
	case EventMessageUpdated:
		var p messageUpdatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		s.captureSessionID(p.Info.SessionID)
		s.captureMessageID(p.Info.ID)
		if p.Info.Error != nil {
			s.fail(p.Info.Error.text())
		}
	case EventSessionStatus:
		var p sessionEventPayload
		_ = json.Unmarshal(data, &p)
		s.captureSessionID(p.SessionID)
		s.Busy = true
	case EventSessionIdle:
		var p sessionEventPayload
		_ = json.Unmarshal(data, &p)
		s.captureSessionID(p.SessionID)
		s.Busy = false
	case EventSessionError:
		var p sessionEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		s.captureSessionID(p.SessionID)
		s.fail(p.Error.text())
	case EventTodoUpdated:
		var p sessionEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		if p.Todos != nil && s.ErrText == "" {
			s.Todos = p.Todos
		}
	}
}

// applyPart routes one part update by part type.
func (s *State) applyPart(part *partPayload, delta string) {
	switch part.Type {
	case "text":
		if delta != "" {
			s.appendPartDelta(part.ID, delta)
			return
		}
		if part.ID != "" {
			s.setPartText(part.ID, part.Text)
			return
		}
		s.appendChunk(part.Text)
	case "reasoning", "thinking":
		s.startThinking()
	case "tool":
		status := ToolStatus("")
		var input json.RawMessage
		if part.State != nil {
			status = ToolStatus(part.State.Status)
			input = part.State.Input
		}
		s.setTool(part.Tool, status)
		if strings.EqualFold(part.Tool, todoToolName) {
			if todos, ok := parseTodos(input); ok && s.ErrText == "" {
				s.Todos = todos
			}
		}
	}
}
