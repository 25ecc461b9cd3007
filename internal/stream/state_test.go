package stream

import (
	"reflect"
	"testing"

	"aictl/pkg/types"
)

func TestApplyLineTextChunk(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"text","part":{"type":"text","text":"bar"}}`))
	if got := s.Response(); got != "bar" {
		t.Fatalf("expected bar, got %q", got)
	}
	if !s.ContentSeen {
		t.Fatal("expected ContentSeen")
	}
}

func TestApplyLineErrorReplacesText(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"text","part":{"type":"text","text":"partial"}}`))
	s.ApplyLine([]byte(`{"type":"error","error":{"message":"boom"}}`))
	if s.ErrText != "boom" {
		t.Fatalf("expected boom, got %q", s.ErrText)
	}
	if got := s.Response(); got != "boom" {
		t.Fatalf("error must replace response text, got %q", got)
	}
	// content after a terminal error is ignored
	s.ApplyLine([]byte(`{"type":"text","part":{"type":"text","text":"late"}}`))
	if got := s.Response(); got != "boom" {
		t.Fatalf("late text must be ignored, got %q", got)
	}
}

func TestApplyLineFlatKeyedTextReplaces(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"text","id":"prt_1","text":"ba"}`))
	s.ApplyLine([]byte(`{"type":"text","id":"prt_1","text":"bar"}`))
	if got := s.Response(); got != "bar" {
		t.Fatalf("re-sent keyed text must replace, got %q", got)
	}
	s.ApplyLine([]byte(`{"type":"text","text":"!"}`))
	if got := s.Response(); got != "bar!" {
		t.Fatalf("unkeyed text must append, got %q", got)
	}
}

func TestApplyLineFlatErrorMessage(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"error","message":"boom"}`))
	if s.ErrText != "boom" {
		t.Fatalf("expected boom, got %q", s.ErrText)
	}
}

func TestApplyLineNestedErrorMessage(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"error","error":{"name":"ProviderError","data":{"message":"rate limited"}}}`))
	if s.ErrText != "rate limited" {
		t.Fatalf("expected nested message, got %q", s.ErrText)
	}
}

func TestApplyLineMalformedAndUnknownIgnored(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`not json at all`))
	s.ApplyLine([]byte(``))
	s.ApplyLine([]byte(`{"type":"mystery","payload":42}`))
	s.ApplyLine([]byte(`{"type":"text","part":{"type":"text","text":"ok"}}`))
	if got := s.Response(); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
}

func TestThinkingClearedByText(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"tool_use","tool":"grep","status":"running"}`))
	s.ApplyLine([]byte(`{"type":"thinking"}`))
	if !s.Thinking {
		t.Fatal("expected thinking flag set")
	}
	if s.ToolName != "" {
		t.Fatal("thinking must clear current tool")
	}
	s.ApplyLine([]byte(`{"type":"text","part":{"type":"text","text":"answer"}}`))
	if s.Thinking {
		t.Fatal("text must clear thinking flag")
	}
}

func TestSessionIDFirstSeenWins(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"text","sessionID":"ses_1","part":{"type":"text","text":"a"}}`))
	s.ApplyLine([]byte(`{"type":"text","sessionID":"ses_2","part":{"type":"text","text":"b"}}`))
	if s.SessionID != "ses_1" {
		t.Fatalf("expected first-seen session id, got %q", s.SessionID)
	}
}

func TestTodoCaptureFromToolInput(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"tool_use","part":{"type":"tool","tool":"todowrite","state":{"status":"running","input":{"todos":[{"content":"write tests","status":"in_progress","priority":"high"}]}}}}`))
	want := []types.TodoItem{{Content: "write tests", Status: types.TodoInProgress, Priority: types.PriorityHigh}}
	if !reflect.DeepEqual(s.Todos, want) {
		t.Fatalf("todos = %+v", s.Todos)
	}
	if s.ToolName != "todowrite" || s.ToolStatus != ToolRunning {
		t.Fatalf("tool = %q/%q", s.ToolName, s.ToolStatus)
	}
}

func TestNewlineNormalization(t *testing.T) {
	var s State
	s.ApplyLine([]byte(`{"type":"text","part":{"type":"text","text":"a\r\nb\rc"}}`))
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(s.Lines(), want) {
		t.Fatalf("lines = %q", s.Lines())
	}
}

func TestApplyEventDeltaAccumulation(t *testing.T) {
	var s State
	s.ApplyEvent(EventPartUpdated, []byte(`{"part":{"id":"prt_1","type":"text"},"delta":"hel"}`))
	s.ApplyEvent(EventPartUpdated, []byte(`{"part":{"id":"prt_1","type":"text"},"delta":"lo"}`))
	if got := s.Response(); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestApplyEventFullPartNotDoubleAppended(t *testing.T) {
	var s State
	s.ApplyEvent(EventPartUpdated, []byte(`{"part":{"id":"prt_1","type":"text","text":"hello"}}`))
	s.ApplyEvent(EventPartUpdated, []byte(`{"part":{"id":"prt_1","type":"text","text":"hello world"}}`))
	if got := s.Response(); got != "hello world" {
		t.Fatalf("re-sent part must replace, got %q", got)
	}
	s.ApplyEvent(EventPartUpdated, []byte(`{"part":{"id":"prt_2","type":"text","text":"!"}}`))
	if got := s.Response(); got != "hello world!" {
		t.Fatalf("second part must append, got %q", got)
	}
}

func TestApplyEventBusyIdleToggle(t *testing.T) {
	var s State
	s.ApplyEvent(EventSessionStatus, []byte(`{"sessionID":"ses_9"}`))
	if !s.Busy {
		t.Fatal("status must set busy")
	}
	s.ApplyEvent(EventSessionIdle, []byte(`{"sessionID":"ses_9"}`))
	if s.Busy {
		t.Fatal("idle must clear busy")
	}
	if s.SessionID != "ses_9" {
		t.Fatalf("session id not captured: %q", s.SessionID)
	}
}

func TestApplyEventSessionError(t *testing.T) {
	var s State
	s.ApplyEvent(EventPartUpdated, []byte(`{"part":{"id":"p","type":"text","text":"half"}}`))
	s.ApplyEvent(EventSessionError, []byte(`{"error":{"message":"server gone"}}`))
	if s.ErrText != "server gone" || s.Response() != "server gone" {
		t.Fatalf("err=%q resp=%q", s.ErrText, s.Response())
	}
}

func TestApplyEventTodoUpdated(t *testing.T) {
	var s State
	s.ApplyEvent(EventTodoUpdated, []byte(`{"todos":[{"content":"a","status":"pending","priority":"low"},{"content":"b","status":"completed","priority":"medium"}]}`))
	if len(s.Todos) != 2 || s.Todos[1].Status != types.TodoCompleted {
		t.Fatalf("todos = %+v", s.Todos)
	}
}

// Replaying an identical record sequence from a fresh state must produce an
// identical final state.
func TestReplayIdempotence(t *testing.T) {
	lines := [][]byte{
		[]byte(`{"type":"thinking"}`),
		[]byte(`{"type":"text","sessionID":"ses_1","part":{"type":"text","text":"Hello "}}`),
		[]byte(`{"type":"tool_use","tool":"grep","status":"running"}`),
		[]byte(`{"type":"tool-result","tool":"grep"}`),
		[]byte(`{"type":"text","part":{"id":"prt_9","type":"text","text":"world"}}`),
		[]byte(`garbage`),
	}
	events := []struct {
		name string
		data []byte
	}{
		{EventSessionStatus, []byte(`{}`)},
		{EventPartUpdated, []byte(`{"part":{"id":"prt_9","type":"text"},"delta":"!"}`)},
		{EventSessionIdle, []byte(`{}`)},
	}
	run := func() State {
		var s State
		for _, l := range lines {
			s.ApplyLine(l)
		}
		for _, e := range events {
			s.ApplyEvent(e.name, e.data)
		}
		return s
	}
	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("replay diverged:\n%+v\n%+v", a, b)
	}
	if got := a.Response(); got != "Hello world!" {
		t.Fatalf("final response = %q", got)
	}
}
