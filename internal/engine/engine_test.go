package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aictl/internal/config"
	"aictl/internal/registry"
	"aictl/internal/request"
	"aictl/internal/server"
	"aictl/internal/session"
	"aictl/pkg/types"
)

// writeProg writes a fake external program as a shell script.
func writeProg(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog")
	script := "#!/bin/sh\n" + strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write prog: %v", err)
	}
	return path
}

type testEngine struct {
	eng *Engine
	reg *registry.File
	cfg config.Config
}

func newTestEngine(t *testing.T, cfg config.Config) *testEngine {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	cfg = config.ApplyDefaults(cfg)
	reg := registry.New(cfg.DataDir)
	log := zerolog.Nop()
	mgr := server.NewManager(cfg, reg, log)
	eng := New(cfg, mgr, session.NewStore(cfg.DataDir), request.NewTable(), log)
	eng.settleDelay = 20 * time.Millisecond
	eng.connectFallback = 50 * time.Millisecond
	eng.emitInterval = 10 * time.Millisecond
	return &testEngine{eng: eng, reg: reg, cfg: cfg}
}

func TestQuickTextExchange(t *testing.T) {
	prog := writeProg(t,
		`echo '{"type":"thinking"}'`,
		`echo '{"type":"text","id":"p1","text":"ba","sessionID":"ses_a"}'`,
		`echo '{"type":"text","id":"p1","text":"bar"}'`,
	)
	te := newTestEngine(t, config.Config{Program: prog, Mode: config.ModeQuick})
	dir := t.TempDir()

	var sawThinking atomic.Bool
	resp, err := te.eng.Run(context.Background(), RunOptions{
		Dir:    dir,
		Prompt: "say bar",
		OnProgress: func(p Progress) {
			if p.Thinking {
				sawThinking.Store(true)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed (error %q)", resp.Outcome, resp.Error)
	}
	if resp.Text != "bar" {
		t.Fatalf("text = %q, want bar", resp.Text)
	}
	if resp.SessionID != "ses_a" {
		t.Fatalf("session = %q, want ses_a", resp.SessionID)
	}
	if !sawThinking.Load() {
		t.Fatalf("thinking phase never surfaced in progress")
	}

	content, ok, err := te.eng.SessionContent(dir, "ses_a")
	if err != nil || !ok {
		t.Fatalf("transcript missing: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(content, "say bar") || !strings.Contains(content, "bar") {
		t.Fatalf("transcript = %q", content)
	}
}

func TestQuickUpstreamErrorIsTerminal(t *testing.T) {
	prog := writeProg(t,
		`echo '{"type":"text","id":"p1","text":"partial","sessionID":"ses_b"}'`,
		`echo '{"type":"error","message":"boom"}'`,
		`echo '{"type":"text","id":"p1","text":"ignored"}'`,
		`exit 1`,
	)
	te := newTestEngine(t, config.Config{Program: prog, Mode: config.ModeQuick})
	dir := t.TempDir()

	resp, err := te.eng.Run(context.Background(), RunOptions{Dir: dir, Prompt: "explode"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", resp.Outcome)
	}
	if resp.Error != "boom" {
		t.Fatalf("error = %q, want boom", resp.Error)
	}
	content, ok, err := te.eng.SessionContent(dir, "ses_b")
	if err != nil || !ok {
		t.Fatalf("transcript missing: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(content, "boom") {
		t.Fatalf("transcript lacks error: %q", content)
	}
}

func TestQuickNonzeroExitWithoutStreamError(t *testing.T) {
	prog := writeProg(t,
		`echo 'flag parse failure' >&2`,
		`exit 2`,
	)
	te := newTestEngine(t, config.Config{Program: prog, Mode: config.ModeQuick})

	resp, err := te.eng.Run(context.Background(), RunOptions{Dir: t.TempDir(), Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", resp.Outcome)
	}
	if !strings.Contains(resp.Error, "flag parse failure") {
		t.Fatalf("error = %q, want stderr tail", resp.Error)
	}
}

func TestQuickTimeoutKeepsPartialTranscript(t *testing.T) {
	prog := writeProg(t,
		`echo '{"type":"text","id":"p1","text":"partial answer","sessionID":"ses_t"}'`,
		`sleep 30`,
	)
	te := newTestEngine(t, config.Config{Program: prog, Mode: config.ModeQuick, TimeoutSeconds: 1})
	dir := t.TempDir()

	start := time.Now()
	resp, err := te.eng.Run(context.Background(), RunOptions{Dir: dir, Prompt: "slow"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout did not terminate the subprocess promptly")
	}
	if resp.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %q, want timed-out", resp.Outcome)
	}
	if resp.Text != "partial answer" {
		t.Fatalf("text = %q, want partial answer", resp.Text)
	}
	if !strings.Contains(resp.Error, "timed out") {
		t.Fatalf("error = %q, want timeout message", resp.Error)
	}
	content, ok, err := te.eng.SessionContent(dir, "ses_t")
	if err != nil || !ok {
		t.Fatalf("transcript missing: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(content, "partial answer") || !strings.Contains(content, "timed out") {
		t.Fatalf("transcript = %q", content)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	prog := writeProg(t,
		`echo '{"type":"text","id":"p1","text":"working","sessionID":"ses_c"}'`,
		`sleep 30`,
	)
	te := newTestEngine(t, config.Config{Program: prog, Mode: config.ModeQuick})

	done := make(chan types.RunResponse, 1)
	go func() {
		resp, err := te.eng.Run(context.Background(), RunOptions{Dir: t.TempDir(), Prompt: "busywork"})
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- resp
	}()

	var id uint64
	deadline := time.Now().Add(3 * time.Second)
	for {
		if infos := te.eng.table.List(); len(infos) == 1 {
			id = infos[0].ID
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !te.eng.Cancel(id) {
		t.Fatalf("Cancel returned false for in-flight request")
	}

	select {
	case resp := <-done:
		if resp.Outcome != OutcomeCancelled {
			t.Fatalf("outcome = %q, want cancelled", resp.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled run never returned")
	}

	if te.eng.Cancel(id) {
		t.Fatalf("Cancel after completion should be a no-op")
	}
	if got := len(te.eng.table.List()); got != 0 {
		t.Fatalf("request table has %d entries after completion", got)
	}
}

func TestAgenticExchangeAgainstAdoptedServer(t *testing.T) {
	posted := make(chan struct{})
	var gotBody messageBody

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"ses_d"}`)
	})
	mux.HandleFunc("/session/ses_d/message", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode message body: %v", err)
		}
		close(posted)
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer is not a flusher")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: server.connected\ndata: {}\n\n")
		fl.Flush()
		select {
		case <-posted:
		case <-r.Context().Done():
			return
		}
		frames := []string{
			`event: session.status` + "\n" + `data: {}` + "\n\n",
			`event: message.part.updated` + "\n" + `data: {"part":{"id":"p1","type":"text","text":"Hel","sessionID":"ses_d","messageID":"m1"}}` + "\n\n",
			`event: message.part.updated` + "\n" + `data: {"part":{"id":"p1","type":"text","text":"Hello"}}` + "\n\n",
			`event: session.idle` + "\n" + `data: {}` + "\n\n",
		}
		for _, f := range frames {
			fmt.Fprint(w, f)
			fl.Flush()
		}
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Program path that cannot exist proves the exchange adopted the
	// registered server instead of spawning one.
	te := newTestEngine(t, config.Config{Program: "/nonexistent/prog", Mode: config.ModeAgentic})
	dir := t.TempDir()
	if err := te.reg.Put(dir, types.RegistryEntry{URL: ts.URL, OwnerPID: os.Getpid(), WriterPID: os.Getpid(), Timestamp: time.Now().Unix()}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	resp, err := te.eng.Run(context.Background(), RunOptions{Dir: dir, Prompt: "greet me", Model: "anthropic/claude"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed (error %q)", resp.Outcome, resp.Error)
	}
	if resp.Text != "Hello" {
		t.Fatalf("text = %q, want Hello", resp.Text)
	}
	if resp.SessionID != "ses_d" {
		t.Fatalf("session = %q, want ses_d", resp.SessionID)
	}

	if gotBody.MessageID == "" {
		t.Fatalf("posted message lacks an id")
	}
	if gotBody.ProviderID != "anthropic" || gotBody.ModelID != "claude" {
		t.Fatalf("model split = %q/%q", gotBody.ProviderID, gotBody.ModelID)
	}
	if len(gotBody.Parts) != 1 || gotBody.Parts[0].Text != "greet me" {
		t.Fatalf("parts = %+v", gotBody.Parts)
	}

	content, ok, err := te.eng.SessionContent(dir, "ses_d")
	if err != nil || !ok {
		t.Fatalf("transcript missing: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(content, "Hello") {
		t.Fatalf("transcript = %q", content)
	}
}

// A stray idle event before any content must not end the exchange, and a
// pause in the part stream must not be mistaken for completion. Only an idle
// signal observed after content finishes the run.
func TestAgenticIdleBeforeContentDoesNotFinalize(t *testing.T) {
	posted := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"ses_e"}`)
	})
	mux.HandleFunc("/session/ses_e/message", func(w http.ResponseWriter, r *http.Request) {
		close(posted)
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer is not a flusher")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: server.connected\ndata: {}\n\n")
		fl.Flush()
		select {
		case <-posted:
		case <-r.Context().Done():
			return
		}
		send := func(frame string) {
			fmt.Fprint(w, frame)
			fl.Flush()
		}
		// Idle arrives before any content, then the parts pause longer
		// than the settle delay before resuming.
		send(`event: session.idle` + "\n" + `data: {}` + "\n\n")
		time.Sleep(80 * time.Millisecond)
		send(`event: message.part.updated` + "\n" + `data: {"part":{"id":"p1","type":"text","text":"Hel","sessionID":"ses_e"}}` + "\n\n")
		time.Sleep(80 * time.Millisecond)
		send(`event: message.part.updated` + "\n" + `data: {"part":{"id":"p1","type":"text","text":"Hello"}}` + "\n\n")
		send(`event: session.idle` + "\n" + `data: {}` + "\n\n")
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	te := newTestEngine(t, config.Config{Program: "/nonexistent/prog", Mode: config.ModeAgentic})
	dir := t.TempDir()
	if err := te.reg.Put(dir, types.RegistryEntry{URL: ts.URL, OwnerPID: os.Getpid(), WriterPID: os.Getpid(), Timestamp: time.Now().Unix()}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	resp, err := te.eng.Run(context.Background(), RunOptions{Dir: dir, Prompt: "greet me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed (error %q)", resp.Outcome, resp.Error)
	}
	if resp.Text != "Hello" {
		t.Fatalf("text = %q, want Hello", resp.Text)
	}
}

func TestParseMarkers(t *testing.T) {
	cases := []struct {
		prompt  string
		cleaned string
		mode    config.Mode
		modeSet bool
		plan    bool
	}{
		{"@quick fix the bug", "fix the bug", config.ModeQuick, true, false},
		{"@agentic refactor this", "refactor this", config.ModeAgentic, true, false},
		{"@plan design the schema", "design the schema", config.ModeAgentic, true, true},
		{"no markers here", "no markers here", "", false, false},
		{"email me@quick.example please", "email me@quick.example please", "", false, false},
		{"@quick @agentic last wins", "last wins", config.ModeAgentic, true, false},
	}
	for _, c := range cases {
		cleaned, mode, modeSet, plan := parseMarkers(c.prompt)
		if cleaned != c.cleaned || modeSet != c.modeSet || plan != c.plan {
			t.Fatalf("parseMarkers(%q) = %q/%v/%v", c.prompt, cleaned, modeSet, plan)
		}
		if modeSet && mode != c.mode {
			t.Fatalf("parseMarkers(%q) mode = %q, want %q", c.prompt, mode, c.mode)
		}
	}
}

func TestQuickArgs(t *testing.T) {
	p := params{
		prompt:    "--not-a-flag",
		agent:     "build",
		model:     "m1",
		sessionID: "s1",
		files:     []string{"a.go", "b.go"},
	}
	got := strings.Join(quickArgs(p), " ")
	want := "run --agent build --format json --model m1 --session s1 --file a.go --file b.go -- --not-a-flag"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestEmptyPromptRejected(t *testing.T) {
	te := newTestEngine(t, config.Config{Program: "/bin/true", Mode: config.ModeQuick})
	if _, err := te.eng.Run(context.Background(), RunOptions{Dir: t.TempDir(), Prompt: "  "}); err == nil {
		t.Fatalf("empty prompt accepted")
	}
}

func TestListModels(t *testing.T) {
	prog := writeProg(t,
		`echo 'anthropic/claude-sonnet'`,
		`echo ''`,
		`echo 'openai/gpt-4o'`,
	)
	te := newTestEngine(t, config.Config{Program: prog})
	models, err := te.eng.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "anthropic/claude-sonnet" || models[1] != "openai/gpt-4o" {
		t.Fatalf("models = %v", models)
	}
}
