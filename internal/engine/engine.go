// Package engine executes prompt exchanges against the external assistant
// program, either as a one-shot subprocess run ("quick") or through the
// persistent per-directory server ("agentic"), and folds both streams into
// one response state.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aictl/internal/config"
	"aictl/internal/request"
	"aictl/internal/server"
	"aictl/internal/session"
	"aictl/internal/stream"
	"aictl/pkg/types"
)

// Terminal outcomes of one exchange. Mutually exclusive and final.
const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timed-out"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Progress is a point-in-time view of a running exchange, surfaced on every
// state change and on a periodic tick while the exchange runs.
type Progress struct {
	RequestID  uint64
	Response   string
	Thinking   bool
	ToolName   string
	ToolStatus string
	Todos      []types.TodoItem
	Busy       bool
	SessionID  string
	Done       bool
	Outcome    string
}

// RunOptions describes one exchange.
type RunOptions struct {
	// Working directory of the project.
	Dir string
	// Prompt text; may carry leading @quick/@agentic/@plan markers.
	Prompt string
	// Optional attached file paths.
	Files []string
	// Optional session id to continue.
	SessionID string
	// Optional model override.
	Model string
	// Optional agent override.
	Agent string
	// OnProgress, when set, receives progress snapshots. It may be called
	// from multiple goroutines and is never called again after the Done
	// snapshot.
	OnProgress func(Progress)
}

// Engine composes the server lifecycle manager, the session store and the
// in-flight request table into the request orchestrator.
type Engine struct {
	cfg     config.Config
	servers *server.Manager
	store   *session.Store
	table   *request.Table
	log     zerolog.Logger

	httpClient *http.Client
	started    time.Time

	// Tunables, lowered in tests.
	settleDelay     time.Duration
	connectFallback time.Duration
	emitInterval    time.Duration
	modelsTimeout   time.Duration
}

func New(cfg config.Config, servers *server.Manager, store *session.Store, table *request.Table, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:             cfg,
		servers:         servers,
		store:           store,
		table:           table,
		log:             log,
		httpClient:      &http.Client{Timeout: 0},
		started:         time.Now(),
		settleDelay:     100 * time.Millisecond,
		connectFallback: 500 * time.Millisecond,
		emitInterval:    80 * time.Millisecond,
		modelsTimeout:   2 * time.Second,
	}
}

// exchange is the mutable state of one in-flight request.
type exchange struct {
	mu sync.Mutex
	st stream.State
	id uint64

	onProgress func(Progress)
}

func (x *exchange) foldLine(line []byte) {
	x.mu.Lock()
	x.st.ApplyLine(line)
	x.mu.Unlock()
	x.emit(false, "")
}

func (x *exchange) foldEvent(name string, data []byte) {
	x.mu.Lock()
	x.st.ApplyEvent(name, data)
	x.mu.Unlock()
	x.emit(false, "")
}

// snapshot builds a Progress view outside the fold path.
func (x *exchange) snapshot(done bool, outcome string) Progress {
	x.mu.Lock()
	defer x.mu.Unlock()
	todos := make([]types.TodoItem, len(x.st.Todos))
	copy(todos, x.st.Todos)
	return Progress{
		RequestID:  x.id,
		Response:   x.st.Response(),
		Thinking:   x.st.Thinking,
		ToolName:   x.st.ToolName,
		ToolStatus: string(x.st.ToolStatus),
		Todos:      todos,
		Busy:       x.st.Busy,
		SessionID:  x.st.SessionID,
		Done:       done,
		Outcome:    outcome,
	}
}

func (x *exchange) emit(done bool, outcome string) {
	if x.onProgress == nil {
		return
	}
	x.onProgress(x.snapshot(done, outcome))
}

// params is the fully resolved plan for one exchange.
type params struct {
	dir       string
	prompt    string
	files     []string
	sessionID string
	model     string
	agent     string
	mode      config.Mode
	// agent came from an in-prompt marker, not configuration
	agentOverridden bool
}

// resolve applies configuration and in-prompt markers to the options.
func (e *Engine) resolve(opts RunOptions) params {
	cleaned, mode, modeSet, plan := parseMarkers(opts.Prompt)
	p := params{
		dir:       opts.Dir,
		prompt:    cleaned,
		files:     opts.Files,
		sessionID: opts.SessionID,
		model:     opts.Model,
		agent:     opts.Agent,
		mode:      e.cfg.ModeFor(opts.Dir),
	}
	if modeSet {
		p.mode = mode
	}
	if p.model == "" {
		p.model = e.cfg.Model
	}
	if plan && p.agent == "" {
		p.agent = e.cfg.PlanAgent
		p.agentOverridden = true
	}
	if p.agent == "" {
		p.agent = e.cfg.Agent
	}
	return p
}

// Run executes one exchange to completion and returns its unified final
// state. Transport-level failures never escape raw: they are folded into the
// returned RunResponse, and the error return is reserved for misuse (empty
// prompt).
func (e *Engine) Run(ctx context.Context, opts RunOptions) (types.RunResponse, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return types.RunResponse{}, errors.New("prompt is required")
	}
	p := e.resolve(opts)

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if d := e.cfg.Timeout(); d > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, d)
		defer cancelTimeout()
	}
	runCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	x := &exchange{onProgress: opts.OnProgress}
	// A caller-supplied session id wins; otherwise the id is captured from
	// the stream as the program announces it.
	x.st.SessionID = p.sessionID

	id := e.table.Register(request.HandleFunc(func() error {
		cancel()
		return nil
	}), nil, string(p.mode))
	x.id = id
	defer e.table.Unregister(id)

	e.log.Info().Uint64("request", id).Str("mode", string(p.mode)).Str("agent", p.agent).Msg("exchange started")

	// Periodic re-emission keeps progress indicators responsive without
	// coupling them to I/O cadence.
	tickerDone := make(chan struct{})
	tickerStopped := make(chan struct{})
	if opts.OnProgress != nil {
		go func() {
			defer close(tickerStopped)
			t := time.NewTicker(e.emitInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					x.emit(false, "")
				case <-tickerDone:
					return
				}
			}
		}()
	} else {
		close(tickerStopped)
	}

	var runErr error
	if p.mode == config.ModeAgentic {
		runErr = e.runAgentic(runCtx, x, p)
	} else {
		runErr = e.runQuick(runCtx, x, p)
	}
	close(tickerDone)
	<-tickerStopped

	resp := e.finalize(ctx, x, p, runCtx, runErr)
	exchangesTotal.WithLabelValues(string(p.mode), resp.Outcome).Inc()
	x.emit(true, resp.Outcome)
	e.log.Info().Uint64("request", id).Str("outcome", resp.Outcome).Msg("exchange finished")
	return resp, nil
}

// finalize folds the run result, the stream state and the context condition
// into the single terminal outcome, and persists the transcript. It runs
// exactly once per exchange.
func (e *Engine) finalize(parent context.Context, x *exchange, p params, runCtx context.Context, runErr error) types.RunResponse {
	x.mu.Lock()
	st := x.st
	x.mu.Unlock()

	resp := types.RunResponse{SessionID: st.SessionID}
	switch {
	case st.ErrText != "":
		resp.Outcome = OutcomeFailed
		resp.Error = st.ErrText
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		resp.Outcome = OutcomeTimedOut
		resp.Error = fmt.Sprintf("request timed out after %s", e.cfg.Timeout())
		resp.Text = joinResponse(st)
	case runCtx.Err() != nil:
		resp.Outcome = OutcomeCancelled
		resp.Text = joinResponse(st)
	case runErr != nil:
		resp.Outcome = OutcomeFailed
		resp.Error = runErr.Error()
	default:
		resp.Outcome = OutcomeCompleted
		resp.Text = joinResponse(st)
	}

	if resp.SessionID != "" {
		if err := e.persist(p, resp); err != nil {
			e.log.Warn().Err(err).Str("session", resp.SessionID).Msg("failed to persist transcript")
		}
	}
	return resp
}

func joinResponse(st stream.State) string {
	return st.Response()
}

// persist appends the exchange to the session transcript and rewrites the
// record in full. Partial output from timeouts is kept alongside the
// timeout message.
func (e *Engine) persist(p params, resp types.RunResponse) error {
	prior, _, err := e.store.Load(p.dir, resp.SessionID)
	if err != nil {
		return err
	}
	var b strings.Builder
	if prior != "" {
		b.WriteString(strings.TrimRight(prior, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("## Prompt\n\n")
	b.WriteString(p.prompt)
	b.WriteString("\n\n## Response\n\n")
	if resp.Text != "" {
		b.WriteString(resp.Text)
		b.WriteString("\n")
	}
	if resp.Error != "" {
		b.WriteString("[")
		b.WriteString(resp.Error)
		b.WriteString("]\n")
	}
	return e.store.Save(p.dir, resp.SessionID, b.String())
}

// Cancel force-terminates an in-flight request. Cancelling an already
// finished request is a no-op and returns false.
func (e *Engine) Cancel(id uint64) bool {
	return e.table.Cancel(id)
}

// CancelAll cancels every in-flight request.
func (e *Engine) CancelAll() int {
	return e.table.CancelAll()
}

// Status reports tracked servers and in-flight requests.
func (e *Engine) Status() types.StatusResponse {
	infos := e.table.List()
	reqs := make([]types.RequestStatus, 0, len(infos))
	for _, i := range infos {
		reqs = append(reqs, types.RequestStatus{ID: i.ID, Mode: i.Mode, StartedUnix: i.Started.Unix()})
	}
	return types.StatusResponse{
		Servers:       e.servers.Status(),
		Requests:      reqs,
		UptimeSeconds: int64(time.Since(e.started).Seconds()),
	}
}

// Sessions lists stored sessions for a project.
func (e *Engine) Sessions(dir string) ([]types.SessionSummary, error) {
	return e.store.List(dir)
}

// SessionContent loads one stored transcript.
func (e *Engine) SessionContent(dir, id string) (string, bool, error) {
	return e.store.Load(dir, id)
}

// StopServers stops owned servers; used on shutdown.
func (e *Engine) StopServers(force bool) int {
	return e.servers.StopAll(force)
}

// ListModels asks the program for its available models. This is the one
// deliberately synchronous call in the engine; it is bounded and has no
// streaming component.
func (e *Engine) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.modelsTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.cfg.Program, "models")
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("listing models timed out after %s", e.modelsTimeout)
		}
		return nil, fmt.Errorf("list models: %w", err)
	}
	var models []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			models = append(models, line)
		}
	}
	return models, nil
}
