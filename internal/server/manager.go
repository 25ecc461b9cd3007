// Package server spawns and tracks the persistent assistant server, one per
// working directory, and shares discovery with other aictl processes through
// the cross-instance registry file.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aictl/internal/config"
	"aictl/internal/registry"
	"aictl/pkg/types"
)

// InstanceState is the lifecycle state of a tracked server.
type InstanceState string

const (
	StateStarting InstanceState = "starting"
	StateReady    InstanceState = "ready"
	StateStopped  InstanceState = "stopped"
)

// instance is one tracked server, owned (spawned by us) or external
// (adopted from the registry).
type instance struct {
	dir      string
	url      string
	external bool
	state    InstanceState
	agent    string
	model    string
	session  string

	proc   *process // nil for external instances
	exited chan struct{}
}

// Snapshot is a read-only view of an instance.
type Snapshot struct {
	Dir       string
	URL       string
	External  bool
	State     InstanceState
	PID       int
	Agent     string
	Model     string
	SessionID string
}

// spawnWait is the single in-flight spawn attempt for a directory.
// Concurrent callers wait on done instead of double-spawning; the channel is
// closed exactly once when the attempt resolves.
type spawnWait struct {
	done chan struct{}
	url  string
	err  error
}

// Manager tracks at most one active server per working directory.
type Manager struct {
	cfg        config.Config
	reg        *registry.File
	httpClient *http.Client
	log        zerolog.Logger

	mu        sync.Mutex
	instances map[string]*instance
	starting  map[string]*spawnWait

	// Tunables, lowered in tests.
	startupDeadline time.Duration
	healthTimeout   time.Duration
	stopGrace       time.Duration
}

func NewManager(cfg config.Config, reg *registry.File, log zerolog.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		reg: reg,
		// Timeout 0: every call carries its own context deadline.
		httpClient:      &http.Client{Timeout: 0},
		log:             log,
		instances:       make(map[string]*instance),
		starting:        make(map[string]*spawnWait),
		startupDeadline: 10 * time.Second,
		healthTimeout:   1 * time.Second,
		stopGrace:       1 * time.Second,
	}
}

// Resolve returns the active instance for a directory. An owned instance
// whose process has exited is discarded. External instances are trusted
// optimistically; staleness surfaces at the next health probe.
func (m *Manager) Resolve(dir string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[dir]
	if !ok || inst.state == StateStopped {
		return Snapshot{}, false
	}
	if !inst.external && inst.hasExited() {
		delete(m.instances, dir)
		return Snapshot{}, false
	}
	return inst.snapshot(), true
}

// EnsureRunning returns the URL of a running server for the directory,
// adopting a registry entry that passes a health probe, or spawning a new
// process. Concurrent callers for the same directory share one spawn.
func (m *Manager) EnsureRunning(ctx context.Context, dir string) (string, error) {
	if snap, ok := m.Resolve(dir); ok && snap.State == StateReady {
		return snap.URL, nil
	}

	// Another caller may already be spawning for this directory.
	m.mu.Lock()
	if w, ok := m.starting[dir]; ok {
		m.mu.Unlock()
		return m.await(ctx, w)
	}
	w := &spawnWait{done: make(chan struct{})}
	m.starting[dir] = w
	m.mu.Unlock()

	url, err := m.ensureLocked(ctx, dir)
	w.url, w.err = url, err
	close(w.done)
	m.mu.Lock()
	delete(m.starting, dir)
	m.mu.Unlock()
	return url, err
}

func (m *Manager) await(ctx context.Context, w *spawnWait) (string, error) {
	select {
	case <-w.done:
		return w.url, w.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ensureLocked runs the adopt-or-spawn path while holding the directory's
// starting marker.
func (m *Manager) ensureLocked(ctx context.Context, dir string) (string, error) {
	// A server started by another aictl process may already be listed.
	if entry, ok := m.reg.Lookup(dir); ok {
		if m.probeHealth(ctx, entry.URL) {
			m.adopt(dir, entry)
			m.log.Debug().Str("dir", dir).Str("url", entry.URL).Msg("adopted external server")
			return entry.URL, nil
		}
		// Stale entry; reclaim it and fall through to spawn.
		if err := m.reg.Remove(dir); err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove stale registry entry")
		}
	}
	return m.spawn(ctx, dir)
}

func (m *Manager) adopt(dir string, entry types.RegistryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[dir]
	if inst == nil {
		inst = &instance{dir: dir}
		m.instances[dir] = inst
	}
	inst.url = entry.URL
	inst.external = true
	inst.state = StateReady
	inst.proc = nil
}

// probeHealth reports whether a server answers its health endpoint within
// the bounded probe timeout. Failures are silent: "not running" is an
// ordinary answer, not an error.
func (m *Manager) probeHealth(ctx context.Context, url string) bool {
	if url == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Stop terminates the owned server for a directory, or forgets an adopted
// external one. It never signals a process it does not own.
func (m *Manager) Stop(dir string, force bool) bool {
	m.mu.Lock()
	inst, ok := m.instances[dir]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.instances, dir)
	m.mu.Unlock()

	if inst.external {
		m.log.Debug().Str("dir", dir).Msg("forgot external server")
		return true
	}
	if inst.proc != nil {
		inst.proc.terminate(force, m.stopGrace)
	}
	if err := m.reg.Remove(dir); err != nil {
		m.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove registry entry")
	}
	m.log.Info().Str("dir", dir).Bool("force", force).Msg("stopped server")
	return true
}

// StopAll stops every owned server and returns how many were stopped.
// External instances are left untouched.
func (m *Manager) StopAll(force bool) int {
	m.mu.Lock()
	var owned []string
	for dir, inst := range m.instances {
		if !inst.external {
			owned = append(owned, dir)
		}
	}
	m.mu.Unlock()
	n := 0
	for _, dir := range owned {
		if m.Stop(dir, force) {
			n++
		}
	}
	return n
}

// Agent returns the agent recorded for a directory's server.
func (m *Manager) Agent(dir string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[dir]; ok {
		return inst.agent
	}
	return ""
}

// SetAgent records the agent and propagates it to a running server via its
// configuration endpoint. Propagation failure is a warning, not fatal.
func (m *Manager) SetAgent(ctx context.Context, dir, agent string) {
	m.mu.Lock()
	inst, ok := m.instances[dir]
	if ok {
		inst.agent = agent
	}
	url := ""
	if ok && inst.state == StateReady {
		url = inst.url
	}
	m.mu.Unlock()
	if url == "" {
		return
	}
	if err := m.patchConfig(ctx, url, agent); err != nil {
		m.log.Warn().Err(err).Str("dir", dir).Str("agent", agent).Msg("failed to propagate agent to server")
	}
}

func (m *Manager) patchConfig(ctx context.Context, url, agent string) error {
	body, _ := json.Marshal(map[string]string{"default_agent": agent})
	ctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url+"/config", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("config update: %s", resp.Status)
	}
	return nil
}

// Model returns the model recorded for a directory's server.
func (m *Manager) Model(dir string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[dir]; ok {
		return inst.model
	}
	return ""
}

func (m *Manager) SetModel(dir, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[dir]; ok {
		inst.model = model
	}
}

// Session returns the last session id recorded for a directory's server.
func (m *Manager) Session(dir string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[dir]; ok {
		return inst.session
	}
	return ""
}

func (m *Manager) SetSession(dir, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[dir]; ok {
		inst.session = sessionID
	}
}

// Status returns a snapshot of every tracked instance.
func (m *Manager) Status() []types.ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ServerStatus, 0, len(m.instances))
	for _, inst := range m.instances {
		snap := inst.snapshot()
		out = append(out, types.ServerStatus{
			Dir:       snap.Dir,
			URL:       snap.URL,
			PID:       snap.PID,
			External:  snap.External,
			State:     string(snap.State),
			Agent:     snap.Agent,
			Model:     snap.Model,
			SessionID: snap.SessionID,
		})
	}
	return out
}

func (i *instance) snapshot() Snapshot {
	pid := 0
	if i.proc != nil {
		pid = i.proc.pid
	}
	return Snapshot{
		Dir:       i.dir,
		URL:       i.url,
		External:  i.external,
		State:     i.state,
		PID:       pid,
		Agent:     i.agent,
		Model:     i.model,
		SessionID: i.session,
	}
}

func (i *instance) hasExited() bool {
	if i.exited == nil {
		return false
	}
	select {
	case <-i.exited:
		return true
	default:
		return false
	}
}

func writerPID() int { return os.Getpid() }
