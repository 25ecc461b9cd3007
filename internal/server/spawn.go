package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"aictl/pkg/types"
)

// portPattern matches the ":<port>" fragment of the server's announced
// listening address on stdout or stderr.
var portPattern = regexp.MustCompile(`:(\d{2,5})\b`)

// process is an owned server subprocess. done is closed when Wait returns;
// terminate waits on it instead of calling Wait a second time.
type process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

// terminate signals the process and force-kills it after the grace window
// if it is still alive. With force set, it kills immediately.
func (p *process) terminate(force bool, grace time.Duration) {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	if !force {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
	}
	_ = p.cmd.Process.Kill()
	<-p.done
}

// spawn launches the assistant server for a directory and waits for it to
// announce its listening address on stdout or stderr. Exactly one caller
// runs spawn per directory at a time (see EnsureRunning).
func (m *Manager) spawn(ctx context.Context, dir string) (string, error) {
	host := m.cfg.Hostname
	port := m.cfg.Port
	if port == 0 {
		p, err := pickFreePort(host)
		if err != nil {
			return "", errSpawnf("pick port: %v", err)
		}
		port = p
	}

	cmd := exec.Command(m.cfg.Program, "serve", "--hostname", host, "--port", strconv.Itoa(port))
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errSpawnf("stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errSpawnf("stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return "", errSpawnf("start %s: %v", m.cfg.Program, err)
	}
	proc := &process{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	m.log.Info().Str("dir", dir).Int("pid", proc.pid).Int("port", port).Msg("spawning server")

	m.mu.Lock()
	inst := &instance{dir: dir, state: StateStarting, proc: proc, exited: proc.done}
	m.instances[dir] = inst
	m.mu.Unlock()

	// The address may appear on stdout and stderr near-simultaneously, so
	// the announcement fires exactly once.
	announced := make(chan int, 1)
	var once sync.Once
	var tailMu sync.Mutex
	var tail []byte
	scan := func(r *bufio.Scanner, keepTail bool) {
		for r.Scan() {
			line := r.Text()
			if keepTail {
				tailMu.Lock()
				tail = append(tail, line...)
				tail = append(tail, '\n')
				if len(tail) > 4096 {
					tail = tail[len(tail)-4096:]
				}
				tailMu.Unlock()
			}
			if mch := portPattern.FindStringSubmatch(line); mch != nil {
				if p, err := strconv.Atoi(mch[1]); err == nil {
					once.Do(func() { announced <- p })
				}
			}
		}
	}
	go scan(bufio.NewScanner(stdout), false)
	go scan(bufio.NewScanner(stderr), true)
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	deadline := time.NewTimer(m.startupDeadline)
	defer deadline.Stop()

	select {
	case boundPort := <-announced:
		url := fmt.Sprintf("http://%s:%d", host, boundPort)
		m.mu.Lock()
		inst.url = url
		inst.state = StateReady
		m.mu.Unlock()
		entry := types.RegistryEntry{
			Port:      boundPort,
			URL:       url,
			OwnerPID:  proc.pid,
			WriterPID: writerPID(),
			Timestamp: time.Now().Unix(),
		}
		if err := m.reg.Put(dir, entry); err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("failed to write registry entry")
		}
		m.log.Info().Str("dir", dir).Str("url", url).Msg("server ready")
		spawnsTotal.WithLabelValues("ok").Inc()
		return url, nil

	case <-proc.done:
		m.clearFailed(dir, inst)
		spawnsTotal.WithLabelValues("exited").Inc()
		tailMu.Lock()
		t := strings.TrimSpace(string(tail))
		tailMu.Unlock()
		if t != "" {
			return "", errSpawnf("server exited before announcing an address: %s", t)
		}
		return "", errSpawnf("server exited before announcing an address")

	case <-deadline.C:
		proc.terminate(true, 0)
		m.clearFailed(dir, inst)
		spawnsTotal.WithLabelValues("timeout").Inc()
		m.log.Warn().Str("dir", dir).Int("pid", proc.pid).Msg("server startup timed out")
		return "", errSpawnf("server did not announce an address within %s", m.startupDeadline)

	case <-ctx.Done():
		proc.terminate(true, 0)
		m.clearFailed(dir, inst)
		spawnsTotal.WithLabelValues("cancelled").Inc()
		return "", ctx.Err()
	}
}

// clearFailed removes the instance left behind by a failed spawn so the
// directory reads as cleanly "not running".
func (m *Manager) clearFailed(dir string, inst *instance) {
	m.mu.Lock()
	if cur, ok := m.instances[dir]; ok && cur == inst {
		delete(m.instances, dir)
	}
	m.mu.Unlock()
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("unexpected addr %s: %w", addr, err)
	}
	return strconv.Atoi(portStr)
}
