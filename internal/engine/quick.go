package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	maxStderrTail = 4096
	maxLineBytes  = 1024 * 1024
)

// quickArgs builds the one-shot invocation. The prompt always follows a
// bare "--" so prompts starting with "-" are never parsed as flags.
func quickArgs(p params) []string {
	args := []string{"run", "--agent", p.agent, "--format", "json"}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	if p.sessionID != "" {
		args = append(args, "--session", p.sessionID)
	}
	for _, f := range p.files {
		args = append(args, "--file", f)
	}
	args = append(args, "--", p.prompt)
	return args
}

// runQuick runs the program as a subprocess and folds its NDJSON stdout
// into the exchange state line by line. The context both enforces the
// request timeout and carries cancellation; either kills the subprocess.
func (e *Engine) runQuick(ctx context.Context, x *exchange, p params) error {
	cmd := exec.CommandContext(ctx, e.cfg.Program, quickArgs(p)...)
	cmd.Dir = p.dir
	// Run in its own process group and kill the whole group on
	// cancellation: the program's own children hold the stdout pipe open,
	// so killing only the direct child would leave the read loop blocked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Force-close the pipes if anything in the group survives the kill.
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.cfg.Program, err)
	}
	e.log.Debug().Str("program", e.cfg.Program).Str("dir", p.dir).Msg("quick run started")

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		x.foldLine(line)
	}
	werr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	x.mu.Lock()
	hadErr := x.st.ErrText != ""
	x.mu.Unlock()
	if hadErr {
		// Upstream error is already terminal in the state; a nonzero exit
		// alongside it adds nothing.
		return nil
	}
	if werr != nil {
		return fmt.Errorf("%s exited: %v: %s", e.cfg.Program, werr, stderrTail(&stderr))
	}
	return nil
}

func stderrTail(b *bytes.Buffer) string {
	s := strings.TrimSpace(b.String())
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}
	return s
}
