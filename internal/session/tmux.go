package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mtzanidakis/treeherd/internal/config"
)

type Tmux struct {
	binary       string
	startTimeout time.Duration
	checkTimeout time.Duration
}

func NewTmux(cfg config.TmuxConfig, runner config.RunnerConfig) *Tmux {
	binary := cfg.Binary
	if binary == "" {
		binary = "tmux"
	}
	return &Tmux{
		binary:       binary,
		startTimeout: orDefault(runner.StartTimeout, 30*time.Second),
		checkTimeout: orDefault(runner.CheckTimeout, 5*time.Second),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (t *Tmux) Name() string { return "tmux" }

// run executes tmux and reports its exit status. err is only set when tmux
// could not be run to completion (missing binary, timeout).
func (t *Tmux) run(ctx context.Context, timeout time.Duration, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.OK = true
	case ctx.Err() != nil:
		res.ReturnCode = -1
		return res, fmt.Errorf("tmux %s: %w", args[0], ctx.Err())
	case errors.As(err, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
	default:
		res.ReturnCode = -1
		return res, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return res, nil
}

func (t *Tmux) Available(ctx context.Context) bool {
	res, err := t.run(ctx, t.checkTimeout, "-V")
	return err == nil && res.OK
}

func (t *Tmux) Start(ctx context.Context, spec Spec) (Result, error) {
	args := []string{"new-session", "-d", "-s", spec.Name}
	if spec.WorkDir != "" {
		args = append(args, "-c", spec.WorkDir)
	}
	args = append(args, spec.Command)
	return t.run(ctx, t.startTimeout, args...)
}

// target pins a session name so tmux does not fall back to prefix or
// pattern matching.
func target(name string) string {
	return "=" + name
}

// gone reports whether a failed tmux call failed because the session (or
// the whole server) does not exist. Other failures, such as socket
// permission errors, say nothing about the session.
func gone(res Result) bool {
	msg := res.Stderr
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "session not found")
}

func (t *Tmux) Exists(ctx context.Context, name string) (bool, error) {
	res, err := t.run(ctx, t.checkTimeout, "has-session", "-t", target(name))
	if err != nil {
		return false, err
	}
	if res.OK {
		return true, nil
	}
	if gone(res) {
		return false, nil
	}
	return false, fmt.Errorf("has-session %s: exit %d: %s", name, res.ReturnCode, strings.TrimSpace(res.Stderr))
}

func (t *Tmux) Capture(ctx context.Context, name string) (string, error) {
	res, err := t.run(ctx, t.checkTimeout, "capture-pane", "-t", target(name), "-p")
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", fmt.Errorf("capture-pane %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (t *Tmux) Kill(ctx context.Context, name string) (bool, error) {
	res, err := t.run(ctx, t.checkTimeout, "kill-session", "-t", target(name))
	if err != nil {
		return false, err
	}
	if res.OK || gone(res) {
		return res.OK, nil
	}
	return false, fmt.Errorf("kill-session %s: exit %d: %s", name, res.ReturnCode, strings.TrimSpace(res.Stderr))
}
