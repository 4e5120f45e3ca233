package mux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Tmux drives a tmux server through its CLI. Each invocation runs under the
// caller's context plus a hard per-call timeout, so a wedged tmux server
// cannot stall the probe loop.
type Tmux struct {
	session string // tmux session name; empty means all sessions
	binary  string
	timeout time.Duration
}

// NewTmux creates a tmux driver. timeout bounds every CLI call.
func NewTmux(session string, timeout time.Duration) *Tmux {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tmux{session: session, binary: "tmux", timeout: timeout}
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binary, args...)
	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("tmux %s timed out after %s", args[0], t.timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("tmux %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

// ListWindows enumerates window names, scoped to the configured session when
// one is set.
func (t *Tmux) ListWindows(ctx context.Context) ([]Window, error) {
	args := []string{"list-windows", "-F", "#{window_name}"}
	if t.session != "" {
		args = append(args, "-t", t.session)
	} else {
		args = append(args, "-a")
	}
	out, err := t.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		windows = append(windows, Window{Name: name})
	}
	return windows, nil
}

// CaptureOutput returns the last lastLines lines of the window's active pane.
func (t *Tmux) CaptureOutput(ctx context.Context, window string, lastLines int) (string, error) {
	if lastLines <= 0 {
		lastLines = 100
	}
	out, err := t.run(ctx, "capture-pane", "-p", "-t", t.target(window), "-S", fmt.Sprintf("-%d", lastLines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// SendText types the text literally (-l disables key-name lookup) without
// submitting it.
func (t *Tmux) SendText(ctx context.Context, window, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", t.target(window), "-l", text)
	return err
}

// SendSubmit presses enter in the window.
func (t *Tmux) SendSubmit(ctx context.Context, window string) error {
	_, err := t.run(ctx, "send-keys", "-t", t.target(window), "Enter")
	return err
}

func (t *Tmux) target(window string) string {
	if t.session != "" {
		return t.session + ":" + window
	}
	return window
}
