// Package launcher runs the wrapped application server next to the proxy.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"quik-go/internal/config"
)

// Launcher starts the backend command and stops it with an interrupt,
// killing it if it has not exited after the grace period.
type Launcher struct {
	command []string
	env     []string
	grace   time.Duration
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	exited chan struct{}
}

// New creates a Launcher for cfg.Backend.Command. The child inherits the
// environment plus PORT and QUIK_BACKEND_ADDR naming where it should listen.
func New(cfg *config.Config, logger *slog.Logger) *Launcher {
	return &Launcher{
		command: cfg.Backend.Command,
		env: []string{
			"PORT=" + strconv.Itoa(cfg.Backend.Port),
			"QUIK_BACKEND_ADDR=" + cfg.Backend.Addr(),
		},
		grace:  cfg.Backend.StopGrace(),
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: logger.With("component", "backend_launcher"),
	}
}

// Enabled reports whether a backend command is configured.
func (l *Launcher) Enabled() bool {
	return len(l.command) > 0
}

// Start launches the command. It is a no-op when no command is configured.
func (l *Launcher) Start() error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil {
		return errors.New("backend already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, l.command[0], l.command[1:]...)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return interrupt(cmd) }
	cmd.WaitDelay = l.grace

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start backend %q: %w", l.command[0], err)
	}

	l.cmd = cmd
	l.cancel = cancel
	l.exited = make(chan struct{})

	l.logger.Info("backend started",
		"command", l.command,
		"pid", cmd.Process.Pid,
	)

	go l.wait(cmd, l.exited)
	return nil
}

func (l *Launcher) wait(cmd *exec.Cmd, exited chan struct{}) {
	defer close(exited)
	err := cmd.Wait()
	killGroup(cmd)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		l.logger.Info("backend exited")
	case errors.As(err, &exitErr):
		l.logger.Warn("backend exited", "code", exitErr.ExitCode(), "err", err)
	default:
		l.logger.Warn("backend wait failed", "err", err)
	}
}

// Exited is closed when the backend process has exited. It is nil before Start.
func (l *Launcher) Exited() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited
}

// Stop interrupts the backend and waits for it to exit, killing it after the
// grace period.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	cancel, exited := l.cancel, l.exited
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-exited
	return nil
}
