// Package supervisor runs sshd as a supervised foreground child and turns
// termination signals into a coordinated shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGracePeriod is how long sshd gets to exit after SIGTERM before it
// is killed outright.
const DefaultGracePeriod = 5 * time.Second

// Supervisor owns the sshd child process. The orchestrator occupies the
// container's top-level process slot, so signals land here and can trigger
// agent teardown that sshd alone could never coordinate.
type Supervisor struct {
	Logger      *logrus.Logger
	Command     string
	Args        []string
	GracePeriod time.Duration

	// Preflight re-validates the config immediately before the spawn,
	// guarding against changes since the last check.
	Preflight func() error
	// OnShutdown runs after sshd has stopped, on every exit path.
	OnShutdown func()
}

// New returns a Supervisor that runs sshd in foreground mode against the
// given config file, streaming its logs through our stdio.
func New(configPath string, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		Logger:      logger,
		Command:     "sshd",
		Args:        []string{"-D", "-e", "-f", configPath},
		GracePeriod: DefaultGracePeriod,
	}
}

// Run spawns the daemon and blocks until it exits or ctx is cancelled by a
// termination signal. The returned exit code is the daemon's own code when
// it exits by itself, and 0 for a signal-driven graceful shutdown; err is
// non-nil only when the daemon could not be started at all.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if s.Preflight != nil {
		if err := s.Preflight(); err != nil {
			return 1, err
		}
	}

	cmd := exec.Command(s.Command, s.Args...) // #nosec G204 -- command and args are fixed at construction
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("supervisor: start %s: %w", s.Command, err)
	}
	s.Logger.WithFields(logrus.Fields{
		"pid":     cmd.Process.Pid,
		"command": s.Command,
	}).Info("daemon started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		s.Logger.Info("termination signal received, stopping daemon")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(s.GracePeriod):
			s.Logger.Warn("daemon did not exit within grace period, killing")
			_ = cmd.Process.Kill()
			<-done
		}
		s.shutdown()
		s.Logger.Info("daemon stopped")
		return 0, nil

	case err := <-done:
		// Best-effort teardown even on an unexpected daemon exit.
		s.shutdown()
		if err == nil {
			s.Logger.Info("daemon exited cleanly")
			return 0, nil
		}
		code := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		s.Logger.WithFields(logrus.Fields{
			"code":  code,
			"error": err,
		}).Error("daemon exited unexpectedly")
		return code, nil
	}
}

func (s *Supervisor) shutdown() {
	if s.OnShutdown != nil {
		s.OnShutdown()
	}
}
