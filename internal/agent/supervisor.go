// Package agent supervises the optional ssh-agent process: startup, key
// loading, socket permissioning, forwarding environment, and teardown.
package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"
	"golang.org/x/sys/unix"

	"github.com/keelhouse-io/sshboxd/internal/identity"
	"github.com/keelhouse-io/sshboxd/internal/system"
)

// State is the supervisor lifecycle state.
type State int

const (
	StateDisabled State = iota
	StateStarting
	StateRunning
	StateStopped
)

// EnvFileName is the shell-sourceable snippet written into the service
// account's .ssh directory when agent forwarding is enabled.
const EnvFileName = "agent.env"

// launched is a handle on the agent process the supervisor itself started.
// The pid is retained so shutdown never has to rediscover the process.
type launched struct {
	pid    int
	output *bytes.Buffer
}

// Supervisor drives the disabled -> starting -> running -> stopped lifecycle
// of a single ssh-agent. Process launch, agent protocol dialing, and signal
// delivery are injectable for tests.
type Supervisor struct {
	SocketPath string
	Logger     *logrus.Logger

	launch func(socketPath string) (*launched, error)
	dial   func(socketPath string) (sshagent.ExtendedAgent, func() error, error)
	kill   func(pid int, sig syscall.Signal) error

	waitInterval time.Duration
	waitLimit    time.Duration

	state State
	pid   int
}

// New returns a Supervisor for the given socket path using the real
// ssh-agent binary.
func New(socketPath string, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		SocketPath:   socketPath,
		Logger:       logger,
		launch:       launchAgent,
		dial:         dialAgent,
		kill:         syscall.Kill,
		waitInterval: 50 * time.Millisecond,
		waitLimit:    5 * time.Second,
	}
}

// launchAgent starts ssh-agent in foreground mode bound to socketPath,
// capturing its output for diagnostics if the socket never appears.
func launchAgent(socketPath string) (*launched, error) {
	var buf bytes.Buffer
	cmd := exec.Command("ssh-agent", "-D", "-a", socketPath) // #nosec G204 -- socketPath comes from validated config
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() { _ = cmd.Wait() }() // reap on exit
	return &launched{pid: cmd.Process.Pid, output: &buf}, nil
}

// dialAgent connects to the agent protocol over its unix socket.
func dialAgent(socketPath string) (sshagent.ExtendedAgent, func() error, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, nil, err
	}
	return sshagent.NewClient(conn), conn.Close, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return s.state
}

// Pid returns the agent's process id, or 0 before a successful start.
func (s *Supervisor) Pid() int {
	return s.pid
}

// Start brings the agent to the running state: clear any stale socket,
// launch the process, wait for the socket, export SSH_AUTH_SOCK, register
// the supplied keys, and only then narrow the socket to the service account.
// The narrowing must come last because key registration runs with the
// orchestrator's root identity over the same socket.
//
// A returned error means the agent is unavailable; callers treat that as a
// degraded feature, not a startup failure.
func (s *Supervisor) Start(keys []string, account *identity.Account, forwarding bool) error {
	s.state = StateStarting

	if err := os.Remove(s.SocketPath); err == nil {
		s.Logger.WithField("socket", s.SocketPath).Warn("removed stale agent socket")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("agent: remove stale socket: %w", err)
	}
	if err := system.EnsureDir(filepath.Dir(s.SocketPath), 0o755); err != nil {
		return fmt.Errorf("agent: socket dir: %w", err)
	}

	proc, err := s.launch(s.SocketPath)
	if err != nil {
		return fmt.Errorf("agent: launch ssh-agent: %w", err)
	}

	if err := s.waitForSocket(); err != nil {
		s.Logger.WithField("output", strings.TrimSpace(proc.output.String())).Error("ssh-agent produced no socket")
		_ = s.kill(proc.pid, syscall.SIGTERM)
		return err
	}
	s.pid = proc.pid

	// Child processes (and the forwarding snippet below) find the agent
	// through this variable.
	if err := os.Setenv("SSH_AUTH_SOCK", s.SocketPath); err != nil {
		return fmt.Errorf("agent: export SSH_AUTH_SOCK: %w", err)
	}

	s.state = StateRunning
	s.Logger.WithFields(logrus.Fields{
		"socket": s.SocketPath,
		"pid":    s.pid,
	}).Info("ssh-agent started")

	if len(keys) > 0 {
		s.loadKeys(keys)
	}

	if err := s.narrowSocket(account); err != nil {
		return err
	}

	if forwarding {
		if err := s.writeForwardingEnv(account); err != nil {
			s.Logger.WithError(err).Warn("failed to install agent forwarding environment")
		}
	}

	return nil
}

// waitForSocket polls until the agent socket exists or the limit passes.
func (s *Supervisor) waitForSocket() error {
	deadline := time.Now().Add(s.waitLimit)
	for time.Now().Before(deadline) {
		var st unix.Stat_t
		if err := unix.Stat(s.SocketPath, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFSOCK {
			return nil
		}
		time.Sleep(s.waitInterval)
	}
	return fmt.Errorf("agent: socket %s did not appear within %s", s.SocketPath, s.waitLimit)
}

// loadKeys registers each base64-encoded private key with the agent over the
// agent protocol. Keys are parsed in memory and never written to disk.
// Individual failures are logged and skipped; even all keys failing leaves
// the agent usable for forwarding.
func (s *Supervisor) loadKeys(keys []string) {
	client, closeConn, err := s.dial(s.SocketPath)
	if err != nil {
		s.Logger.WithError(err).Error("cannot reach ssh-agent for key loading")
		return
	}
	defer func() { _ = closeConn() }()

	loaded := 0
	for i, encoded := range keys {
		pemBytes, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.Logger.WithFields(logrus.Fields{
				"key":   i + 1,
				"error": err,
			}).Warn("skipping agent key: invalid base64")
			continue
		}
		private, err := ssh.ParseRawPrivateKey(pemBytes)
		if err != nil {
			s.Logger.WithFields(logrus.Fields{
				"key":   i + 1,
				"error": err,
			}).Warn("skipping agent key: unparseable private key")
			continue
		}
		if err := client.Add(sshagent.AddedKey{PrivateKey: private}); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"key":   i + 1,
				"error": err,
			}).Warn("skipping agent key: agent rejected it")
			continue
		}
		s.Logger.WithField("key", i+1).Debug("key registered with ssh-agent")
		loaded++
	}

	s.Logger.WithFields(logrus.Fields{
		"loaded":   loaded,
		"supplied": len(keys),
	}).Info("ssh-agent key loading complete")
}

// narrowSocket hands the socket to the service account, owner-only. Runs
// after key loading so registration could still use root's broader access.
func (s *Supervisor) narrowSocket(account *identity.Account) error {
	if err := os.Chown(s.SocketPath, account.UID, account.GID); err != nil {
		return fmt.Errorf("agent: chown socket: %w", err)
	}
	if err := os.Chmod(s.SocketPath, 0o600); err != nil {
		return fmt.Errorf("agent: chmod socket: %w", err)
	}
	s.Logger.WithFields(logrus.Fields{
		"socket": s.SocketPath,
		"user":   account.Name,
	}).Debug("agent socket restricted to service account")
	return nil
}

// writeForwardingEnv drops a shell-sourceable snippet exporting
// SSH_AUTH_SOCK into the account's .ssh directory and ensures the shell
// startup files source it exactly once.
func (s *Supervisor) writeForwardingEnv(account *identity.Account) error {
	snippet := fmt.Sprintf("# Managed by sshboxd\nexport SSH_AUTH_SOCK=%s\n", s.SocketPath)
	envPath := filepath.Join(account.SSHDir(), EnvFileName)
	if err := system.WriteFileOwned(envPath, []byte(snippet), 0o600, account.UID, account.GID); err != nil {
		return err
	}

	sourceLine := fmt.Sprintf("[ -f %s ] && . %s", envPath, envPath)
	for _, rc := range []string{".bashrc", ".profile"} {
		rcPath := filepath.Join(account.Home, rc)
		if err := ensureLine(rcPath, sourceLine, account.UID, account.GID); err != nil {
			return err
		}
	}

	s.Logger.WithField("path", envPath).Info("agent forwarding environment installed")
	return nil
}

// ensureLine appends line to the file at path unless it is already present.
func ensureLine(path, line string, uid, gid int) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(data), line) {
		return nil
	}
	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += line + "\n"
	return system.WriteFileOwned(path, []byte(content), 0o644, uid, gid)
}

// Stop terminates the agent and removes its socket, together and
// best-effort: a process or socket already gone is not an error. Invoked
// only by the process supervisor's termination handler.
func (s *Supervisor) Stop() {
	if s.state != StateRunning {
		return
	}

	if s.pid != 0 {
		if err := s.kill(s.pid, syscall.SIGTERM); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"pid":   s.pid,
				"error": err,
			}).Debug("ssh-agent already gone")
		}
	}
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		s.Logger.WithError(err).Warn("failed to remove agent socket")
	}

	s.state = StateStopped
	s.Logger.Info("ssh-agent stopped")
}
