package sshdconfig

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/keelhouse-io/sshboxd/internal/daemon"
	"github.com/keelhouse-io/sshboxd/internal/system"
)

// DefaultConfigPath is sshd's standard configuration file.
const DefaultConfigPath = "/etc/ssh/sshd_config"

// Manager writes the rendered sshd_config and validates it with sshd's own
// syntax checker. Paths and command execution are injectable for tests.
type Manager struct {
	ConfigPath string
	RunCommand func(name string, args ...string) ([]byte, error)
}

// defaultRunCommand executes system commands using hardcoded binary names.
func defaultRunCommand(name string, args ...string) ([]byte, error) {
	switch name {
	case "sshd":
		return exec.Command("sshd", args...).CombinedOutput() // #nosec G204 -- args are hardcoded by callers
	default:
		return nil, fmt.Errorf("unsupported command: %s", name)
	}
}

// DefaultManager returns a Manager with production paths and real command
// execution.
func DefaultManager() *Manager {
	return &Manager{
		ConfigPath: DefaultConfigPath,
		RunCommand: defaultRunCommand,
	}
}

// Write installs content as the active sshd_config. A pre-existing config is
// kept as a .bak sibling before the atomic overwrite.
func (m *Manager) Write(content string, logger *logrus.Logger) error {
	if prior, err := os.ReadFile(m.ConfigPath); err == nil {
		backup := m.ConfigPath + ".bak"
		if err := system.AtomicWrite(backup, prior, 0o600); err != nil {
			return fmt.Errorf("sshdconfig: backup %s: %w", backup, err)
		}
		logger.WithField("path", backup).Debug("backed up previous sshd_config")
	}

	if err := system.AtomicWrite(m.ConfigPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("sshdconfig: write %s: %w", m.ConfigPath, err)
	}
	logger.WithField("path", m.ConfigPath).Info("sshd_config written")
	return nil
}

// Validate runs sshd -t against the written config. A syntax failure is
// fatal for startup; the offending config is dumped to the log so the
// container output is enough to diagnose it.
func (m *Manager) Validate(logger *logrus.Logger) error {
	out, err := m.RunCommand("sshd", "-t", "-f", m.ConfigPath)
	if err == nil {
		logger.Debug("sshd_config validated")
		return nil
	}

	if data, readErr := os.ReadFile(m.ConfigPath); readErr == nil {
		logger.WithField("path", m.ConfigPath).Error("rejected sshd_config:\n" + string(data))
	}
	return fmt.Errorf("%w: %s: %v", daemon.ErrConfigInvalid, strings.TrimSpace(string(out)), err)
}
