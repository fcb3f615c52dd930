// Package hostkeys installs or generates the sshd host key set.
package hostkeys

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/keelhouse-io/sshboxd/internal/system"
)

// DefaultKeyDir is sshd's standard host key directory.
const DefaultKeyDir = "/etc/ssh"

// knownTypes are the key types accepted in SSH_HOST_KEYS entries; they match
// the ssh_host_<type>_key naming convention sshd itself uses.
var knownTypes = map[string]bool{
	"rsa":     true,
	"ecdsa":   true,
	"ed25519": true,
	"dsa":     true,
}

// Manager installs caller-supplied host keys or generates fresh ones.
type Manager struct {
	KeyDir     string
	RunCommand func(name string, args ...string) ([]byte, error)
}

func defaultRunCommand(name string, args ...string) ([]byte, error) {
	switch name {
	case "ssh-keygen":
		return exec.Command("ssh-keygen", args...).CombinedOutput() // #nosec G204 -- args are hardcoded by callers
	default:
		return nil, fmt.Errorf("unsupported command: %s", name)
	}
}

// DefaultManager returns a Manager writing to the standard key directory.
func DefaultManager() *Manager {
	return &Manager{
		KeyDir:     DefaultKeyDir,
		RunCommand: defaultRunCommand,
	}
}

// Install places the host key set on disk. Entries are "type:base64" lines
// carrying a base64-encoded private key in PEM form; malformed entries are
// logged and skipped without aborting the rest. With no usable entries the
// standard set is generated instead. At least one key pair exists on disk
// when Install returns nil.
func (m *Manager) Install(entries []string, logger *logrus.Logger) error {
	installed := 0
	for _, entry := range entries {
		keyType, encoded, ok := strings.Cut(entry, ":")
		keyType = strings.ToLower(strings.TrimSpace(keyType))
		if !ok || !knownTypes[keyType] {
			logger.WithField("type", keyType).Warn("skipping host key with unknown type")
			continue
		}
		if err := m.installOne(keyType, encoded); err != nil {
			logger.WithFields(logrus.Fields{
				"type":  keyType,
				"error": err,
			}).Warn("skipping malformed host key")
			continue
		}
		logger.WithField("type", keyType).Info("host key installed")
		installed++
	}

	if installed == 0 {
		if len(entries) > 0 {
			logger.Warn("no supplied host key was usable, generating fresh keys")
		}
		if err := m.generate(logger); err != nil {
			return err
		}
	}

	paths, err := m.Paths()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("hostkeys: no host key present in %s after installation", m.KeyDir)
	}
	return nil
}

// installOne decodes a single private key, writes it, and derives the public
// counterpart from it.
func (m *Manager) installOne(keyType, encoded string) error {
	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	if err := system.EnsureDir(m.KeyDir, 0o755); err != nil {
		return fmt.Errorf("ensure key dir: %w", err)
	}

	private := m.keyPath(keyType)
	if err := system.AtomicWrite(private, pemBytes, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	public := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := system.AtomicWrite(private+".pub", public, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

// generate runs sshd's own key generation for the standard type set.
func (m *Manager) generate(logger *logrus.Logger) error {
	logger.Info("generating host keys")
	if out, err := m.RunCommand("ssh-keygen", "-A"); err != nil {
		return fmt.Errorf("hostkeys: ssh-keygen -A: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Paths returns the installed private key paths in deterministic order, for
// the HostKey directives of the rendered sshd_config.
func (m *Manager) Paths() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.KeyDir, "ssh_host_*_key"))
	if err != nil {
		return nil, fmt.Errorf("hostkeys: glob: %w", err)
	}
	var paths []string
	for _, p := range matches {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Manager) keyPath(keyType string) string {
	return filepath.Join(m.KeyDir, fmt.Sprintf("ssh_host_%s_key", keyType))
}
