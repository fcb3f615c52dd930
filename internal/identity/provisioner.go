// Package identity provisions the service account sshd logins land on.
package identity

import (
	"fmt"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/keelhouse-io/sshboxd/internal/authorizedkeys"
	"github.com/keelhouse-io/sshboxd/internal/config"
	"github.com/keelhouse-io/sshboxd/internal/daemon"
	"github.com/keelhouse-io/sshboxd/internal/system"
)

// unlockSentinel is the password hash applied when no SSH_PASSWORD is given.
// "*" never matches any crypt(3) output, so password login is impossible,
// but unlike "!" the account is not treated as locked, which matters because
// locked accounts also refuse key-based logins under shadow/PAM.
const unlockSentinel = "*"

// DefaultShell is the login shell assigned to freshly created accounts.
const DefaultShell = "/bin/bash"

// Account describes the provisioned service account.
type Account struct {
	Name string
	UID  int
	GID  int
	Home string
}

// SSHDir returns the account's owner-only credentials directory.
func (a *Account) SSHDir() string {
	return filepath.Join(a.Home, ".ssh")
}

// Provisioner creates the service account and installs its credentials.
// Command execution and account lookup are injectable for tests.
type Provisioner struct {
	Shell      string
	RunCommand func(name string, args ...string) ([]byte, error)
	RunWithIn  func(stdin string, name string, args ...string) ([]byte, error)
	LookupUser func(name string) (*Account, error)
}

// defaultRunCommand executes account management commands using hardcoded
// binary names resolved from PATH.
func defaultRunCommand(name string, args ...string) ([]byte, error) {
	switch name {
	case "useradd", "usermod", "chpasswd":
		return exec.Command(name, args...).CombinedOutput() // #nosec G204 -- args are hardcoded by callers
	default:
		return nil, fmt.Errorf("unsupported command: %s", name)
	}
}

func defaultRunWithIn(stdin string, name string, args ...string) ([]byte, error) {
	switch name {
	case "chpasswd":
		cmd := exec.Command(name, args...) // #nosec G204 -- args are hardcoded by callers
		cmd.Stdin = strings.NewReader(stdin)
		return cmd.CombinedOutput()
	default:
		return nil, fmt.Errorf("unsupported command: %s", name)
	}
}

func defaultLookupUser(name string) (*Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("identity: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("identity: parse gid %q: %w", u.Gid, err)
	}
	return &Account{Name: u.Username, UID: uid, GID: gid, Home: u.HomeDir}, nil
}

// DefaultProvisioner returns a Provisioner using real system commands.
func DefaultProvisioner() *Provisioner {
	return &Provisioner{
		Shell:      DefaultShell,
		RunCommand: defaultRunCommand,
		RunWithIn:  defaultRunWithIn,
		LookupUser: defaultLookupUser,
	}
}

// Ensure makes the service account exist exactly once with the configured
// credentials and authorized keys. Creation of an already existing account is
// skipped with a warning, never treated as an error. OS-level failures while
// creating the account or its credentials directory are fatal.
func (p *Provisioner) Ensure(cfg *config.Config, logger *logrus.Logger) (*Account, error) {
	account, err := p.LookupUser(cfg.User)
	if err == nil {
		logger.WithField("user", cfg.User).Warn("user already exists, skipping creation")
	} else {
		home := filepath.Join("/home", cfg.User)
		out, err := p.RunCommand("useradd", "-m", "-d", home, "-s", p.Shell, cfg.User)
		if err != nil {
			return nil, fmt.Errorf("%w: useradd %s: %s: %v",
				daemon.ErrProvisionFailed, cfg.User, strings.TrimSpace(string(out)), err)
		}
		account, err = p.LookupUser(cfg.User)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup after useradd: %v", daemon.ErrProvisionFailed, err)
		}
		logger.WithFields(logrus.Fields{
			"user": cfg.User,
			"uid":  account.UID,
			"home": account.Home,
		}).Info("user created")
	}

	if err := p.setCredential(cfg, logger); err != nil {
		return nil, err
	}

	// Owner-only credentials directory. A wrong mode here is a security
	// defect, so failure is fatal even though the directory was just made.
	if err := system.EnsureOwnedDir(account.SSHDir(), 0o700, account.UID, account.GID); err != nil {
		return nil, fmt.Errorf("%w: ssh dir: %v", daemon.ErrProvisionFailed, err)
	}

	if len(cfg.AuthorizedKeys) > 0 {
		keys := authorizedkeys.Filter(cfg.AuthorizedKeys, logger)
		path := filepath.Join(account.SSHDir(), "authorized_keys")
		if err := authorizedkeys.Write(path, keys, account.UID, account.GID); err != nil {
			return nil, fmt.Errorf("%w: %v", daemon.ErrProvisionFailed, err)
		}
		logger.WithFields(logrus.Fields{
			"user": cfg.User,
			"keys": len(keys),
		}).Info("authorized keys installed")
	}

	return account, nil
}

// setCredential applies either the supplied password or the unlock sentinel.
func (p *Provisioner) setCredential(cfg *config.Config, logger *logrus.Logger) error {
	if cfg.Password != "" {
		out, err := p.RunWithIn(cfg.User+":"+cfg.Password+"\n", "chpasswd")
		if err != nil {
			return fmt.Errorf("%w: chpasswd: %s: %v",
				daemon.ErrProvisionFailed, strings.TrimSpace(string(out)), err)
		}
		logger.WithField("user", cfg.User).Info("password set")
		return nil
	}

	out, err := p.RunCommand("usermod", "-p", unlockSentinel, cfg.User)
	if err != nil {
		return fmt.Errorf("%w: usermod: %s: %v",
			daemon.ErrProvisionFailed, strings.TrimSpace(string(out)), err)
	}
	logger.WithField("user", cfg.User).Info("no password supplied, account unlocked for key-based login only")
	return nil
}
