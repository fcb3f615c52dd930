package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/keelhouse-io/sshboxd/internal/config"
	"github.com/keelhouse-io/sshboxd/internal/daemon"
)

// fakeSystem records account management commands and simulates the user
// database: lookups fail until useradd ran.
type fakeSystem struct {
	home    string
	exists  bool
	calls   []string
	stdin   []string
	failCmd string
}

func (f *fakeSystem) run(name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	if name == f.failCmd {
		return []byte("simulated failure"), fmt.Errorf("exit status 1")
	}
	if name == "useradd" {
		f.exists = true
	}
	return nil, nil
}

func (f *fakeSystem) runWithIn(stdin string, name string, args ...string) ([]byte, error) {
	f.stdin = append(f.stdin, stdin)
	return f.run(name, args...)
}

func (f *fakeSystem) lookup(name string) (*Account, error) {
	if !f.exists {
		return nil, fmt.Errorf("user: unknown user %s", name)
	}
	return &Account{Name: name, UID: os.Getuid(), GID: os.Getgid(), Home: f.home}, nil
}

func testProvisioner(t *testing.T) (*Provisioner, *fakeSystem) {
	t.Helper()
	fake := &fakeSystem{home: t.TempDir()}
	return &Provisioner{
		Shell:      DefaultShell,
		RunCommand: fake.run,
		RunWithIn:  fake.runWithIn,
		LookupUser: fake.lookup,
	}, fake
}

func called(fake *fakeSystem, prefix string) bool {
	for _, c := range fake.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestEnsure_createsUserWithPassword(t *testing.T) {
	p, fake := testProvisioner(t)
	logger, _ := logtest.NewNullLogger()

	cfg := &config.Config{User: "testuser", Password: "testpass123"}
	account, err := p.Ensure(cfg, logger)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if account.Name != "testuser" {
		t.Errorf("unexpected account name %q", account.Name)
	}
	if !called(fake, "useradd -m") {
		t.Errorf("expected useradd call, got %v", fake.calls)
	}
	if !called(fake, "chpasswd") {
		t.Errorf("expected chpasswd call, got %v", fake.calls)
	}
	if len(fake.stdin) != 1 || fake.stdin[0] != "testuser:testpass123\n" {
		t.Errorf("unexpected chpasswd stdin %v", fake.stdin)
	}
	if called(fake, "usermod") {
		t.Errorf("usermod must not run when a password is supplied: %v", fake.calls)
	}

	info, err := os.Stat(account.SSHDir())
	if err != nil {
		t.Fatalf("ssh dir: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("expected 0700 ssh dir, got %o", info.Mode().Perm())
	}
}

func TestEnsure_noPasswordAppliesUnlockSentinel(t *testing.T) {
	p, fake := testProvisioner(t)
	logger, _ := logtest.NewNullLogger()

	cfg := &config.Config{User: "testuser"}
	if _, err := p.Ensure(cfg, logger); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !called(fake, "usermod -p * testuser") {
		t.Errorf("expected unlock sentinel usermod, got %v", fake.calls)
	}
	if called(fake, "chpasswd") {
		t.Errorf("chpasswd must not run without a password: %v", fake.calls)
	}
}

func TestEnsure_existingUserSkippedWithWarning(t *testing.T) {
	p, fake := testProvisioner(t)
	fake.exists = true
	logger, hook := logtest.NewNullLogger()

	// Pre-existing key file must survive a second provisioning run.
	sshDir := filepath.Join(fake.home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(sshDir, "authorized_keys")
	if err := os.WriteFile(keyPath, []byte("ssh-ed25519 AAAA old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{User: "testuser", Password: "pw"}
	if _, err := p.Ensure(cfg, logger); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if called(fake, "useradd") {
		t.Errorf("useradd must not run for an existing user: %v", fake.calls)
	}

	warned := false
	for _, e := range hook.Entries {
		if strings.Contains(e.Message, "already exists") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected skip warning for existing user")
	}

	data, err := os.ReadFile(keyPath)
	if err != nil || string(data) != "ssh-ed25519 AAAA old\n" {
		t.Errorf("pre-existing authorized_keys changed: %q, %v", data, err)
	}
}

func TestEnsure_useraddFailureIsFatal(t *testing.T) {
	p, fake := testProvisioner(t)
	fake.failCmd = "useradd"
	logger, _ := logtest.NewNullLogger()

	_, err := p.Ensure(&config.Config{User: "testuser"}, logger)
	if !errors.Is(err, daemon.ErrProvisionFailed) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
}

func TestEnsure_installsOnlyValidAuthorizedKeys(t *testing.T) {
	p, _ := testProvisioner(t)
	logger, _ := logtest.NewNullLogger()

	cfg := &config.Config{
		User:           "testuser",
		AuthorizedKeys: []string{"garbage line"},
	}
	account, err := p.Ensure(cfg, logger)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(account.SSHDir(), "authorized_keys"))
	if err != nil {
		t.Fatalf("read authorized_keys: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected no keys installed, got %q", data)
	}
}
