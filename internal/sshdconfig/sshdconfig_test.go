package sshdconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/keelhouse-io/sshboxd/internal/daemon"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return &Manager{
		ConfigPath: filepath.Join(t.TempDir(), "sshd_config"),
		RunCommand: func(name string, args ...string) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
}

func TestWrite(t *testing.T) {
	m := testManager(t)
	logger, _ := logtest.NewNullLogger()

	if err := m.Write("Port 22\n", logger); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(m.ConfigPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "Port 22\n" {
		t.Errorf("content mismatch: %q", data)
	}
}

func TestWrite_backsUpPriorConfig(t *testing.T) {
	m := testManager(t)
	logger, _ := logtest.NewNullLogger()

	if err := os.WriteFile(m.ConfigPath, []byte("Port 2222\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Write("Port 22\n", logger); err != nil {
		t.Fatalf("Write: %v", err)
	}

	backup, err := os.ReadFile(m.ConfigPath + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backup) != "Port 2222\n" {
		t.Errorf("backup mismatch: %q", backup)
	}
}

func TestValidate_ok(t *testing.T) {
	m := testManager(t)
	logger, _ := logtest.NewNullLogger()

	var gotArgs []string
	m.RunCommand = func(name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return nil, nil
	}

	if err := m.Validate(logger); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := fmt.Sprintf("sshd -t -f %s", m.ConfigPath)
	if strings.Join(gotArgs, " ") != want {
		t.Errorf("unexpected command %v, want %q", gotArgs, want)
	}
}

func TestValidate_failureIsFatalAndDumpsConfig(t *testing.T) {
	m := testManager(t)
	logger, hook := logtest.NewNullLogger()

	if err := os.WriteFile(m.ConfigPath, []byte("BogusDirective yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.RunCommand = func(name string, args ...string) ([]byte, error) {
		return []byte("line 1: Bad configuration option"), fmt.Errorf("exit status 255")
	}

	err := m.Validate(logger)
	if !errors.Is(err, daemon.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "Bad configuration option") {
		t.Errorf("expected sshd output in error, got %v", err)
	}

	dumped := false
	for _, e := range hook.Entries {
		if strings.Contains(e.Message, "BogusDirective") {
			dumped = true
		}
	}
	if !dumped {
		t.Error("expected rejected config to be dumped to the log")
	}
}
