package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testKeyEntry returns an "ed25519:<base64 pem>" entry for SSH_HOST_KEYS.
func testKeyEntry(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return "ed25519:" + base64.StdEncoding.EncodeToString(pem.EncodeToMemory(block))
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	return &Manager{
		KeyDir: t.TempDir(),
		RunCommand: func(name string, args ...string) ([]byte, error) {
			t.Fatalf("unexpected command %s %v", name, args)
			return nil, nil
		},
	}
}

func TestInstall_suppliedKey(t *testing.T) {
	m := testManager(t)
	logger, _ := logtest.NewNullLogger()

	require.NoError(t, m.Install([]string{testKeyEntry(t)}, logger))

	private := filepath.Join(m.KeyDir, "ssh_host_ed25519_key")
	info, err := os.Stat(private)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The derived public key must parse and match the private key.
	pubData, err := os.ReadFile(private + ".pub")
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubData)
	require.NoError(t, err)

	privData, err := os.ReadFile(private)
	require.NoError(t, err)
	signer, err := ssh.ParsePrivateKey(privData)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey().Marshal(), pub.Marshal())
}

func TestInstall_malformedEntryDoesNotAbortOthers(t *testing.T) {
	m := testManager(t)
	logger, hook := logtest.NewNullLogger()

	entries := []string{
		"ed25519:!!!not-base64!!!",
		"unknown-type:Zm9v",
		testKeyEntry(t),
	}
	require.NoError(t, m.Install(entries, logger))

	_, err := os.Stat(filepath.Join(m.KeyDir, "ssh_host_ed25519_key"))
	require.NoError(t, err)
	assert.Len(t, hook.Entries, 3) // two skip warnings + one install info
}

func TestInstall_generatesWhenNoneSupplied(t *testing.T) {
	dir := t.TempDir()
	generated := false
	m := &Manager{
		KeyDir: dir,
		RunCommand: func(name string, args ...string) ([]byte, error) {
			generated = true
			require.Equal(t, "ssh-keygen", name)
			require.Equal(t, []string{"-A"}, args)
			// Simulate ssh-keygen -A dropping a key.
			return nil, os.WriteFile(filepath.Join(dir, "ssh_host_rsa_key"), []byte("key"), 0o600)
		},
	}
	logger, _ := logtest.NewNullLogger()

	require.NoError(t, m.Install(nil, logger))
	assert.True(t, generated)
}

func TestInstall_fallsBackToGenerationWhenAllEntriesBad(t *testing.T) {
	dir := t.TempDir()
	generated := false
	m := &Manager{
		KeyDir: dir,
		RunCommand: func(name string, args ...string) ([]byte, error) {
			generated = true
			return nil, os.WriteFile(filepath.Join(dir, "ssh_host_rsa_key"), []byte("key"), 0o600)
		},
	}
	logger, _ := logtest.NewNullLogger()

	require.NoError(t, m.Install([]string{"ed25519:garbage"}, logger))
	assert.True(t, generated)
}

func TestInstall_errorsWhenNoKeyEndsUpOnDisk(t *testing.T) {
	m := &Manager{
		KeyDir: t.TempDir(),
		RunCommand: func(name string, args ...string) ([]byte, error) {
			return nil, nil // pretends to succeed but writes nothing
		},
	}
	logger, _ := logtest.NewNullLogger()

	err := m.Install(nil, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no host key present")
}

func TestPaths_sortedAndFiltered(t *testing.T) {
	m := testManager(t)
	for _, name := range []string{"ssh_host_rsa_key", "ssh_host_ed25519_key"} {
		require.NoError(t, os.WriteFile(filepath.Join(m.KeyDir, name), []byte("key"), 0o600))
	}
	// Public keys must not show up as HostKey paths.
	require.NoError(t, os.WriteFile(filepath.Join(m.KeyDir, "ssh_host_rsa_key.pub"), []byte("pub"), 0o644))

	paths, err := m.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(m.KeyDir, "ssh_host_ed25519_key"),
		filepath.Join(m.KeyDir, "ssh_host_rsa_key"),
	}, paths)
}
