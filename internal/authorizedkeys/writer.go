package authorizedkeys

import (
	"fmt"
	"strings"

	"github.com/keelhouse-io/sshboxd/internal/system"
)

// Write installs keys into the authorized_keys file at path, owner-only and
// owned by uid/gid. The file is written atomically; sshd may race a container
// restart and must never see a half-written key list.
func Write(path string, keys []string, uid, gid int) error {
	content := strings.Join(keys, "\n") + "\n"
	if len(keys) == 0 {
		content = ""
	}

	if err := system.WriteFileOwned(path, []byte(content), 0o600, uid, gid); err != nil {
		return fmt.Errorf("authorizedkeys: write %s: %w", path, err)
	}
	return nil
}
