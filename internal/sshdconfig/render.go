package sshdconfig

import (
	"fmt"
	"strings"

	"github.com/keelhouse-io/sshboxd/internal/config"
)

const fileHeader = "# Managed by sshboxd. Rendered at container start; edits are overwritten.\n"

// logLevels maps the validated SSH_DEBUG_LEVEL ordinal onto sshd's
// LogLevel vocabulary.
var logLevels = [4]string{"INFO", "VERBOSE", "DEBUG2", "DEBUG3"}

// Render produces the full sshd_config text for the given configuration and
// host key set. It is a pure function: the same inputs always yield
// byte-identical output, and field ordering is fixed.
func Render(cfg *config.Config, hostKeyPaths []string) string {
	var b strings.Builder
	b.WriteString(fileHeader)

	// Network
	b.WriteString("\n")
	fmt.Fprintf(&b, "Port %d\n", cfg.Port)
	b.WriteString("AddressFamily any\n")
	b.WriteString("ListenAddress 0.0.0.0\n")
	b.WriteString("ListenAddress ::\n")

	// Host keys
	b.WriteString("\n")
	for _, path := range hostKeyPaths {
		fmt.Fprintf(&b, "HostKey %s\n", path)
	}

	// Logging
	b.WriteString("\n")
	fmt.Fprintf(&b, "LogLevel %s\n", logLevels[cfg.DebugLevel])

	// Authentication
	b.WriteString("\n")
	fmt.Fprintf(&b, "PermitRootLogin %s\n", yesNo(cfg.PermitRootLogin))
	fmt.Fprintf(&b, "PasswordAuthentication %s\n", yesNo(cfg.PasswordAuth))
	fmt.Fprintf(&b, "PubkeyAuthentication %s\n", yesNo(cfg.PubkeyAuth))
	fmt.Fprintf(&b, "KbdInteractiveAuthentication %s\n", yesNo(cfg.KbdInteractiveAuth))
	fmt.Fprintf(&b, "UsePAM %s\n", yesNo(cfg.UsePAM))
	fmt.Fprintf(&b, "PermitEmptyPasswords %s\n", yesNo(cfg.PermitEmptyPasswords))
	b.WriteString("AuthorizedKeysFile .ssh/authorized_keys\n")

	// Authentication methods override; "any" leaves sshd's own default.
	if cfg.AuthMethods != config.AuthMethodsAny {
		b.WriteString("\n")
		fmt.Fprintf(&b, "AuthenticationMethods %s\n", cfg.AuthMethods)
	}

	// Network timing
	b.WriteString("\n")
	fmt.Fprintf(&b, "MaxAuthTries %d\n", cfg.MaxAuthTries)
	fmt.Fprintf(&b, "LoginGraceTime %d\n", cfg.LoginGraceTime)

	// Forwarding
	b.WriteString("\n")
	fmt.Fprintf(&b, "AllowTcpForwarding %s\n", yesNo(cfg.TCPForwarding))
	fmt.Fprintf(&b, "AllowAgentForwarding %s\n", yesNo(cfg.AgentForwarding))
	fmt.Fprintf(&b, "X11Forwarding %s\n", yesNo(cfg.X11Forwarding))

	// Hardening
	b.WriteString("\n")
	fmt.Fprintf(&b, "UseDNS %s\n", yesNo(cfg.UseDNS))
	b.WriteString("PrintMotd no\n")
	b.WriteString("AcceptEnv LANG LC_*\n")

	// Subsystem
	b.WriteString("\n")
	b.WriteString("Subsystem sftp /usr/lib/openssh/sftp-server\n")

	// Custom tail, passed through verbatim and never parsed.
	if cfg.CustomConfig != "" {
		b.WriteString("\n# Custom configuration\n")
		b.WriteString(cfg.CustomConfig)
		if !strings.HasSuffix(cfg.CustomConfig, "\n") {
			b.WriteString("\n")
		}
	}

	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
