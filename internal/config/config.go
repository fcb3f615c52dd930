package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultsPath is the optional fleet-level defaults file. Values there are
// used only for variables the environment leaves unset.
const DefaultsPath = "/etc/sshboxd/defaults.yaml"

// DefaultAgentSocketPath is where ssh-agent listens unless
// SSH_AGENT_SOCKET_PATH overrides it.
const DefaultAgentSocketPath = "/run/sshboxd/agent.sock"

// Settings is the raw, stringly-typed environment surface. It is read exactly
// once at startup; no other package touches the ambient environment. Numeric
// and boolean fields stay strings here so malformed values can degrade to
// defaults during validation instead of failing the envconfig parse.
type Settings struct {
	User                  string `envconfig:"SSH_USER" yaml:"ssh_user"`
	Password              string `envconfig:"SSH_PASSWORD" yaml:"ssh_password"`
	Port                  string `envconfig:"SSH_PORT" yaml:"ssh_port"`
	DebugLevel            string `envconfig:"SSH_DEBUG_LEVEL" yaml:"ssh_debug_level"`
	PermitPasswordAuth    string `envconfig:"SSH_PERMIT_PASSWORD_AUTH" yaml:"ssh_permit_password_auth"`
	PermitPubkeyAuth      string `envconfig:"SSH_PERMIT_PUBKEY_AUTH" yaml:"ssh_permit_pubkey_auth"`
	ChallengeResponseAuth string `envconfig:"SSH_CHALLENGE_RESPONSE_AUTH" yaml:"ssh_challenge_response_auth"`
	AuthorizedKeys        string `envconfig:"SSH_AUTHORIZED_KEYS" yaml:"ssh_authorized_keys"`
	AuthMethods           string `envconfig:"SSH_AUTH_METHODS" yaml:"ssh_auth_methods"`
	PermitRootLogin       string `envconfig:"SSH_PERMIT_ROOT_LOGIN" yaml:"ssh_permit_root_login"`
	PermitEmptyPasswords  string `envconfig:"SSH_PERMIT_EMPTY_PASSWORDS" yaml:"ssh_permit_empty_passwords"`
	MaxAuthTries          string `envconfig:"SSH_MAX_AUTH_TRIES" yaml:"ssh_max_auth_tries"`
	LoginGraceTime        string `envconfig:"SSH_LOGIN_GRACE_TIME" yaml:"ssh_login_grace_time"`
	UseDNS                string `envconfig:"SSH_USE_DNS" yaml:"ssh_use_dns"`
	X11Forwarding         string `envconfig:"SSH_X11_FORWARDING" yaml:"ssh_x11_forwarding"`
	AgentForwarding       string `envconfig:"SSH_AGENT_FORWARDING" yaml:"ssh_agent_forwarding"`
	TCPForwarding         string `envconfig:"SSH_TCP_FORWARDING" yaml:"ssh_tcp_forwarding"`
	HostKeys              string `envconfig:"SSH_HOST_KEYS" yaml:"ssh_host_keys"`
	CustomConfig          string `envconfig:"SSH_CUSTOM_CONFIG" yaml:"ssh_custom_config"`
	UsePAM                string `envconfig:"SSH_USE_PAM" yaml:"ssh_use_pam"`
	AgentStart            string `envconfig:"SSH_AGENT_START" yaml:"ssh_agent_start"`
	AgentSocketPath       string `envconfig:"SSH_AGENT_SOCKET_PATH" yaml:"ssh_agent_socket_path"`
	AgentKeys             string `envconfig:"SSH_AGENT_KEYS" yaml:"ssh_agent_keys"`
	LogFile               string `envconfig:"SSH_LOG_FILE" yaml:"ssh_log_file"`
}

// Config is the validated, immutable configuration record. Everything
// downstream of Validate reads this struct and nothing else.
type Config struct {
	User           string
	Password       string
	Port           int
	DebugLevel     int
	MaxAuthTries   int
	LoginGraceTime int

	PasswordAuth         bool
	PubkeyAuth           bool
	KbdInteractiveAuth   bool
	UsePAM               bool
	PermitRootLogin      bool
	PermitEmptyPasswords bool
	UseDNS               bool
	X11Forwarding        bool
	AgentForwarding      bool
	TCPForwarding        bool

	// AuthorizedKeys holds the non-empty lines of SSH_AUTHORIZED_KEYS.
	AuthorizedKeys []string
	// AuthMethods is "any" (no override) or a comma list passed verbatim
	// to sshd as AuthenticationMethods.
	AuthMethods string
	// HostKeys holds the raw type:base64 lines of SSH_HOST_KEYS.
	HostKeys []string
	// CustomConfig is appended verbatim to the rendered sshd_config.
	CustomConfig string

	AgentStart      bool
	AgentSocketPath string
	// AgentKeys holds the raw base64 lines of SSH_AGENT_KEYS.
	AgentKeys []string

	LogFile string
}

// Load reads the raw settings: optional YAML defaults file first, then the
// environment on top. The environment always wins because envconfig only
// assigns fields whose variable is actually set.
func Load(defaultsPath string, logger *logrus.Logger) (*Settings, error) {
	var s Settings

	if data, err := os.ReadFile(defaultsPath); err == nil {
		if err := yaml.Unmarshal(data, &s); err != nil {
			logger.WithFields(logrus.Fields{
				"path":  defaultsPath,
				"error": err,
			}).Warn("ignoring unparseable defaults file")
			s = Settings{}
		} else {
			logger.WithField("path", defaultsPath).Debug("loaded defaults file")
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", defaultsPath, err)
	}

	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}

	return &s, nil
}
