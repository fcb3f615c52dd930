package config

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/keelhouse-io/sshboxd/internal/daemon"
)

// Field defaults applied when a value is missing or malformed. Malformed
// values self-heal with a warning; only the identity and auth-path checks
// below are fatal.
const (
	DefaultPort           = 22
	DefaultDebugLevel     = 0
	DefaultMaxAuthTries   = 6
	DefaultLoginGraceTime = 120
)

// AuthMethodsAny is the sentinel meaning "do not emit an
// AuthenticationMethods override".
const AuthMethodsAny = "any"

// Validate converts raw settings into the immutable Config record.
//
// The asymmetry here is deliberate: a missing SSH_USER or an unreachable
// authentication path aborts startup, while every malformed numeric or
// boolean value degrades to its default with a warning so a sloppy caller
// still gets a working server.
func Validate(s *Settings, logger *logrus.Logger) (*Config, error) {
	if strings.TrimSpace(s.User) == "" {
		return nil, daemon.ErrMissingUser
	}

	cfg := &Config{
		User:     strings.TrimSpace(s.User),
		Password: s.Password,

		Port:           intField(logger, "SSH_PORT", s.Port, DefaultPort, 1, 65535),
		DebugLevel:     intField(logger, "SSH_DEBUG_LEVEL", s.DebugLevel, DefaultDebugLevel, 0, 3),
		MaxAuthTries:   intField(logger, "SSH_MAX_AUTH_TRIES", s.MaxAuthTries, DefaultMaxAuthTries, 1, 1<<31-1),
		LoginGraceTime: intField(logger, "SSH_LOGIN_GRACE_TIME", s.LoginGraceTime, DefaultLoginGraceTime, 0, 1<<31-1),

		PasswordAuth:         boolField(logger, "SSH_PERMIT_PASSWORD_AUTH", s.PermitPasswordAuth, true),
		PubkeyAuth:           boolField(logger, "SSH_PERMIT_PUBKEY_AUTH", s.PermitPubkeyAuth, true),
		KbdInteractiveAuth:   boolField(logger, "SSH_CHALLENGE_RESPONSE_AUTH", s.ChallengeResponseAuth, false),
		UsePAM:               boolField(logger, "SSH_USE_PAM", s.UsePAM, false),
		PermitRootLogin:      boolField(logger, "SSH_PERMIT_ROOT_LOGIN", s.PermitRootLogin, false),
		PermitEmptyPasswords: boolField(logger, "SSH_PERMIT_EMPTY_PASSWORDS", s.PermitEmptyPasswords, false),
		UseDNS:               boolField(logger, "SSH_USE_DNS", s.UseDNS, false),
		X11Forwarding:        boolField(logger, "SSH_X11_FORWARDING", s.X11Forwarding, false),
		AgentForwarding:      boolField(logger, "SSH_AGENT_FORWARDING", s.AgentForwarding, true),
		TCPForwarding:        boolField(logger, "SSH_TCP_FORWARDING", s.TCPForwarding, true),

		AuthorizedKeys: splitLines(s.AuthorizedKeys),
		HostKeys:       splitLines(s.HostKeys),
		AgentKeys:      splitLines(s.AgentKeys),
		CustomConfig:   s.CustomConfig,

		AgentStart: boolField(logger, "SSH_AGENT_START", s.AgentStart, false),
		LogFile:    s.LogFile,
	}

	cfg.AuthMethods = strings.TrimSpace(s.AuthMethods)
	if cfg.AuthMethods == "" {
		cfg.AuthMethods = AuthMethodsAny
	}

	cfg.AgentSocketPath = strings.TrimSpace(s.AgentSocketPath)
	if cfg.AgentSocketPath == "" {
		cfg.AgentSocketPath = DefaultAgentSocketPath
	}

	// At least one authentication path must be reachable, or every login
	// attempt against the finished server would be futile.
	if !cfg.PasswordAuth && !cfg.PubkeyAuth && !cfg.KbdInteractiveAuth && len(cfg.AuthorizedKeys) == 0 {
		return nil, daemon.ErrNoAuthMethod
	}

	return cfg, nil
}

// intField parses raw as an integer within [min, max], degrading to def with
// a warning on any malformed or out-of-range value.
func intField(logger *logrus.Logger, name, raw string, def, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		logger.WithFields(logrus.Fields{
			"variable": name,
			"value":    raw,
			"default":  def,
		}).Warn("invalid value, using default")
		return def
	}
	return n
}

// boolField parses the OpenSSH-flavored boolean vocabulary, degrading to def
// with a warning on anything unrecognized.
func boolField(logger *logrus.Logger, name, raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def
	case "yes", "true", "on", "1":
		return true
	case "no", "false", "off", "0":
		return false
	default:
		logger.WithFields(logrus.Fields{
			"variable": name,
			"value":    raw,
			"default":  def,
		}).Warn("invalid boolean, using default")
		return def
	}
}

// splitLines splits a newline-joined value into trimmed non-empty lines.
func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
