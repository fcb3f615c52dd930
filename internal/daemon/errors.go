package daemon

import "errors"

// Sentinel errors for the fatal startup taxonomy. Anything not listed here
// is degraded-and-logged, never fatal.
var (
	// ErrMissingUser indicates SSH_USER was empty or unset.
	ErrMissingUser = errors.New("sshboxd: SSH_USER is required")

	// ErrNoAuthMethod indicates no authentication path would be reachable.
	ErrNoAuthMethod = errors.New("sshboxd: no viable authentication method")

	// ErrProvisionFailed indicates OS-level account creation failed.
	ErrProvisionFailed = errors.New("sshboxd: account provisioning failed")

	// ErrConfigInvalid indicates the rendered sshd_config failed validation.
	ErrConfigInvalid = errors.New("sshboxd: sshd_config validation failed")
)
