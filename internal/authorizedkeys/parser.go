// Package authorizedkeys validates and installs the public keys supplied
// through SSH_AUTHORIZED_KEYS into the service account's authorized_keys file.
package authorizedkeys

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Filter returns the lines that parse as valid authorized_keys entries.
// Malformed lines are logged and dropped; one bad key must not keep the
// remaining keys from being installed.
func Filter(lines []string, logger *logrus.Logger) []string {
	valid := make([]string, 0, len(lines))
	for i, line := range lines {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
			logger.WithFields(logrus.Fields{
				"line":  i + 1,
				"error": err,
			}).Warn("skipping malformed authorized key")
			continue
		}
		valid = append(valid, line)
	}
	return valid
}
