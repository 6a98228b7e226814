//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "minewatch")
	}
	return "minewatch-data"
}

func configFilePath() string {
	return filepath.Join(defaultDataDir(), "config.json")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// NewSecretStore returns the login Keychain.
func NewSecretStore() SecretStore {
	return keychainSecrets{run: runSecurity}
}

// runSecurity invokes the macOS security tool and returns its stdout.
func runSecurity(args ...string) ([]byte, error) {
	return exec.Command("security", args...).Output()
}

// keychainSecrets stores generic passwords; service and account map directly
// onto the Keychain item attributes.
type keychainSecrets struct {
	run func(args ...string) ([]byte, error)
}

// errItemNotFound is the exit status security uses for a missing item.
const errItemNotFound = 44

func (k keychainSecrets) Get(service, account string) (string, error) {
	out, err := k.run("find-generic-password", "-s", service, "-a", account, "-w")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != errItemNotFound {
			return "", fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
		}
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
	}
	return v, nil
}

func (k keychainSecrets) Set(service, account, value string) error {
	// -U updates an existing item in place.
	if _, err := k.run("add-generic-password", "-U", "-s", service, "-a", account, "-w", value); err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w", service, account, err)
	}
	return nil
}

func secretHint(service, account string) string {
	return " or the login Keychain (service: " + service + ", account: " + account + ")"
}
