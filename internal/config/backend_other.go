//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

func xdgDir(env string, fallback ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(append([]string{home}, fallback...)...)
	}
	return dir
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "minewatch")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "minewatch", "config.json")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// NewSecretStore returns the platform secret store: a 0600 JSON file under
// XDG_DATA_HOME.
func NewSecretStore() SecretStore {
	return fileSecrets{path: secretsFilePath()}
}

func secretHint(service, account string) string {
	return " or " + secretsFilePath() + " (" + service + "." + account + ")"
}
