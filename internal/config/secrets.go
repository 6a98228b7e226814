package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const secretService = "minewatch"

// ErrSecretNotFound is returned by a SecretStore when no value is stored.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore persists bearer tokens outside the plain config backend.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// fileSecrets keeps secrets in a 0600 JSON object keyed "service.account".
type fileSecrets struct {
	path string
}

func (f fileSecrets) read() (map[string]string, error) {
	m := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return m, nil
}

func (f fileSecrets) Get(service, account string) (string, error) {
	m, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := m[service+"."+account]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
	}
	return v, nil
}

func (f fileSecrets) Set(service, account, value string) error {
	m, err := f.read()
	if err != nil {
		return err
	}
	m[service+"."+account] = value
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

// ServerToken returns the bearer token guarding the local HTTP API,
// generating and storing a new one on first use.
func ServerToken(store SecretStore) (string, error) {
	if tok, err := store.Get(secretService, "server_token"); err == nil && tok != "" {
		return tok, nil
	} else if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", fmt.Errorf("reading server token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating server token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := store.Set(secretService, "server_token", tok); err != nil {
		return "", fmt.Errorf("storing server token: %w", err)
	}
	return tok, nil
}
