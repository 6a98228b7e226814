//go:build darwin

package config

import (
	"errors"
	"strings"
	"testing"
)

// fakeSecurity records security invocations and serves stored items.
type fakeSecurity struct {
	items map[string]string
	calls [][]string
	err   error
}

func (f *fakeSecurity) run(args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	if f.err != nil {
		return nil, f.err
	}
	key := args[2] + "/" + args[4]
	switch args[0] {
	case "add-generic-password":
		f.items[key] = args[len(args)-1]
		return nil, nil
	case "find-generic-password":
		v, ok := f.items[key]
		if !ok {
			return nil, errors.New("not found")
		}
		return []byte(v + "\n"), nil
	}
	return nil, errors.New("unexpected command")
}

func TestKeychainSecrets_RoundTrip(t *testing.T) {
	sec := &fakeSecurity{items: make(map[string]string)}
	store := keychainSecrets{run: sec.run}

	if _, err := store.Get(secretService, "api_token"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get on empty keychain = %v, want ErrSecretNotFound", err)
	}
	if err := store.Set(secretService, "api_token", "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(secretService, "api_token")
	if err != nil || got != "tok" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if add := strings.Join(sec.calls[1], " "); !strings.Contains(add, "-U") {
		t.Errorf("add call %q should update in place", add)
	}
}

func TestKeychainSecrets_SetError(t *testing.T) {
	store := keychainSecrets{run: (&fakeSecurity{err: errors.New("locked")}).run}
	if err := store.Set(secretService, "server_token", "x"); err == nil || !strings.Contains(err.Error(), "keychain") {
		t.Fatalf("Set err = %v", err)
	}
}

func TestDarwinConfigUsesFileBackend(t *testing.T) {
	if !strings.HasSuffix(configFilePath(), "minewatch/config.json") {
		t.Errorf("configFilePath = %q", configFilePath())
	}
}
