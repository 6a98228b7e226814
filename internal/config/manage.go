package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are masked.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			val = mask(val)
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: val})
	}
	return result
}

func mask(v string) string {
	switch {
	case v == "":
		return "(unset)"
	case len(v) <= 8:
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", 8)
}

// SetKey writes a config key to the platform backend, or a secret key to the
// platform secret store.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), NewSecretStore(), key, value)
}

func setKeyWith(b ConfigBackend, store SecretStore, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		if value == "" {
			return fmt.Errorf("empty value for secret %q; use environment variable %s%s", key, s.env, secretHint(secretService, s.account))
		}
		return store.Set(secretService, s.account, value)
	}

	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typ, key, err)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// ValidKeys returns the list of config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
