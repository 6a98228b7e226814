package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "api.base_url", typ: kString, env: "MINEWATCH_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.token", typ: kString, env: "MINEWATCH_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "api.request_timeout", typ: kDuration, env: "MINEWATCH_API_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.API.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.API.RequestTimeout },
	},
	{
		key: "poll.interval", typ: kDuration, env: "MINEWATCH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "poll.initial_delay", typ: kDuration, env: "MINEWATCH_POLL_INITIAL_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Poll.InitialDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.InitialDelay },
	},
	{
		key: "poll.settle_delay", typ: kDuration, env: "MINEWATCH_POLL_SETTLE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Poll.SettleDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.SettleDelay },
	},
	{
		key: "server.enabled", typ: kBool, env: "MINEWATCH_SERVER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.Enabled },
	},
	{
		key: "server.port", typ: kInt, env: "MINEWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "MINEWATCH_SERVER_TOKEN",
		secret: true, account: "server_token",
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MINEWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "MINEWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "MINEWATCH_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "layers.imagery_opacity", typ: kFloat, env: "MINEWATCH_LAYERS_IMAGERY_OPACITY",
		apply:   func(cfg *Config, v any) { cfg.Layers.ImageryOpacity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Layers.ImageryOpacity },
	},
	{
		key: "layers.heatmap_opacity", typ: kFloat, env: "MINEWATCH_LAYERS_HEATMAP_OPACITY",
		apply:   func(cfg *Config, v any) { cfg.Layers.HeatmapOpacity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Layers.HeatmapOpacity },
	},
	{
		key: "layers.polygon_opacity", typ: kFloat, env: "MINEWATCH_LAYERS_POLYGON_OPACITY",
		apply:   func(cfg *Config, v any) { cfg.Layers.PolygonOpacity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Layers.PolygonOpacity },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type a key of type t carries.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN] "+format+"\n", args...)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			warnf("could not parse %s from config key %s=%q: %v. Using default value.", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			warnf("could not parse %s from env var %s=%q: %v. Using default value.", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secret keys the environment left empty from the store.
func applySecrets(cfg *Config, store SecretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := store.Get(secretService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
