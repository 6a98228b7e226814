package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	API     APIConfig
	Poll    PollConfig
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Layers  LayersConfig
}

// APIConfig points at the remote analysis service.
type APIConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

type PollConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	SettleDelay  time.Duration
}

// ServerConfig controls the local dashboard API started by `watch`.
type ServerConfig struct {
	Enabled bool
	Port    int
	Token   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// LayersConfig holds the initial opacity of each overlay family.
type LayersConfig struct {
	ImageryOpacity float64
	HeatmapOpacity float64
	PolygonOpacity float64
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 30 * time.Second,
		},
		Poll: PollConfig{
			Interval:     5 * time.Second,
			InitialDelay: time.Second,
			SettleDelay:  1500 * time.Millisecond,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Layers: LayersConfig{
			ImageryOpacity: 1,
			HeatmapOpacity: 0.6,
			PolygonOpacity: 0.8,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// The backend is a JSON file: ~/Library/Application Support/minewatch on
// macOS, $XDG_CONFIG_HOME/minewatch elsewhere. Secrets come from the login
// Keychain on macOS and from secrets.json under the data dir elsewhere.
//
// Environment variables (MINEWATCH_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, store SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, store)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("missing required config: api.base_url. Set it via MINEWATCH_API_BASE_URL or `minewatch config set api.base_url <url>`")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.InitialDelay < 0 || c.Poll.SettleDelay < 0 {
		return fmt.Errorf("poll delays must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	for key, v := range map[string]float64{
		"layers.imagery_opacity": c.Layers.ImageryOpacity,
		"layers.heatmap_opacity": c.Layers.HeatmapOpacity,
		"layers.polygon_opacity": c.Layers.PolygonOpacity,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", key, v)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return lvl, nil
}
