package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidDBDriver  = errors.New("PARLEY_DB_DRIVER must be 'sqlite' or 'postgres'")
	ErrMissingDatabase  = errors.New("PARLEY_DB_DSN is required for postgres")
	ErrInvalidWindow    = errors.New("PARLEY_MAX_FULL_EXCHANGES must be >= 0")
	ErrInvalidCacheSize = errors.New("PARLEY_PAYLOAD_CACHE_LIMIT must be > 0")
)

// Config holds the runtime settings read from the environment. Providers,
// agents and schemas live in the TOML file named by ConfigFile.
type Config struct {
	ConfigFile string
	WorkDir    string

	Dispatch DispatchConfig
	Memory   MemoryConfig
	DB       DBConfig
	Redis    RedisConfig
	Rate     RateConfig
	Crypto   CryptoConfig
	HTTP     HTTPConfig
	Log      LogConfig
}

type DispatchConfig struct {
	CurlPath   string
	CacheDir   string
	CacheLimit int
	MaxQueries int
	QueryTTL   time.Duration
}

type MemoryConfig struct {
	Enabled          bool
	MaxFullExchanges int
}

type DBConfig struct {
	Enabled     bool
	Driver      string
	DSN         string
	AutoMigrate bool
	// Retention bounds how long usage records are kept; zero keeps them.
	Retention time.Duration
}

// RedisConfig is optional; an empty Addr disables events and rate limits.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	EventStream string
	EventMaxLen int64
}

type RateConfig struct {
	PerHour int64
}

// CryptoConfig is the master key ring for `enc:` secrets. It may be empty.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	state := stateDir()
	cfg := &Config{
		ConfigFile: mustEnv("PARLEY_CONFIG", defaultConfigFile()),
		WorkDir:    mustEnv("PARLEY_WORKDIR", workingDir()),
		Dispatch: DispatchConfig{
			CurlPath:   mustEnv("PARLEY_CURL", "curl"),
			CacheDir:   mustEnv("PARLEY_PAYLOAD_CACHE_DIR", filepath.Join(os.TempDir(), "parley")),
			CacheLimit: mustInt("PARLEY_PAYLOAD_CACHE_LIMIT", 200),
			MaxQueries: mustInt("PARLEY_MAX_QUERIES", 10),
			QueryTTL:   mustDuration("PARLEY_QUERY_TTL", 60*time.Second),
		},
		Memory: MemoryConfig{
			Enabled:          mustBool("PARLEY_MEMORY", true),
			MaxFullExchanges: mustInt("PARLEY_MAX_FULL_EXCHANGES", 6),
		},
		DB: DBConfig{
			Enabled:     mustBool("PARLEY_USAGE_LOG", true),
			Driver:      strings.ToLower(mustEnv("PARLEY_DB_DRIVER", "sqlite")),
			DSN:         mustEnv("PARLEY_DB_DSN", ""),
			AutoMigrate: mustBool("PARLEY_AUTO_MIGRATE", true),
			Retention:   mustDuration("PARLEY_USAGE_RETENTION", 90*24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("PARLEY_REDIS_ADDR", ""),
			Password:    mustEnv("PARLEY_REDIS_PASSWORD", ""),
			DB:          mustInt("PARLEY_REDIS_DB", 0),
			EventStream: mustEnv("PARLEY_EVENT_STREAM", "parley:events"),
			EventMaxLen: int64(mustInt("PARLEY_EVENT_MAXLEN", 10000)),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("PARLEY_RATE_LIMIT_PER_HOUR", 0)),
		},
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("PARLEY_LISTEN_ADDR", "127.0.0.1:9464"),
			HealthPath:  mustEnv("PARLEY_HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("PARLEY_METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("PARLEY_LOG_LEVEL", "info")),
		},
	}

	switch cfg.DB.Driver {
	case "sqlite", "sqlite3":
		if cfg.DB.DSN == "" {
			cfg.DB.DSN = filepath.Join(state, "usage.db")
		}
	case "postgres", "postgresql", "pgx":
		if cfg.DB.DSN == "" && cfg.DB.Enabled {
			return nil, ErrMissingDatabase
		}
	default:
		return nil, ErrInvalidDBDriver
	}
	if cfg.Memory.MaxFullExchanges < 0 {
		return nil, ErrInvalidWindow
	}
	if cfg.Dispatch.CacheLimit <= 0 {
		return nil, ErrInvalidCacheSize
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadCryptoConfig reads master keys from PARLEY_MASTER_KEYS_JSON,
// PARLEY_MASTER_KEY_<ID>_B64 and PARLEY_MASTER_KEY_B64. No keys is not an
// error; sealed secrets are then rejected when resolved.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("PARLEY_MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse PARLEY_MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(k, "PARLEY_MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "PARLEY_MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "PARLEY_MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("PARLEY_MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("PARLEY_MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("PARLEY_MASTER_KEY_CURRENT_ID is required with %d keys", len(keys))
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("PARLEY_MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "parley")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "parley")
	}
	return filepath.Join(os.TempDir(), "parley-state")
}

// defaultConfigFile returns the user config path when it exists.
func defaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "parley", "config.toml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
