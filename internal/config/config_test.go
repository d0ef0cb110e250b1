package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/state")
	t.Setenv("PARLEY_CONFIG", "/etc/parley.toml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.CurlPath != "curl" || cfg.Dispatch.CacheLimit != 200 || cfg.Dispatch.MaxQueries != 10 {
		t.Fatalf("unexpected dispatch defaults %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.QueryTTL != time.Minute {
		t.Fatalf("expected 60s query ttl, got %v", cfg.Dispatch.QueryTTL)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.DSN != "/tmp/state/parley/usage.db" {
		t.Fatalf("unexpected db defaults %+v", cfg.DB)
	}
	if cfg.DB.Retention != 90*24*time.Hour {
		t.Fatalf("expected 90 day retention, got %v", cfg.DB.Retention)
	}
	if cfg.Redis.Addr != "" || cfg.Rate.PerHour != 0 {
		t.Fatalf("expected redis features off by default, got %+v %+v", cfg.Redis, cfg.Rate)
	}
	if len(cfg.Crypto.Keys) != 0 {
		t.Fatalf("expected no master keys, got %d", len(cfg.Crypto.Keys))
	}
	if cfg.ConfigFile != "/etc/parley.toml" {
		t.Fatalf("unexpected config file %q", cfg.ConfigFile)
	}
}

func TestLoadOverridesAndErrors(t *testing.T) {
	t.Setenv("PARLEY_MAX_FULL_EXCHANGES", "3")
	t.Setenv("PARLEY_QUERY_TTL", "not-a-duration")
	t.Setenv("PARLEY_MEMORY", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.MaxFullExchanges != 3 || cfg.Memory.Enabled {
		t.Fatalf("unexpected memory config %+v", cfg.Memory)
	}
	if cfg.Dispatch.QueryTTL != time.Minute {
		t.Fatalf("expected invalid duration to fall back, got %v", cfg.Dispatch.QueryTTL)
	}

	t.Setenv("PARLEY_DB_DRIVER", "mysql")
	if _, err := Load(); !errors.Is(err, ErrInvalidDBDriver) {
		t.Fatalf("expected ErrInvalidDBDriver, got %v", err)
	}
	t.Setenv("PARLEY_DB_DRIVER", "postgres")
	if _, err := Load(); !errors.Is(err, ErrMissingDatabase) {
		t.Fatalf("expected ErrMissingDatabase, got %v", err)
	}
	t.Setenv("PARLEY_DB_DRIVER", "sqlite")
	t.Setenv("PARLEY_MAX_FULL_EXCHANGES", "-1")
	if _, err := Load(); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestLoadCryptoConfig(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	k2 := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

	t.Setenv("PARLEY_MASTER_KEY_OLD_B64", k1)
	t.Setenv("PARLEY_MASTER_KEYS_JSON", `{"new":"`+k2+`"}`)
	if _, err := loadCryptoConfig(); err == nil {
		t.Fatalf("expected an error without a current key id")
	}

	t.Setenv("PARLEY_MASTER_KEY_CURRENT_ID", "new")
	cc, err := loadCryptoConfig()
	if err != nil {
		t.Fatalf("load crypto: %v", err)
	}
	if cc.CurrentKeyID != "new" || len(cc.Keys) != 2 || cc.Keys["OLD"] == nil {
		t.Fatalf("unexpected crypto config %+v", cc)
	}

	t.Setenv("PARLEY_MASTER_KEY_CURRENT_ID", "missing")
	if _, err := loadCryptoConfig(); err == nil {
		t.Fatalf("expected an error for a missing current key")
	}

	t.Setenv("PARLEY_MASTER_KEY_CURRENT_ID", "")
	t.Setenv("PARLEY_MASTER_KEYS_JSON", "")
	t.Setenv("PARLEY_MASTER_KEY_OLD_B64", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := loadCryptoConfig(); err == nil {
		t.Fatalf("expected an error for a short key")
	}
}

func TestLoadFileDefaults(t *testing.T) {
	f, err := LoadFile("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	a, err := f.Agent("")
	if err != nil {
		t.Fatalf("default agent: %v", err)
	}
	if a.Name != "ChatClaude-Sonnet" || a.Provider != "anthropic" || a.SystemPrompt != Persona {
		t.Fatalf("unexpected default agent %+v", a)
	}
	if _, err := f.Agent("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestLoadFileMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.toml")
	content := `
default_agent = "Local"

[markers]
user = "Q:"

[[providers]]
name = "openai"
endpoint = "https://proxy.internal/v1"
dialect = "openai"
secret = "cmd:pass show openai"

[[providers]]
name = "lmstudio"
endpoint = "http://localhost:1234/v1"
dialect = "openai"
auth = "none"

[[agents]]
name = "Local"
provider = "lmstudio"
model = { name = "qwen2.5-coder", temperature = 0.2 }
system_prompt = "Answer in haiku."

[[agents]]
name = "ChatOllama"
provider = "ollama"
model = "mistral"

[schemas.lmstudio.params]
temperature = { range = [0, 1] }
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Markers.User != "Q:" || f.Markers.Assistant != "🤖:" {
		t.Fatalf("unexpected markers %+v", f.Markers)
	}
	if len(f.Providers) != 6 {
		t.Fatalf("expected 6 providers, got %d", len(f.Providers))
	}
	if f.Providers[0].Endpoint != "https://proxy.internal/v1" || f.Providers[0].SecretRef != "cmd:pass show openai" {
		t.Fatalf("expected openai to be replaced, got %+v", f.Providers[0])
	}

	local, err := f.Agent("")
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if local.Model.Name != "qwen2.5-coder" || local.Model.Params["temperature"] != 0.2 || local.SystemPrompt != "Answer in haiku." {
		t.Fatalf("unexpected agent %+v", local)
	}
	ollama, _ := f.Agent("ChatOllama")
	if ollama.Model.Name != "mistral" || !ollama.Model.Bare {
		t.Fatalf("expected bare mistral, got %+v", ollama.Model)
	}
	if r := f.Schemas["lmstudio"].Params["temperature"].Range; r == nil || r.Max != 1 {
		t.Fatalf("expected lmstudio schema, got %+v", f.Schemas["lmstudio"])
	}
	if _, ok := f.Schemas["anthropic"]; !ok {
		t.Fatalf("expected builtin schemas to survive")
	}
}

func TestLoadFileValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	content := "[[agents]]\nname = \"X\"\nprovider = \"nowhere\"\nmodel = \"m\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); !errors.Is(err, ErrAgentProvider) {
		t.Fatalf("expected ErrAgentProvider, got %v", err)
	}
}
