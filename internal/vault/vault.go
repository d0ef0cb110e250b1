package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	prefixEnv = "env:"
	prefixCmd = "cmd:"
	prefixEnc = "enc:"
)

var ErrCommandFailed = errors.New("secret command failed")

type Config struct {
	// KeyRing opens `enc:` references; nil rejects them.
	KeyRing *KeyRing
	Shell   string
	Logger  zerolog.Logger
}

// Vault resolves provider secret references and caches the results for
// its own lifetime. References are `env:NAME`, `cmd:<shell command>` or
// `enc:<sealed>`; anything else is taken literally.
type Vault struct {
	keys   *KeyRing
	shell  string
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(cfg Config) *Vault {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Vault{keys: cfg.KeyRing, shell: cfg.Shell, logger: cfg.Logger, cache: map[string]string{}}
}

func (v *Vault) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}

	v.mu.Lock()
	if s, ok := v.cache[ref]; ok {
		v.mu.Unlock()
		return s, nil
	}
	v.mu.Unlock()

	secret, cacheable, err := v.lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	if cacheable {
		v.mu.Lock()
		v.cache[ref] = secret
		v.mu.Unlock()
	}
	return secret, nil
}

// lookup resolves ref; unset environment variables are not cached so they
// can be exported later in a long-running process.
func (v *Vault) lookup(ctx context.Context, ref string) (string, bool, error) {
	switch {
	case strings.HasPrefix(ref, prefixEnv):
		s, ok := os.LookupEnv(strings.TrimPrefix(ref, prefixEnv))
		return strings.TrimSpace(s), ok, nil

	case strings.HasPrefix(ref, prefixCmd):
		command := strings.TrimSpace(strings.TrimPrefix(ref, prefixCmd))
		out, err := exec.CommandContext(ctx, v.shell, "-c", command).Output()
		if err != nil {
			v.logger.Warn().Err(err).Msg("secret command failed")
			return "", false, fmt.Errorf("%w: %v", ErrCommandFailed, err)
		}
		return strings.TrimSpace(string(out)), true, nil

	case strings.HasPrefix(ref, prefixEnc):
		if v.keys == nil {
			return "", false, ErrNoKeyRing
		}
		s, err := v.keys.Open(ref)
		if err != nil {
			return "", false, fmt.Errorf("open sealed secret: %w", err)
		}
		return s, true, nil

	default:
		return ref, true, nil
	}
}

// Forget drops every cached secret.
func (v *Vault) Forget() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.cache)
}
