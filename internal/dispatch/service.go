package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parley/internal/providers"
	"parley/internal/providers/registry"
	"parley/internal/storage"
	"parley/internal/stream"
	"parley/internal/supervisor"
)

var (
	ErrBusy        = supervisor.ErrBusy
	ErrRateLimited = errors.New("owner exceeded the hourly query limit")
	ErrSecret      = errors.New("resolve provider secret")
)

// SecretResolver turns a provider secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type Recorder interface {
	RecordQuery(ctx context.Context, r storage.QueryRecord) error
}

type Limiter interface {
	Allow(ctx context.Context, owner string, now time.Time) (bool, error)
}

// Observer is told about dispatch outcomes the process supervisor cannot
// see.
type Observer interface {
	QueryRejected(owner, reason string)
	QueryCompleted(c Completion)
}

type Completion struct {
	QueryID  string
	Owner    string
	Provider string
	Model    string
	ExitCode int
	Empty    bool
	Usage    *providers.Usage
	Duration time.Duration
}

type Request struct {
	// Owner is the busy-guard key. Empty means a headless query, which gets
	// a key of its own.
	Owner    string
	Provider string
	Model    string
	Payload  map[string]any
	Force    bool

	OnToken    func(queryID, delta string)
	OnExit     func(q *Query)
	OnHeadless func(text string)
}

type Config struct {
	Registry   *registry.Registry
	Secrets    SecretResolver
	Supervisor *supervisor.Supervisor
	CurlPath   string
	CacheDir   string
	CacheLimit int
	MaxQueries int
	QueryTTL   time.Duration
	Recorder   Recorder
	Limiter    Limiter
	Observers  []Observer
	Logger     zerolog.Logger
	Now        func() time.Time
}

type Service struct {
	registry   *registry.Registry
	secrets    SecretResolver
	supervisor *supervisor.Supervisor
	curlPath   string
	cacheDir   string
	cacheLimit int
	maxQueries int
	queryTTL   time.Duration
	recorder   Recorder
	limiter    Limiter
	observers  []Observer
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	queries map[string]*Query
}

func New(cfg Config) *Service {
	if cfg.CurlPath == "" {
		cfg.CurlPath = "curl"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "parley")
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = 200
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 10
	}
	if cfg.QueryTTL <= 0 {
		cfg.QueryTTL = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = supervisor.New(supervisor.Config{Logger: cfg.Logger})
	}
	return &Service{
		registry:   cfg.Registry,
		secrets:    cfg.Secrets,
		supervisor: cfg.Supervisor,
		curlPath:   cfg.CurlPath,
		cacheDir:   cfg.CacheDir,
		cacheLimit: cfg.CacheLimit,
		maxQueries: cfg.MaxQueries,
		queryTTL:   cfg.QueryTTL,
		recorder:   cfg.Recorder,
		limiter:    cfg.Limiter,
		observers:  cfg.Observers,
		logger:     cfg.Logger,
		now:        cfg.Now,
		queries:    make(map[string]*Query),
	}
}

// Dispatch launches one streaming request. Configuration and transport
// errors abort before any process is spawned; a busy owner yields ErrBusy.
// Tokens and the final query are delivered from background goroutines.
func (s *Service) Dispatch(ctx context.Context, req Request) (*Query, error) {
	id := uuid.NewString()
	if req.Owner == "" {
		req.Owner = "headless:" + id
	}
	log := s.logger.With().Str("query_id", id).Str("owner", req.Owner).Str("provider", req.Provider).Logger()

	if !req.Force && s.supervisor.IsBusy(req.Owner) {
		s.reject(req.Owner, "busy")
		return nil, ErrBusy
	}
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, req.Owner, s.now())
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, allowing query")
		} else if !ok {
			s.reject(req.Owner, "rate_limited")
			return nil, ErrRateLimited
		}
	}

	spec, err := s.registry.Lookup(req.Provider)
	if err != nil {
		return nil, err
	}
	dialect, err := registry.DialectFor(spec)
	if err != nil {
		return nil, err
	}
	secret, err := s.resolveSecret(ctx, spec)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve provider secret")
		return nil, err
	}
	endpoint, err := registry.Endpoint(spec, req.Model, secret)
	if err != nil {
		return nil, err
	}

	payloadPath, err := s.writePayload(id, req.Payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to write payload")
		return nil, err
	}

	q := newQuery(id, req, s.now())
	s.track(q)

	dec := stream.New(id, dialect, func(queryID, delta string) {
		q.appendText(delta)
		if req.OnToken != nil {
			req.OnToken(queryID, delta)
		}
	})
	args := []string{"--no-buffer", "-s", endpoint, "-H", "Content-Type: application/json"}
	for _, h := range registry.AuthHeaders(spec, secret) {
		args = append(args, "-H", h)
	}
	args = append(args, "-d", "@"+payloadPath)

	_, err = s.supervisor.Run(supervisor.Spec{
		Owner:    req.Owner,
		QueryID:  id,
		Command:  s.curlPath,
		Args:     args,
		Force:    req.Force,
		OnStdout: func(b []byte) {
			q.appendRaw(b)
			dec.Feed(b)
		},
		OnStderr: func(b []byte) {
			log.Warn().Str("stderr", strings.TrimSpace(string(b))).Msg("transport wrote to stderr")
		},
		OnExit: func(code, _ int) {
			if code == supervisor.ExitSpawnFailed {
				return
			}
			s.finish(q, dec, req, code, log)
		},
	})
	if err != nil {
		s.forget(id)
		_ = os.Remove(payloadPath)
		if errors.Is(err, supervisor.ErrBusy) {
			s.reject(req.Owner, "busy")
			return nil, ErrBusy
		}
		log.Error().Err(err).Str("curl", s.curlPath).Msg("failed to spawn transport")
		return nil, fmt.Errorf("spawn transport: %w", err)
	}
	return q, nil
}

func (s *Service) finish(q *Query, dec *stream.Decoder, req Request, code int, log zerolog.Logger) {
	res := dec.Finish()
	finished := s.now()
	q.complete(res.Text, res.Raw, res.Usage, code, finished)

	empty := strings.TrimSpace(res.Text) == ""
	if empty {
		ev := log.Error().Int("code", code)
		if msg := providers.ErrorMessage(res.Raw); msg != "" {
			ev = ev.Str("provider_error", msg)
		}
		ev.Msg("query returned no content")
	} else {
		log.Info().Int("code", code).Int("chars", len(res.Text)).Dur("took", finished.Sub(q.Created)).Msg("query completed")
	}

	c := Completion{
		QueryID:  q.ID,
		Owner:    q.Owner,
		Provider: q.Provider,
		Model:    q.Model,
		ExitCode: code,
		Empty:    empty,
		Usage:    res.Usage,
		Duration: finished.Sub(q.Created),
	}
	for _, o := range s.observers {
		o.QueryCompleted(c)
	}
	s.record(q, c, len(res.Text), log)

	if req.OnHeadless != nil {
		req.OnHeadless(res.Text)
	}
	if req.OnExit != nil {
		req.OnExit(q)
	}
}

func (s *Service) record(q *Query, c Completion, chars int, log zerolog.Logger) {
	if s.recorder == nil {
		return
	}
	r := storage.QueryRecord{
		ID:            q.ID,
		Owner:         q.Owner,
		Provider:      q.Provider,
		Model:         q.Model,
		ExitCode:      c.ExitCode,
		ResponseChars: chars,
		Empty:         c.Empty,
		CreatedAt:     q.Created,
		FinishedAt:    q.Created.Add(c.Duration),
	}
	if c.Usage != nil {
		r.InputTokens = c.Usage.InputTokens
		r.OutputTokens = c.Usage.OutputTokens
		r.CachedTokens = c.Usage.CachedTokens
		r.CacheCreationTokens = c.Usage.CacheCreationTokens
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordQuery(ctx, r); err != nil {
		log.Warn().Err(err).Msg("failed to record query usage")
	}
}

func (s *Service) resolveSecret(ctx context.Context, spec providers.ProviderSpec) (string, error) {
	if spec.SecretRef == "" || s.secrets == nil {
		return "", nil
	}
	secret, err := s.secrets.Resolve(ctx, spec.SecretRef)
	if err != nil {
		return "", fmt.Errorf("%w for %q: %v", ErrSecret, spec.Name, err)
	}
	if secret == "" {
		return "", fmt.Errorf("%w for %q: %w", ErrSecret, spec.Name, registry.ErrMissingSecret)
	}
	return secret, nil
}

func (s *Service) reject(owner, reason string) {
	s.logger.Debug().Str("owner", owner).Str("reason", reason).Msg("query rejected")
	for _, o := range s.observers {
		o.QueryRejected(owner, reason)
	}
}

// IsBusy reports whether owner has a query in flight.
func (s *Service) IsBusy(owner string) bool {
	return s.supervisor.IsBusy(owner)
}

// Stop terminates every running query without waiting for them to exit.
func (s *Service) Stop() int {
	n := s.supervisor.Stop(syscall.SIGTERM)
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("stopped running queries")
	}
	return n
}

// Query returns a tracked query by id. Old queries are evicted.
func (s *Service) Query(id string) (*Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[id]
	return q, ok
}

// Queries returns the number of tracked queries.
func (s *Service) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *Service) track(q *Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[q.ID] = q
	if len(s.queries) <= s.maxQueries {
		return
	}
	cutoff := s.now().Add(-s.queryTTL)
	for id, old := range s.queries {
		if old.Created.Before(cutoff) {
			delete(s.queries, id)
		}
	}
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queries, id)
}

func (s *Service) writePayload(id string, payload map[string]any) (string, error) {
	if err := os.MkdirAll(s.cacheDir, 0o700); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	path := filepath.Join(s.cacheDir, "query_"+id+".json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	s.pruneCache(path)
	return path, nil
}

// pruneCache removes the oldest payload files beyond the cache limit,
// never the one just written.
func (s *Service) pruneCache(keep string) {
	matches, err := filepath.Glob(filepath.Join(s.cacheDir, "query_*.json"))
	if err != nil || len(matches) <= s.cacheLimit {
		return
	}
	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		if m == keep {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{m, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mod.Equal(entries[j].mod) {
			return entries[i].path < entries[j].path
		}
		return entries[i].mod.Before(entries[j].mod)
	})
	for _, e := range entries[:max(0, len(entries)-(s.cacheLimit-1))] {
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", e.path).Msg("failed to prune payload cache")
		}
	}
}
