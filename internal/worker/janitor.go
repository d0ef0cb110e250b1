package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes usage records created before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Store     Pruner
	Retention time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Janitor keeps the usage log inside its retention window.
type Janitor struct {
	store     Pruner
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewJanitor(cfg Config) *Janitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		store:     cfg.Store,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Start sweeps once immediately and then every interval until ctx is done.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	if j.retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error().Err(err).Msg("failed to prune usage log")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes records older than the retention window.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("pruned usage log")
	}
	return n, nil
}
