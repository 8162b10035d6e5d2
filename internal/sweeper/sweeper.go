// Package sweeper reclaims expired jobs and their artifacts.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ripperd/internal/registry"
	"ripperd/internal/rip"
	"ripperd/internal/token"
)

// Config controls sweep cadence.
type Config struct {
	// Interval between sweep passes. Defaults to 15s.
	Interval time.Duration
	// JobsRoot is the directory holding per-job workspaces. When set, the
	// sweeper removes the whole job directory, not just the archive.
	JobsRoot string
}

// Sweeper periodically removes jobs whose expiry has passed, deleting the
// archive from disk and revoking the download token so the durable record
// cannot outlive the artifact.
type Sweeper struct {
	registry *registry.Registry
	issuer   *token.Issuer
	clock    rip.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Sweeper.
func New(reg *registry.Registry, issuer *token.Issuer, clock rip.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{registry: reg, issuer: issuer, clock: clock, cfg: cfg, logger: logger}
}

// Run sweeps on a ticker until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every job expired as of now. Artifact deletion is
// best-effort and idempotent; a job vanishes from the registry even when
// its files were already gone.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	expired := s.registry.ListExpired(now)
	for _, job := range expired {
		s.reclaim(ctx, job)
	}
	if len(expired) > 0 {
		s.logger.Info("sweep complete", zap.Int("removed", len(expired)))
	}
	return len(expired)
}

func (s *Sweeper) reclaim(ctx context.Context, job rip.Job) {
	if job.Artifact != nil {
		if err := os.Remove(job.Artifact.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove artifact failed",
				zap.String("job_id", job.ID),
				zap.String("path", job.Artifact.Path),
				zap.Error(err),
			)
		}
	}
	if s.cfg.JobsRoot != "" {
		dir := filepath.Join(s.cfg.JobsRoot, job.ID)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("remove job dir failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if err := s.issuer.Revoke(ctx, job.ID); err != nil {
		s.logger.Warn("revoke download token failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.registry.Remove(job.ID)
	s.logger.Debug("job swept", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
}
