// Package runner executes rip jobs: it resolves the full-screen preview
// frame for a marketplace item, mirrors the framed site to disk, and packs
// the mirror into a zip archive.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ripperd/internal/rip"
)

// DefaultUserAgent is presented to both the headless browser and the
// mirroring collector.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config controls the mirror pipeline.
type Config struct {
	// JobsRoot is the directory under which each job gets a workspace.
	JobsRoot string
	// UserAgent for browser and collector requests.
	UserAgent string
	// ResolveTimeout bounds each headless page load.
	ResolveTimeout time.Duration
	// RequestTimeout bounds each collector request.
	RequestTimeout time.Duration
	// MaxDepth limits link traversal while mirroring.
	MaxDepth int
	// Parallelism is the collector's concurrent request budget.
	Parallelism int
	// MinArchiveBytes rejects archives that are too small to hold a real
	// site, which usually means the mirror only captured an error page.
	MinArchiveBytes int64
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 45 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 5
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.MinArchiveBytes <= 0 {
		c.MinArchiveBytes = 100 * 1024
	}
	return c
}

// FrameResolver finds the preview frame for a marketplace item using a
// real browser, since the preview chrome is assembled client side.
type FrameResolver interface {
	// ResolvePreviewURL finds the full-screen preview link on an item page.
	ResolvePreviewURL(ctx context.Context, itemURL string) (string, error)
	// ResolveFrameURL extracts the framed site URL from a preview page.
	ResolveFrameURL(ctx context.Context, previewURL string) (string, error)
}

// Runner implements rip.Runner.
type Runner struct {
	cfg      Config
	resolver FrameResolver
	logger   *zap.Logger
}

// New constructs a Runner. A nil resolver yields a Runner that can only
// handle URLs already pointing at a preview frame.
func New(cfg Config, resolver FrameResolver, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg.withDefaults(), resolver: resolver, logger: logger}
}

// Run executes the full pipeline for one job. Partial output is removed on
// failure and cancellation; on success only the archive remains.
func (r *Runner) Run(ctx context.Context, req rip.RunRequest, sink rip.LogSink, cancelled func() bool) (rip.Artifact, error) {
	jobDir := filepath.Join(r.cfg.JobsRoot, req.JobID)
	mirrorDir := filepath.Join(jobDir, "mirror")

	artifact, err := r.run(ctx, req, jobDir, mirrorDir, sink, cancelled)
	if err != nil {
		if rmErr := os.RemoveAll(jobDir); rmErr != nil {
			r.logger.Warn("cleanup job dir failed", zap.String("job_id", req.JobID), zap.Error(rmErr))
		}
		return rip.Artifact{}, err
	}
	return artifact, nil
}

func (r *Runner) run(ctx context.Context, req rip.RunRequest, jobDir, mirrorDir string, sink rip.LogSink, cancelled func() bool) (rip.Artifact, error) {
	if cancelled() {
		return rip.Artifact{}, rip.ErrCancelled
	}
	sink.Append(rip.LevelInfo, "Job accepted, starting extraction")

	if err := os.MkdirAll(mirrorDir, 0o755); err != nil {
		return rip.Artifact{}, fmt.Errorf("create mirror dir: %w", err)
	}

	frameURL, err := r.resolveFrame(ctx, req.SourceURL, sink, cancelled)
	if err != nil {
		return rip.Artifact{}, err
	}

	if cancelled() {
		return rip.Artifact{}, rip.ErrCancelled
	}
	if err := r.mirrorSite(ctx, frameURL, mirrorDir, sink, cancelled); err != nil {
		return rip.Artifact{}, err
	}
	if cancelled() {
		return rip.Artifact{}, rip.ErrCancelled
	}

	archivePath := filepath.Join(jobDir, req.JobID+".zip")
	size, err := writeArchive(archivePath, mirrorDir)
	if err != nil {
		return rip.Artifact{}, fmt.Errorf("create archive: %w", err)
	}
	if size < r.cfg.MinArchiveBytes {
		return rip.Artifact{}, fmt.Errorf("archive too small (%d bytes), site likely failed to mirror", size)
	}
	sink.Append(rip.LevelInfo, "Created archive "+filepath.Base(archivePath))

	if err := os.RemoveAll(mirrorDir); err != nil {
		r.logger.Warn("remove mirror dir failed", zap.String("job_id", req.JobID), zap.Error(err))
	}

	sink.Append(rip.LevelInfo, "Job completed successfully")
	return rip.Artifact{Path: archivePath, Size: size}, nil
}

// resolveFrame walks item page -> preview page -> framed site. URLs that
// already point at a preview skip the first hop.
func (r *Runner) resolveFrame(ctx context.Context, sourceURL string, sink rip.LogSink, cancelled func() bool) (string, error) {
	previewURL := sourceURL
	if strings.Contains(sourceURL, "full_screen_preview") {
		sink.Append(rip.LevelInfo, "Input URL already points to preview; skipping lookup")
	} else {
		if r.resolver == nil {
			return "", fmt.Errorf("no frame resolver configured for item URL %s", sourceURL)
		}
		if cancelled() {
			return "", rip.ErrCancelled
		}
		sink.Append(rip.LevelInfo, "Resolve preview URL")
		resolved, err := r.resolver.ResolvePreviewURL(ctx, sourceURL)
		if err != nil {
			return "", fmt.Errorf("resolve preview url: %w", err)
		}
		previewURL = resolved
		sink.Append(rip.LevelInfo, "Resolved preview URL "+previewURL)
	}

	if r.resolver == nil {
		return previewURL, nil
	}
	if cancelled() {
		return "", rip.ErrCancelled
	}
	sink.Append(rip.LevelInfo, "Resolve full frame URL")
	frameURL, err := r.resolver.ResolveFrameURL(ctx, previewURL)
	if err != nil {
		return "", fmt.Errorf("resolve frame url: %w", err)
	}
	sink.Append(rip.LevelInfo, "Resolved frame URL "+frameURL)
	return frameURL, nil
}
