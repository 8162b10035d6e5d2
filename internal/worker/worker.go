// Package worker implements the rip job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ripperd/internal/metrics"
	"ripperd/internal/notify"
	"ripperd/internal/queue"
	"ripperd/internal/registry"
	"ripperd/internal/rip"
	"ripperd/internal/token"
)

// Config controls Worker behavior.
type Config struct {
	// TokenTTL is the validity window for download tokens minted on success.
	TokenTTL time.Duration
}

// Worker drains the admission queue and executes jobs via the Runner. Every
// Runner fault, panics included, ends as a failed terminal state; a
// misbehaving job never takes the worker down.
type Worker struct {
	queue     *queue.Queue
	registry  *registry.Registry
	runner    rip.Runner
	issuer    *token.Issuer
	publisher notify.Publisher
	collect   *metrics.Collectors
	clock     rip.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	q *queue.Queue,
	reg *registry.Registry,
	runner rip.Runner,
	issuer *token.Issuer,
	publisher notify.Publisher,
	collect *metrics.Collectors,
	clock rip.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if publisher == nil {
		publisher = notify.NoOp{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     q,
		registry:  reg,
		runner:    runner,
		issuer:    issuer,
		publisher: publisher,
		collect:   collect,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		jobID, err := w.queue.Dequeue(ctx)
		if err != nil {
			// Dequeue fails only on cancellation or a closed queue.
			if ctx.Err() == nil {
				w.logger.Info("queue drained", zap.Error(err))
			}
			return
		}
		w.processJob(ctx, jobID)
	}
}

func (w *Worker) processJob(ctx context.Context, jobID string) {
	// The claim is a single registry operation, so a cancel racing the
	// dequeue lands either before it (not claimed, skip) or after it
	// (advisory flag on a running job). It never produces an illegal edge.
	job, claimed, err := w.registry.ClaimForRun(jobID)
	if err != nil {
		// Reachable only if two executors claimed the same ID.
		w.logger.DPanic("claim dequeued job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !claimed {
		// Cancelled while queued or already swept; the Runner is never invoked.
		w.logger.Debug("skipping dequeued job", zap.String("job_id", jobID))
		return
	}
	if w.collect != nil {
		w.collect.JobsRunning.Inc()
		defer w.collect.JobsRunning.Dec()
	}
	w.logger.Info("job started", zap.String("job_id", jobID), zap.String("source_url", job.SourceURL))

	start := w.clock.Now()
	artifact, runErr := w.invokeRunner(ctx, job)
	result := w.finishJob(ctx, jobID, artifact, runErr)
	w.observeCompletion(jobID, result, w.clock.Now().Sub(start))

	final, err := w.registry.Get(jobID)
	if err != nil {
		return
	}
	evt := notify.Event{
		JobID:     jobID,
		Status:    final.Status,
		SourceURL: final.SourceURL,
		Error:     final.Error,
	}
	if final.Artifact != nil {
		evt.SizeBytes = final.Artifact.Size
	}
	if err := w.publisher.Publish(ctx, evt); err != nil {
		w.logger.Warn("publish completion event failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// invokeRunner shields the worker from Runner panics.
func (w *Worker) invokeRunner(ctx context.Context, job rip.Job) (artifact rip.Artifact, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner panic: %v", rec)
		}
	}()
	sink := registry.Sink{Registry: w.registry, JobID: job.ID, Logger: w.logger}
	cancelled := func() bool { return w.registry.Cancelled(job.ID) }
	return w.runner.Run(ctx, rip.RunRequest{JobID: job.ID, SourceURL: job.SourceURL}, sink, cancelled)
}

func (w *Worker) finishJob(ctx context.Context, jobID string, artifact rip.Artifact, runErr error) string {
	switch {
	case errors.Is(runErr, rip.ErrCancelled):
		if err := w.transition(jobID, rip.JobStatusCancelled, "", nil); err != nil {
			return "failed"
		}
		w.logger.Info("job cancelled", zap.String("job_id", jobID))
		return "cancelled"
	case runErr != nil:
		if err := w.transition(jobID, rip.JobStatusFailed, runErr.Error(), nil); err != nil {
			return "failed"
		}
		w.logger.Warn("job failed", zap.String("job_id", jobID), zap.Error(runErr))
		return "failed"
	default:
		tok, err := w.issuer.Issue(ctx, jobID, w.cfg.TokenTTL, artifact)
		if err != nil {
			w.logger.Error("mint download token failed", zap.String("job_id", jobID), zap.Error(err))
			_ = w.transition(jobID, rip.JobStatusFailed, fmt.Sprintf("persist download token: %v", err), nil)
			return "failed"
		}
		if err := w.transition(jobID, rip.JobStatusSucceeded, "", &artifact); err != nil {
			return "failed"
		}
		if err := w.registry.SetDownloadToken(jobID, tok); err != nil {
			w.logger.Warn("record download token failed", zap.String("job_id", jobID), zap.Error(err))
		}
		w.logger.Info("job succeeded",
			zap.String("job_id", jobID),
			zap.String("artifact", artifact.Path),
			zap.Int64("size_bytes", artifact.Size),
		)
		return "succeeded"
	}
}

// transition applies a registry transition and classifies failures. An
// illegal edge is a scheduler bug: DPanic aborts in development builds and
// logs loudly in production.
func (w *Worker) transition(jobID string, status rip.JobStatus, errText string, artifact *rip.Artifact) error {
	err := w.registry.Transition(jobID, status, errText, artifact)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rip.ErrIllegalTransition):
		w.logger.DPanic("illegal job transition", zap.String("job_id", jobID), zap.Error(err))
		return err
	case errors.Is(err, rip.ErrNotFound):
		w.logger.Warn("job swept mid-transition", zap.String("job_id", jobID), zap.Error(err))
		return err
	default:
		w.logger.Error("job transition failed", zap.String("job_id", jobID), zap.Error(err))
		return err
	}
}

func (w *Worker) observeCompletion(jobID, result string, elapsed time.Duration) {
	if w.collect == nil {
		return
	}
	w.collect.JobsCompleted.WithLabelValues(result).Inc()
	w.collect.JobRuntime.WithLabelValues(result).Observe(elapsed.Seconds())
}
