package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/provider"
)

// worker repeatedly claims and submits one pending job at a time,
// grounded on the teacher's Worker.run/pollAndProcess loop.
type worker struct {
	id  string
	mgr *Manager
}

func (w *worker) run(ctx context.Context) {
	log := slog.With("worker_id", w.id)
	for {
		select {
		case <-w.mgr.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.claimAndSubmit(ctx); err != nil {
			if errors.Is(err, ErrNoJobAvailable) || errors.Is(err, ErrAtCapacity) {
				w.sleep(ctx, w.pollInterval())
				continue
			}
			log.Error("queue: error submitting job", "error", err)
			w.sleep(ctx, time.Second)
		}
	}
}

func (w *worker) pollInterval() time.Duration {
	base := w.mgr.cfg.PollInterval
	if w.mgr.cfg.PollJitter <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int64N(int64(w.mgr.cfg.PollJitter)))
	return base + jitter
}

func (w *worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-w.mgr.stopCh:
	case <-ctx.Done():
	case <-w.mgr.clock.After(d):
	}
}

// claimAndSubmit enforces the global max_inflight_jobs cap (spec §5),
// claims the next pending job (highest priority, then oldest), and
// submits it to its provider, transitioning pending -> submitting ->
// processing, or submitting -> failed on a submit error (error kind
// mapped from the provider error by submitError).
func (w *worker) claimAndSubmit(ctx context.Context) error {
	inflight, err := w.countInflight(ctx)
	if err != nil {
		return fmt.Errorf("counting inflight jobs: %w", err)
	}
	if inflight >= w.mgr.cfg.MaxInflightJobs {
		return ErrAtCapacity
	}

	job, err := w.mgr.repo.ClaimNextJob(ctx, w.mgr.clock.Now())
	if err != nil {
		return err
	}

	log := slog.With("worker_id", w.id, "job_id", job.ID)
	log.Info("queue: job claimed")

	p, ok := w.mgr.providers.Get(job.Provider)
	if !ok {
		return w.failSubmission(ctx, job, &models.JobError{
			Kind: models.ErrUnknownProvider, Message: string(job.Provider),
		})
	}

	submitCtx, cancel := context.WithTimeout(ctx, w.mgr.cfg.SubmitTimeout)
	w.mgr.registerCancel(job.ID, cancel)
	defer func() {
		cancel()
		w.mgr.unregisterCancel(job.ID)
	}()

	providerJobID, err := p.Submit(submitCtx, provider.Request{
		Prompt:         job.Prompt,
		Model:          job.Model,
		Tools:          job.Tools,
		VectorStoreRef: job.VectorStoreRef,
	})
	if err != nil {
		return w.failSubmission(ctx, job, submitError(err))
	}

	now := w.mgr.clock.Now()
	if err := w.mgr.repo.UpdateJobSubmitted(ctx, job.ID, providerJobID, now); err != nil {
		return fmt.Errorf("recording submission: %w", err)
	}
	w.mgr.bus.Publish(events.Event{
		Topic:   events.JobTopic(job.ID, "submitted"),
		Type:    "job.submitted",
		Payload: map[string]any{"job_id": job.ID, "provider_job_id": providerJobID},
	})
	return nil
}

func (w *worker) failSubmission(ctx context.Context, job *models.Job, jobErr *models.JobError) error {
	now := w.mgr.clock.Now()
	if err := w.mgr.repo.FailJob(ctx, job.ID, models.JobFailed, jobErr, now); err != nil {
		return fmt.Errorf("failing job after submit error: %w", err)
	}
	w.mgr.bus.Publish(events.Event{
		Topic:   events.JobTopic(job.ID, "failed"),
		Type:    "job.failed",
		Payload: map[string]any{"job_id": job.ID, "error_kind": string(jobErr.Kind)},
	})
	return nil
}

func (w *worker) countInflight(ctx context.Context) (int, error) {
	return w.mgr.repo.CountJobsByStatus(ctx, models.JobSubmitting, models.JobProcessing)
}

// submitError maps a provider.Error (if any) into the job-level error
// taxonomy (spec §7).
func submitError(err error) *models.JobError {
	var perr *provider.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case provider.ErrRateLimited:
			return &models.JobError{Kind: models.ErrRateLimited, Message: perr.Message}
		case provider.ErrAuth:
			return &models.JobError{Kind: models.ErrAuth, Message: perr.Message}
		case provider.ErrInvalidRequest:
			return &models.JobError{Kind: models.ErrInvalidRequest, Message: perr.Message}
		case provider.ErrProvider5xx:
			return &models.JobError{Kind: models.ErrProvider5xx, Message: perr.Message}
		case provider.ErrNetwork:
			return &models.JobError{Kind: models.ErrNetwork, Message: perr.Message}
		}
	}
	return &models.JobError{Kind: models.ErrNetwork, Message: err.Error()}
}
