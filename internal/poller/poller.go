// Package poller implements the Poller (C7, spec §4.3): a single
// cooperative loop that batches processing jobs by provider, issues
// one batched poll per provider, and drives every resulting
// transition back through C6's persistence API. Grounded on the
// teacher's pkg/queue orphan-detection ticking loop (runOrphanDetection)
// generalised from a single detection sweep to a full poll-and-drive
// cycle across providers.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/blisspixel/deepr/internal/clock"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/provider"
)

// unknownStrikeLimit is how many consecutive "unknown" polls a job
// tolerates before being failed with provider_lost_job (spec §4.3).
const unknownStrikeLimit = 3

// Repo is the persistence subset the poller depends on.
type Repo interface {
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	UpdateJobProgress(ctx context.Context, id string, fraction float64, now time.Time) error
	CompleteJob(ctx context.Context, j *models.Job, now time.Time) error
	FailJob(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError, now time.Time) error
	PutArtifact(ctx context.Context, content []byte, mime string, now time.Time) (string, error)
}

// Spender records actual cost against the Budget Governor once a job
// completes (spec §4.3: "record actual cost via C2").
type Spender interface {
	RecordSpend(ctx context.Context, jobID string, amount float64, providerName, model string) error
}

// Providers resolves a provider.Name to its adapter; same contract as
// internal/queue.Providers.
type Providers interface {
	Get(name provider.Name) (provider.Provider, bool)
}

// Config controls tick timing.
type Config struct {
	Interval time.Duration // default 30s, spec §4.3
	Jitter   time.Duration
}

// Poller drives processing jobs through provider polling to a
// terminal state. It never blocks the state machine: every tick reads
// a snapshot of processing jobs and all writes go through Repo (spec
// §4.3: "only reads a snapshot").
type Poller struct {
	repo      Repo
	spender   Spender
	providers Providers
	bus       *events.Bus
	clock     clock.Clock
	cfg       Config

	strikes map[string]int // job id -> consecutive "unknown" poll count
	stopCh  chan struct{}
}

// New constructs a Poller. Call Run in its own goroutine.
func New(repo Repo, spender Spender, providers Providers, bus *events.Bus, clk clock.Clock, cfg Config) *Poller {
	return &Poller{
		repo:      repo,
		spender:   spender,
		providers: providers,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		strikes:   make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// Stop signals Run to return; Run does not wait for its next tick.
func (p *Poller) Stop() { close(p.stopCh) }

// Run ticks until ctx is cancelled or Stop is called.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := p.Tick(ctx); err != nil {
				slog.Error("poller: tick failed", "error", err)
			}
		}
	}
}

func (p *Poller) tickInterval() time.Duration {
	if p.cfg.Jitter <= 0 {
		return p.cfg.Interval
	}
	return p.cfg.Interval + time.Duration(rand.Int64N(int64(p.cfg.Jitter)))
}

// Tick runs one poll cycle: load every processing job, bucket by
// provider, and issue one batched Poll per provider (spec §4.3).
func (p *Poller) Tick(ctx context.Context) error {
	jobs, err := p.repo.ListJobsByStatus(ctx, models.JobProcessing, 10000)
	if err != nil {
		return fmt.Errorf("poller: listing processing jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	byProvider := make(map[provider.Name][]*models.Job)
	for _, j := range jobs {
		byProvider[j.Provider] = append(byProvider[j.Provider], j)
	}

	for name, batch := range byProvider {
		prov, ok := p.providers.Get(name)
		if !ok {
			slog.Error("poller: no adapter registered for provider", "provider", name)
			continue
		}
		p.pollBatch(ctx, prov, batch)
	}
	return nil
}

func (p *Poller) pollBatch(ctx context.Context, prov provider.Provider, batch []*models.Job) {
	byProviderJobID := make(map[string]*models.Job, len(batch))
	ids := make([]string, 0, len(batch))
	for _, j := range batch {
		byProviderJobID[j.ProviderJobID] = j
		ids = append(ids, j.ProviderJobID)
	}

	pollCtx, cancel := context.WithTimeout(ctx, provider.DefaultPollTimeout)
	defer cancel()
	results, err := prov.Poll(pollCtx, ids)
	if err != nil {
		slog.Error("poller: batched poll failed", "error", err, "batch_size", len(ids))
		return
	}

	now := p.clock.Now()
	for _, r := range results {
		job, ok := byProviderJobID[r.ProviderJobID]
		if !ok {
			continue
		}
		p.applyResult(ctx, prov, job, r, now)
	}
}

func (p *Poller) applyResult(ctx context.Context, prov provider.Provider, job *models.Job, r provider.PollResult, now time.Time) {
	switch r.Status {
	case provider.StatusRunning:
		delete(p.strikes, job.ID)
		if err := p.repo.UpdateJobProgress(ctx, job.ID, r.ProgressFraction, now); err != nil {
			slog.Error("poller: updating progress", "job_id", job.ID, "error", err)
			return
		}
		p.bus.Publish(events.Event{
			Topic: events.JobTopic(job.ID, "progress"), Type: "job.progress",
			Payload: map[string]any{"job_id": job.ID, "progress_fraction": r.ProgressFraction},
		})

	case provider.StatusCompleted:
		delete(p.strikes, job.ID)
		p.completeJob(ctx, prov, job, now)

	case provider.StatusFailed:
		delete(p.strikes, job.ID)
		kind := models.ErrNetwork
		msg := "provider reported failure"
		if r.Error != nil {
			msg = r.Error.Message
			if mapped, ok := mapErrorKind(r.Error.Kind); ok {
				kind = mapped
			}
		}
		if err := p.repo.FailJob(ctx, job.ID, models.JobFailed, &models.JobError{Kind: kind, Message: msg}, now); err != nil {
			slog.Error("poller: failing job", "job_id", job.ID, "error", err)
			return
		}
		p.bus.Publish(events.Event{
			Topic: events.JobTopic(job.ID, "failed"), Type: "job.failed",
			Payload: map[string]any{"job_id": job.ID, "error_kind": string(kind)},
		})

	case provider.StatusUnknown:
		p.strikes[job.ID]++
		if p.strikes[job.ID] < unknownStrikeLimit {
			return
		}
		delete(p.strikes, job.ID)
		if err := p.repo.FailJob(ctx, job.ID, models.JobFailed, &models.JobError{
			Kind: models.ErrProviderLostJob, Message: "provider returned unknown status 3 consecutive polls",
		}, now); err != nil {
			slog.Error("poller: failing lost job", "job_id", job.ID, "error", err)
			return
		}
		p.bus.Publish(events.Event{
			Topic: events.JobTopic(job.ID, "failed"), Type: "job.failed",
			Payload: map[string]any{"job_id": job.ID, "error_kind": string(models.ErrProviderLostJob)},
		})
	}
}

func (p *Poller) completeJob(ctx context.Context, prov provider.Provider, job *models.Job, now time.Time) {
	result, err := prov.FetchResult(ctx, job.ProviderJobID)
	if err != nil {
		slog.Error("poller: fetching result", "job_id", job.ID, "error", err)
		return
	}

	ref, err := p.repo.PutArtifact(ctx, []byte(result.Markdown), "text/markdown", now)
	if err != nil {
		slog.Error("poller: storing artifact", "job_id", job.ID, "error", err)
		return
	}

	if err := p.spender.RecordSpend(ctx, job.ID, result.Cost, string(job.Provider), job.Model); err != nil {
		slog.Error("poller: recording spend", "job_id", job.ID, "error", err)
		return
	}

	job.ResultRef = ref
	job.ActualCost = result.Cost
	job.TokenUsage = models.TokenUsage{TotalTokens: result.TokenUsage}
	if err := p.repo.CompleteJob(ctx, job, now); err != nil {
		slog.Error("poller: completing job", "job_id", job.ID, "error", err)
		return
	}
	p.bus.Publish(events.Event{
		Topic: events.JobTopic(job.ID, "completed"), Type: "job.completed",
		Payload: map[string]any{"job_id": job.ID, "result_ref": ref, "actual_cost": result.Cost},
	})
}

func mapErrorKind(k provider.ErrorKind) (models.ErrorKind, bool) {
	switch k {
	case provider.ErrRateLimited:
		return models.ErrRateLimited, true
	case provider.ErrAuth:
		return models.ErrAuth, true
	case provider.ErrInvalidRequest:
		return models.ErrInvalidRequest, true
	case provider.ErrProvider5xx:
		return models.ErrProvider5xx, true
	case provider.ErrNetwork:
		return models.ErrNetwork, true
	default:
		return "", false
	}
}
