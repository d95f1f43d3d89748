// Package queue implements the Job Queue & State Machine (C6, spec
// §4.2): admission, dispatch, and the full pending -> ... -> terminal
// transition graph. Grounded on the teacher's pkg/queue package — the
// WorkerPool/Worker split, claimNextSession's row-level locking, and
// the submit-timeout/stuck-job watchdogs generalise the teacher's
// session-claim loop from a single AlertSession executor to Deepr's
// provider dispatch.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/clock"
	"github.com/blisspixel/deepr/internal/database"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/ids"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/provider"
)

// Repo is the persistence subset the queue depends on, satisfied by
// internal/database.Client.
type Repo interface {
	InsertJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error)
	ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error)
	UpdateJobSubmitted(ctx context.Context, id, providerJobID string, now time.Time) error
	UpdateJobProgress(ctx context.Context, id string, fraction float64, now time.Time) error
	CompleteJob(ctx context.Context, j *models.Job, now time.Time) error
	FailJob(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError, now time.Time) error
	RecordCostOverride(ctx context.Context, id string) error
	ReconcileOrphans(ctx context.Context) ([]*models.Job, error)
}

// ErrNoJobAvailable is returned internally by claim attempts that find
// nothing pending; Manager callers never see it. Reuses the
// persistence layer's sentinel since Repo.ClaimNextJob returns it
// directly rather than wrapping it.
var ErrNoJobAvailable = database.ErrNoJobAvailable

// ErrAtCapacity is returned when max_inflight_jobs is already reached
// (spec §5).
var ErrAtCapacity = errors.New("queue: at capacity")

// Config controls worker count, polling, and watchdog timing (mirrors
// internal/config.QueueConfig).
type Config struct {
	WorkerCount     int
	MaxInflightJobs int
	PollInterval    time.Duration
	PollJitter      time.Duration
	SubmitTimeout   time.Duration
	StuckThreshold  time.Duration
}

// Providers resolves a provider.Name to its adapter. Deepr wires no
// concrete vendor SDK (spec §6.1); callers inject a registry built
// around provider.FakeProvider or a production adapter.
type Providers interface {
	Get(name provider.Name) (provider.Provider, bool)
}

// Registry is the simplest Providers implementation, a static map.
type Registry map[provider.Name]provider.Provider

func (r Registry) Get(name provider.Name) (provider.Provider, bool) {
	p, ok := r[name]
	return p, ok
}

// Manager is the Job Queue's single entry point: Enqueue, Cancel, and
// the background worker pool that drives pending jobs through
// submission. Mirrors the teacher's WorkerPool as an explicit,
// caller-owned handle rather than a package singleton (spec §9).
type Manager struct {
	repo      Repo
	governor  *budget.Governor
	providers Providers
	bus       *events.Bus
	clock     clock.Clock
	cfg       Config

	workers  []*worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	mu             sync.RWMutex
	cancelFns      map[string]context.CancelFunc
}

// New constructs a Manager. Call Start to begin background dispatch.
func New(repo Repo, governor *budget.Governor, providers Providers, bus *events.Bus, clk clock.Clock, cfg Config) *Manager {
	return &Manager{
		repo:      repo,
		governor:  governor,
		providers: providers,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker pool and the watchdog loop. Safe to call
// once; a second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true

	if err := m.reconcileOrphansOnStartup(ctx); err != nil {
		slog.Error("queue: startup orphan reconciliation failed", "error", err)
	}

	for i := 0; i < m.cfg.WorkerCount; i++ {
		w := &worker{id: fmt.Sprintf("worker-%d", i), mgr: m}
		m.workers = append(m.workers, w)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.run(ctx)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runWatchdog(ctx)
	}()
}

// Stop signals all workers and the watchdog to exit and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// reconcileOrphansOnStartup resolves jobs left mid-flight by a crashed
// process (spec §8 "crash recovery"). A submitting orphan's Submit call
// outcome is unknown, so it is failed with submit_timeout; a
// processing orphan already carries a provider_job_id and is left for
// the Poller to resolve on its next tick.
func (m *Manager) reconcileOrphansOnStartup(ctx context.Context) error {
	orphans, err := m.repo.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("queue: listing orphans: %w", err)
	}
	now := m.clock.Now()
	for _, j := range orphans {
		if j.Status != models.JobSubmitting {
			continue
		}
		if err := m.repo.FailJob(ctx, j.ID, models.JobFailed, &models.JobError{
			Kind:    models.ErrSubmitTimeout,
			Message: "process restarted while job was submitting",
		}, now); err != nil {
			slog.Error("queue: failing orphaned submitting job", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// Enqueue assigns a job id, runs the admission check, and persists the
// job (spec §4.2: enqueue consults C2 and either dispatches or returns
// a rejection/elicitation). Admission here is the budget gate only;
// the concurrency gate (max_inflight_jobs) is enforced by the worker
// pool when it claims the job for submission, since honoring it here
// would require holding the capacity count under the same lock as
// every other enqueue — the teacher's pollAndProcess makes the same
// choice, checking capacity at claim time rather than enqueue time.
func (m *Manager) Enqueue(ctx context.Context, spec models.JobSpec, estimatedCost float64) (*models.Job, budget.Decision, error) {
	if len(spec.Prompt) == 0 || len(spec.Prompt) > models.MaxPromptChars {
		return nil, budget.Decision{}, fmt.Errorf("queue: %w", &models.JobError{Kind: models.ErrInvalidPrompt, Message: "prompt is empty or exceeds max_prompt_chars"})
	}
	for _, t := range spec.Tools {
		if provider.Supports(spec.Provider, t.Kind) || provider.NeedsInjection(spec.Provider, t) {
			continue
		}
		return nil, budget.Decision{}, fmt.Errorf("queue: %w: %s on %s", provider.ErrUnsupportedTool, t.Kind, spec.Provider)
	}

	id := ids.New(ids.Job)
	job := models.NewJob(id, spec)
	job.CreatedAt = m.clock.Now()

	decision := m.governor.CheckAdmission(estimatedCost, spec.BudgetCap)
	switch decision.Kind {
	case budget.Reject:
		job.Status = models.JobAdmissionRejected
		job.Error = &models.JobError{Kind: models.ErrBudgetExceeded, Message: decision.Reason}
		job.CompletedAt = ptr(m.clock.Now())
	case budget.Elicit:
		// Persisted as pending; the caller must resolve the elicitation
		// via ResolveElicitation before a worker will claim it.
		job.Status = models.JobPending
	case budget.Admit:
		job.Status = models.JobPending
	}

	if err := m.repo.InsertJob(ctx, job); err != nil {
		return nil, decision, fmt.Errorf("queue: enqueueing job: %w", err)
	}

	m.bus.Publish(events.Event{
		Topic:     events.JobTopic(id, "enqueued"),
		Type:      "job.enqueued",
		Payload:   map[string]any{"job_id": id, "status": string(job.Status)},
		Timestamp: job.CreatedAt,
	})
	return job, decision, nil
}

// ResolveElicitation applies the caller's choice for a job that was
// persisted pending an elicitation decision (spec §4.1 elicitation
// options). APPROVE_OVERRIDE records the override and leaves the job
// pending for normal dispatch; ABORT cancels it; OPTIMIZE_FOR_COST is
// the caller's responsibility (resubmit a cheaper spec) since only the
// caller knows which knob to turn — the queue has no model-substitution
// policy of its own (DESIGN.md).
func (m *Manager) ResolveElicitation(ctx context.Context, jobID string, option budget.Option) error {
	switch option {
	case budget.ApproveOverride:
		return m.repo.RecordCostOverride(ctx, jobID)
	case budget.Abort:
		return m.Cancel(ctx, jobID)
	case budget.OptimizeForCost:
		return fmt.Errorf("queue: OPTIMIZE_FOR_COST requires the caller to resubmit a revised job spec")
	default:
		return fmt.Errorf("queue: unknown elicitation option %q", option)
	}
}

// Cancel transitions a job to cancelled. Legal from pending,
// submitting, or processing; idempotent against an already-cancelled
// job (spec §4.2).
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	if job.Status == models.JobCancelled {
		return nil
	}
	if job.Status.Terminal() {
		return fmt.Errorf("queue: cancel: %w", &models.JobError{Kind: models.ErrAlreadyTerminal, Message: "job already reached a terminal state"})
	}

	m.mu.RLock()
	cancel, hasLocalRun := m.cancelFns[jobID]
	m.mu.RUnlock()
	if hasLocalRun {
		cancel()
	}

	if job.ProviderJobID != "" {
		if p, ok := m.providers.Get(job.Provider); ok {
			if err := p.Cancel(ctx, job.ProviderJobID); err != nil {
				slog.Warn("queue: best-effort provider cancel failed", "job_id", jobID, "error", err)
			}
		}
	}

	now := m.clock.Now()
	if err := m.repo.FailJob(ctx, jobID, models.JobCancelled, nil, now); err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	m.bus.Publish(events.Event{
		Topic:   events.JobTopic(jobID, "cancelled"),
		Type:    "job.cancelled",
		Payload: map[string]any{"job_id": jobID},
	})
	return nil
}

func (m *Manager) registerCancel(jobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancelFns[jobID] = cancel
	m.mu.Unlock()
}

func (m *Manager) unregisterCancel(jobID string) {
	m.mu.Lock()
	delete(m.cancelFns, jobID)
	m.mu.Unlock()
}

// runWatchdog periodically fails submitting jobs stuck past
// submit_timeout and flags (without cancelling) processing jobs stuck
// past stuck_threshold (spec §4.2 edge-case policies).
func (m *Manager) runWatchdog(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.sweepSubmitTimeouts(ctx)
			m.sweepStuckJobs(ctx)
		}
	}
}

func (m *Manager) sweepSubmitTimeouts(ctx context.Context) {
	jobs, err := m.repo.ListJobsByStatus(ctx, models.JobSubmitting, 200)
	if err != nil {
		slog.Error("queue: listing submitting jobs", "error", err)
		return
	}
	now := m.clock.Now()
	for _, j := range jobs {
		if j.StartedAt == nil || now.Sub(*j.StartedAt) < m.cfg.SubmitTimeout {
			continue
		}
		if err := m.repo.FailJob(ctx, j.ID, models.JobFailed, &models.JobError{
			Kind: models.ErrSubmitTimeout, Message: "submission did not complete in time",
		}, now); err != nil {
			slog.Error("queue: failing timed-out submission", "job_id", j.ID, "error", err)
			continue
		}
		m.bus.Publish(events.Event{
			Topic: events.JobTopic(j.ID, "failed"), Type: "job.failed",
			Payload: map[string]any{"job_id": j.ID, "error_kind": string(models.ErrSubmitTimeout)},
		})
	}
}

func (m *Manager) sweepStuckJobs(ctx context.Context) {
	jobs, err := m.repo.ListJobsByStatus(ctx, models.JobProcessing, 200)
	if err != nil {
		slog.Error("queue: listing processing jobs", "error", err)
		return
	}
	now := m.clock.Now()
	for _, j := range jobs {
		last := j.LastPollAt
		if last == nil {
			last = j.StartedAt
		}
		if last == nil || now.Sub(*last) < m.cfg.StuckThreshold {
			continue
		}
		// Flagged, never auto-cancelled (spec §4.2): surfaces in the
		// stuck-jobs view via this event; cancellation is the user's call.
		m.bus.Publish(events.Event{
			Topic: events.JobTopic(j.ID, "stuck_flagged"), Type: "job.stuck_flagged",
			Payload: map[string]any{"job_id": j.ID, "last_poll_at": last},
		})
	}
}

func ptr[T any](v T) *T { return &v }
