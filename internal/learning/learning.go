// Package learning implements the Autonomous Learning Loop (C10, spec
// §4.6): given a budget and a target expert, fills gaps in priority
// order by delegating to the Campaign Engine, folding each completed
// campaign's result back into the Expert Store, and looping while
// budget and open gaps remain. Grounded on the teacher's
// pkg/cleanup.Service (Start(ctx)/Stop() wrapping a background loop),
// generalised here to a Start/Pause pair with no background goroutine:
// the loop is gap-priority-driven and event-triggered, advancing on
// campaign completion instead of a clock.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/expert"
	"github.com/blisspixel/deepr/internal/models"
)

// Config controls default gap-filling spend when a gap carries no more
// specific estimate.
type Config struct {
	DefaultGapCost float64 // USD, default 5
}

func (c Config) defaultGapCost() float64 {
	if c.DefaultGapCost <= 0 {
		return 5
	}
	return c.DefaultGapCost
}

// HaltReason records why a run stopped (spec §4.6: "halts on exhausted
// budget, no open gaps, or user pause").
type HaltReason string

const (
	HaltBudgetExhausted HaltReason = "budget_exhausted"
	HaltNoOpenGaps      HaltReason = "no_open_gaps"
	HaltPaused          HaltReason = "paused"
)

// run tracks one expert's in-progress learning loop.
type run struct {
	mu        sync.Mutex
	expertID  string
	remaining float64
	topK      int
	paused    bool
	pending   int
	halted    HaltReason
}

// Service is the Learning Loop's single entry point.
type Service struct {
	store *expert.Store
	bus   *events.Bus
	cfg   Config

	mu   sync.Mutex
	runs map[string]*run // expert id -> active run
}

// New constructs a Service.
func New(store *expert.Store, bus *events.Bus, cfg Config) *Service {
	return &Service{store: store, bus: bus, cfg: cfg, runs: make(map[string]*run)}
}

// Start begins a learning loop for expertID with the given total
// budget and top-K gaps per round (spec §4.6). Returns immediately;
// the loop advances asynchronously as campaigns complete.
func (s *Service) Start(ctx context.Context, expertID string, budget float64, topK int) error {
	if topK <= 0 {
		topK = 3
	}
	r := &run{expertID: expertID, remaining: budget, topK: topK}

	s.mu.Lock()
	if existing, ok := s.runs[expertID]; ok && existing.halted == "" {
		s.mu.Unlock()
		return fmt.Errorf("learning: expert %s already has an active learning loop", expertID)
	}
	s.runs[expertID] = r
	s.mu.Unlock()

	return s.startRound(ctx, r)
}

// Pause halts further rounds once in-flight campaigns finish (spec
// §4.6: "halts on ... user pause").
func (s *Service) Pause(expertID string) error {
	s.mu.Lock()
	r, ok := s.runs[expertID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("learning: no active loop for expert %s", expertID)
	}
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	return nil
}

// startRound selects gaps within the remaining budget and dispatches a
// gap-filling campaign per gap (spec §4.6 steps 1-2).
func (s *Service) startRound(ctx context.Context, r *run) error {
	r.mu.Lock()
	if r.paused {
		r.halted = HaltPaused
		r.mu.Unlock()
		return nil
	}
	remaining := r.remaining
	topK := r.topK
	r.mu.Unlock()

	gaps, err := s.store.OpenGaps(ctx, r.expertID)
	if err != nil {
		return fmt.Errorf("learning: listing gaps: %w", err)
	}
	if len(gaps) == 0 {
		s.finish(r, HaltNoOpenGaps)
		return nil
	}

	selected := selectWithinBudget(gaps, remaining, topK, s.cfg.defaultGapCost())
	if len(selected) == 0 {
		s.finish(r, HaltBudgetExhausted)
		return nil
	}

	r.mu.Lock()
	r.pending = len(selected)
	r.mu.Unlock()

	for _, g := range selected {
		perGap := s.cfg.defaultGapCost()
		campID, err := s.store.FillGap(ctx, r.expertID, g.ID, perGap)
		if err != nil {
			slog.Error("learning: filling gap", "expert_id", r.expertID, "gap_id", g.ID, "error", err)
			s.roundCampaignDone(ctx, r)
			continue
		}
		r.mu.Lock()
		r.remaining -= perGap
		r.mu.Unlock()
		s.subscribeRoundCampaign(ctx, r, campID)
	}
	return nil
}

// selectWithinBudget greedily takes gaps in the order given (OpenGaps
// returns them in descending-priority order) until the next gap's estimated cost would exceed the remaining
// budget or topK is reached (spec §4.6 step 1: "take the top-K fitting
// within budget, estimate each via C2"). Gap-specific cost estimation
// is out of scope here — every gap costs the configured default, a
// flat-rate stand-in the governor's CheckAdmission still gates at
// dispatch time through the single-topic campaign it creates
// (DESIGN.md).
func selectWithinBudget(gaps []*models.Gap, remaining float64, topK int, perGapCost float64) []*models.Gap {
	var selected []*models.Gap
	for _, g := range gaps {
		if len(selected) >= topK {
			break
		}
		if perGapCost > remaining {
			break
		}
		remaining -= perGapCost
		selected = append(selected, g)
	}
	return selected
}

// subscribeRoundCampaign arms a one-shot subscription on a dispatched
// gap-filling campaign so the loop can tell when every campaign in the
// current round has finished and advance to the next round (spec §4.6
// step 4), without polling.
func (s *Service) subscribeRoundCampaign(ctx context.Context, r *run, campaignID string) {
	completed := events.CampaignTopic(campaignID, "completed")
	failed := events.CampaignTopic(campaignID, "failed")
	var subCompleted, subFailed int
	onDone := func(events.Event) {
		s.bus.Unsubscribe(completed, subCompleted)
		s.bus.Unsubscribe(failed, subFailed)
		s.roundCampaignDone(ctx, r)
	}
	subCompleted = s.bus.Subscribe(completed, onDone)
	subFailed = s.bus.Subscribe(failed, onDone)
}

// roundCampaignDone decrements the current round's pending count and,
// once every campaign in the round has settled, starts the next round
// (spec §4.6 step 4: "if new gaps are surfaced by synthesis and budget
// remains, loop").
func (s *Service) roundCampaignDone(ctx context.Context, r *run) {
	r.mu.Lock()
	r.pending--
	done := r.pending <= 0
	r.mu.Unlock()
	if !done {
		return
	}
	if err := s.startRound(ctx, r); err != nil {
		slog.Error("learning: starting next round", "expert_id", r.expertID, "error", err)
	}
}

func (s *Service) finish(r *run, reason HaltReason) {
	r.mu.Lock()
	r.halted = reason
	r.mu.Unlock()
	slog.Info("learning: loop halted", "expert_id", r.expertID, "reason", reason)
}
