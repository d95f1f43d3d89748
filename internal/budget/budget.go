// Package budget implements the cost/budget governor (spec §4.1): the
// single authority gating every outbound job against per-job, daily,
// and monthly spend limits. Modelled as a process-scoped service with
// an explicit handle (spec §9, "Global mutable state") rather than a
// package-level singleton — mirroring how the teacher threads its
// WorkerPool and ConnectionManager as explicit struct fields instead
// of globals.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blisspixel/deepr/internal/models"
)

// Decision is the outcome of an admission check (spec §4.1).
type Decision struct {
	Kind    DecisionKind
	Reason  string
	Options []Option // populated when Kind == Elicit
}

type DecisionKind string

const (
	Admit  DecisionKind = "admit"
	Reject DecisionKind = "reject"
	Elicit DecisionKind = "elicit"
)

// Option is one of the three elicitation choices (spec §4.1, glossary).
type Option string

const (
	ApproveOverride Option = "APPROVE_OVERRIDE"
	OptimizeForCost Option = "OPTIMIZE_FOR_COST"
	Abort           Option = "ABORT"
)

// ElicitationOptions is the fixed three-option set every elicitation
// carries (spec §4.1).
var ElicitationOptions = []Option{ApproveOverride, OptimizeForCost, Abort}

// overrunFraction is the threshold above caller_budget_cap that
// triggers an elicitation instead of an outright reject (spec §4.1:
// "exceeds caller_budget_cap by >10%"); also reused by nearCap below
// (DESIGN.md Open Question Decision) to decide whether a daily/monthly
// cap overrun elicits instead of rejecting outright.
const overrunFraction = 0.10

// nearCap reports whether spent already sits within overrunFraction of
// cap, i.e. the bucket was nearly exhausted before this call. A request
// that tips an already-near-full bucket over the edge elicits (the
// caller may still want to override); one that blows through a bucket
// with plenty of remaining headroom is rejected outright.
func nearCap(spent, cap float64) bool {
	if cap <= 0 {
		return false
	}
	return spent >= cap*(1-overrunFraction)
}

// Config holds the governor's spend ceilings. Month boundaries use
// Location, fixed at Governor construction (spec §4.1: "calendar
// month, timezone-fixed at init").
type Config struct {
	DailyCap   float64
	MonthlyCap float64
	Location   *time.Location
}

// Ledger is the append-only cost ledger the governor treats as source
// of truth (spec §4.1: "the ledger is source of truth"). Implemented
// by internal/database against Postgres.
type Ledger interface {
	Append(ctx context.Context, entry models.LedgerEntry) error
	Since(ctx context.Context, since time.Time) ([]models.LedgerEntry, error)
	All(ctx context.Context) ([]models.LedgerEntry, error)
}

// Governor is the single in-memory spend authority (spec §5: "a single
// in-memory authority protected by one mutex; hot path operations are
// O(1)").
type Governor struct {
	cfg    Config
	ledger Ledger
	clock  func() time.Time

	mu           sync.Mutex
	dailyTotal   float64
	monthlyTotal float64
	perJob       map[string]float64
	recorded     map[string]bool // "jobID|amount" -> seen, for record_spend idempotence
	seq          int64
}

// New constructs a Governor, materializing daily/monthly counters from
// the ledger (spec §4.1). clockFn defaults to time.Now when nil.
func New(ctx context.Context, cfg Config, ledger Ledger, clockFn func() time.Time) (*Governor, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clockFn == nil {
		clockFn = time.Now
	}
	g := &Governor{
		cfg:      cfg,
		ledger:   ledger,
		clock:    clockFn,
		perJob:   make(map[string]float64),
		recorded: make(map[string]bool),
	}

	entries, err := ledger.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget: loading ledger: %w", err)
	}
	now := clockFn()
	dayStart := now.Add(-24 * time.Hour)
	monthStart := startOfMonth(now, cfg.Location)
	var maxSeq int64
	for _, e := range entries {
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
		g.recorded[recordKey(e.JobID, e.Amount)] = true
		g.perJob[e.JobID] += e.Amount
		if !e.Timestamp.Before(dayStart) {
			g.dailyTotal += e.Amount
		}
		if !e.Timestamp.Before(monthStart) {
			g.monthlyTotal += e.Amount
		}
	}
	g.seq = maxSeq
	return g, nil
}

func startOfMonth(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

func recordKey(jobID string, amount float64) string {
	return fmt.Sprintf("%s|%.6f", jobID, amount)
}

// ErrBudgetExceeded is returned by CheckAdmission callers that prefer
// an error over inspecting Decision.Kind.
var ErrBudgetExceeded = errors.New("budget: exceeded")

// CheckAdmission decides whether a job with the given estimated cost
// may be admitted (spec §4.1). callerBudgetCap is the job's own
// budget_cap, if supplied.
func (g *Governor) CheckAdmission(estimatedCost float64, callerBudgetCap *float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dailyTotal+estimatedCost > g.cfg.DailyCap {
		if nearCap(g.dailyTotal, g.cfg.DailyCap) {
			return Decision{Kind: Elicit, Reason: "daily budget would be exceeded", Options: ElicitationOptions}
		}
		return Decision{Kind: Reject, Reason: "daily budget would be exceeded"}
	}
	if g.monthlyTotal+estimatedCost > g.cfg.MonthlyCap {
		if nearCap(g.monthlyTotal, g.cfg.MonthlyCap) {
			return Decision{Kind: Elicit, Reason: "monthly budget would be exceeded", Options: ElicitationOptions}
		}
		return Decision{Kind: Reject, Reason: "monthly budget would be exceeded"}
	}

	if callerBudgetCap != nil && *callerBudgetCap > 0 {
		overrun := (estimatedCost - *callerBudgetCap) / *callerBudgetCap
		if overrun > overrunFraction {
			return Decision{
				Kind:    Elicit,
				Reason:  "estimated cost exceeds budget_cap by more than 10%",
				Options: ElicitationOptions,
			}
		}
	}

	return Decision{Kind: Admit}
}

// RecordSpend appends a ledger entry and updates in-memory counters.
// Idempotent by (jobID, amount) to tolerate poller retries (spec
// §4.1, §8).
func (g *Governor) RecordSpend(ctx context.Context, jobID string, amount float64, providerName, model string) error {
	g.mu.Lock()
	key := recordKey(jobID, amount)
	if g.recorded[key] {
		g.mu.Unlock()
		return nil
	}
	g.seq++
	seq := g.seq
	g.recorded[key] = true
	g.perJob[jobID] += amount
	g.dailyTotal += amount
	g.monthlyTotal += amount
	g.mu.Unlock()

	entry := models.LedgerEntry{
		Sequence:  seq,
		Timestamp: g.clock(),
		JobID:     jobID,
		Amount:    amount,
		Provider:  providerName,
		Model:     model,
		Bucket:    models.BucketDaily,
	}
	if err := g.ledger.Append(ctx, entry); err != nil {
		// Roll back in-memory state so a failed write can be retried.
		g.mu.Lock()
		delete(g.recorded, key)
		g.perJob[jobID] -= amount
		g.dailyTotal -= amount
		g.monthlyTotal -= amount
		g.mu.Unlock()
		return fmt.Errorf("budget: recording spend: %w", err)
	}
	return nil
}

// Period selects the aggregation window for Summary.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Summary is the result of a budget query (spec §4.1).
type Summary struct {
	Period     Period
	Total      float64
	TopByModel []ModelSpend
}

// ModelSpend is one row of the top-N-by-model/provider breakdown.
type ModelSpend struct {
	Provider string
	Model    string
	Total    float64
}

// Summary answers a budget query without scanning the full job table,
// reading only the ledger (spec §4.1).
func (g *Governor) Summary(ctx context.Context, period Period, topN int) (Summary, error) {
	now := g.clock()
	var since time.Time
	switch period {
	case PeriodMonth:
		since = startOfMonth(now, g.cfg.Location)
	default:
		since = now.Add(-24 * time.Hour)
	}

	entries, err := g.ledger.Since(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("budget: summary: %w", err)
	}

	byKey := make(map[string]*ModelSpend)
	var total float64
	for _, e := range entries {
		total += e.Amount
		key := e.Provider + "/" + e.Model
		row, ok := byKey[key]
		if !ok {
			row = &ModelSpend{Provider: e.Provider, Model: e.Model}
			byKey[key] = row
		}
		row.Total += e.Amount
	}

	rows := make([]ModelSpend, 0, len(byKey))
	for _, r := range byKey {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Total > rows[j].Total })
	if topN > 0 && len(rows) > topN {
		rows = rows[:topN]
	}

	return Summary{Period: period, Total: total, TopByModel: rows}, nil
}

// EstimatedSpend returns the in-memory per-job running total, used by
// the Learning Loop (C10) to estimate whether a gap fits remaining
// budget before creating a campaign (spec §4.6).
func (g *Governor) EstimatedSpend(jobID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perJob[jobID]
}

// RemainingDaily reports how much of the daily cap is unspent.
func (g *Governor) RemainingDaily() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.DailyCap - g.dailyTotal
}

// RemainingMonthly reports how much of the monthly cap is unspent.
func (g *Governor) RemainingMonthly() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.MonthlyCap - g.monthlyTotal
}
