package models

import "time"

// CampaignStatus is the campaign lifecycle value (spec §3).
type CampaignStatus string

const (
	CampaignPlanning  CampaignStatus = "planning"
	CampaignReady     CampaignStatus = "ready"
	CampaignExecuting CampaignStatus = "executing"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// MaxAutoRounds is the hard cap on auto_continue re-planning rounds
// (spec §9 open question — decision recorded in DESIGN.md).
const MaxAutoRounds = 5

// Campaign is a multi-phase research plan (spec §3).
type Campaign struct {
	ID             string
	Goal           string
	Status         CampaignStatus
	CreatedAt      time.Time
	BudgetCap      *float64
	ActualCost     float64
	AutoContinue   bool
	MaxRounds      int // <= MaxAutoRounds, validated at creation
	MaxParallel    int // max_parallel_per_campaign
	RoundsExecuted int
	Phases         []*Phase
	ExpertRef      string // set when created by the Learning Loop (spec §4.6)
}

// Phase is a stage of a campaign (spec §3).
type Phase struct {
	PhaseIndex int
	Status     CampaignStatus
	Topics     []*Topic
}

// Topic is a planned research task inside a phase, bound to at most
// one job (spec §3).
type Topic struct {
	ID             string
	Prompt         string
	DependsOn      map[string]bool // topic ids, restricted to same/earlier phase
	EstimatedCost  float64
	JobRef         string // set once dispatched to C6
	ContextSummary string // context this topic's own prompt was built from, at dispatch
	ResultSummary  string // set from this topic's completed job result, read by dependents' ContextSummary
	TerminalStatus JobStatus // zero value until the job reaches a terminal state
	RetryCount     int
	NextRetryAt    *time.Time
}

// Terminal reports whether this topic's job has reached a terminal state.
func (t *Topic) Terminal() bool {
	return t.TerminalStatus.Terminal()
}

// PhaseComplete reports whether every topic in the phase is terminal
// (spec §3 invariant: "A phase is completed iff every topic has a
// terminal job state").
func PhaseComplete(p *Phase) bool {
	for _, t := range p.Topics {
		if !t.Terminal() {
			return false
		}
	}
	return true
}
