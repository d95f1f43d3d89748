// Package models holds the entity types shared across Deepr's
// components. Entities are arena-style: attributes live on the struct,
// and cross-entity relationships are plain string ids resolved through
// the persistence layer (internal/database), never pointer graphs
// (spec §9 — avoids the expert↔belief↔job reference cycle).
package models

import (
	"time"

	"github.com/blisspixel/deepr/internal/provider"
)

// JobStatus is the job state-machine value (spec §4.2).
type JobStatus string

const (
	JobPending           JobStatus = "pending"
	JobAdmissionRejected JobStatus = "admission_rejected"
	JobSubmitting        JobStatus = "submitting"
	JobProcessing        JobStatus = "processing"
	JobCompleted         JobStatus = "completed"
	JobFailed            JobStatus = "failed"
	JobCancelled         JobStatus = "cancelled"
)

// Terminal reports whether the status is one a job never leaves.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// MaxPromptChars bounds Job.Prompt (spec §3).
const MaxPromptChars = 10000

// MaxMetadataBytes bounds the serialized size of Job.Metadata (spec §3).
const MaxMetadataBytes = 4096

// ErrorKind is the taxonomy of terminal/informational error kinds a
// job can carry (spec §7).
type ErrorKind string

const (
	ErrInvalidPrompt    ErrorKind = "invalid_prompt"
	ErrUnknownModel     ErrorKind = "unknown_model"
	ErrUnknownProvider  ErrorKind = "unknown_provider"
	ErrBudgetTooLow     ErrorKind = "budget_too_low"
	ErrBudgetExceeded   ErrorKind = "budget_exceeded"
	ErrRequiresElicit   ErrorKind = "requires_elicitation"
	ErrRateLimited      ErrorKind = "rate_limited"
	ErrProvider5xx      ErrorKind = "provider_5xx"
	ErrAuth             ErrorKind = "auth"
	ErrInvalidRequest   ErrorKind = "invalid_request"
	ErrProviderLostJob  ErrorKind = "provider_lost_job"
	ErrNetwork          ErrorKind = "network"
	ErrSubmitTimeout    ErrorKind = "submit_timeout"
	ErrStuckJobFlag     ErrorKind = "stuck_job_flag"
	ErrJobNotFound      ErrorKind = "job_not_found"
	ErrExpertNotFound   ErrorKind = "expert_not_found"
	ErrCampaignNotFound ErrorKind = "campaign_not_found"
	ErrAlreadyTerminal  ErrorKind = "already_terminal"
	ErrPauseNotApplicable ErrorKind = "pause_not_applicable"
)

// Retryable reports whether this error kind is eligible for the
// automatic retry-with-backoff policy (spec §4.4, §7).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrRateLimited, ErrProvider5xx, ErrNetwork:
		return true
	default:
		return false
	}
}

// JobError carries the kind+message pair stored on a terminal job.
type JobError struct {
	Kind    ErrorKind
	Message string
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// TokenUsage mirrors provider-reported consumption for a completed job.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Job is the unit of work dispatched to exactly one provider (spec §3).
type Job struct {
	ID       string
	Prompt   string
	Model    string
	Provider provider.Name
	Tools    []provider.Tool

	VectorStoreRef string
	BudgetCap      *float64 // USD; nil = no caller-supplied cap
	Metadata       map[string]string
	Priority       int // 1-5
	ParentPhaseRef string

	ProviderJobID    string
	Status           JobStatus
	ProgressFraction float64
	StartedAt        *time.Time
	LastPollAt       *time.Time
	CompletedAt      *time.Time
	ActualCost       float64
	CostOverride     bool // explicit APPROVE_OVERRIDE was recorded
	TokenUsage       TokenUsage
	Error            *JobError
	ResultRef        string // content-addressed artifact pointer

	CreatedAt time.Time
}

// NewJob builds a Job in its initial pending state from a caller spec.
func NewJob(id string, spec JobSpec) *Job {
	return &Job{
		ID:             id,
		Prompt:         spec.Prompt,
		Model:          spec.Model,
		Provider:       spec.Provider,
		Tools:          spec.Tools,
		VectorStoreRef: spec.VectorStoreRef,
		BudgetCap:      spec.BudgetCap,
		Metadata:       spec.Metadata,
		Priority:       spec.Priority,
		ParentPhaseRef: spec.ParentPhaseRef,
		Status:         JobPending,
	}
}

// JobSpec is the caller-supplied input to enqueue (spec §3, §6.3).
type JobSpec struct {
	Prompt         string
	Model          string
	Provider       provider.Name
	Tools          []provider.Tool
	VectorStoreRef string
	BudgetCap      *float64
	Metadata       map[string]string
	Priority       int
	ParentPhaseRef string
}
