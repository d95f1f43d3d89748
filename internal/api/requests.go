package api

// CreateJobRequest is the body of POST /jobs (spec §6.3).
type CreateJobRequest struct {
	Prompt          string            `json:"prompt" binding:"required" validate:"max=10000"`
	Model           string            `json:"model"`
	Provider        string            `json:"provider"`
	Priority        int               `json:"priority" validate:"min=0,max=5"`
	BudgetCap       *float64          `json:"budget_cap"`
	EnableWebSearch bool              `json:"enable_web_search"`
	Metadata        map[string]string `json:"metadata"`
}

// ResolveElicitationRequest is the body of POST /jobs/{id}/resolve.
type ResolveElicitationRequest struct {
	Option string `json:"option" binding:"required"`
}

// CreateCampaignRequest is the body of POST /campaigns (spec §6.3).
type CreateCampaignRequest struct {
	Goal         string             `json:"goal" binding:"required"`
	Topics       []TopicRequest     `json:"topics" binding:"required"`
	BudgetCap    *float64           `json:"budget_cap"`
	AutoContinue bool               `json:"auto_continue"`
	MaxRounds    int                `json:"max_rounds" validate:"max=5"`
	MaxParallel  int                `json:"max_parallel"`
	ExpertRef    string             `json:"expert_ref"`
}

// TopicRequest describes one caller-supplied topic.
type TopicRequest struct {
	ID            string   `json:"id" binding:"required"`
	Prompt        string   `json:"prompt" binding:"required"`
	DependsOn     []string `json:"depends_on"`
	EstimatedCost float64  `json:"estimated_cost"`
}

// CreateExpertRequest is the body of POST /experts (spec §6.3).
type CreateExpertRequest struct {
	Name   string `json:"name" binding:"required"`
	Domain string `json:"domain" binding:"required"`
}

// QueryExpertRequest is the body of POST /experts/{name}/query.
type QueryExpertRequest struct {
	Question string `json:"question" binding:"required"`
}

// LearnRequest is the body of POST /experts/{name}/learn (spec §6.3).
type LearnRequest struct {
	Budget float64 `json:"budget" binding:"required"`
	TopK   int     `json:"top_k"`
}

// RecordGapRequest is the body of POST /experts/{name}/gaps.
type RecordGapRequest struct {
	Topic    string `json:"topic" binding:"required"`
	Priority int    `json:"priority"`
}

// FillGapRequest is the body of POST /experts/{name}/gaps/{id}/fill.
type FillGapRequest struct {
	Budget float64 `json:"budget" binding:"required"`
}
