package api

import (
	"github.com/gin-gonic/gin"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/models"
)

func jobResponse(j *models.Job) gin.H {
	h := gin.H{
		"job_id":            j.ID,
		"status":            j.Status,
		"prompt":            j.Prompt,
		"model":             j.Model,
		"provider":          j.Provider,
		"priority":          j.Priority,
		"progress_fraction": j.ProgressFraction,
		"actual_cost":       j.ActualCost,
		"cost_override":     j.CostOverride,
		"result_ref":        j.ResultRef,
		"created_at":        j.CreatedAt,
	}
	if j.Error != nil {
		h["error"] = gin.H{"kind": j.Error.Kind, "message": j.Error.Message}
	}
	return h
}

func jobsResponse(jobs []*models.Job) []gin.H {
	out := make([]gin.H, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	return out
}

func topicResponse(t *models.Topic) gin.H {
	return gin.H{
		"id":              t.ID,
		"prompt":          t.Prompt,
		"depends_on":      t.DependsOn,
		"job_ref":         t.JobRef,
		"terminal_status": t.TerminalStatus,
		"retry_count":     t.RetryCount,
	}
}

func phaseResponse(p *models.Phase) gin.H {
	topics := make([]gin.H, 0, len(p.Topics))
	for _, t := range p.Topics {
		topics = append(topics, topicResponse(t))
	}
	return gin.H{"phase_index": p.PhaseIndex, "status": p.Status, "topics": topics}
}

func campaignResponse(c *models.Campaign) gin.H {
	phases := make([]gin.H, 0, len(c.Phases))
	for _, p := range c.Phases {
		phases = append(phases, phaseResponse(p))
	}
	return gin.H{
		"campaign_id":     c.ID,
		"goal":            c.Goal,
		"status":          c.Status,
		"actual_cost":     c.ActualCost,
		"auto_continue":   c.AutoContinue,
		"rounds_executed": c.RoundsExecuted,
		"expert_ref":      c.ExpertRef,
		"phases":          phases,
		"created_at":      c.CreatedAt,
	}
}

func beliefResponse(b *models.Belief) gin.H {
	return gin.H{
		"id":             b.ID,
		"statement":      b.Statement,
		"confidence":     b.Confidence,
		"sources":        b.Sources,
		"superseded_by":  b.SupersededBy,
		"created_at":     b.CreatedAt,
	}
}

func gapResponse(g *models.Gap) gin.H {
	return gin.H{
		"id":            g.ID,
		"topic":         g.Topic,
		"priority":      g.Priority,
		"discovered_at": g.DiscoveredAt,
		"filled_by_job": g.FilledByJob,
		"closed":        g.Closed(),
	}
}

func expertResponse(e *models.Expert) gin.H {
	heads := make([]gin.H, 0, len(e.HeadBeliefs()))
	for _, b := range e.HeadBeliefs() {
		heads = append(heads, beliefResponse(b))
	}
	gaps := make([]gin.H, 0, len(e.Gaps))
	for _, g := range e.Gaps {
		gaps = append(gaps, gapResponse(g))
	}
	return gin.H{
		"id":                  e.ID,
		"name":                e.Name,
		"domain_description":  e.DomainDescription,
		"total_spend":         e.TotalSpend,
		"last_synthesised_at": e.LastSynthesisedAt,
		"beliefs":             heads,
		"gaps":                gaps,
		"created_at":          e.CreatedAt,
	}
}

func summaryResponse(s budget.Summary) gin.H {
	rows := make([]gin.H, 0, len(s.TopByModel))
	for _, r := range s.TopByModel {
		rows = append(rows, gin.H{"provider": r.Provider, "model": r.Model, "total": r.Total})
	}
	return gin.H{"period": s.Period, "total": s.Total, "top_by_model": rows}
}
