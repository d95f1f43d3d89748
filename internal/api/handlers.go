package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/campaign"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/provider"
)

// maxMetadataBytes bounds request metadata, spec §6.3.
const maxMetadataBytes = models.MaxMetadataBytes

// createJobHandler handles POST /jobs (spec §6.3).
func (s *Server) createJobHandler(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(s.allowlist) > 0 && req.Model != "" && !s.allowlist[req.Model] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model not in allow-list"})
		return
	}
	metaSize := 0
	for k, v := range req.Metadata {
		metaSize += len(k) + len(v)
	}
	if metaSize > maxMetadataBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metadata exceeds 4 KiB"})
		return
	}

	var tools []provider.Tool
	if req.EnableWebSearch {
		tools = append(tools, provider.Tool{Kind: provider.WebSearch})
	}

	spec := models.JobSpec{
		Prompt:    req.Prompt,
		Model:     req.Model,
		Provider:  provider.Name(req.Provider),
		Tools:     tools,
		BudgetCap: req.BudgetCap,
		Metadata:  req.Metadata,
		Priority:  req.Priority,
	}

	estimate := estimateCost(req)
	job, decision, err := s.queueMgr.Enqueue(c.Request.Context(), spec, estimate)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"job_id": job.ID, "estimated_cost": estimate, "status": job.Status}
	if decision.Kind == budget.Elicit {
		resp["elicitation_options"] = decision.Options
		resp["reason"] = decision.Reason
	}
	c.JSON(http.StatusCreated, resp)
}

// estimateCost is a placeholder admission-time estimate until a
// concrete provider pricing table is wired (spec §6.1 leaves pricing
// out of scope); callers that know their provider's per-token rate
// should prefer supplying budget_cap directly.
func estimateCost(req CreateJobRequest) float64 {
	if req.BudgetCap != nil {
		return *req.BudgetCap
	}
	return 0
}

// listJobsHandler handles GET /jobs?status=&limit= (spec §6.3).
func (s *Server) listJobsHandler(c *gin.Context) {
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	var jobs []*models.Job
	var err error
	if status := c.Query("status"); status != "" {
		jobs, err = s.jobs.ListJobsByStatus(c.Request.Context(), models.JobStatus(status), limit)
	} else {
		jobs, err = s.jobs.ListJobs(c.Request.Context(), limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobsResponse(jobs)})
}

// getJobHandler handles GET /jobs/{id} (spec §6.3).
func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

// cancelJobHandler handles POST /jobs/{id}/cancel (spec §6.3).
func (s *Server) cancelJobHandler(c *gin.Context) {
	if err := s.queueMgr.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// resolveElicitationHandler handles POST /jobs/{id}/resolve, the
// caller's response to an APPROVE_OVERRIDE/OPTIMIZE_FOR_COST/ABORT
// elicitation (spec §4.1).
func (s *Server) resolveElicitationHandler(c *gin.Context) {
	var req ResolveElicitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.queueMgr.ResolveElicitation(c.Request.Context(), c.Param("id"), budget.Option(req.Option)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// getResultHandler handles GET /results/{id} (spec §6.3): the markdown
// artifact referenced by a completed job's result_ref.
func (s *Server) getResultHandler(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if job.ResultRef == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result yet for this job"})
		return
	}
	content, mime, err := s.jobs.GetArtifact(c.Request.Context(), job.ResultRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, mime, content)
}

// createCampaignHandler handles POST /campaigns (spec §6.3).
func (s *Server) createCampaignHandler(c *gin.Context) {
	var req CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	topics := make([]campaign.TopicSpec, 0, len(req.Topics))
	for _, t := range req.Topics {
		topics = append(topics, campaign.TopicSpec{
			ID:            t.ID,
			Prompt:        t.Prompt,
			DependsOn:     t.DependsOn,
			EstimatedCost: t.EstimatedCost,
		})
	}

	camp, err := s.campaigns.Create(c.Request.Context(), campaign.CampaignSpec{
		Goal:         req.Goal,
		Topics:       topics,
		BudgetCap:    req.BudgetCap,
		AutoContinue: req.AutoContinue,
		MaxRounds:    req.MaxRounds,
		MaxParallel:  req.MaxParallel,
		ExpertRef:    req.ExpertRef,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaignResponse(camp))
}

// getCampaignHandler handles GET /campaigns/{id} (spec §6.3).
func (s *Server) getCampaignHandler(c *gin.Context) {
	camp, err := s.campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaignResponse(camp))
}

// pauseCampaignHandler handles POST /campaigns/{id}/pause (spec §6.3).
func (s *Server) pauseCampaignHandler(c *gin.Context) {
	if err := s.campaigns.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// resumeCampaignHandler handles POST /campaigns/{id}/resume (spec §6.3).
func (s *Server) resumeCampaignHandler(c *gin.Context) {
	if err := s.campaigns.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "executing"})
}

// listExpertsHandler handles GET /experts (spec §6.3).
func (s *Server) listExpertsHandler(c *gin.Context) {
	experts, err := s.experts.ListExperts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(experts))
	for _, e := range experts {
		out = append(out, expertResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"experts": out})
}

// createExpertHandler handles POST /experts (spec §6.3).
func (s *Server) createExpertHandler(c *gin.Context) {
	var req CreateExpertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := s.experts.Create(c.Request.Context(), req.Name, req.Domain, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, expertResponse(e))
}

// getExpertHandler handles GET /experts/{name} (spec §6.3).
func (s *Server) getExpertHandler(c *gin.Context) {
	e, err := s.experts.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, expertResponse(e))
}

// queryExpertHandler handles POST /experts/{name}/query (spec §6.3).
func (s *Server) queryExpertHandler(c *gin.Context) {
	var req QueryExpertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.experts.Query(c.Request.Context(), c.Param("name"), req.Question)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"answer":          result.Answer,
		"confidence":      result.Confidence,
		"citations":       result.Citations,
		"identified_gaps": result.IdentifiedGaps,
	})
}

// learnHandler handles POST /experts/{name}/learn (spec §6.3): triggers
// the Autonomous Learning Loop (C10) for this expert.
func (s *Server) learnHandler(c *gin.Context) {
	var req LearnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := s.experts.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.learning.Start(c.Request.Context(), e.ID, req.Budget, req.TopK); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "learning"})
}

// recordGapHandler handles POST /experts/{name}/gaps (spec §4.5).
func (s *Server) recordGapHandler(c *gin.Context) {
	var req RecordGapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := s.experts.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.experts.RecordGap(c.Request.Context(), e.ID, req.Topic, req.Priority); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

// fillGapHandler handles POST /experts/{name}/gaps/{gap_id}/fill (spec
// §4.5: delegates to C10).
func (s *Server) fillGapHandler(c *gin.Context) {
	var req FillGapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := s.experts.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	campaignID, err := s.experts.FillGap(c.Request.Context(), e.ID, c.Param("gap_id"), req.Budget)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"campaign_id": campaignID})
}

// costsHandler handles GET /costs?period= (spec §6.3).
func (s *Server) costsHandler(c *gin.Context) {
	period := budget.PeriodDay
	if c.Query("period") == "month" {
		period = budget.PeriodMonth
	}
	summary, err := s.governor.Summary(c.Request.Context(), period, 10)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaryResponse(summary))
}
