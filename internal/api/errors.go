package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blisspixel/deepr/internal/database"
	"github.com/blisspixel/deepr/internal/models"
)

// writeError maps a service-layer error to an HTTP response, the same
// sentinel-to-status shape as the teacher's pkg/api/errors.go
// mapServiceError, ported from Echo's HTTPError to Gin's c.JSON.
func writeError(c *gin.Context, err error) {
	var jobErr *models.JobError
	if errors.As(err, &jobErr) {
		c.JSON(statusForKind(jobErr.Kind), gin.H{"error": jobErr.Message, "kind": jobErr.Kind})
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	slog.Error("api: unexpected service error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func statusForKind(k models.ErrorKind) int {
	switch k {
	case models.ErrInvalidPrompt, models.ErrUnknownModel, models.ErrUnknownProvider, models.ErrBudgetTooLow:
		return http.StatusBadRequest
	case models.ErrJobNotFound, models.ErrExpertNotFound, models.ErrCampaignNotFound:
		return http.StatusNotFound
	case models.ErrAlreadyTerminal, models.ErrPauseNotApplicable, models.ErrBudgetExceeded:
		return http.StatusConflict
	case models.ErrRequiresElicit:
		return http.StatusPreconditionRequired
	default:
		return http.StatusInternalServerError
	}
}
