package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arnavshah/ecs-timetable/pkg/models"
	"github.com/arnavshah/ecs-timetable/pkg/scheduler"
)

// ValidateInput checks an optimize request without running it
func (h *Handler) ValidateInput(c *gin.Context) {
	var input models.OptimizeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	if err := input.Validate(); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}

	alg, err := scheduler.ParseAlgorithm(input.Algorithm)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}

	regular, batch := scheduler.SplitBatch(input.Entries)
	if alg == scheduler.BruteForce && len(regular) > scheduler.MaxBruteForceEntries {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": scheduler.ErrTooLargeForBruteForce.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid": true,
		"stats": gin.H{
			"entry_count":       len(input.Entries),
			"batch_entry_count": len(batch),
			"user_count":        len(scheduler.UsersOf(input.Entries)),
			"constraint_count":  len(input.Constraints),
		},
	})
}
