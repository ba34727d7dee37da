package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/models"
	"github.com/arnavshah/ecs-timetable/pkg/scheduler"
)

// OptimizeJSON reorders the posted entries and returns the new order with
// before and after metrics. Nothing is stored.
func (h *Handler) OptimizeJSON(c *gin.Context) {
	var input models.OptimizeInput
	if !h.bind(c, &input) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.Config.OptimizeTimeout)
	defer cancel()

	res, err := scheduler.Run(ctx, &input, scheduler.Params{
		PopulationSize: h.Config.GAPopulationSize,
		Generations:    h.Config.GAGenerations,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.RecordUsage(c, len(input.Entries), true)
	c.JSON(http.StatusOK, res)
}

type optimizeMeetingRequest struct {
	Algorithm           string                     `json:"algorithm" binding:"required"`
	AlgorithmParameters models.AlgorithmParameters `json:"algorithm_parameters"`
}

// OptimizeMeeting starts a background optimization of a stored meeting
func (h *Handler) OptimizeMeeting(c *gin.Context) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req optimizeMeetingRequest
	if !h.bind(c, &req) {
		return
	}

	task, err := h.Runner.Submit(c.Request.Context(), meetingID, req.Algorithm, req.AlgorithmParameters)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.RecordUsage(c, 0, true)
	c.JSON(http.StatusAccepted, task)
}

// GetTask reports the state of an optimization task
func (h *Handler) GetTask(c *gin.Context) {
	task, ok := h.Runner.Get(c.Param("id"))
	if !ok {
		h.respondError(c, apperrors.NotFound("task"))
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask stops a running optimization; its result is discarded
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.Runner.Cancel(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancelled"})
}
