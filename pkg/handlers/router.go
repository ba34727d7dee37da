package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arnavshah/ecs-timetable/pkg/logger"
)

const version = "1.0.0"

// NewRouter builds the gin engine with all routes
func (h *Handler) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(logger.GinMiddleware(h.Logger), gin.Recovery())
	h.Routes(r)
	return r
}

// Routes registers the service routes on r
func (h *Handler) Routes(r *gin.Engine) {
	// Admin interface served from the embedded FS
	r.StaticFS("/static", h.GetStaticFS())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ECS Timetable API",
			"version": version,
		})
	})

	r.GET("/admin", h.AdminInterface)
	r.POST("/admin/login", h.Login)

	admin := r.Group("/admin")
	admin.Use(h.AuthMiddleware())
	{
		admin.POST("/keys", h.GenerateKey)
		admin.GET("/keys", h.ListKeys)
		admin.PUT("/keys/:id", h.UpdateKeyLimit)
		admin.DELETE("/keys/:id", h.RevokeKey)
		admin.GET("/usage/:id", h.GetUsage)
	}

	api := r.Group("/api")
	api.Use(h.APIKeyMiddleware())
	{
		api.POST("/optimize", h.OptimizeJSON)
		api.POST("/validate", h.ValidateInput)
		api.GET("/usage", h.GetMyUsage)

		api.GET("/tasks/:id", h.GetTask)
		api.DELETE("/tasks/:id", h.CancelTask)

		api.POST("/meetings", h.CreateMeeting)
		api.GET("/meetings", h.ListMeetings)

		meeting := api.Group("/meetings/:id")
		meeting.GET("", h.GetMeeting)
		meeting.DELETE("", h.DeleteMeeting)
		meeting.POST("/entries", h.AddEntry)
		meeting.GET("/entries/:entry", h.GetEntry)
		meeting.DELETE("/entries/:entry", h.DeleteEntry)
		meeting.PUT("/entries/:entry/index", h.SetEntryIndex)
		meeting.PUT("/entries/:entry/visibility", h.SetEntryVisibility)
		meeting.POST("/entries/:entry/optimal-position", h.MoveEntryToOptimalPosition)
		meeting.GET("/entries/:entry/headcount", h.GetHeadcount)
		meeting.POST("/entries/:entry/participants", h.AddParticipant)
		meeting.DELETE("/entries/:entry/participants/:user", h.RemoveParticipant)
		meeting.POST("/constraints", h.AddConstraint)
		meeting.GET("/timetable", h.GetTimetable)
		meeting.GET("/timetable.csv", h.ExportTimetableCSV)
		meeting.GET("/users/:user/timeframe", h.GetTimeframe)
		meeting.POST("/optimize", h.OptimizeMeeting)
	}
}
