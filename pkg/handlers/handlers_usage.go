package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/database"
)

// RecordUsage counts a request against the calling key with a single upsert
func (h *Handler) RecordUsage(c *gin.Context, entryCount int, optimized bool) {
	apiKeyRaw, exists := c.Get("apiKey")
	if !exists {
		return
	}
	apiKey := apiKeyRaw.(*database.APIKey)

	optimizedCount := 0
	if optimized {
		optimizedCount = 1
	}

	// OnConflict works on both Postgres and SQLite
	err := h.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count":   gorm.Expr("request_count + ?", 1),
			"total_entries":   gorm.Expr("total_entries + ?", entryCount),
			"total_optimized": gorm.Expr("total_optimized + ?", optimizedCount),
		}),
	}).Create(&database.APIUsage{
		KeyID:          apiKey.ID,
		Date:           time.Now().Format("2006-01-02"),
		RequestCount:   1,
		TotalEntries:   entryCount,
		TotalOptimized: optimizedCount,
	}).Error
	if err != nil {
		h.Logger.Warn("failed to record usage", zap.Uint("key_id", apiKey.ID), zap.Error(err))
	}
}

// GetUsage returns usage stats for a key
func (h *Handler) GetUsage(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	var usage []database.APIUsage
	if err := h.DB.Where("key_id = ?", id).Order("date desc").Limit(30).Find(&usage).Error; err != nil {
		h.respondError(c, apperrors.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}

// GetMyUsage returns usage stats for the authenticated API key
func (h *Handler) GetMyUsage(c *gin.Context) {
	apiKeyRaw, exists := c.Get("apiKey")
	if !exists {
		h.respondError(c, apperrors.Internal(errors.New("API Key context missing")))
		return
	}
	apiKey := apiKeyRaw.(*database.APIKey)

	var usage []database.APIUsage
	if err := h.DB.Where("key_id = ?", apiKey.ID).Order("date desc").Limit(30).Find(&usage).Error; err != nil {
		h.respondError(c, apperrors.Internal(err))
		return
	}

	var totalRequests, totalEntries, totalOptimized int64
	for _, u := range usage {
		totalRequests += int64(u.RequestCount)
		totalEntries += int64(u.TotalEntries)
		totalOptimized += int64(u.TotalOptimized)
	}

	c.JSON(http.StatusOK, gin.H{
		"key_name":      apiKey.Name,
		"rate_limit":    apiKey.RateLimit,
		"usage_history": usage,
		"totals": gin.H{
			"requests":  totalRequests,
			"entries":   totalEntries,
			"optimized": totalOptimized,
		},
	})
}
