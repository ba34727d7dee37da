package handlers

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/auth"
	"github.com/arnavshah/ecs-timetable/pkg/config"
	"github.com/arnavshah/ecs-timetable/pkg/database"
	"github.com/arnavshah/ecs-timetable/pkg/tasks"
)

//go:embed static/*
var staticEmbed embed.FS

// Handler contains dependencies for the route handlers
type Handler struct {
	DB     *gorm.DB
	Store  *database.Store
	Runner *tasks.Runner
	Auth   *auth.Authenticator
	Config *config.Config
	Logger *zap.Logger
}

// respondError writes err as JSON with the status its AppError carries
func (h *Handler) respondError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	body := gin.H{"error": appErr.Message, "code": appErr.Code}
	if appErr.HTTPCode < http.StatusInternalServerError && appErr.Raw != nil {
		body["reason"] = appErr.Raw.Error()
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	if appErr.HTTPCode >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.HTTPCode, body)
}

// bind decodes the JSON body, reporting failures as invalid input
func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.respondError(c, apperrors.InvalidArgument(err))
		return false
	}
	return true
}

func paramID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperrors.InvalidArgument(errors.New("invalid " + name)).WithDetail("param", name)
	}
	return uint(id), nil
}

func bearer(c *gin.Context) string {
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// AuthMiddleware verifies the JWT token for admin routes
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			h.respondError(c, apperrors.Unauthenticated("Authorization header required"))
			return
		}

		claims, err := h.Auth.VerifyToken(token)
		if err != nil {
			h.respondError(c, apperrors.Unauthenticated("Invalid token"))
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}

// APIKeyMiddleware verifies the HMAC API key for timetable routes
func (h *Handler) APIKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearer(c)
		if key == "" {
			h.respondError(c, apperrors.Unauthenticated("API Key required"))
			return
		}

		userID, err := h.Auth.VerifyHMACKey(key)
		if err != nil {
			h.respondError(c, apperrors.Unauthenticated("Invalid API Key signature"))
			return
		}

		apiKey, err := auth.VerifyAPIKey(h.DB, key, userID)
		if err != nil {
			h.respondError(c, apperrors.Internal(err))
			return
		}

		c.Set("apiKey", apiKey)
		c.Set("userID", userID)
		c.Next()
	}
}

// Login handles admin login
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}

	var user database.MasterUser
	if err := h.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		h.respondError(c, apperrors.Unauthenticated("Invalid credentials"))
		return
	}
	if !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		h.respondError(c, apperrors.Unauthenticated("Invalid credentials"))
		return
	}

	token, err := h.Auth.CreateToken(user.Username)
	if err != nil {
		h.respondError(c, apperrors.Internal(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer"})
}

// GenerateKey creates a new API key using the HMAC strategy
func (h *Handler) GenerateKey(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		RateLimit int    `json:"rate_limit" binding:"gte=0"`
	}
	if !h.bind(c, &req) {
		return
	}
	if req.RateLimit == 0 {
		req.RateLimit = 10000
	}

	key := h.Auth.GenerateHMACKey(req.Name)
	apiKey := database.APIKey{
		Key:        key,
		Name:       req.Name,
		KeyPreview: auth.KeyPreview(key),
		RateLimit:  req.RateLimit,
	}
	if err := h.DB.Create(&apiKey).Error; err != nil {
		h.respondError(c, apperrors.Internal(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name": req.Name,
		"key":  key,
	})
}

// ListKeys returns all API keys
func (h *Handler) ListKeys(c *gin.Context) {
	var keys []database.APIKey
	if err := h.DB.Order("id").Find(&keys).Error; err != nil {
		h.respondError(c, apperrors.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RevokeKey deletes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.DB.Delete(&database.APIKey{}, id).Error; err != nil {
		h.respondError(c, apperrors.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked"})
}

// UpdateKeyLimit updates the rate limit for a key
func (h *Handler) UpdateKeyLimit(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req struct {
		RateLimit int `json:"rate_limit" form:"rate_limit"`
	}
	// Try JSON first, then the query string
	if err := c.ShouldBindJSON(&req); err != nil {
		if err := c.ShouldBindQuery(&req); err != nil {
			h.respondError(c, apperrors.InvalidArgument(err))
			return
		}
	}
	if req.RateLimit <= 0 {
		h.respondError(c, apperrors.InvalidArgument(errors.New("invalid rate limit")))
		return
	}

	if err := h.DB.Model(&database.APIKey{}).Where("id = ?", id).Update("rate_limit", req.RateLimit).Error; err != nil {
		h.respondError(c, apperrors.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rate limit updated successfully"})
}

// AdminInterface serves the admin web interface from embedded files
func (h *Handler) AdminInterface(c *gin.Context) {
	data, err := staticEmbed.ReadFile("static/index.html")
	if err != nil {
		h.respondError(c, apperrors.NotFound("static/index.html"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// GetStaticFS returns the embedded filesystem for static assets
func (h *Handler) GetStaticFS() http.FileSystem {
	sub, err := fs.Sub(staticEmbed, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
