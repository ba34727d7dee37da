package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/arnavshah/ecs-timetable/pkg/app"
	"github.com/arnavshah/ecs-timetable/pkg/config"
	"github.com/arnavshah/ecs-timetable/pkg/logger"
)

var r *gin.Engine

func init() {
	// Load .env if it exists (for local testing with vercel dev)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg, err := config.FromEnv()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(err)
	}

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		panic(err)
	}

	gin.SetMode(gin.ReleaseMode)
	r = a.Handler.NewRouter()
}

// Handler is the entry point for Vercel Go Runtime
func Handler(w http.ResponseWriter, req *http.Request) {
	r.ServeHTTP(w, req)
}
