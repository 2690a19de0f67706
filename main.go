package main

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"corpus_back/knowledge"
	"corpus_back/storage"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	module, err := knowledge.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register knowledge routes: %v", err)
	}
	defer module.Service().Close()

	if err := startPurgeScheduler(); err != nil {
		log.Printf("temp file purge scheduler disabled: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if origins == "" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = strings.Split(origins, ",")
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	return cfg
}

func startPurgeScheduler() error {
	store, err := storage.NewFromEnv()
	if err != nil {
		return err
	}

	schedule := os.Getenv("STORAGE_PURGE_SCHEDULE")
	if schedule == "" {
		schedule = "@hourly"
	}
	maxAge := 24 * time.Hour
	if raw := strings.TrimSpace(os.Getenv("STORAGE_TEMP_MAX_AGE")); raw != "" {
		parsed, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return parseErr
		}
		maxAge = parsed
	}

	_, err = storage.StartPurgeScheduler(store, schedule, maxAge)
	return err
}
