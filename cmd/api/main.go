package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veritaslab/sermonclips/internal/api"
	"github.com/veritaslab/sermonclips/internal/config"
	"github.com/veritaslab/sermonclips/internal/db"
	"github.com/veritaslab/sermonclips/internal/queue"
	"github.com/veritaslab/sermonclips/internal/services"
	"github.com/veritaslab/sermonclips/internal/storage"
	"github.com/veritaslab/sermonclips/internal/worker"
)

func main() {
	log.Println("Starting SermonClips API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	q.SetRateLimit(cfg.JobRateLimit, time.Duration(cfg.JobRateWindowSec)*time.Second)
	log.Println("Connected to Redis queue")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	ffmpegSvc := services.NewFFmpegService(cfg.TempDir)

	// Dubbing is optional — ElevenLabs preferred, OpenAI TTS as fallback,
	// endpoint returns 501 when neither key is set
	var dubbingSvc *services.DubbingService
	if cfg.ElevenLabsKey != "" {
		dubbingSvc = services.NewDubbingService(services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID), ffmpegSvc)
		log.Printf("Dubbing provider: ElevenLabs (voice: %s)", cfg.ElevenLabsVoiceID)
	} else if cfg.OpenAIKey != "" {
		dubbingSvc = services.NewDubbingService(services.NewOpenAITTSService(cfg.OpenAIKey), ffmpegSvc)
		log.Println("Dubbing provider: OpenAI TTS")
	} else {
		log.Println("Dubbing disabled — no TTS provider configured")
	}

	// Create API handler
	handler := api.NewHandler(database, q, stor, dubbingSvc, cfg.TempDir, cfg.MaxUploadBytes)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		geminiSvc := services.NewGeminiService(cfg.GeminiKey, cfg.GeminiModel, cfg.TempDir)

		w := worker.New(database, q, stor, geminiSvc, ffmpegSvc,
			cfg.MaxConcurrentJobs, time.Duration(cfg.JobTimeoutMin)*time.Minute)

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
