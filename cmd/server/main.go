package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/nlm-vision/trake/internal/adapter/ai"
	"github.com/nlm-vision/trake/internal/adapter/store"
	"github.com/nlm-vision/trake/internal/handler"
	"github.com/nlm-vision/trake/internal/mcp"
	"github.com/nlm-vision/trake/internal/middleware"
	"github.com/nlm-vision/trake/internal/ranges"
	"github.com/nlm-vision/trake/internal/service"
	"github.com/nlm-vision/trake/pkg/config"

	_ "github.com/lib/pq"
)

func main() {
	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()

	slog.Info("🚀 Starting TRAKE",
		"port", cfg.Port,
		"ollama_embed", cfg.OllamaEmbedURL,
		"ranges_path", cfg.VideoRangesPath,
	)

	// ── Lookup tables ────────────────────────────────────────────────────
	// The service cannot rank anything without the range table.
	rangeTable, err := ranges.Load(cfg.VideoRangesPath)
	if err != nil {
		slog.Error("failed to load video range table", "path", cfg.VideoRangesPath, "error", err)
		os.Exit(1)
	}
	slog.Info("video range table loaded", "videos", rangeTable.Len())

	keyIndex, err := ranges.LoadKeyIndex(cfg.KeyIndexPath, cfg.ImageBaseURL)
	if err != nil {
		slog.Warn("key index unavailable, responses will omit image paths",
			"path", cfg.KeyIndexPath, "error", err)
		keyIndex = nil
	}

	// ── Database ─────────────────────────────────────────────────────────
	pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	vectorStore := store.NewVectorStore(pgStore, cfg.EmbeddingDimension)

	var cache *store.RankingCache
	if cfg.RedisAddr != "" {
		cache, err = store.NewRankingCache(cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			slog.Warn("ranking cache disabled", "error", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	// ── Adapters ─────────────────────────────────────────────────────────
	embedder := ai.NewOllamaEmbedder(ai.OllamaConfig{
		BaseURL: cfg.OllamaEmbedURL,
		Model:   cfg.OllamaEmbedModel,
		Token:   cfg.OllamaEmbedToken,
	})

	// ── Services ─────────────────────────────────────────────────────────
	var resultCache service.ResultCache
	if cache != nil {
		resultCache = cache
	}
	rankingService := service.NewRankingService(
		embedder, vectorStore, pgStore, rangeTable, keyIndex, resultCache,
		service.RankingConfig{
			PrefilterTopK:    cfg.PrefilterTopK,
			DefaultPenalty:   cfg.DefaultPenaltyWeight,
			MaxConcurrent:    cfg.MaxConcurrentVideos,
			Timeout:          cfg.RankTimeout,
			NearestPerSecond: cfg.NearestPerSecond,
			NearestBurst:     cfg.NearestBurst,
		},
	)
	searchService := service.NewSearchService(embedder, vectorStore, pgStore, keyIndex)

	// ── Fiber App ────────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.FrontendURL},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	// Query log middleware (logs all requests)
	app.Use(middleware.QueryLogMiddleware(pgStore))

	// Health check
	app.Get("/api/v1/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"app":     cfg.AppName,
			"model":   embedder.ModelName(),
			"videos":  rangeTable.Len(),
			"version": "1.0.0",
		})
	})

	// ── Routes ───────────────────────────────────────────────────────────
	api := app.Group("/api/v1")

	jobTracker := handler.NewJobTracker()

	rankingHandler := handler.NewRankingHandler(rankingService, jobTracker)
	rankingHandler.Register(api)

	jobsHandler := handler.NewJobsHandler(jobTracker)
	jobsHandler.Register(api)

	searchHandler := handler.NewSearchHandler(searchService)
	searchHandler.Register(api)

	// ── MCP Server (separate port) ───────────────────────────────────────
	if cfg.MCPEnabled {
		mcpServer := mcp.NewServer(rankingService, searchService, cfg.MCPPort)
		go func() {
			if err := mcpServer.Start(); err != nil {
				slog.Error("MCP server failed", "error", err)
			}
		}()
	}

	// ── Start ────────────────────────────────────────────────────────────
	slog.Info("🌐 Fiber listening", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
