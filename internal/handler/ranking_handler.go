package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/nlm-vision/trake/internal/port"
	"github.com/nlm-vision/trake/internal/service"
)

// RankingHandler handles event-sequence video ranking endpoints.
type RankingHandler struct {
	ranking *service.RankingService
	tracker *JobTracker
}

// NewRankingHandler creates a new ranking handler.
func NewRankingHandler(ranking *service.RankingService, tracker *JobTracker) *RankingHandler {
	return &RankingHandler{ranking: ranking, tracker: tracker}
}

// Register sets up ranking routes.
func (h *RankingHandler) Register(router fiber.Router) {
	router.Post("/rank", h.Rank)
	router.Post("/rank/async", h.RankAsync)
}

type rankRequestBody struct {
	Events        []string `json:"events"`
	TopK          int      `json:"top_k"`
	PenaltyWeight *float64 `json:"penalty_weight"`
	ExcludeGroups []string `json:"exclude_groups"`
	IncludeGroups []string `json:"include_groups"`
	IncludeVideos []int    `json:"include_videos"`
}

// validate normalizes the body and returns a human-readable problem, if any.
func (b *rankRequestBody) validate() string {
	if b.TopK == 0 {
		b.TopK = 10
	}
	if b.TopK < 1 || b.TopK > 100 {
		return "top_k must be between 1 and 100"
	}
	if b.PenaltyWeight != nil && *b.PenaltyWeight < 0 {
		return "penalty_weight must be non-negative"
	}
	return ""
}

func (b *rankRequestBody) toRequest() service.RankingRequest {
	return service.RankingRequest{
		Events:        b.Events,
		TopK:          b.TopK,
		PenaltyWeight: b.PenaltyWeight,
		ExcludeGroups: b.ExcludeGroups,
		IncludeGroups: b.IncludeGroups,
		IncludeVideos: b.IncludeVideos,
	}
}

// Rank runs the full ranking pipeline synchronously.
func (h *RankingHandler) Rank(c fiber.Ctx) error {
	var body rankRequestBody
	if err := c.Bind().JSON(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if msg := body.validate(); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
	}

	results, err := h.ranking.Rank(c.Context(), body.toRequest())
	if err != nil {
		return rankingErrorResponse(c, err)
	}

	return c.JSON(fiber.Map{"results": results})
}

// RankAsync starts a ranking job in the background and returns its id.
// Progress and results are available via the jobs endpoints.
func (h *RankingHandler) RankAsync(c fiber.Ctx) error {
	var body rankRequestBody
	if err := c.Bind().JSON(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if msg := body.validate(); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
	}

	jobID := uuid.New().String()
	h.tracker.CreateJob(jobID)
	req := body.toRequest()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		results, err := h.ranking.RankWithProgress(ctx, req, func(done, total int) {
			h.tracker.UpdateProgress(jobID, done, total)
		})
		if err != nil {
			slog.Error("async ranking failed", "job_id", jobID, "error", err)
			h.tracker.FailJob(jobID, err.Error())
			return
		}
		h.tracker.CompleteJob(jobID, results)
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": jobID})
}

// rankingErrorResponse maps pipeline errors to status codes: failures of the
// external collaborators surface as 502, everything else as 500.
func rankingErrorResponse(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	if errors.Is(err, port.ErrEmbeddingFailed) || errors.Is(err, port.ErrPrefilterFailed) {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
