package handler

import (
	"github.com/gofiber/fiber/v3"

	"github.com/nlm-vision/trake/internal/service"
)

// SearchHandler handles single-query keyframe search endpoints.
type SearchHandler struct {
	search *service.SearchService
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(search *service.SearchService) *SearchHandler {
	return &SearchHandler{search: search}
}

// Register sets up search routes.
func (h *SearchHandler) Register(router fiber.Router) {
	router.Post("/search", h.Search)
}

// Search embeds one query and returns the most similar keyframes.
func (h *SearchHandler) Search(c fiber.Ctx) error {
	var body struct {
		Query          string   `json:"query"`
		TopK           int      `json:"top_k"`
		ScoreThreshold *float64 `json:"score_threshold"`
		ExcludeGroups  []string `json:"exclude_groups"`
		IncludeGroups  []string `json:"include_groups"`
		IncludeVideos  []int    `json:"include_videos"`
	}
	if err := c.Bind().JSON(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if body.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "query is required"})
	}
	if body.TopK == 0 {
		body.TopK = 10
	}
	if body.TopK < 1 || body.TopK > 1000 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "top_k must be between 1 and 1000"})
	}

	results, err := h.search.Search(c.Context(), service.SearchRequest{
		Query:          body.Query,
		TopK:           body.TopK,
		ScoreThreshold: body.ScoreThreshold,
		Filter: service.KeyFilter{
			ExcludeGroups: body.ExcludeGroups,
			IncludeGroups: body.IncludeGroups,
			IncludeVideos: body.IncludeVideos,
		},
	})
	if err != nil {
		return rankingErrorResponse(c, err)
	}

	return c.JSON(fiber.Map{"results": results})
}
