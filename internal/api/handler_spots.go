package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"findmyspot-backend/internal/reconcile"
	"findmyspot-backend/internal/spot"
)

type spotResponse struct {
	ID      int           `json:"id"`
	Polygon [4]spot.Point `json:"polygon"`
	Bounds  spot.Rect     `json:"bounds"`
}

// GetSpots returns the geometry of every configured spot.
func (h *Handler) GetSpots(c *gin.Context) {
	spots := h.spots.All()
	resp := make([]spotResponse, 0, len(spots))
	for _, s := range spots {
		resp = append(resp, spotResponse{ID: s.ID, Polygon: s.Polygon, Bounds: s.Envelope()})
	}
	c.JSON(http.StatusOK, resp)
}

type statusResponse struct {
	Spots   []reconcile.SpotStatus `json:"spots"`
	Summary reconcile.Summary      `json:"summary"`
}

// GetSpotStatus returns the unified status computed by the latest reconciliation pass.
func (h *Handler) GetSpotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Spots:   h.loop.Statuses(),
		Summary: h.loop.Summary(),
	})
}

// GetRemainingTime handles GET /api/spots/:spot_id/remaining.
func (h *Handler) GetRemainingTime(c *gin.Context) {
	spotID, ok := spotIDParam(c)
	if !ok {
		return
	}
	if !h.spots.Has(spotID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "spot not found"})
		return
	}

	remaining := h.ledger.RemainingTime(spotID, h.now())
	resp := gin.H{
		"spot_id":           spotID,
		"reserved":          remaining > 0,
		"remaining_seconds": int(remaining.Seconds()),
	}
	if r, ok := h.ledger.Get(spotID); ok && remaining > 0 {
		resp["username"] = r.Username
		resp["expires_at"] = r.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

func spotIDParam(c *gin.Context) (int, bool) {
	spotID, err := strconv.Atoi(c.Param("spot_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid spot ID"})
		return 0, false
	}
	return spotID, true
}
