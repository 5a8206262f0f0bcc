package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"findmyspot-backend/internal/detection"
	"findmyspot-backend/internal/occupancy"
)

type postDetectionsRequest struct {
	Frame      int                      `json:"frame" binding:"min=0"`
	CapturedAt time.Time                `json:"captured_at"`
	Boxes      []occupancy.DetectionBox `json:"boxes"`
}

// PostDetections accepts one frame of boxes from an external detector.
func (h *Handler) PostDetections(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "detections are read from a recording; the feed is disabled"})
		return
	}

	var req postDetectionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, b := range req.Boxes {
		if b.Confidence < 0 || b.Confidence > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "confidence must be between 0 and 1"})
			return
		}
	}

	err := h.feed.Publish(detection.Frame{Seq: req.Frame, Boxes: req.Boxes, CapturedAt: req.CapturedAt})
	if errors.Is(err, detection.ErrFeedClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
