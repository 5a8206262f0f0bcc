package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"findmyspot-backend/internal/ledger"
	"findmyspot-backend/internal/model"
)

type reservationResponse struct {
	ID         string          `json:"id"`
	SpotID     int             `json:"spot_id"`
	Username   string          `json:"username"`
	Cost       decimal.Decimal `json:"cost"`
	ReservedAt time.Time       `json:"reserved_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

func newReservationResponse(r model.Reservation) reservationResponse {
	return reservationResponse{
		ID:         r.ID,
		SpotID:     r.SpotID,
		Username:   r.Username,
		Cost:       r.Cost,
		ReservedAt: r.ReservedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

type postReservationRequest struct {
	Username    string `json:"username" binding:"required"`
	SpotID      *int   `json:"spot_id" binding:"required"`
	HoldSeconds int    `json:"hold_seconds" binding:"min=0"`
}

// PostReservation reserves a spot for a user and charges the reservation cost.
func (h *Handler) PostReservation(c *gin.Context) {
	var req postReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hold := time.Duration(req.HoldSeconds) * time.Second
	r, err := h.ledger.Reserve(c.Request.Context(), req.Username, *req.SpotID, hold, decimal.Zero)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newReservationResponse(r))
}

type deleteReservationRequest struct {
	Username string `json:"username" binding:"required"`
}

// DeleteReservation releases a spot held by the user and refunds the cost.
func (h *Handler) DeleteReservation(c *gin.Context) {
	spotID, ok := spotIDParam(c)
	if !ok {
		return
	}
	var req deleteReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := h.ledger.Unreserve(c.Request.Context(), req.Username, spotID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReservationResponse(r))
}

func writeLedgerError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch kind := ledger.KindOf(err); {
	case errors.Is(err, ledger.ErrUnknownUser):
		status = http.StatusNotFound
	case kind == ledger.KindValidation:
		status = http.StatusBadRequest
	case kind == ledger.KindConflict:
		status = http.StatusConflict
	case kind == ledger.KindInsufficientFunds:
		status = http.StatusPaymentRequired
	case kind == ledger.KindPersistence:
		status = http.StatusServiceUnavailable
	}

	resp := gin.H{"error": err.Error()}
	var le *ledger.Error
	if errors.As(err, &le) {
		resp["kind"] = le.Kind.String()
		resp["retryable"] = le.Retryable()
	}
	c.AbortWithStatusJSON(status, resp)
}
