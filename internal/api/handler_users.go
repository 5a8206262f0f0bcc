package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"findmyspot-backend/internal/store"
)

type postUserRequest struct {
	Username string          `json:"username" binding:"required,max=64"`
	Password string          `json:"password" binding:"required"`
	Balance  decimal.Decimal `json:"balance"`
}

// PostUser creates an account with an opening balance.
func (h *Handler) PostUser(c *gin.Context) {
	var req postUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Balance.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "balance must not be negative"})
		return
	}

	err := h.store.CreateUser(c.Request.Context(), req.Username, req.Password, req.Balance)
	switch {
	case errors.Is(err, store.ErrUserExists):
		c.JSON(http.StatusConflict, gin.H{"error": "user already exists"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"username": req.Username, "balance": req.Balance})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// PostLogin checks a username and password.
func (h *Handler) PostLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.store.Authenticate(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, store.ErrBadCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": req.Username})
}

type accountResponse struct {
	Username     string          `json:"username"`
	Balance      decimal.Decimal `json:"balance"`
	Reservations []int           `json:"reservations"`
}

// GetUser returns the balance and the spots currently held by a user.
func (h *Handler) GetUser(c *gin.Context) {
	username := c.Param("username")
	acct, err := h.store.GetUser(c.Request.Context(), username)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse{
		Username:     acct.Username,
		Balance:      acct.Balance,
		Reservations: h.ledger.GetUserReservations(username),
	})
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PostTopUp adds a positive amount to a user's balance.
func (h *Handler) PostTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}

	username := c.Param("username")
	balance, err := h.store.TopUp(c.Request.Context(), username, req.Amount)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "balance": balance})
}

type historyEntry struct {
	ReservationID string          `json:"reservation_id"`
	SpotID        int             `json:"spot_id"`
	Cost          decimal.Decimal `json:"cost"`
	ReservedAt    time.Time       `json:"reserved_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	ReleasedAt    time.Time       `json:"released_at"`
	Reason        string          `json:"reason"`
}

// GetHistory returns the user's released reservations, newest first.
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(n, 500)
	}

	username := c.Param("username")
	if _, err := h.store.GetUser(c.Request.Context(), username); err != nil {
		writeStoreError(c, err)
		return
	}

	rows, err := h.store.ListHistory(c.Request.Context(), username, limit)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	resp := make([]historyEntry, 0, len(rows))
	for _, r := range rows {
		resp = append(resp, historyEntry{
			ReservationID: r.ReservationID,
			SpotID:        r.SpotID,
			Cost:          r.Cost,
			ReservedAt:    r.ReservedAt,
			ExpiresAt:     r.ExpiresAt,
			ReleasedAt:    r.ReleasedAt,
			Reason:        r.Reason,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, store.ErrInsufficientBalance):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
