package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"findmyspot-backend/internal/model"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrBadCredentials      = errors.New("invalid username or password")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrSpotTaken           = errors.New("spot already has an active reservation")

	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Account is the balance view of a user together with the spots they hold.
type Account struct {
	Username     string
	Balance      decimal.Decimal
	Reservations []int
}

// Gateway is the narrow persistence contract the reservation ledger depends on.
// The store is a durable mirror of ledger state, not a second owner.
type Gateway interface {
	GetUser(ctx context.Context, username string) (Account, error)
	CreateReservation(ctx context.Context, r model.Reservation) error
	DeleteReservation(ctx context.Context, spotID int) error
	// AdjustBalance adds delta to the user's balance. A result below zero is
	// rejected with ErrInsufficientBalance and nothing is changed.
	AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) error
	ListActiveReservationSpotIDs(ctx context.Context) (map[int]struct{}, error)
	ListActiveReservations(ctx context.Context) ([]model.Reservation, error)
	ArchiveReservation(ctx context.Context, r model.Reservation, releasedAt time.Time, reason string) error
	// Transaction runs fn against a transactional view of the gateway. Nothing
	// fn did is kept unless it returns nil.
	Transaction(ctx context.Context, fn func(tx Gateway) error) error
}

// Store defines the interface for all persistence operations.
type Store interface {
	Gateway

	CreateUser(ctx context.Context, username, password string, balance decimal.Decimal) error
	Authenticate(ctx context.Context, username, password string) error
	TopUp(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error)
	ListHistory(ctx context.Context, username string, limit int) ([]model.ReservationHistory, error)

	PutSubscription(ctx context.Context, sub model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	ListSubscriptions(ctx context.Context, username string) ([]model.PushSubscription, error)

	// DB returns the underlying gorm handle, or nil for stores without one.
	DB() *gorm.DB
}
