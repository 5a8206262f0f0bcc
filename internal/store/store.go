package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"findmyspot-backend/internal/model"
)

// passwordCost is the bcrypt work factor for new accounts.
var passwordCost = bcrypt.DefaultCost

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction.
func (s *gormStore) Transaction(ctx context.Context, fn func(tx Gateway) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// GetUser returns the user's balance and the spots they currently hold.
func (s *gormStore) GetUser(ctx context.Context, username string) (Account, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return Account{}, fmt.Errorf("failed to fetch user %s: %w", username, err)
	}

	var spotIDs []int
	if err := s.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("username = ?", username).
		Order("spot_id").
		Pluck("spot_id", &spotIDs).Error; err != nil {
		return Account{}, fmt.Errorf("failed to fetch reservations for user %s: %w", username, err)
	}

	return Account{Username: user.Username, Balance: user.Balance, Reservations: spotIDs}, nil
}

// CreateReservation inserts an active reservation. A spot that is already held yields ErrSpotTaken.
func (s *gormStore) CreateReservation(ctx context.Context, r model.Reservation) error {
	var existing int64
	if err := s.db.WithContext(ctx).Model(&model.Reservation{}).Where("spot_id = ?", r.SpotID).Count(&existing).Error; err != nil {
		return fmt.Errorf("failed to check reservation for spot %d: %w", r.SpotID, err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: spot %d", ErrSpotTaken, r.SpotID)
	}

	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: spot %d", ErrSpotTaken, r.SpotID)
		}
		return fmt.Errorf("failed to create reservation for spot %d: %w", r.SpotID, err)
	}
	return nil
}

// DeleteReservation removes the active reservation on spotID.
func (s *gormStore) DeleteReservation(ctx context.Context, spotID int) error {
	res := s.db.WithContext(ctx).Delete(&model.Reservation{}, spotID)
	if res.Error != nil {
		return fmt.Errorf("failed to delete reservation for spot %d: %w", spotID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: spot %d", ErrReservationNotFound, spotID)
	}
	return nil
}

// AdjustBalance applies delta in a single conditional UPDATE so the balance can never drop below zero.
func (s *gormStore) AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) error {
	res := s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("username = ? AND balance + ? >= 0", username, delta).
		Update("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("failed to adjust balance for %s: %w", username, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up user %s: %w", username, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return fmt.Errorf("%w: %s cannot cover %s", ErrInsufficientBalance, username, delta.Neg())
}

func (s *gormStore) ListActiveReservationSpotIDs(ctx context.Context) (map[int]struct{}, error) {
	var spotIDs []int
	if err := s.db.WithContext(ctx).Model(&model.Reservation{}).Pluck("spot_id", &spotIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to list reserved spots: %w", err)
	}
	set := make(map[int]struct{}, len(spotIDs))
	for _, id := range spotIDs {
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *gormStore) ListActiveReservations(ctx context.Context) ([]model.Reservation, error) {
	var reservations []model.Reservation
	if err := s.db.WithContext(ctx).Order("spot_id").Find(&reservations).Error; err != nil {
		return nil, fmt.Errorf("failed to list active reservations: %w", err)
	}
	return reservations, nil
}

// ArchiveReservation writes a historical record of a released reservation.
func (s *gormStore) ArchiveReservation(ctx context.Context, r model.Reservation, releasedAt time.Time, reason string) error {
	history := model.ReservationHistory{
		ReservationID: r.ID,
		SpotID:        r.SpotID,
		Username:      r.Username,
		Cost:          r.Cost,
		ReservedAt:    r.ReservedAt,
		ExpiresAt:     r.ExpiresAt,
		ReleasedAt:    releasedAt,
		Reason:        reason,
	}
	if err := s.db.WithContext(ctx).Create(&history).Error; err != nil {
		return fmt.Errorf("failed to archive reservation for spot %d: %w", r.SpotID, err)
	}
	return nil
}

// CreateUser registers a new account with a bcrypt-hashed password.
func (s *gormStore) CreateUser(ctx context.Context, username, password string, balance decimal.Decimal) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to look up user %s: %w", username, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		user := model.User{Username: username, PasswordHash: hash, Balance: balance}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("failed to create user %s: %w", username, err)
		}
		log.Printf("Created user %s with balance %s", username, balance)
		return nil
	})
}

// Authenticate checks a username/password pair.
func (s *gormStore) Authenticate(ctx context.Context, username, password string) error {
	var user model.User
	if err := s.db.WithContext(ctx).Select("username", "password_hash").First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBadCredentials
		}
		return fmt.Errorf("failed to fetch user %s: %w", username, err)
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// TopUp credits amount to the user's balance and returns the new balance.
func (s *gormStore) TopUp(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.Transaction(ctx, func(tx Gateway) error {
		if err := tx.AdjustBalance(ctx, username, amount); err != nil {
			return err
		}
		acct, err := tx.GetUser(ctx, username)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	return balance, err
}

func (s *gormStore) ListHistory(ctx context.Context, username string, limit int) ([]model.ReservationHistory, error) {
	var history []model.ReservationHistory
	q := s.db.WithContext(ctx).Where("username = ?", username).Order("released_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to list history for %s: %w", username, err)
	}
	return history, nil
}

// PutSubscription creates or replaces a push subscription.
func (s *gormStore) PutSubscription(ctx context.Context, sub model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "p256dh", "auth"}),
	}).Create(&sub).Error
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sub, ErrSubscriptionNotFound
		}
		return sub, err
	}
	return sub, nil
}

func (s *gormStore) ListSubscriptions(ctx context.Context, username string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("username = ?", username).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for %s: %w", username, err)
	}
	return subs, nil
}
