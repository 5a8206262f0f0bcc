package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reservation is an active hold on a spot (hot table). SpotID is the primary
// key, so the store itself refuses a second hold on the same spot.
type Reservation struct {
	SpotID     int             `gorm:"primaryKey;autoIncrement:false"`
	ID         string          `gorm:"uniqueIndex;size:36;not null"`
	Username   string          `gorm:"index;size:64;not null"`
	Cost       decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	ReservedAt time.Time       `gorm:"not null"`
	ExpiresAt  time.Time       `gorm:"not null;index"`
}

// Release reasons recorded in ReservationHistory.
const (
	ReasonUnreserved = "unreserved"
	ReasonExpired    = "expired"
)

// ReservationHistory is the archived log of released reservations (cold table).
type ReservationHistory struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	ReservationID string          `gorm:"size:36;not null;index"`
	SpotID        int             `gorm:"not null;index"`
	Username      string          `gorm:"size:64;not null;index"`
	Cost          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	ReservedAt    time.Time       `gorm:"not null"`
	ExpiresAt     time.Time       `gorm:"not null"`
	ReleasedAt    time.Time       `gorm:"not null;index"`
	Reason        string          `gorm:"size:16;not null"`
}
