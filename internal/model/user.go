package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is an account that can hold reservations and pays for them from Balance.
type User struct {
	Username     string          `gorm:"primaryKey;size:64"`
	PasswordHash []byte          `gorm:"not null"`
	Balance      decimal.Decimal `gorm:"type:numeric(12,2);not null;check:balance_non_negative,balance >= 0"`
	CreatedAt    time.Time       `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"not null"`

	// Associations
	Reservations []Reservation `gorm:"foreignKey:Username;references:Username"`
}
