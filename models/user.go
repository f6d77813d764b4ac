package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a firm member or a client. Email is the login name.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Email          string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	HashedPassword []byte    `gorm:"not null" json:"-"`
	Role           Role      `gorm:"size:32;index;not null" json:"role"`
	Phone          string    `gorm:"size:64" json:"phone,omitempty"`
	Company        string    `gorm:"size:255" json:"company,omitempty"`
	Address        string    `gorm:"size:512" json:"address,omitempty"`
	Active         bool      `gorm:"default:true;not null" json:"active"`
	// HourlyRate is the default rate for timers started by this user.
	HourlyRate decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"hourlyRate"`
}
