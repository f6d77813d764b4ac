package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingStatus tracks whether a time entry or expense has been invoiced.
type BillingStatus string

const (
	BillingUnbilled BillingStatus = "UNBILLED"
	BillingBilled   BillingStatus = "BILLED"
	BillingPaid     BillingStatus = "PAID"
)

var minutesPerHour = decimal.NewFromInt(60)

// TimeEntry is recorded work on a case. Duration is in minutes and Rate is
// hourly.
type TimeEntry struct {
	ID             uint                `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	UserID         uint                `gorm:"index;not null" json:"userId"`
	User           *User               `gorm:"foreignKey:UserID" json:"user,omitempty"`
	CaseID         uint                `gorm:"index;not null" json:"caseId"`
	Case           *Case               `gorm:"foreignKey:CaseID" json:"case,omitempty"`
	TaskID         *uint               `gorm:"index" json:"taskId,omitempty"`
	Description    string              `gorm:"type:text" json:"description"`
	Type           string              `gorm:"size:64" json:"type,omitempty"`
	StartTime      time.Time           `gorm:"not null" json:"startTime"`
	EndTime        *time.Time          `json:"endTime,omitempty"`
	Duration       *int                `json:"duration"`
	Rate           decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"rate"`
	Billable       bool                `gorm:"not null" json:"billable"`
	BillableAmount decimal.NullDecimal `gorm:"type:decimal(14,2)" json:"billableAmount"`
	InvoiceStatus  BillingStatus       `gorm:"size:16;index;not null;default:UNBILLED" json:"invoiceStatus"`
	InvoiceID      *uint               `gorm:"index" json:"invoiceId,omitempty"`
}

// RecomputeBillableAmount sets BillableAmount to duration/60 x rate rounded to
// cents, or clears it unless the entry is billable with rate and duration set.
func (e *TimeEntry) RecomputeBillableAmount() {
	e.BillableAmount = BillableAmount(e.Billable, e.Duration, e.Rate)
}

// BillableAmount is the charge for minutes of work at an hourly rate.
func BillableAmount(billable bool, minutes *int, rate decimal.NullDecimal) decimal.NullDecimal {
	if !billable || minutes == nil || !rate.Valid {
		return decimal.NullDecimal{}
	}
	amt := decimal.NewFromInt(int64(*minutes)).Mul(rate.Decimal).Div(minutesPerHour).Round(2)
	return decimal.NullDecimal{Decimal: amt, Valid: true}
}

// Amount is the billable amount or zero when none applies.
func (e *TimeEntry) Amount() decimal.Decimal {
	if !e.BillableAmount.Valid {
		return decimal.Zero
	}
	return e.BillableAmount.Decimal
}

// ActiveTimer is the single in-progress time-tracking session of a user.
type ActiveTimer struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time           `json:"createdAt"`
	UserID      uint                `gorm:"not null;uniqueIndex" json:"userId"`
	CaseID      *uint               `gorm:"index" json:"caseId,omitempty"`
	TaskID      *uint               `json:"taskId,omitempty"`
	Description string              `gorm:"type:text" json:"description"`
	Type        string              `gorm:"size:64" json:"type,omitempty"`
	Rate        decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"rate"`
	StartTime   time.Time           `gorm:"not null" json:"startTime"`
}
