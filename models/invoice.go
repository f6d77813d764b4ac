package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoiceSent          InvoiceStatus = "SENT"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue:
		return true
	}
	return false
}

// Invoice bills a client for time entries and expenses on one case.
// Total is always Subtotal + Tax.
type Invoice struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time       `gorm:"index" json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	InvoiceNumber string          `gorm:"size:64;not null;uniqueIndex" json:"invoiceNumber"`
	CaseID        uint            `gorm:"index;not null" json:"caseId"`
	Case          *Case           `gorm:"foreignKey:CaseID" json:"case,omitempty"`
	ClientID      uint            `gorm:"index;not null" json:"clientId"`
	Client        *User           `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	IssueDate     time.Time       `gorm:"not null" json:"issueDate"`
	DueDate       time.Time       `gorm:"index;not null" json:"dueDate"`
	Status        InvoiceStatus   `gorm:"size:32;index;not null;default:DRAFT" json:"status"`
	Subtotal      decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"subtotal"`
	Tax           decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"tax"`
	Total         decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"total"`
	Notes         string          `gorm:"type:text" json:"notes,omitempty"`

	TimeEntries []TimeEntry `gorm:"foreignKey:InvoiceID" json:"timeEntries,omitempty"`
	Expenses    []Expense   `gorm:"foreignKey:InvoiceID" json:"expenses,omitempty"`
	Payments    []Payment   `gorm:"foreignKey:InvoiceID" json:"payments,omitempty"`
}

// ApplyTax recomputes Tax and Total from Subtotal.
func (inv *Invoice) ApplyTax(rate decimal.Decimal) {
	inv.Tax = inv.Subtotal.Mul(rate).Round(2)
	inv.Total = inv.Subtotal.Add(inv.Tax)
}

// Payment is an append-only record of money received against an invoice.
type Payment struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time       `json:"createdAt"`
	InvoiceID    uint            `gorm:"index;not null" json:"invoiceId"`
	Amount       decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Method       string          `gorm:"size:32;not null" json:"method"`
	PaymentDate  time.Time       `gorm:"not null" json:"paymentDate"`
	Reference    string          `gorm:"size:128" json:"reference,omitempty"`
	RecordedByID uint            `gorm:"not null" json:"recordedById"`
}

// Expense is a disbursement on a case that can be passed on to the client.
type Expense struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CaseID        uint            `gorm:"index;not null" json:"caseId"`
	UserID        uint            `gorm:"index;not null" json:"userId"`
	Description   string          `gorm:"size:512;not null" json:"description"`
	Category      string          `gorm:"size:64" json:"category,omitempty"`
	Amount        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Date          time.Time       `gorm:"not null" json:"date"`
	Billable      bool            `gorm:"not null" json:"billable"`
	InvoiceStatus BillingStatus   `gorm:"size:16;index;not null;default:UNBILLED" json:"invoiceStatus"`
	InvoiceID     *uint           `gorm:"index" json:"invoiceId,omitempty"`
}
