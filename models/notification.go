package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	NotifyTaskAssigned    = "TASK_ASSIGNED"
	NotifyTaskCompleted   = "TASK_COMPLETED"
	NotifyCaseCreated     = "CASE_CREATED"
	NotifyCaseAssigned    = "CASE_ASSIGNED"
	NotifyCaseUpdated     = "CASE_UPDATED"
	NotifyInvoiceSent     = "INVOICE_SENT"
	NotifyPaymentReceived = "PAYMENT_RECEIVED"
	NotifyAppointment     = "APPOINTMENT"
	NotifyDocumentAdded   = "DOCUMENT_ADDED"
)

type Notification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time         `gorm:"index" json:"createdAt"`
	UserID    uint              `gorm:"index;not null" json:"userId"`
	Type      string            `gorm:"size:32;not null" json:"type"`
	Title     string            `gorm:"size:255;not null" json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	Read      bool              `gorm:"not null;default:false;index" json:"read"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
}
