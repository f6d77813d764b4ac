package models

import "time"

// Appointment is a meeting or hearing on the firm calendar.
type Appointment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CaseID      *uint     `gorm:"index" json:"caseId,omitempty"`
	OrganizerID uint      `gorm:"index;not null" json:"organizerId"`
	ClientID    *uint     `gorm:"index" json:"clientId,omitempty"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	Location    string    `gorm:"size:255" json:"location,omitempty"`
	StartTime   time.Time `gorm:"index;not null" json:"startTime"`
	EndTime     time.Time `gorm:"not null" json:"endTime"`
	Notes       string    `gorm:"type:text" json:"notes,omitempty"`
}
