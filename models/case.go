package models

import "time"

type CaseStatus string

const (
	CaseOpen       CaseStatus = "OPEN"
	CaseInProgress CaseStatus = "IN_PROGRESS"
	CaseOnHold     CaseStatus = "ON_HOLD"
	CaseClosed     CaseStatus = "CLOSED"
)

// Valid reports whether s is a known case status.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseOpen, CaseInProgress, CaseOnHold, CaseClosed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Case is a legal matter handled for one client.
type Case struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CaseNumber     string     `gorm:"size:64;not null;uniqueIndex" json:"caseNumber"`
	Title          string     `gorm:"size:255;not null" json:"title"`
	Description    string     `gorm:"type:text" json:"description,omitempty"`
	Type           string     `gorm:"size:64" json:"type,omitempty"`
	Status         CaseStatus `gorm:"size:32;index;not null;default:OPEN" json:"status"`
	Priority       Priority   `gorm:"size:16;not null;default:MEDIUM" json:"priority"`
	ClientID       uint       `gorm:"index;not null" json:"clientId"`
	Client         *User      `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	LeadAttorneyID *uint      `gorm:"index" json:"leadAttorneyId,omitempty"`
	OpenedAt       time.Time  `json:"openedAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`

	Assignments []CaseAssignment `gorm:"foreignKey:CaseID" json:"assignments,omitempty"`
}

// CaseAssignment grants a staff user explicit visibility into a case.
type CaseAssignment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	CaseID    uint      `gorm:"not null;uniqueIndex:idx_case_user" json:"caseId"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_case_user;index" json:"userId"`
	User      *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Role      string    `gorm:"size:64" json:"role,omitempty"`
}
