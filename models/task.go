package models

import "time"

type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskReview     TaskStatus = "REVIEW"
	TaskDone       TaskStatus = "DONE"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskReview, TaskDone:
		return true
	}
	return false
}

// Task is a unit of work inside a case, shown on the kanban board.
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CaseID      uint       `gorm:"index;not null" json:"caseId"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
	Status      TaskStatus `gorm:"size:32;index;not null;default:TODO" json:"status"`
	Priority    Priority   `gorm:"size:16;not null;default:MEDIUM" json:"priority"`
	AssigneeID  *uint      `gorm:"index" json:"assigneeId,omitempty"`
	CreatedByID uint       `gorm:"not null" json:"createdById"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Position    int        `gorm:"not null;default:0" json:"position"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
