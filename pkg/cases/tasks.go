package cases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/notify"
)

type TaskRequest struct {
	CaseID      uint              `json:"caseId" binding:"required"`
	Title       string            `json:"title" binding:"required"`
	Description string            `json:"description"`
	Status      models.TaskStatus `json:"status"`
	Priority    models.Priority   `json:"priority"`
	AssigneeID  *uint             `json:"assigneeId"`
	DueDate     *time.Time        `json:"dueDate"`
}

// CreateTask adds a task at the bottom of its status column and tells the
// assignee about it.
func (s *Service) CreateTask(ctx context.Context, actor *models.User, req TaskRequest) (*models.Task, error) {
	const op = "cases.CreateTask"
	status := req.Status
	if status == "" {
		status = models.TaskTodo
	}
	if !status.Valid() {
		return nil, apperr.Validation(op, "unknown task status")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.Validation(op, "title is required")
	}

	var t models.Task
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := access.RequireCase(tx, actor, req.CaseID, op); err != nil {
			return err
		}
		if req.AssigneeID != nil {
			if err := requireStaff(tx, *req.AssigneeID, op); err != nil {
				return err
			}
		}
		pos, err := nextPosition(tx, req.CaseID, status)
		if err != nil {
			return err
		}
		t = models.Task{
			CaseID:      req.CaseID,
			Title:       title,
			Description: req.Description,
			Status:      status,
			Priority:    priority,
			AssigneeID:  req.AssigneeID,
			CreatedByID: actor.ID,
			DueDate:     req.DueDate,
			Position:    pos,
		}
		if status == models.TaskDone {
			now := s.now()
			t.CompletedAt = &now
		}
		if err := tx.Create(&t).Error; err != nil {
			return err
		}
		notes, err = s.notify.Create(ctx, tx, assignedNote(&t, actor)...)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return &t, nil
}

type TaskFilter struct {
	CaseID     uint
	AssigneeID uint
	Status     models.TaskStatus
}

// ListTasks returns tasks on cases visible to u in board order.
func (s *Service) ListTasks(ctx context.Context, u *models.User, f TaskFilter) ([]models.Task, error) {
	q := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("case_id IN (?)", access.VisibleCaseIDs(s.db, u))
	if f.CaseID != 0 {
		q = q.Where("case_id = ?", f.CaseID)
	}
	if f.AssigneeID != 0 {
		q = q.Where("assignee_id = ?", f.AssigneeID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var out []models.Task
	if err := q.Order("status, position, id").Find(&out).Error; err != nil {
		return nil, apperr.Wrap("cases.ListTasks", err)
	}
	return out, nil
}

// GetTask loads a task on a case visible to u.
func (s *Service) GetTask(ctx context.Context, u *models.User, id uint) (*models.Task, error) {
	const op = "cases.GetTask"
	var t models.Task
	err := s.db.WithContext(ctx).
		Where("id = ? AND case_id IN (?)", id, access.VisibleCaseIDs(s.db, u)).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "task")
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &t, nil
}

// TaskUpdate patches a task. AssigneeID 0 unassigns it.
type TaskUpdate struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Priority    *models.Priority `json:"priority"`
	AssigneeID  *uint            `json:"assigneeId"`
	DueDate     *time.Time       `json:"dueDate"`
}

func (s *Service) UpdateTask(ctx context.Context, actor *models.User, id uint, req TaskUpdate) (*models.Task, error) {
	const op = "cases.UpdateTask"
	var t models.Task
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadVisibleTask(tx, actor, id, &t, op); err != nil {
			return err
		}
		if req.Title != nil {
			title := strings.TrimSpace(*req.Title)
			if title == "" {
				return apperr.Validation(op, "title must not be empty")
			}
			t.Title = title
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Priority != nil {
			if !req.Priority.Valid() {
				return apperr.Validation(op, "unknown priority")
			}
			t.Priority = *req.Priority
		}
		if req.DueDate != nil {
			t.DueDate = req.DueDate
		}
		reassigned := false
		if req.AssigneeID != nil {
			switch {
			case *req.AssigneeID == 0:
				t.AssigneeID = nil
			case t.AssigneeID == nil || *t.AssigneeID != *req.AssigneeID:
				if err := requireStaff(tx, *req.AssigneeID, op); err != nil {
					return err
				}
				aid := *req.AssigneeID
				t.AssigneeID = &aid
				reassigned = true
			}
		}
		if err := tx.Save(&t).Error; err != nil {
			return err
		}
		if !reassigned {
			return nil
		}
		var err error
		notes, err = s.notify.Create(ctx, tx, assignedNote(&t, actor)...)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return &t, nil
}

// MoveTask changes a task's status column and, optionally, its position in
// it. Completing a task notifies the case staff.
func (s *Service) MoveTask(ctx context.Context, actor *models.User, id uint, status models.TaskStatus, position *int) (*models.Task, error) {
	const op = "cases.MoveTask"
	if !status.Valid() {
		return nil, apperr.Validation(op, "unknown task status")
	}
	var t models.Task
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadVisibleTask(tx, actor, id, &t, op); err != nil {
			return err
		}
		completed := status == models.TaskDone && t.Status != models.TaskDone
		if status != t.Status && position == nil {
			pos, err := nextPosition(tx, t.CaseID, status)
			if err != nil {
				return err
			}
			t.Position = pos
		}
		if position != nil {
			if *position < 0 {
				return apperr.Validation(op, "position must not be negative")
			}
			t.Position = *position
		}
		t.Status = status
		if status == models.TaskDone {
			if t.CompletedAt == nil {
				now := s.now()
				t.CompletedAt = &now
			}
		} else {
			t.CompletedAt = nil
		}
		if err := tx.Save(&t).Error; err != nil {
			return err
		}
		if !completed {
			return nil
		}
		var c models.Case
		if err := tx.First(&c, t.CaseID).Error; err != nil {
			return err
		}
		audience, err := access.CaseMembers(tx, &c)
		if err != nil {
			return err
		}
		var pending []notify.Note
		for _, uid := range audience {
			if uid == actor.ID || uid == c.ClientID {
				continue
			}
			pending = append(pending, notify.Note{
				UserID: uid, Type: models.NotifyTaskCompleted,
				Title:    "Task completed",
				Message:  fmt.Sprintf("%q on case %s was completed by %s.", t.Title, c.CaseNumber, actor.Name),
				Metadata: map[string]any{"taskId": t.ID, "caseId": c.ID},
			})
		}
		notes, err = s.notify.Create(ctx, tx, pending...)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return &t, nil
}

func (s *Service) DeleteTask(ctx context.Context, actor *models.User, id uint) error {
	const op = "cases.DeleteTask"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Task
		if err := loadVisibleTask(tx, actor, id, &t, op); err != nil {
			return apperr.Wrap(op, err)
		}
		// entries keep their case but lose the task reference
		if err := tx.Model(&models.TimeEntry{}).Where("task_id = ?", t.ID).Update("task_id", nil).Error; err != nil {
			return apperr.Wrap(op, err)
		}
		return apperr.Wrap(op, tx.Delete(&t).Error)
	})
}

func loadVisibleTask(tx *gorm.DB, u *models.User, id uint, t *models.Task, op string) error {
	err := tx.Where("id = ? AND case_id IN (?)", id, access.VisibleCaseIDs(tx, u)).First(t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, "task")
	}
	return err
}

func nextPosition(tx *gorm.DB, caseID uint, status models.TaskStatus) (int, error) {
	var top sql.NullInt64
	err := tx.Model(&models.Task{}).Where("case_id = ? AND status = ?", caseID, status).
		Select("MAX(position)").Row().Scan(&top)
	if err != nil {
		return 0, err
	}
	if !top.Valid {
		return 0, nil
	}
	return int(top.Int64) + 1, nil
}

func assignedNote(t *models.Task, actor *models.User) []notify.Note {
	if t.AssigneeID == nil || *t.AssigneeID == actor.ID {
		return nil
	}
	return []notify.Note{{
		UserID: *t.AssigneeID, Type: models.NotifyTaskAssigned,
		Title:    "Task assigned",
		Message:  fmt.Sprintf("%s assigned you %q.", actor.Name, t.Title),
		Metadata: map[string]any{"taskId": t.ID, "caseId": t.CaseID},
	}}
}
