package timetrack

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/database"
)

type StartRequest struct {
	CaseID      *uint            `json:"caseId"`
	TaskID      *uint            `json:"taskId"`
	Description string           `json:"description"`
	Type        string           `json:"type"`
	Rate        *decimal.Decimal `json:"rate"`
}

type StopRequest struct {
	CaseID      *uint   `json:"caseId"`
	TaskID      *uint   `json:"taskId"`
	Description *string `json:"description"`
	Billable    *bool   `json:"billable"`
}

// StartTimer starts the user's timer. A user has at most one; the unique
// index on active_timers.user_id catches a concurrent second start.
func (s *Service) StartTimer(ctx context.Context, user *models.User, req StartRequest) (*models.ActiveTimer, error) {
	const op = "timetrack.StartTimer"
	t := models.ActiveTimer{
		UserID:      user.ID,
		CaseID:      req.CaseID,
		TaskID:      req.TaskID,
		Description: strings.TrimSpace(req.Description),
		Type:        req.Type,
		Rate:        user.HourlyRate,
		StartTime:   s.now(),
	}
	if req.Rate != nil {
		if req.Rate.IsNegative() {
			return nil, apperr.Validation(op, "rate must not be negative")
		}
		t.Rate = decimal.NullDecimal{Decimal: *req.Rate, Valid: true}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&models.ActiveTimer{}).Where("user_id = ?", user.ID).Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return apperr.BusinessRule(op, "a timer is already running")
		}
		if err := tx.Create(&t).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.BusinessRule(op, "a timer is already running")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.log.Debug().Uint("user_id", user.ID).Msg("timer started")
	return &t, nil
}

// StopTimer turns the running timer into a time entry. The duration is the
// elapsed time rounded up to whole minutes, at least one.
func (s *Service) StopTimer(ctx context.Context, user *models.User, req StopRequest) (*models.TimeEntry, error) {
	const op = "timetrack.StopTimer"
	var e models.TimeEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.ActiveTimer
		if err := tx.Clauses(database.ForUpdate()).Where("user_id = ?", user.ID).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.BusinessRule(op, "no timer is running")
			}
			return err
		}
		caseID := t.CaseID
		if req.CaseID != nil {
			caseID = req.CaseID
		}
		if caseID == nil || *caseID == 0 {
			return apperr.Validation(op, "caseId is required to stop the timer")
		}
		end := s.now()
		minutes := ceilMinutes(end.Sub(t.StartTime))
		if minutes < 1 {
			minutes = 1
		}
		e = models.TimeEntry{
			UserID:        user.ID,
			CaseID:        *caseID,
			TaskID:        t.TaskID,
			Description:   t.Description,
			Type:          t.Type,
			StartTime:     t.StartTime,
			EndTime:       &end,
			Duration:      &minutes,
			Rate:          t.Rate,
			Billable:      true,
			InvoiceStatus: models.BillingUnbilled,
		}
		if req.TaskID != nil {
			e.TaskID = req.TaskID
		}
		if req.Description != nil {
			e.Description = strings.TrimSpace(*req.Description)
		}
		if req.Billable != nil {
			e.Billable = *req.Billable
		}
		e.RecomputeBillableAmount()
		if err := tx.Create(&e).Error; err != nil {
			return err
		}
		return tx.Delete(&t).Error
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.log.Debug().Uint("user_id", user.ID).Int("minutes", *e.Duration).Msg("timer stopped")
	return &e, nil
}

// CancelTimer discards the running timer without recording time.
func (s *Service) CancelTimer(ctx context.Context, userID uint) error {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.ActiveTimer{})
	if res.Error != nil {
		return apperr.Wrap("timetrack.CancelTimer", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.BusinessRule("timetrack.CancelTimer", "no timer is running")
	}
	return nil
}

// GetTimer returns the running timer or nil.
func (s *Service) GetTimer(ctx context.Context, userID uint) (*models.ActiveTimer, error) {
	var t models.ActiveTimer
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap("timetrack.GetTimer", err)
	}
	return &t, nil
}
