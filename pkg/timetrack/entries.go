// Package timetrack records billable time: manual entries and the single
// running timer each user may have.
package timetrack

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/logger"
)

type Service struct {
	db  *gorm.DB
	now func() time.Time
	log zerolog.Logger
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now, log: logger.WithComponent("timetrack")}
}

// WithClock returns a copy of s that reads time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	return &c
}

type EntryRequest struct {
	CaseID      uint             `json:"caseId" binding:"required"`
	TaskID      *uint            `json:"taskId"`
	Description string           `json:"description"`
	Type        string           `json:"type"`
	StartTime   time.Time        `json:"startTime" binding:"required"`
	EndTime     *time.Time       `json:"endTime"`
	Duration    *int             `json:"duration"`
	Rate        *decimal.Decimal `json:"rate"`
	Billable    *bool            `json:"billable"`
}

// EntryUpdate changes the fields that are set.
type EntryUpdate struct {
	TaskID      *uint            `json:"taskId"`
	Description *string          `json:"description"`
	Type        *string          `json:"type"`
	StartTime   *time.Time       `json:"startTime"`
	EndTime     *time.Time       `json:"endTime"`
	Duration    *int             `json:"duration"`
	Rate        *decimal.Decimal `json:"rate"`
	Billable    *bool            `json:"billable"`
}

// CreateEntry records work done by user. Duration is taken from the request or
// derived from start and end; the rate falls back to the user's hourly rate.
func (s *Service) CreateEntry(ctx context.Context, user *models.User, req EntryRequest) (*models.TimeEntry, error) {
	const op = "timetrack.CreateEntry"
	e := models.TimeEntry{
		UserID:        user.ID,
		CaseID:        req.CaseID,
		TaskID:        req.TaskID,
		Description:   strings.TrimSpace(req.Description),
		Type:          req.Type,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		Duration:      req.Duration,
		Rate:          user.HourlyRate,
		Billable:      true,
		InvoiceStatus: models.BillingUnbilled,
	}
	if req.Rate != nil {
		e.Rate = decimal.NullDecimal{Decimal: *req.Rate, Valid: true}
	}
	if req.Billable != nil {
		e.Billable = *req.Billable
	}
	if err := normalize(&e); err != nil {
		return nil, apperr.Validation(op, err.Error())
	}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &e, nil
}

// GetEntry loads one entry.
func (s *Service) GetEntry(ctx context.Context, id uint) (*models.TimeEntry, error) {
	var e models.TimeEntry
	err := s.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("timetrack.GetEntry", "time entry")
	}
	if err != nil {
		return nil, apperr.Wrap("timetrack.GetEntry", err)
	}
	return &e, nil
}

// UpdateEntry applies req to an UNBILLED entry and recomputes its amount.
func (s *Service) UpdateEntry(ctx context.Context, id uint, req EntryUpdate) (*models.TimeEntry, error) {
	const op = "timetrack.UpdateEntry"
	var e models.TimeEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&e, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "time entry")
			}
			return err
		}
		if e.InvoiceStatus != models.BillingUnbilled {
			return apperr.BusinessRule(op, "invoiced time entries cannot be edited")
		}
		if req.TaskID != nil {
			e.TaskID = req.TaskID
		}
		if req.Description != nil {
			e.Description = strings.TrimSpace(*req.Description)
		}
		if req.Type != nil {
			e.Type = *req.Type
		}
		timesChanged := false
		if req.StartTime != nil {
			e.StartTime = *req.StartTime
			timesChanged = true
		}
		if req.EndTime != nil {
			e.EndTime = req.EndTime
			timesChanged = true
		}
		switch {
		case req.Duration != nil:
			e.Duration = req.Duration
		case timesChanged:
			// re-derive from the new bounds
			e.Duration = nil
		}
		if req.Rate != nil {
			e.Rate = decimal.NullDecimal{Decimal: *req.Rate, Valid: true}
		}
		if req.Billable != nil {
			e.Billable = *req.Billable
		}
		if err := normalize(&e); err != nil {
			return apperr.Validation(op, err.Error())
		}
		return tx.Save(&e).Error
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &e, nil
}

// DeleteEntry removes an UNBILLED entry.
func (s *Service) DeleteEntry(ctx context.Context, id uint) error {
	const op = "timetrack.DeleteEntry"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e models.TimeEntry
		if err := tx.First(&e, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "time entry")
			}
			return apperr.Wrap(op, err)
		}
		if e.InvoiceStatus != models.BillingUnbilled {
			return apperr.BusinessRule(op, "invoiced time entries cannot be deleted")
		}
		return apperr.Wrap(op, tx.Delete(&e).Error)
	})
}

type EntryFilter struct {
	UserID   uint
	CaseID   uint
	Status   models.BillingStatus
	From, To *time.Time
}

// ListEntries returns entries on cases visible through caseScope.
func (s *Service) ListEntries(ctx context.Context, caseScope func(*gorm.DB) *gorm.DB, f EntryFilter) ([]models.TimeEntry, error) {
	q := s.db.WithContext(ctx).Model(&models.TimeEntry{}).
		Where("case_id IN (?)", s.db.Model(&models.Case{}).Select("cases.id").Scopes(caseScope)).
		Preload("User", func(db *gorm.DB) *gorm.DB { return db.Select("id", "name", "email", "role") }).
		Preload("Case", func(db *gorm.DB) *gorm.DB { return db.Select("id", "case_number", "title", "client_id") })
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.CaseID != 0 {
		q = q.Where("case_id = ?", f.CaseID)
	}
	if f.Status != "" {
		q = q.Where("invoice_status = ?", f.Status)
	}
	if f.From != nil {
		q = q.Where("start_time >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("start_time < ?", *f.To)
	}
	var out []models.TimeEntry
	if err := q.Order("start_time desc, id desc").Limit(1000).Find(&out).Error; err != nil {
		return nil, apperr.Wrap("timetrack.ListEntries", err)
	}
	return out, nil
}

// normalize derives the duration when missing, checks the bounds and
// recomputes the billable amount.
func normalize(e *models.TimeEntry) error {
	if e.StartTime.IsZero() {
		return errors.New("startTime is required")
	}
	if e.EndTime != nil && e.EndTime.Before(e.StartTime) {
		return errors.New("endTime is before startTime")
	}
	if e.Duration == nil && e.EndTime != nil {
		d := ceilMinutes(e.EndTime.Sub(e.StartTime))
		e.Duration = &d
	}
	if e.Duration != nil && *e.Duration < 0 {
		return errors.New("duration must not be negative")
	}
	if e.Rate.Valid && e.Rate.Decimal.IsNegative() {
		return errors.New("rate must not be negative")
	}
	e.RecomputeBillableAmount()
	return nil
}

func ceilMinutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
}
