package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
)

type ExpenseRequest struct {
	CaseID      uint            `json:"caseId" binding:"required"`
	Description string          `json:"description" binding:"required"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Date        *time.Time      `json:"date"`
	Billable    *bool           `json:"billable"`
}

// CreateExpense records a disbursement. Expenses are billable unless told
// otherwise.
func (s *Service) CreateExpense(ctx context.Context, userID uint, req ExpenseRequest) (*models.Expense, error) {
	const op = "billing.CreateExpense"
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation(op, "amount must be greater than zero")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, apperr.Validation(op, "description is required")
	}
	e := models.Expense{
		CaseID:        req.CaseID,
		UserID:        userID,
		Description:   strings.TrimSpace(req.Description),
		Category:      req.Category,
		Amount:        req.Amount.Round(2),
		Date:          s.now(),
		Billable:      true,
		InvoiceStatus: models.BillingUnbilled,
	}
	if req.Date != nil {
		e.Date = *req.Date
	}
	if req.Billable != nil {
		e.Billable = *req.Billable
	}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &e, nil
}

// ListExpenses returns expenses of the cases visible through caseScope.
func (s *Service) ListExpenses(ctx context.Context, caseScope func(*gorm.DB) *gorm.DB, caseID uint, status models.BillingStatus) ([]models.Expense, error) {
	q := s.db.WithContext(ctx).Model(&models.Expense{}).
		Where("case_id IN (?)", s.db.Model(&models.Case{}).Select("cases.id").Scopes(caseScope))
	if caseID != 0 {
		q = q.Where("case_id = ?", caseID)
	}
	if status != "" {
		q = q.Where("invoice_status = ?", status)
	}
	var out []models.Expense
	if err := q.Order("date desc, id desc").Limit(500).Find(&out).Error; err != nil {
		return nil, apperr.Wrap("billing.ListExpenses", err)
	}
	return out, nil
}

// DeleteExpense removes an expense that was not invoiced yet.
func (s *Service) DeleteExpense(ctx context.Context, id uint) error {
	const op = "billing.DeleteExpense"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e models.Expense
		if err := tx.First(&e, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "expense")
			}
			return apperr.Wrap(op, err)
		}
		if e.InvoiceStatus != models.BillingUnbilled {
			return apperr.BusinessRule(op, "invoiced expenses cannot be deleted")
		}
		return apperr.Wrap(op, tx.Delete(&e).Error)
	})
}

// ExpenseCase returns the case id of an expense, for access checks.
func (s *Service) ExpenseCase(ctx context.Context, id uint) (uint, error) {
	var e models.Expense
	if err := s.db.WithContext(ctx).Select("id", "case_id").First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, apperr.NotFound("billing.ExpenseCase", "expense")
		}
		return 0, apperr.Wrap("billing.ExpenseCase", err)
	}
	return e.CaseID, nil
}
