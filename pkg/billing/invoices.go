package billing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
)

// InvoiceFilter narrows ListInvoices. Zero values mean "any".
type InvoiceFilter struct {
	CaseID   uint
	ClientID uint
	Status   models.InvoiceStatus
}

// ListInvoices returns invoices visible through scope, newest first.
func (s *Service) ListInvoices(ctx context.Context, scope func(*gorm.DB) *gorm.DB, f InvoiceFilter) ([]models.Invoice, error) {
	q := s.db.WithContext(ctx).Model(&models.Invoice{}).Scopes(scope).Preload("Case").Preload("Client")
	if f.CaseID != 0 {
		q = q.Where("invoices.case_id = ?", f.CaseID)
	}
	if f.ClientID != 0 {
		q = q.Where("invoices.client_id = ?", f.ClientID)
	}
	if f.Status != "" {
		q = q.Where("invoices.status = ?", f.Status)
	}
	var out []models.Invoice
	if err := q.Order("invoices.created_at desc, invoices.id desc").Limit(500).Find(&out).Error; err != nil {
		return nil, apperr.Wrap("billing.ListInvoices", err)
	}
	return out, nil
}

// GetInvoice loads one invoice with its lines and payments.
func (s *Service) GetInvoice(ctx context.Context, scope func(*gorm.DB) *gorm.DB, id uint) (*models.Invoice, error) {
	const op = "billing.GetInvoice"
	var inv models.Invoice
	err := s.db.WithContext(ctx).Scopes(scope).
		Preload("Case").Preload("Client").
		Preload("TimeEntries", func(db *gorm.DB) *gorm.DB { return db.Order("start_time") }).
		Preload("Expenses").
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("payment_date") }).
		Where("invoices.id = ?", id).
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "invoice")
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &inv, nil
}

// UpdateStatus moves an invoice to SENT or OVERDUE, or back to DRAFT while
// nothing was paid. The paid states are only reached through payments.
func (s *Service) UpdateStatus(ctx context.Context, id uint, status models.InvoiceStatus) (*models.Invoice, error) {
	const op = "billing.UpdateStatus"
	if !status.Valid() {
		return nil, apperr.Validation(op, "unknown invoice status")
	}
	if status == models.InvoicePaid || status == models.InvoicePartiallyPaid {
		return nil, apperr.BusinessRule(op, "paid states are derived from recorded payments")
	}
	var inv models.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&inv, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "invoice")
			}
			return err
		}
		if inv.Status == models.InvoicePaid {
			return apperr.BusinessRule(op, "invoice is already paid")
		}
		if status == models.InvoiceDraft {
			paid, err := totalPaid(tx, inv.ID)
			if err != nil {
				return err
			}
			if paid.IsPositive() {
				return apperr.BusinessRule(op, "invoice with payments cannot return to draft")
			}
		}
		inv.Status = status
		return tx.Model(&inv).Update("status", status).Error
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &inv, nil
}

// MarkOverdue flags SENT and PARTIALLY_PAID invoices whose due date passed.
func (s *Service) MarkOverdue(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status IN ? AND due_date < ?", []models.InvoiceStatus{models.InvoiceSent, models.InvoicePartiallyPaid}, s.now()).
		Update("status", models.InvoiceOverdue)
	if res.Error != nil {
		return 0, apperr.Wrap("billing.MarkOverdue", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info().Int64("invoices", res.RowsAffected).Msg("invoices marked overdue")
	}
	return res.RowsAffected, nil
}

// Summary aggregates billing figures over the invoices visible through scope.
type Summary struct {
	TotalBilled    decimal.Decimal `json:"totalBilled"`
	TotalPaid      decimal.Decimal `json:"totalPaid"`
	Outstanding    decimal.Decimal `json:"outstanding"`
	UnbilledAmount decimal.Decimal `json:"unbilledAmount"`
	UnbilledHours  decimal.Decimal `json:"unbilledHours"`
	DraftCount     int             `json:"draftCount"`
	OverdueCount   int             `json:"overdueCount"`
	InvoiceCount   int             `json:"invoiceCount"`
}

// Summary computes totals for all visible invoices, or those of one case.
// Billed counts every invoice that left DRAFT; outstanding is billed minus
// paid on those invoices and never negative.
func (s *Service) Summary(ctx context.Context, invoiceScope, caseScope func(*gorm.DB) *gorm.DB, caseID *uint) (*Summary, error) {
	const op = "billing.Summary"
	db := s.db.WithContext(ctx)

	q := db.Model(&models.Invoice{}).Scopes(invoiceScope)
	if caseID != nil {
		q = q.Where("invoices.case_id = ?", *caseID)
	}
	var invoices []models.Invoice
	if err := q.Preload("Payments").Find(&invoices).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}

	sum := &Summary{
		TotalBilled:    decimal.Zero,
		TotalPaid:      decimal.Zero,
		Outstanding:    decimal.Zero,
		UnbilledAmount: decimal.Zero,
		UnbilledHours:  decimal.Zero,
		InvoiceCount:   len(invoices),
	}
	for _, inv := range invoices {
		switch inv.Status {
		case models.InvoiceDraft:
			sum.DraftCount++
			continue
		case models.InvoiceOverdue:
			sum.OverdueCount++
		}
		sum.TotalBilled = sum.TotalBilled.Add(inv.Total)
		paid := decimal.Zero
		for _, p := range inv.Payments {
			paid = paid.Add(p.Amount)
		}
		sum.TotalPaid = sum.TotalPaid.Add(paid)
		if due := inv.Total.Sub(paid); due.IsPositive() {
			sum.Outstanding = sum.Outstanding.Add(due)
		}
	}

	eq := db.Model(&models.TimeEntry{}).
		Where("invoice_status = ? AND billable = ?", models.BillingUnbilled, true).
		Where("case_id IN (?)", s.db.Model(&models.Case{}).Select("cases.id").Scopes(caseScope))
	if caseID != nil {
		eq = eq.Where("case_id = ?", *caseID)
	}
	var entries []models.TimeEntry
	if err := eq.Select("id", "duration", "billable_amount").Find(&entries).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	minutes := int64(0)
	for i := range entries {
		sum.UnbilledAmount = sum.UnbilledAmount.Add(entries[i].Amount())
		if entries[i].Duration != nil {
			minutes += int64(*entries[i].Duration)
		}
	}
	sum.UnbilledHours = decimal.NewFromInt(minutes).Div(decimal.NewFromInt(60)).Round(2)

	xq := db.Model(&models.Expense{}).
		Where("invoice_status = ? AND billable = ?", models.BillingUnbilled, true).
		Where("case_id IN (?)", s.db.Model(&models.Case{}).Select("cases.id").Scopes(caseScope))
	if caseID != nil {
		xq = xq.Where("case_id = ?", *caseID)
	}
	var amounts []decimal.Decimal
	if err := xq.Pluck("amount", &amounts).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	for _, a := range amounts {
		sum.UnbilledAmount = sum.UnbilledAmount.Add(a)
	}
	return sum, nil
}
