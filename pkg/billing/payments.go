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
	"caseace/pkg/database"
)

type PaymentRequest struct {
	InvoiceID   uint            `json:"invoiceId" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method" binding:"required"`
	PaymentDate *time.Time      `json:"paymentDate"`
	Reference   string          `json:"reference"`
}

type PaymentResult struct {
	Payment   models.Payment `json:"payment"`
	Invoice   models.Invoice `json:"invoice"`
	TotalPaid string         `json:"totalPaid"`
}

// RecordPayment appends a payment and derives the invoice status from the sum
// of all its payments: PAID once the total is covered, PARTIALLY_PAID while
// something but not everything was paid. Amounts above the invoice total are
// accepted as is.
func (s *Service) RecordPayment(ctx context.Context, recordedBy uint, req PaymentRequest) (*PaymentResult, error) {
	const op = "billing.RecordPayment"
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation(op, "amount must be greater than zero")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return nil, apperr.Validation(op, "method is required")
	}

	var res PaymentResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invoice
		if err := tx.Clauses(database.ForUpdate()).First(&inv, req.InvoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "invoice")
			}
			return err
		}
		date := s.now()
		if req.PaymentDate != nil {
			date = *req.PaymentDate
		}
		p := models.Payment{
			InvoiceID:    inv.ID,
			Amount:       req.Amount.Round(2),
			Method:       method,
			PaymentDate:  date,
			Reference:    req.Reference,
			RecordedByID: recordedBy,
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		paid, err := totalPaid(tx, inv.ID)
		if err != nil {
			return err
		}
		if next, changed := StatusForPayments(inv.Status, paid, inv.Total); changed {
			inv.Status = next
			if err := tx.Model(&inv).Update("status", next).Error; err != nil {
				return err
			}
			if next == models.InvoicePaid {
				for _, model := range []any{&models.TimeEntry{}, &models.Expense{}} {
					if err := tx.Model(model).Where("invoice_id = ?", inv.ID).
						Update("invoice_status", models.BillingPaid).Error; err != nil {
						return err
					}
				}
			}
		}
		res = PaymentResult{Payment: p, Invoice: inv, TotalPaid: paid.StringFixed(2)}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.log.Info().
		Uint("invoice_id", res.Invoice.ID).
		Str("amount", res.Payment.Amount.StringFixed(2)).
		Str("status", string(res.Invoice.Status)).
		Msg("payment recorded")
	return &res, nil
}

// StatusForPayments applies the payment thresholds to an invoice status.
// The second result is false when the status stays as it is.
func StatusForPayments(current models.InvoiceStatus, paid, total decimal.Decimal) (models.InvoiceStatus, bool) {
	var next models.InvoiceStatus
	switch {
	case paid.GreaterThanOrEqual(total) && paid.IsPositive():
		next = models.InvoicePaid
	case paid.IsPositive():
		next = models.InvoicePartiallyPaid
	default:
		return current, false
	}
	return next, next != current
}

func totalPaid(tx *gorm.DB, invoiceID uint) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	if err := tx.Model(&models.Payment{}).Where("invoice_id = ?", invoiceID).Pluck("amount", &amounts).Error; err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	return sum, nil
}

// ListPayments returns payments on invoices visible through scope, newest
// first, optionally for one invoice.
func (s *Service) ListPayments(ctx context.Context, scope func(*gorm.DB) *gorm.DB, invoiceID *uint) ([]models.Payment, error) {
	q := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("invoice_id IN (?)", s.db.Model(&models.Invoice{}).Select("invoices.id").Scopes(scope))
	if invoiceID != nil {
		q = q.Where("invoice_id = ?", *invoiceID)
	}
	var out []models.Payment
	if err := q.Order("payment_date desc, id desc").Limit(500).Find(&out).Error; err != nil {
		return nil, apperr.Wrap("billing.ListPayments", err)
	}
	return out, nil
}
