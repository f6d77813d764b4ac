// Package billing turns recorded time and expenses into invoices and keeps
// invoice totals and statuses consistent with payments.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/database"
	"caseace/pkg/logger"
)

// DefaultTaxRate is the flat tax applied to invoice subtotals.
var DefaultTaxRate = decimal.RequireFromString("0.10")

// DefaultPaymentTerms is the due date offset for new invoices.
const DefaultPaymentTerms = 30 * 24 * time.Hour

type Service struct {
	db      *gorm.DB
	taxRate decimal.Decimal
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Service)

// WithTaxRate overrides DefaultTaxRate.
func WithTaxRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.taxRate = rate }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:      db,
		taxRate: DefaultTaxRate,
		now:     time.Now,
		log:     logger.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TaxRate is the rate this service applies.
func (s *Service) TaxRate() decimal.Decimal { return s.taxRate }

// DraftRequest selects the time entries (and optionally expenses) to bill.
// CaseID and ClientID default to the case of the first billable entry.
type DraftRequest struct {
	TimeEntryIDs []uint     `json:"timeEntryIds" binding:"required,min=1"`
	ExpenseIDs   []uint     `json:"expenseIds"`
	CaseID       *uint      `json:"caseId"`
	ClientID     *uint      `json:"clientId"`
	DueDate      *time.Time `json:"dueDate"`
	Notes        string     `json:"notes"`
}

type DraftResult struct {
	Invoice  models.Invoice `json:"invoice"`
	Merged   bool           `json:"merged"`
	Entries  int            `json:"entries"`
	Expenses int            `json:"expenses"`
}

// DraftFromTimeEntries bills the still-unbilled entries of req. An existing
// DRAFT invoice for the same case and client absorbs them; otherwise a new
// DRAFT is created. Everything happens in one transaction.
func (s *Service) DraftFromTimeEntries(ctx context.Context, req DraftRequest) (*DraftResult, error) {
	const op = "billing.DraftFromTimeEntries"
	var res *DraftResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.draftTx(tx, req)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.log.Info().
		Uint("invoice_id", res.Invoice.ID).
		Str("invoice_number", res.Invoice.InvoiceNumber).
		Bool("merged", res.Merged).
		Int("entries", res.Entries).
		Msg("draft invoice updated")
	return res, nil
}

func (s *Service) draftTx(tx *gorm.DB, req DraftRequest) (*DraftResult, error) {
	const op = "billing.DraftFromTimeEntries"
	if len(req.TimeEntryIDs) == 0 {
		return nil, apperr.Validation(op, "timeEntryIds must not be empty")
	}

	var found []models.TimeEntry
	if err := tx.Clauses(database.ForUpdate()).
		Where("id IN ? AND invoice_status = ? AND billable = ?", req.TimeEntryIDs, models.BillingUnbilled, true).
		Find(&found).Error; err != nil {
		return nil, err
	}
	entries := inRequestOrder(found, req.TimeEntryIDs)
	if len(entries) == 0 {
		return nil, apperr.BusinessRule(op, "no unbilled billable time entries among the given ids")
	}

	caseID := entries[0].CaseID
	if req.CaseID != nil {
		caseID = *req.CaseID
	}
	var c models.Case
	if err := tx.First(&c, caseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(op, "case")
		}
		return nil, err
	}
	clientID, err := clientOf(&c, req.ClientID, op)
	if err != nil {
		return nil, err
	}

	var expenses []models.Expense
	if len(req.ExpenseIDs) > 0 {
		if err := tx.Clauses(database.ForUpdate()).
			Where("id IN ? AND invoice_status = ? AND billable = ?", req.ExpenseIDs, models.BillingUnbilled, true).
			Find(&expenses).Error; err != nil {
			return nil, err
		}
	}

	amount := sumEntries(entries).Add(sumExpenses(expenses))

	var inv models.Invoice
	merged := false
	err = tx.Clauses(database.ForUpdate()).
		Where("status = ? AND case_id = ? AND client_id = ?", models.InvoiceDraft, caseID, clientID).
		Order("created_at, id").
		First(&inv).Error
	switch {
	case err == nil:
		merged = true
		inv.Subtotal = inv.Subtotal.Add(amount)
		inv.ApplyTax(s.taxRate)
		if req.Notes != "" {
			inv.Notes = req.Notes
		}
		if err := tx.Save(&inv).Error; err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		now := s.now()
		number, err := NextInvoiceNumber(tx, now)
		if err != nil {
			return nil, err
		}
		due := now.Add(DefaultPaymentTerms)
		if req.DueDate != nil {
			due = *req.DueDate
		}
		inv = models.Invoice{
			InvoiceNumber: number,
			CaseID:        caseID,
			ClientID:      clientID,
			IssueDate:     now,
			DueDate:       due,
			Status:        models.InvoiceDraft,
			Subtotal:      amount,
			Notes:         req.Notes,
		}
		inv.ApplyTax(s.taxRate)
		if err := tx.Create(&inv).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return nil, apperr.Conflict(op, "invoice number collision, retry", err)
			}
			return nil, err
		}
	default:
		return nil, err
	}

	if err := markBilled(tx, &models.TimeEntry{}, idsOfEntries(entries), inv.ID); err != nil {
		return nil, err
	}
	if err := markBilled(tx, &models.Expense{}, idsOfExpenses(expenses), inv.ID); err != nil {
		return nil, err
	}
	return &DraftResult{Invoice: inv, Merged: merged, Entries: len(entries), Expenses: len(expenses)}, nil
}

// CreateInvoiceRequest creates an invoice directly, without draft merging.
type CreateInvoiceRequest struct {
	CaseID       uint                 `json:"caseId" binding:"required"`
	ClientID     *uint                `json:"clientId"`
	TimeEntryIDs []uint               `json:"timeEntryIds"`
	ExpenseIDs   []uint               `json:"expenseIds"`
	IssueDate    *time.Time           `json:"issueDate"`
	DueDate      *time.Time           `json:"dueDate"`
	Status       models.InvoiceStatus `json:"status"`
	Notes        string               `json:"notes"`
}

// CreateInvoice creates an invoice on a case, attaching any unbilled entries
// and expenses given. Status may be DRAFT (default) or SENT.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*models.Invoice, error) {
	const op = "billing.CreateInvoice"
	status := req.Status
	if status == "" {
		status = models.InvoiceDraft
	}
	if status != models.InvoiceDraft && status != models.InvoiceSent {
		return nil, apperr.Validation(op, "new invoices must be DRAFT or SENT")
	}
	var inv models.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Case
		if err := tx.First(&c, req.CaseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "case")
			}
			return err
		}
		clientID, err := clientOf(&c, req.ClientID, op)
		if err != nil {
			return err
		}

		var entries []models.TimeEntry
		if len(req.TimeEntryIDs) > 0 {
			if err := tx.Clauses(database.ForUpdate()).
				Where("id IN ? AND case_id = ? AND invoice_status = ? AND billable = ?", req.TimeEntryIDs, c.ID, models.BillingUnbilled, true).
				Find(&entries).Error; err != nil {
				return err
			}
		}
		var expenses []models.Expense
		if len(req.ExpenseIDs) > 0 {
			if err := tx.Clauses(database.ForUpdate()).
				Where("id IN ? AND case_id = ? AND invoice_status = ? AND billable = ?", req.ExpenseIDs, c.ID, models.BillingUnbilled, true).
				Find(&expenses).Error; err != nil {
				return err
			}
		}

		now := s.now()
		number, err := NextInvoiceNumber(tx, now)
		if err != nil {
			return err
		}
		issue := now
		if req.IssueDate != nil {
			issue = *req.IssueDate
		}
		due := issue.Add(DefaultPaymentTerms)
		if req.DueDate != nil {
			due = *req.DueDate
		}
		if due.Before(issue) {
			return apperr.Validation(op, "dueDate is before issueDate")
		}
		inv = models.Invoice{
			InvoiceNumber: number,
			CaseID:        c.ID,
			ClientID:      clientID,
			IssueDate:     issue,
			DueDate:       due,
			Status:        status,
			Subtotal:      sumEntries(entries).Add(sumExpenses(expenses)),
			Notes:         req.Notes,
		}
		inv.ApplyTax(s.taxRate)
		if err := tx.Create(&inv).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.Conflict(op, "invoice number collision, retry", err)
			}
			return err
		}
		if err := markBilled(tx, &models.TimeEntry{}, idsOfEntries(entries), inv.ID); err != nil {
			return err
		}
		return markBilled(tx, &models.Expense{}, idsOfExpenses(expenses), inv.ID)
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &inv, nil
}

// clientOf returns the client an invoice for c is made out to. A requested
// client must be the case's own.
func clientOf(c *models.Case, requested *uint, op string) (uint, error) {
	if requested != nil && *requested != c.ClientID {
		return 0, apperr.Validation(op, fmt.Sprintf("client %d is not the client of case %s", *requested, c.CaseNumber))
	}
	return c.ClientID, nil
}

func markBilled(tx *gorm.DB, model any, ids []uint, invoiceID uint) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(model).Where("id IN ?", ids).Updates(map[string]any{
		"invoice_status": models.BillingBilled,
		"invoice_id":     invoiceID,
	}).Error
}

func inRequestOrder(found []models.TimeEntry, ids []uint) []models.TimeEntry {
	byID := make(map[uint]models.TimeEntry, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	out := make([]models.TimeEntry, 0, len(found))
	seen := make(map[uint]bool, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok && !seen[id] {
			out = append(out, e)
			seen[id] = true
		}
	}
	return out
}

func sumEntries(entries []models.TimeEntry) decimal.Decimal {
	total := decimal.Zero
	for i := range entries {
		total = total.Add(entries[i].Amount())
	}
	return total
}

func sumExpenses(expenses []models.Expense) decimal.Decimal {
	total := decimal.Zero
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	return total
}

func idsOfEntries(entries []models.TimeEntry) []uint {
	ids := make([]uint, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func idsOfExpenses(expenses []models.Expense) []uint {
	ids := make([]uint, len(expenses))
	for i, e := range expenses {
		ids[i] = e.ID
	}
	return ids
}
