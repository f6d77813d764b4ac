package analytics

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"caseace/models"
	"caseace/pkg/apperr"
)

// MonthReport is the firm-wide figures of one calendar month (UTC).
type MonthReport struct {
	Month         string
	Start, End    time.Time
	Billed        decimal.Decimal
	Collected     decimal.Decimal
	Hours         decimal.Decimal
	BillableHours decimal.Decimal
	Invoices      []models.Invoice
	Payments      []models.Payment
}

// MonthlyReport collects the invoices issued, payments received and hours
// logged in month, given as YYYY-MM.
func (s *Service) MonthlyReport(ctx context.Context, month string) (*MonthReport, error) {
	const op = "analytics.MonthlyReport"
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, apperr.Validation(op, "invalid month format, expected YYYY-MM")
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	db := s.db.WithContext(ctx)
	r := &MonthReport{Month: month, Start: start, End: end, Billed: decimal.Zero, Collected: decimal.Zero}

	if err := db.Where("status <> ? AND issue_date >= ? AND issue_date < ?", models.InvoiceDraft, start, end).
		Order("issue_date, id").Find(&r.Invoices).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	for _, inv := range r.Invoices {
		r.Billed = r.Billed.Add(inv.Total)
	}
	if err := db.Where("payment_date >= ? AND payment_date < ?", start, end).
		Order("payment_date, id").Find(&r.Payments).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	for _, p := range r.Payments {
		r.Collected = r.Collected.Add(p.Amount)
	}

	var entries []models.TimeEntry
	if err := db.Select("duration", "billable").
		Where("start_time >= ? AND start_time < ?", start, end).Find(&entries).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	var minutes, billable int64
	for _, e := range entries {
		if e.Duration == nil {
			continue
		}
		minutes += int64(*e.Duration)
		if e.Billable {
			billable += int64(*e.Duration)
		}
	}
	r.Hours = hours(minutes)
	r.BillableHours = hours(billable)
	return r, nil
}

// Write prints the report, and with list every invoice and payment, one per
// line with | separated fields.
func (r *MonthReport) Write(w io.Writer, list bool) error {
	_, err := fmt.Fprintf(w, "Report for month=%s (UTC):\n"+
		"  invoices=%d billed=%s\n"+
		"  payments=%d collected=%s\n"+
		"  hours=%s billable_hours=%s\n",
		r.Month,
		len(r.Invoices), r.Billed.StringFixed(2),
		len(r.Payments), r.Collected.StringFixed(2),
		r.Hours.StringFixed(2), r.BillableHours.StringFixed(2))
	if err != nil || !list {
		return err
	}
	for _, inv := range r.Invoices {
		if _, err := fmt.Fprintf(w, "invoice|%d|%s|%s|%s|%s\n", inv.ID, inv.InvoiceNumber, inv.Status,
			inv.Total.StringFixed(2), inv.IssueDate.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	for _, p := range r.Payments {
		if _, err := fmt.Fprintf(w, "payment|%d|%d|%s|%s|%s\n", p.ID, p.InvoiceID, p.Method,
			p.Amount.StringFixed(2), p.PaymentDate.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}
