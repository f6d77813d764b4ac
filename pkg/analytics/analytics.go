// Package analytics computes the dashboard, financial and productivity
// figures. Rows are aggregated in Go so the same code runs on Postgres and
// SQLite, whose date functions differ.
package analytics

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
)

var sixty = decimal.NewFromInt(60)

type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Dashboard is the landing page summary. Money figures are only filled in
// for users who may view billing.
type Dashboard struct {
	OpenCases      int64            `json:"openCases"`
	ActiveTasks    int64            `json:"activeTasks"`
	OverdueTasks   int64            `json:"overdueTasks"`
	HoursThisMonth decimal.Decimal  `json:"hoursThisMonth"`
	UnbilledAmount *decimal.Decimal `json:"unbilledAmount,omitempty"`
	Outstanding    *decimal.Decimal `json:"outstanding,omitempty"`
}

func (s *Service) Dashboard(ctx context.Context, u *models.User) (*Dashboard, error) {
	const op = "analytics.Dashboard"
	db := s.db.WithContext(ctx)
	now := s.now()
	p := access.Of(u)
	out := &Dashboard{}

	if err := db.Model(&models.Case{}).Scopes(access.Cases(u)).
		Where("cases.status <> ?", models.CaseClosed).Count(&out.OpenCases).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	tasks := func() *gorm.DB {
		return db.Model(&models.Task{}).
			Where("case_id IN (?) AND status <> ?", access.VisibleCaseIDs(db, u), models.TaskDone)
	}
	if err := tasks().Count(&out.ActiveTasks).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	if err := tasks().Where("due_date < ?", now).Count(&out.OverdueTasks).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}

	// partners see firm hours, other staff their own, clients the hours on
	// their cases
	eq := db.Model(&models.TimeEntry{}).Where("start_time >= ?", monthStart(now))
	switch {
	case p.SeeAllCases:
	case u.Role.IsStaff():
		eq = eq.Where("user_id = ?", u.ID)
	default:
		eq = eq.Where("case_id IN (?)", access.VisibleCaseIDs(db, u))
	}
	var durations []sql.NullInt64
	if err := eq.Pluck("duration", &durations).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	out.HoursThisMonth = hours(sumMinutes(durations))

	if !p.ViewBilling {
		return out, nil
	}
	unbilled, err := s.unbilled(db, u)
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	invoices, err := s.invoices(db, u)
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	outstanding := decimal.Zero
	for i := range invoices {
		outstanding = outstanding.Add(due(&invoices[i]))
	}
	out.UnbilledAmount = &unbilled
	out.Outstanding = &outstanding
	return out, nil
}

type MonthFigures struct {
	Month     string          `json:"month"`
	Billed    decimal.Decimal `json:"billed"`
	Collected decimal.Decimal `json:"collected"`
}

type ClientFigures struct {
	ClientID uint            `json:"clientId"`
	Name     string          `json:"name"`
	Billed   decimal.Decimal `json:"billed"`
	Paid     decimal.Decimal `json:"paid"`
}

type Financial struct {
	Months              []MonthFigures                           `json:"months"`
	OutstandingByStatus map[models.InvoiceStatus]decimal.Decimal `json:"outstandingByStatus"`
	TopClients          []ClientFigures                          `json:"topClients"`
}

// Financial reports billed and collected amounts for the last months
// (current month included), what is still owed per invoice status, and the
// five clients billed the most.
func (s *Service) Financial(ctx context.Context, u *models.User, months int) (*Financial, error) {
	const op = "analytics.Financial"
	if months <= 0 || months > 36 {
		return nil, apperr.Validation(op, "months must be between 1 and 36")
	}
	db := s.db.WithContext(ctx)
	first := monthStart(s.now()).AddDate(0, -(months - 1), 0)

	out := &Financial{OutstandingByStatus: map[models.InvoiceStatus]decimal.Decimal{}}
	index := map[string]int{}
	for i := 0; i < months; i++ {
		key := first.AddDate(0, i, 0).Format("2006-01")
		index[key] = i
		out.Months = append(out.Months, MonthFigures{Month: key, Billed: decimal.Zero, Collected: decimal.Zero})
	}

	invoices, err := s.invoices(db, u)
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	clients := map[uint]*ClientFigures{}
	for i := range invoices {
		inv := &invoices[i]
		if m, ok := index[inv.IssueDate.UTC().Format("2006-01")]; ok {
			out.Months[m].Billed = out.Months[m].Billed.Add(inv.Total)
		}
		for _, pay := range inv.Payments {
			if m, ok := index[pay.PaymentDate.UTC().Format("2006-01")]; ok {
				out.Months[m].Collected = out.Months[m].Collected.Add(pay.Amount)
			}
		}
		if d := due(inv); d.IsPositive() {
			out.OutstandingByStatus[inv.Status] = out.OutstandingByStatus[inv.Status].Add(d)
		}
		cf := clients[inv.ClientID]
		if cf == nil {
			cf = &ClientFigures{ClientID: inv.ClientID, Billed: decimal.Zero, Paid: decimal.Zero}
			clients[inv.ClientID] = cf
		}
		cf.Billed = cf.Billed.Add(inv.Total)
		cf.Paid = cf.Paid.Add(paid(inv))
	}

	for _, cf := range clients {
		out.TopClients = append(out.TopClients, *cf)
	}
	sort.Slice(out.TopClients, func(i, j int) bool {
		a, b := out.TopClients[i], out.TopClients[j]
		if c := a.Billed.Cmp(b.Billed); c != 0 {
			return c > 0
		}
		return a.ClientID < b.ClientID
	})
	if len(out.TopClients) > 5 {
		out.TopClients = out.TopClients[:5]
	}
	if err := s.nameClients(db, out.TopClients); err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return out, nil
}

type UserProductivity struct {
	UserID         uint            `json:"userId"`
	Name           string          `json:"name"`
	Role           models.Role     `json:"role"`
	Hours          decimal.Decimal `json:"hours"`
	BillableHours  decimal.Decimal `json:"billableHours"`
	BillableRatio  decimal.Decimal `json:"billableRatio"`
	BillableAmount decimal.Decimal `json:"billableAmount"`
	TasksDone      int64           `json:"tasksDone"`
}

// Productivity reports per staff member the hours logged and tasks completed
// in [from, to). Users who see every case get the whole firm, everyone else
// only themselves.
func (s *Service) Productivity(ctx context.Context, u *models.User, from, to time.Time) ([]UserProductivity, error) {
	const op = "analytics.Productivity"
	if !to.After(from) {
		return nil, apperr.Validation(op, "to must be after from")
	}
	db := s.db.WithContext(ctx)

	uq := db.Model(&models.User{}).Where("role <> ?", models.RoleClient)
	if !access.Of(u).SeeAllCases {
		uq = uq.Where("id = ?", u.ID)
	}
	var staff []models.User
	if err := uq.Select("id", "name", "role").Order("name, id").Find(&staff).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	ids := make([]uint, len(staff))
	for i := range staff {
		ids[i] = staff[i].ID
	}

	var entries []models.TimeEntry
	if err := db.Select("user_id", "duration", "billable", "billable_amount").
		Where("user_id IN ? AND start_time >= ? AND start_time < ?", ids, from, to).
		Find(&entries).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	type tally struct {
		minutes, billableMinutes int64
		amount                   decimal.Decimal
	}
	byUser := map[uint]*tally{}
	for i := range entries {
		e := &entries[i]
		t := byUser[e.UserID]
		if t == nil {
			t = &tally{amount: decimal.Zero}
			byUser[e.UserID] = t
		}
		if e.Duration == nil {
			continue
		}
		t.minutes += int64(*e.Duration)
		if e.Billable {
			t.billableMinutes += int64(*e.Duration)
			t.amount = t.amount.Add(e.Amount())
		}
	}

	type doneRow struct {
		AssigneeID uint
		N          int64
	}
	var done []doneRow
	if err := db.Model(&models.Task{}).Select("assignee_id, COUNT(*) AS n").
		Where("assignee_id IN ? AND status = ? AND completed_at >= ? AND completed_at < ?", ids, models.TaskDone, from, to).
		Group("assignee_id").Scan(&done).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	doneBy := map[uint]int64{}
	for _, d := range done {
		doneBy[d.AssigneeID] = d.N
	}

	out := make([]UserProductivity, 0, len(staff))
	for _, m := range staff {
		row := UserProductivity{
			UserID: m.ID, Name: m.Name, Role: m.Role,
			Hours: decimal.Zero, BillableHours: decimal.Zero, BillableRatio: decimal.Zero, BillableAmount: decimal.Zero,
			TasksDone: doneBy[m.ID],
		}
		if t := byUser[m.ID]; t != nil {
			row.Hours = hours(t.minutes)
			row.BillableHours = hours(t.billableMinutes)
			row.BillableAmount = t.amount
			if t.minutes > 0 {
				row.BillableRatio = decimal.NewFromInt(t.billableMinutes).Div(decimal.NewFromInt(t.minutes)).Round(2)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// invoices loads the non-draft invoices visible to u with their payments.
func (s *Service) invoices(db *gorm.DB, u *models.User) ([]models.Invoice, error) {
	q := db.Model(&models.Invoice{}).Scopes(access.Invoices(u)).
		Where("invoices.status <> ?", models.InvoiceDraft)
	var out []models.Invoice
	err := q.Preload("Payments").Order("invoices.issue_date, invoices.id").Find(&out).Error
	return out, err
}

func (s *Service) unbilled(db *gorm.DB, u *models.User) (decimal.Decimal, error) {
	total := decimal.Zero
	var entries []models.TimeEntry
	if err := db.Select("id", "billable_amount").
		Where("invoice_status = ? AND billable = ? AND case_id IN (?)", models.BillingUnbilled, true, access.VisibleCaseIDs(db, u)).
		Find(&entries).Error; err != nil {
		return total, err
	}
	for i := range entries {
		total = total.Add(entries[i].Amount())
	}
	var amounts []decimal.Decimal
	if err := db.Model(&models.Expense{}).
		Where("invoice_status = ? AND billable = ? AND case_id IN (?)", models.BillingUnbilled, true, access.VisibleCaseIDs(db, u)).
		Pluck("amount", &amounts).Error; err != nil {
		return total, err
	}
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total, nil
}

func (s *Service) nameClients(db *gorm.DB, rows []ClientFigures) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]uint, len(rows))
	for i := range rows {
		ids[i] = rows[i].ClientID
	}
	var users []models.User
	if err := db.Select("id", "name").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return err
	}
	names := map[uint]string{}
	for _, u := range users {
		names[u.ID] = u.Name
	}
	for i := range rows {
		rows[i].Name = names[rows[i].ClientID]
	}
	return nil
}

func paid(inv *models.Invoice) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range inv.Payments {
		sum = sum.Add(p.Amount)
	}
	return sum
}

func due(inv *models.Invoice) decimal.Decimal {
	d := inv.Total.Sub(paid(inv))
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func sumMinutes(durations []sql.NullInt64) int64 {
	var n int64
	for _, d := range durations {
		n += d.Int64
	}
	return n
}

func hours(minutes int64) decimal.Decimal {
	return decimal.NewFromInt(minutes).Div(sixty).Round(2)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
