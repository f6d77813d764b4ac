package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/testutil"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestNextInvoiceNumberSequence(t *testing.T) {
	db := testutil.NewDB(t)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got, err := NextInvoiceNumber(db, now)
	if err != nil {
		t.Fatal(err)
	}
	if got != "INV-2026-0001" {
		t.Fatalf("first number = %s", got)
	}

	for _, n := range []string{"INV-2026-0001", "INV-2026-0002"} {
		inv := &models.Invoice{InvoiceNumber: n, CaseID: c.ID, ClientID: client.ID, IssueDate: now, DueDate: now, Status: models.InvoiceSent}
		if err := db.Create(inv).Error; err != nil {
			t.Fatal(err)
		}
	}
	got, err = NextInvoiceNumber(db, now)
	if err != nil {
		t.Fatal(err)
	}
	if got != "INV-2026-0003" {
		t.Fatalf("third number = %s", got)
	}

	// a different year restarts the sequence
	got, _ = NextInvoiceNumber(db, now.AddDate(1, 0, 0))
	if got != "INV-2027-0001" {
		t.Fatalf("next year = %s", got)
	}
}

func TestNextInvoiceNumberSkipsCollisions(t *testing.T) {
	db := testutil.NewDB(t)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	// one invoice exists but it holds number 0002, so count+1 collides
	inv := &models.Invoice{InvoiceNumber: "INV-2026-0002", CaseID: c.ID, ClientID: client.ID, IssueDate: now, DueDate: now}
	if err := db.Create(inv).Error; err != nil {
		t.Fatal(err)
	}
	got, err := NextInvoiceNumber(db, now)
	if err != nil {
		t.Fatal(err)
	}
	if got != "INV-2026-0003" {
		t.Fatalf("got %s, want INV-2026-0003", got)
	}
}

func TestNextNumberFallsBackToTimestamp(t *testing.T) {
	db := testutil.NewDB(t)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	// ten invoices numbered 0011..0020: every candidate of the ten attempts is taken
	for i := 11; i <= 20; i++ {
		inv := &models.Invoice{InvoiceNumber: fmt.Sprintf("INV-2026-%04d", i), CaseID: c.ID, ClientID: client.ID, IssueDate: now, DueDate: now}
		if err := db.Create(inv).Error; err != nil {
			t.Fatal(err)
		}
	}
	got, err := NextInvoiceNumber(db, now)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("INV-2026-%d", now.UnixMilli())
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestDraftCreatesInvoiceAndBillsEntries(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	e1 := testutil.Entry(t, db, lawyer, c, 90, "200") // 300.00
	e2 := testutil.Entry(t, db, lawyer, c, 30, "150") // 75.00

	res, err := svc.DraftFromTimeEntries(context.Background(), DraftRequest{TimeEntryIDs: []uint{e1.ID, e2.ID}})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if res.Merged {
		t.Fatalf("expected a new invoice")
	}
	inv := res.Invoice
	if inv.Status != models.InvoiceDraft || inv.CaseID != c.ID || inv.ClientID != client.ID {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	if !inv.Subtotal.Equal(testutil.Dec(t, "375")) {
		t.Fatalf("subtotal = %s", inv.Subtotal)
	}
	if !inv.Tax.Equal(testutil.Dec(t, "37.5")) || !inv.Total.Equal(inv.Subtotal.Add(inv.Tax)) {
		t.Fatalf("tax/total = %s/%s", inv.Tax, inv.Total)
	}
	if !strings.HasPrefix(inv.InvoiceNumber, fmt.Sprintf("INV-%d-", time.Now().Year())) {
		t.Fatalf("number = %s", inv.InvoiceNumber)
	}

	var entries []models.TimeEntry
	db.Where("id IN ?", []uint{e1.ID, e2.ID}).Find(&entries)
	for _, e := range entries {
		if e.InvoiceStatus != models.BillingBilled || e.InvoiceID == nil || *e.InvoiceID != inv.ID {
			t.Fatalf("entry %d not billed to %d: %+v", e.ID, inv.ID, e)
		}
	}
	var count int64
	db.Model(&models.Invoice{}).Count(&count)
	if count != 1 {
		t.Fatalf("invoices = %d", count)
	}
}

func TestDraftMergesIntoExistingDraft(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	existing := testutil.Invoice(t, db, c, models.InvoiceDraft, "100", testutil.Now())
	e := testutil.Entry(t, db, lawyer, c, 60, "250")

	res, err := svc.DraftFromTimeEntries(context.Background(), DraftRequest{TimeEntryIDs: []uint{e.ID}})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if !res.Merged || res.Invoice.ID != existing.ID {
		t.Fatalf("expected merge into %d, got %+v", existing.ID, res)
	}
	if !res.Invoice.Subtotal.Equal(testutil.Dec(t, "350")) {
		t.Fatalf("subtotal = %s", res.Invoice.Subtotal)
	}
	if !res.Invoice.Tax.Equal(testutil.Dec(t, "35")) || !res.Invoice.Total.Equal(testutil.Dec(t, "385")) {
		t.Fatalf("tax/total = %s/%s", res.Invoice.Tax, res.Invoice.Total)
	}
	var count int64
	db.Model(&models.Invoice{}).Count(&count)
	if count != 1 {
		t.Fatalf("merge created a new invoice, count = %d", count)
	}
}

func TestDraftSkipsAlreadyBilledEntries(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	billed := testutil.Entry(t, db, lawyer, c, 60, "100")
	db.Model(billed).Update("invoice_status", models.BillingBilled)

	_, err := svc.DraftFromTimeEntries(context.Background(), DraftRequest{TimeEntryIDs: []uint{billed.ID}})
	if apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("expected business rule error, got %v", err)
	}

	fresh := testutil.Entry(t, db, lawyer, c, 30, "100")
	res, err := svc.DraftFromTimeEntries(context.Background(), DraftRequest{TimeEntryIDs: []uint{billed.ID, fresh.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries != 1 || !res.Invoice.Subtotal.Equal(testutil.Dec(t, "50")) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDraftIncludesExpenses(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	e := testutil.Entry(t, db, lawyer, c, 60, "100")
	x, err := svc.CreateExpense(context.Background(), lawyer.ID, ExpenseRequest{CaseID: c.ID, Description: "Court filing fee", Amount: testutil.Dec(t, "45.50")})
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.DraftFromTimeEntries(context.Background(), DraftRequest{TimeEntryIDs: []uint{e.ID}, ExpenseIDs: []uint{x.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Invoice.Subtotal.Equal(testutil.Dec(t, "145.50")) || res.Expenses != 1 {
		t.Fatalf("subtotal = %s expenses = %d", res.Invoice.Subtotal, res.Expenses)
	}
	var got models.Expense
	db.First(&got, x.ID)
	if got.InvoiceStatus != models.BillingBilled || got.InvoiceID == nil || *got.InvoiceID != res.Invoice.ID {
		t.Fatalf("expense not billed: %+v", got)
	}
	if err := svc.DeleteExpense(context.Background(), x.ID); apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("deleting billed expense: %v", err)
	}
}

func TestDraftRejectsClientOfAnotherCase(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()
	lawyer := testutil.User(t, db, models.RoleAssociate)
	owner := testutil.User(t, db, models.RoleClient)
	stranger := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, owner)
	e := testutil.Entry(t, db, lawyer, c, 60, "100")

	_, err := svc.DraftFromTimeEntries(ctx, DraftRequest{TimeEntryIDs: []uint{e.ID}, ClientID: &stranger.ID})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("draft for a foreign client: %v", err)
	}
	_, err = svc.CreateInvoice(ctx, CreateInvoiceRequest{CaseID: c.ID, ClientID: &stranger.ID})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("invoice for a foreign client: %v", err)
	}
	var n int64
	db.Model(&models.Invoice{}).Where("client_id = ?", stranger.ID).Count(&n)
	if n != 0 {
		t.Fatalf("stranger got %d invoices", n)
	}
	var got models.TimeEntry
	db.First(&got, e.ID)
	if got.InvoiceStatus != models.BillingUnbilled || got.InvoiceID != nil {
		t.Fatalf("entry touched by rejected draft: %+v", got)
	}

	res, err := svc.DraftFromTimeEntries(ctx, DraftRequest{TimeEntryIDs: []uint{e.ID}, ClientID: &owner.ID})
	if err != nil || res.Invoice.ClientID != owner.ID {
		t.Fatalf("draft for the case's client = %+v, %v", res, err)
	}
}

func TestDraftLeavesNonBillableEntries(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	billable := testutil.Entry(t, db, lawyer, c, 60, "100")
	internal := testutil.Entry(t, db, lawyer, c, 30, "100")
	db.Model(internal).Updates(map[string]any{"billable": false, "billable_amount": nil})

	_, err := svc.DraftFromTimeEntries(ctx, DraftRequest{TimeEntryIDs: []uint{internal.ID}})
	if apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("draft of only non-billable time: %v", err)
	}
	res, err := svc.DraftFromTimeEntries(ctx, DraftRequest{TimeEntryIDs: []uint{billable.ID, internal.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries != 1 || !res.Invoice.Subtotal.Equal(testutil.Dec(t, "100")) {
		t.Fatalf("unexpected result %+v", res)
	}
	var got models.TimeEntry
	db.First(&got, internal.ID)
	if got.InvoiceStatus != models.BillingUnbilled || got.InvoiceID != nil {
		t.Fatalf("non-billable entry billed: %+v", got)
	}
}

func TestBulkDraftGroupsByClient(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	clientA := testutil.User(t, db, models.RoleClient)
	clientB := testutil.User(t, db, models.RoleClient)
	ca := testutil.Case(t, db, clientA)
	cb := testutil.Case(t, db, clientB)
	testutil.Entry(t, db, lawyer, ca, 60, "100")
	testutil.Entry(t, db, lawyer, ca, 30, "100")
	testutil.Entry(t, db, lawyer, cb, 120, "50")
	nonBillable := testutil.Entry(t, db, lawyer, cb, 60, "50")
	db.Model(nonBillable).Updates(map[string]any{"billable": false, "billable_amount": nil})

	res, err := svc.BulkDraftInvoices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Invoices) != 2 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	totals := map[uint]string{}
	for _, item := range res.Invoices {
		var inv models.Invoice
		db.First(&inv, item.InvoiceID)
		totals[item.ClientID] = inv.Subtotal.StringFixed(2)
	}
	if totals[clientA.ID] != "150.00" || totals[clientB.ID] != "100.00" {
		t.Fatalf("subtotals = %v", totals)
	}
	var left int64
	db.Model(&models.TimeEntry{}).Where("invoice_status = ?", models.BillingUnbilled).Count(&left)
	if left != 1 {
		t.Fatalf("only the non-billable entry should stay unbilled, got %d", left)
	}
}

func TestBulkDraftContinuesAfterFailure(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	clientA := testutil.User(t, db, models.RoleClient)
	clientB := testutil.User(t, db, models.RoleClient)
	ca := testutil.Case(t, db, clientA)
	cb := testutil.Case(t, db, clientB)
	testutil.Entry(t, db, lawyer, ca, 60, "100")
	testutil.Entry(t, db, lawyer, cb, 60, "100")

	// fail invoice creation for client A only
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_client_a", func(tx *gorm.DB) {
		if inv, ok := tx.Statement.Dest.(*models.Invoice); ok && inv.ClientID == clientA.ID {
			tx.AddError(errors.New("storage unavailable"))
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.BulkDraftInvoices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || res.Errors[0].ClientID != clientA.ID || res.Errors[0].Entries != 1 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if len(res.Invoices) != 1 || res.Invoices[0].ClientID != clientB.ID {
		t.Fatalf("invoices = %+v", res.Invoices)
	}
	var stillUnbilled models.TimeEntry
	db.Where("case_id = ?", ca.ID).First(&stillUnbilled)
	if stillUnbilled.InvoiceStatus != models.BillingUnbilled {
		t.Fatalf("failed client's entry was billed: %s", stillUnbilled.InvoiceStatus)
	}
}

func TestConsolidateDraftsScenario(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	base := testutil.Now().Add(-time.Hour)
	first := testutil.Invoice(t, db, c, models.InvoiceDraft, "100", base)
	second := testutil.Invoice(t, db, c, models.InvoiceDraft, "50", base.Add(time.Minute))
	e := testutil.Entry(t, db, lawyer, c, 30, "100")
	db.Model(e).Updates(map[string]any{"invoice_status": models.BillingBilled, "invoice_id": second.ID})

	// a draft for another case must be left alone
	other := testutil.Case(t, db, client)
	lone := testutil.Invoice(t, db, other, models.InvoiceDraft, "10", base)

	res, err := svc.ConsolidateDrafts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 1 || len(res.Groups) != 1 || res.Groups[0].SurvivorID != first.ID {
		t.Fatalf("result = %+v", res)
	}

	var survivor models.Invoice
	if err := db.First(&survivor, first.ID).Error; err != nil {
		t.Fatal(err)
	}
	if !survivor.Subtotal.Equal(testutil.Dec(t, "150")) || !survivor.Tax.Equal(testutil.Dec(t, "15")) || !survivor.Total.Equal(testutil.Dec(t, "165")) {
		t.Fatalf("survivor = %s/%s/%s", survivor.Subtotal, survivor.Tax, survivor.Total)
	}
	var n int64
	db.Model(&models.Invoice{}).Where("id = ?", second.ID).Count(&n)
	if n != 0 {
		t.Fatalf("duplicate draft still present")
	}
	var moved models.TimeEntry
	db.First(&moved, e.ID)
	if moved.InvoiceID == nil || *moved.InvoiceID != first.ID {
		t.Fatalf("entry not re-pointed: %+v", moved)
	}
	db.Model(&models.Invoice{}).Where("id = ?", lone.ID).Count(&n)
	if n != 1 {
		t.Fatalf("unrelated draft removed")
	}

	// at most one draft per (case, client) afterwards
	type row struct {
		CaseID, ClientID uint
		N                int
	}
	var rows []row
	db.Model(&models.Invoice{}).Select("case_id, client_id, count(*) as n").
		Where("status = ?", models.InvoiceDraft).Group("case_id, client_id").Scan(&rows)
	for _, r := range rows {
		if r.N > 1 {
			t.Fatalf("pair %d/%d still has %d drafts", r.CaseID, r.ClientID, r.N)
		}
	}
}

func TestRecordPaymentStatusThresholds(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	partner := testutil.User(t, db, models.RolePartner)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	e := testutil.Entry(t, db, lawyer, c, 60, "100")
	draft, err := svc.DraftFromTimeEntries(context.Background(), DraftRequest{TimeEntryIDs: []uint{e.ID}})
	if err != nil {
		t.Fatal(err)
	}
	invID := draft.Invoice.ID // total 110.00
	if _, err := svc.UpdateStatus(context.Background(), invID, models.InvoiceSent); err != nil {
		t.Fatal(err)
	}

	pay := func(amount string) *PaymentResult {
		t.Helper()
		res, err := svc.RecordPayment(context.Background(), partner.ID, PaymentRequest{InvoiceID: invID, Amount: testutil.Dec(t, amount), Method: "bank_transfer"})
		if err != nil {
			t.Fatalf("pay %s: %v", amount, err)
		}
		return res
	}

	res := pay("60")
	if res.Invoice.Status != models.InvoicePartiallyPaid || res.TotalPaid != "60.00" {
		t.Fatalf("after 60: %s paid %s", res.Invoice.Status, res.TotalPaid)
	}
	var entry models.TimeEntry
	db.First(&entry, e.ID)
	if entry.InvoiceStatus != models.BillingBilled {
		t.Fatalf("entry should stay BILLED while partially paid")
	}

	res = pay("50")
	if res.Invoice.Status != models.InvoicePaid {
		t.Fatalf("after 110: %s", res.Invoice.Status)
	}
	db.First(&entry, e.ID)
	if entry.InvoiceStatus != models.BillingPaid {
		t.Fatalf("entry should be PAID, got %s", entry.InvoiceStatus)
	}
	if res.Payment.Method != "BANK_TRANSFER" {
		t.Fatalf("method = %s", res.Payment.Method)
	}

	if _, err := svc.UpdateStatus(context.Background(), invID, models.InvoiceDraft); apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("paid invoice went back to draft: %v", err)
	}
}

func TestRecordPaymentValidation(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	_, err := svc.RecordPayment(context.Background(), 1, PaymentRequest{InvoiceID: 1, Amount: decimal.Zero, Method: "cash"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("zero amount: %v", err)
	}
	_, err = svc.RecordPayment(context.Background(), 1, PaymentRequest{InvoiceID: 999, Amount: decimal.NewFromInt(5), Method: "cash"})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("missing invoice: %v", err)
	}
}

func TestStatusForPayments(t *testing.T) {
	total := decimal.NewFromInt(100)
	cases := []struct {
		paid    string
		current models.InvoiceStatus
		want    models.InvoiceStatus
		changed bool
	}{
		{"0", models.InvoiceSent, models.InvoiceSent, false},
		{"0.01", models.InvoiceSent, models.InvoicePartiallyPaid, true},
		{"99.99", models.InvoiceOverdue, models.InvoicePartiallyPaid, true},
		{"100", models.InvoicePartiallyPaid, models.InvoicePaid, true},
		{"150", models.InvoiceSent, models.InvoicePaid, true},
		{"100", models.InvoicePaid, models.InvoicePaid, false},
	}
	for _, tc := range cases {
		got, changed := StatusForPayments(tc.current, decimal.RequireFromString(tc.paid), total)
		if got != tc.want || changed != tc.changed {
			t.Errorf("paid %s from %s: got %s/%v want %s/%v", tc.paid, tc.current, got, changed, tc.want, tc.changed)
		}
	}
}

func TestMarkOverdueAndSummary(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(db, WithClock(fixedClock(now)))
	partner := testutil.User(t, db, models.RolePartner)
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)

	late := testutil.Invoice(t, db, c, models.InvoiceSent, "200", now.AddDate(0, -2, 0)) // due a month ago
	testutil.Invoice(t, db, c, models.InvoiceSent, "100", now)                          // due in 30 days
	testutil.Invoice(t, db, c, models.InvoiceDraft, "40", now)
	testutil.Entry(t, db, lawyer, c, 90, "200")

	n, err := svc.MarkOverdue(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("mark overdue = %d, %v", n, err)
	}
	var got models.Invoice
	db.First(&got, late.ID)
	if got.Status != models.InvoiceOverdue {
		t.Fatalf("status = %s", got.Status)
	}

	if _, err := svc.RecordPayment(context.Background(), partner.ID, PaymentRequest{InvoiceID: late.ID, Amount: decimal.NewFromInt(20), Method: "card"}); err != nil {
		t.Fatal(err)
	}

	sum, err := svc.Summary(context.Background(), access.Invoices(partner), access.Cases(partner), nil)
	if err != nil {
		t.Fatal(err)
	}
	// billed: 220 + 110, paid 20, outstanding 310
	if !sum.TotalBilled.Equal(decimal.NewFromInt(330)) || !sum.TotalPaid.Equal(decimal.NewFromInt(20)) || !sum.Outstanding.Equal(decimal.NewFromInt(310)) {
		t.Fatalf("summary = %+v", sum)
	}
	if !sum.UnbilledAmount.Equal(decimal.NewFromInt(300)) || !sum.UnbilledHours.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unbilled = %s / %s h", sum.UnbilledAmount, sum.UnbilledHours)
	}
	if sum.DraftCount != 1 || sum.InvoiceCount != 3 {
		t.Fatalf("counts = %+v", sum)
	}

	clientSum, err := svc.Summary(context.Background(), access.Invoices(client), access.Cases(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !clientSum.TotalBilled.Equal(sum.TotalBilled) {
		t.Fatalf("client sees own invoices: %s", clientSum.TotalBilled)
	}
}

func TestInvoiceTotalInvariant(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db, WithTaxRate(decimal.RequireFromString("0.10")))
	lawyer := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	for i := 0; i < 3; i++ {
		e := testutil.Entry(t, db, lawyer, c, 7+i*13, "333.33")
		if _, err := svc.DraftFromTimeEntries(context.Background(), DraftRequest{TimeEntryIDs: []uint{e.ID}}); err != nil {
			t.Fatal(err)
		}
	}
	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceRequest{CaseID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if inv.Status != models.InvoiceDraft {
		t.Fatalf("status = %s", inv.Status)
	}
	if _, err := svc.ConsolidateDrafts(context.Background()); err != nil {
		t.Fatal(err)
	}
	var all []models.Invoice
	db.Find(&all)
	for _, inv := range all {
		if !inv.Total.Equal(inv.Subtotal.Add(inv.Tax)) {
			t.Fatalf("invoice %s: %s + %s != %s", inv.InvoiceNumber, inv.Subtotal, inv.Tax, inv.Total)
		}
	}
}
