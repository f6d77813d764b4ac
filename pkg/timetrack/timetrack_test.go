package timetrack

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/testutil"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestTimerLifecycle(t *testing.T) {
	db := testutil.NewDB(t)
	clk := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(db).WithClock(clk.now)
	ctx := context.Background()
	lawyer := testutil.User(t, db, models.RoleAssociate)
	lawyer.HourlyRate = decimal.NullDecimal{Decimal: decimal.NewFromInt(200), Valid: true}
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)

	if _, err := svc.StopTimer(ctx, lawyer, StopRequest{}); apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("stop without timer: %v", err)
	}

	timer, err := svc.StartTimer(ctx, lawyer, StartRequest{CaseID: &c.ID, Description: "call with client"})
	if err != nil {
		t.Fatal(err)
	}
	if !timer.Rate.Valid || !timer.Rate.Decimal.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("rate should default to hourly rate, got %v", timer.Rate)
	}
	if _, err := svc.StartTimer(ctx, lawyer, StartRequest{CaseID: &c.ID}); apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("second start: %v", err)
	}

	got, err := svc.GetTimer(ctx, lawyer.ID)
	if err != nil || got == nil || got.ID != timer.ID {
		t.Fatalf("get timer = %+v, %v", got, err)
	}

	clk.t = clk.t.Add(89*time.Minute + 10*time.Second)
	e, err := svc.StopTimer(ctx, lawyer, StopRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if *e.Duration != 90 {
		t.Fatalf("duration = %d, want 90 (rounded up)", *e.Duration)
	}
	if !e.BillableAmount.Valid || e.BillableAmount.Decimal.StringFixed(2) != "300.00" {
		t.Fatalf("billable amount = %v", e.BillableAmount)
	}
	if e.CaseID != c.ID || e.InvoiceStatus != models.BillingUnbilled {
		t.Fatalf("entry = %+v", e)
	}
	if got, _ := svc.GetTimer(ctx, lawyer.ID); got != nil {
		t.Fatalf("timer not removed")
	}
}

func TestStopTimerMinimumAndCaseRequired(t *testing.T) {
	db := testutil.NewDB(t)
	clk := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(db).WithClock(clk.now)
	ctx := context.Background()
	u := testutil.User(t, db, models.RoleParalegal)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)

	if _, err := svc.StartTimer(ctx, u, StartRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StopTimer(ctx, u, StopRequest{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("stop without case: %v", err)
	}
	// the failed stop must leave the timer running
	if got, _ := svc.GetTimer(ctx, u.ID); got == nil {
		t.Fatalf("timer lost after failed stop")
	}
	clk.t = clk.t.Add(5 * time.Second)
	e, err := svc.StopTimer(ctx, u, StopRequest{CaseID: &c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if *e.Duration != 1 {
		t.Fatalf("duration = %d, want 1", *e.Duration)
	}
	if e.BillableAmount.Valid {
		t.Fatalf("no rate means no billable amount")
	}
}

func TestCancelTimer(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	u := testutil.User(t, db, models.RoleAssociate)
	ctx := context.Background()
	if err := svc.CancelTimer(ctx, u.ID); apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("cancel without timer: %v", err)
	}
	if _, err := svc.StartTimer(ctx, u, StartRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := svc.CancelTimer(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	var n int64
	db.Model(&models.TimeEntry{}).Count(&n)
	if n != 0 {
		t.Fatalf("cancel recorded time")
	}
}

func TestEntryCreateUpdateRecomputes(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()
	u := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)

	start := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	rate := decimal.NewFromInt(200)
	e, err := svc.CreateEntry(ctx, u, EntryRequest{CaseID: c.ID, StartTime: start, EndTime: &end, Rate: &rate})
	if err != nil {
		t.Fatal(err)
	}
	if *e.Duration != 90 || e.BillableAmount.Decimal.StringFixed(2) != "300.00" {
		t.Fatalf("entry = %d min, %v", *e.Duration, e.BillableAmount)
	}

	thirty := 30
	e, err = svc.UpdateEntry(ctx, e.ID, EntryUpdate{Duration: &thirty})
	if err != nil {
		t.Fatal(err)
	}
	if e.BillableAmount.Decimal.StringFixed(2) != "100.00" {
		t.Fatalf("after duration change = %v", e.BillableAmount)
	}
	no := false
	e, err = svc.UpdateEntry(ctx, e.ID, EntryUpdate{Billable: &no})
	if err != nil {
		t.Fatal(err)
	}
	if e.BillableAmount.Valid {
		t.Fatalf("non-billable entry kept an amount")
	}

	before := start.Add(-time.Hour)
	if _, err := svc.CreateEntry(ctx, u, EntryRequest{CaseID: c.ID, StartTime: start, EndTime: &before}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("end before start: %v", err)
	}
}

func TestBilledEntriesAreFrozen(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()
	u := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, client)
	e := testutil.Entry(t, db, u, c, 60, "100")
	db.Model(e).Update("invoice_status", models.BillingBilled)

	d := "changed"
	if _, err := svc.UpdateEntry(ctx, e.ID, EntryUpdate{Description: &d}); apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("update billed: %v", err)
	}
	if err := svc.DeleteEntry(ctx, e.ID); apperr.KindOf(err) != apperr.KindBusinessRule {
		t.Fatalf("delete billed: %v", err)
	}
	if err := svc.DeleteEntry(ctx, 9999); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestListEntriesScoped(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()
	partner := testutil.User(t, db, models.RolePartner)
	assoc := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	mine := testutil.Case(t, db, client)
	other := testutil.Case(t, db, client)
	testutil.Assign(t, db, mine, assoc)
	testutil.Entry(t, db, partner, mine, 30, "100")
	testutil.Entry(t, db, partner, other, 30, "100")

	got, err := svc.ListEntries(ctx, access.Cases(assoc), EntryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CaseID != mine.ID {
		t.Fatalf("associate sees %d entries", len(got))
	}
	all, _ := svc.ListEntries(ctx, access.Cases(partner), EntryFilter{})
	if len(all) != 2 {
		t.Fatalf("partner sees %d entries", len(all))
	}
}
