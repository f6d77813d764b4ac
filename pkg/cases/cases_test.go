package cases

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/billing"
	"caseace/pkg/notify"
	"caseace/pkg/storage"
	"caseace/pkg/testutil"
)

func newService(t *testing.T) (*Service, *storage.Local) {
	t.Helper()
	db := testutil.NewDB(t)
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewService(db, notify.NewService(db, nil, ""), store), store
}

func notificationsOf(t *testing.T, s *Service, userID uint) []models.Notification {
	t.Helper()
	var out []models.Notification
	s.db.Where("user_id = ?", userID).Order("id").Find(&out)
	return out
}

func TestCreateCaseNumbersAndAssigns(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	assoc := testutil.User(t, s.db, models.RoleAssociate)
	partner := testutil.User(t, s.db, models.RolePartner)
	client := testutil.User(t, s.db, models.RoleClient)

	c1, err := s.Create(ctx, assoc, CreateRequest{Title: "Smith v. Jones", ClientID: client.ID})
	if err != nil {
		t.Fatal(err)
	}
	year := time.Now().Year()
	if c1.CaseNumber != fmt.Sprintf("CASE-%d-0001", year) {
		t.Fatalf("number = %s", c1.CaseNumber)
	}
	if c1.Status != models.CaseOpen || c1.Priority != models.PriorityMedium {
		t.Fatalf("defaults = %s/%s", c1.Status, c1.Priority)
	}
	var n int64
	s.db.Model(&models.CaseAssignment{}).Where("case_id = ? AND user_id = ?", c1.ID, assoc.ID).Count(&n)
	if n != 1 {
		t.Fatalf("creator not assigned")
	}
	if notes := notificationsOf(t, s, client.ID); len(notes) != 1 || notes[0].Type != models.NotifyCaseCreated {
		t.Fatalf("client notifications = %+v", notes)
	}

	c2, err := s.Create(ctx, partner, CreateRequest{Title: "Estate of Doe", ClientID: client.ID, LeadAttorneyID: &assoc.ID})
	if err != nil {
		t.Fatal(err)
	}
	if c2.CaseNumber != fmt.Sprintf("CASE-%d-0002", year) {
		t.Fatalf("number = %s", c2.CaseNumber)
	}
	s.db.Model(&models.CaseAssignment{}).Where("case_id = ?", c2.ID).Count(&n)
	if n != 1 {
		t.Fatalf("partner creator should not be assigned, lead should: %d rows", n)
	}
}

func TestCreateCaseRejectsNonClient(t *testing.T) {
	s, _ := newService(t)
	assoc := testutil.User(t, s.db, models.RoleAssociate)
	_, err := s.Create(context.Background(), assoc, CreateRequest{Title: "x", ClientID: assoc.ID})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("err = %v", err)
	}
	_, err = s.Create(context.Background(), assoc, CreateRequest{Title: "x", ClientID: 9999})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestListCasesForClientOnlyOwn(t *testing.T) {
	s, _ := newService(t)
	partner := testutil.User(t, s.db, models.RolePartner)
	alice := testutil.User(t, s.db, models.RoleClient)
	bob := testutil.User(t, s.db, models.RoleClient)
	own := testutil.Case(t, s.db, alice)
	testutil.Case(t, s.db, bob)

	got, err := s.List(context.Background(), alice, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != own.ID {
		t.Fatalf("client sees %d cases", len(got))
	}
	all, _ := s.List(context.Background(), partner, Filter{})
	if len(all) != 2 {
		t.Fatalf("partner sees %d", len(all))
	}
	if _, err := s.Get(context.Background(), bob, own.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("foreign case: %v", err)
	}
}

func TestUpdateCaseCloseAndNotify(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	partner := testutil.User(t, s.db, models.RolePartner)
	assoc := testutil.User(t, s.db, models.RoleAssociate)
	client := testutil.User(t, s.db, models.RoleClient)
	c := testutil.Case(t, s.db, client)
	testutil.Assign(t, s.db, c, assoc)

	closed := models.CaseClosed
	got, err := s.Update(ctx, partner, c.ID, UpdateRequest{Status: &closed})
	if err != nil {
		t.Fatal(err)
	}
	if got.ClosedAt == nil {
		t.Fatalf("ClosedAt not set")
	}
	if len(notificationsOf(t, s, client.ID)) != 1 || len(notificationsOf(t, s, assoc.ID)) != 1 {
		t.Fatalf("status change not announced")
	}
	open := models.CaseOpen
	got, _ = s.Update(ctx, partner, c.ID, UpdateRequest{Status: &open})
	if got.ClosedAt != nil {
		t.Fatalf("reopened case kept ClosedAt")
	}

	bad := models.CaseStatus("ARCHIVED")
	if _, err := s.Update(ctx, partner, c.ID, UpdateRequest{Status: &bad}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad status: %v", err)
	}
}

func TestDeleteCaseCascades(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	lawyer := testutil.User(t, s.db, models.RoleAssociate)
	client := testutil.User(t, s.db, models.RoleClient)
	c := testutil.Case(t, s.db, client)
	keep := testutil.Case(t, s.db, client)
	testutil.Assign(t, s.db, c, lawyer)
	testutil.Task(t, s.db, c, lawyer, lawyer)
	testutil.Entry(t, s.db, lawyer, c, 60, "100")
	testutil.Entry(t, s.db, lawyer, keep, 60, "100")
	inv := testutil.Invoice(t, s.db, c, models.InvoiceSent, "100", testutil.Now())
	s.db.Create(&models.Payment{InvoiceID: inv.ID, Amount: testutil.Dec(t, "10"), Method: "CASH", PaymentDate: time.Now()})

	key := fmt.Sprintf("%d/file.pdf", c.ID)
	if _, err := store.Put(ctx, key, strings.NewReader("%PDF")); err != nil {
		t.Fatal(err)
	}
	s.db.Create(&models.Document{CaseID: c.ID, UploadedByID: lawyer.ID, FileName: "file.pdf", Size: 4, StorageKey: key})

	if err := s.Delete(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	for _, m := range []any{&models.Invoice{}, &models.Payment{}, &models.Task{}, &models.Document{}, &models.CaseAssignment{}} {
		var n int64
		s.db.Model(m).Count(&n)
		if n != 0 {
			t.Fatalf("%T rows left: %d", m, n)
		}
	}
	var entries int64
	s.db.Model(&models.TimeEntry{}).Count(&entries)
	if entries != 1 {
		t.Fatalf("entries of the other case must stay, got %d", entries)
	}
	if _, err := store.Open(ctx, key); err != storage.ErrNotFound {
		t.Fatalf("file still present: %v", err)
	}
	if err := s.Delete(ctx, c.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("second delete: %v", err)
	}
}

func TestDeleteCaseReleasesEntriesBilledWithIt(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	if err := s.db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		t.Fatal(err)
	}
	lawyer := testutil.User(t, s.db, models.RoleAssociate)
	client := testutil.User(t, s.db, models.RoleClient)
	a := testutil.Case(t, s.db, client)
	b := testutil.Case(t, s.db, client)
	testutil.Entry(t, s.db, lawyer, a, 60, "100")
	other := testutil.Entry(t, s.db, lawyer, b, 60, "100")

	// one draft per client, so b's entry lands on the invoice of case a
	res, err := billing.NewService(s.db).BulkDraftInvoices(ctx)
	if err != nil || len(res.Invoices) != 1 {
		t.Fatalf("bulk = %+v, %v", res, err)
	}
	var before models.TimeEntry
	s.db.First(&before, other.ID)
	if before.InvoiceID == nil || *before.InvoiceID != res.Invoices[0].InvoiceID {
		t.Fatalf("entry of case b not on the shared draft: %+v", before.InvoiceID)
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var after models.TimeEntry
	if err := s.db.First(&after, other.ID).Error; err != nil {
		t.Fatalf("entry of case b gone: %v", err)
	}
	if after.InvoiceID != nil || after.InvoiceStatus != models.BillingUnbilled {
		t.Fatalf("entry of case b = %v %v, want unbilled and unlinked", after.InvoiceStatus, after.InvoiceID)
	}
	var invoices int64
	s.db.Model(&models.Invoice{}).Count(&invoices)
	if invoices != 0 {
		t.Fatalf("invoices left: %d", invoices)
	}
}

func TestTaskAssignmentGrantsVisibility(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	partner := testutil.User(t, s.db, models.RolePartner)
	para := testutil.User(t, s.db, models.RoleParalegal)
	client := testutil.User(t, s.db, models.RoleClient)
	c := testutil.Case(t, s.db, client)

	if got, _ := s.List(ctx, para, Filter{}); len(got) != 0 {
		t.Fatalf("paralegal sees unassigned case")
	}
	task, err := s.CreateTask(ctx, partner, TaskRequest{CaseID: c.ID, Title: "Collect exhibits", AssigneeID: &para.ID})
	if err != nil {
		t.Fatal(err)
	}
	if notes := notificationsOf(t, s, para.ID); len(notes) != 1 || notes[0].Type != models.NotifyTaskAssigned {
		t.Fatalf("assignee notifications = %+v", notes)
	}
	if got, _ := s.List(ctx, para, Filter{}); len(got) != 1 || got[0].ID != c.ID {
		t.Fatalf("task assignee should see the case")
	}
	if _, err := s.GetTask(ctx, para, task.ID); err != nil {
		t.Fatalf("get own task: %v", err)
	}
	if _, err := s.CreateTask(ctx, partner, TaskRequest{CaseID: c.ID, Title: "x", AssigneeID: &client.ID}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("client as assignee: %v", err)
	}
}

func TestMoveTaskPositionsAndCompletion(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	partner := testutil.User(t, s.db, models.RolePartner)
	assoc := testutil.User(t, s.db, models.RoleAssociate)
	client := testutil.User(t, s.db, models.RoleClient)
	c := testutil.Case(t, s.db, client)
	testutil.Assign(t, s.db, c, assoc)

	a, _ := s.CreateTask(ctx, partner, TaskRequest{CaseID: c.ID, Title: "A"})
	b, _ := s.CreateTask(ctx, partner, TaskRequest{CaseID: c.ID, Title: "B"})
	if a.Position != 0 || b.Position != 1 {
		t.Fatalf("positions = %d, %d", a.Position, b.Position)
	}

	moved, err := s.MoveTask(ctx, partner, b.ID, models.TaskDone, nil)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Position != 0 || moved.CompletedAt == nil {
		t.Fatalf("moved = %+v", moved)
	}
	notes := notificationsOf(t, s, assoc.ID)
	if len(notes) != 1 || notes[0].Type != models.NotifyTaskCompleted {
		t.Fatalf("case staff notifications = %+v", notes)
	}
	if len(notificationsOf(t, s, client.ID)) != 0 {
		t.Fatalf("client notified about internal task")
	}

	back, err := s.MoveTask(ctx, partner, b.ID, models.TaskInProgress, ptr(3))
	if err != nil {
		t.Fatal(err)
	}
	if back.CompletedAt != nil || back.Position != 3 {
		t.Fatalf("back = %+v", back)
	}
	if _, err := s.MoveTask(ctx, partner, b.ID, "BLOCKED", nil); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad status: %v", err)
	}
}

func TestAssignUnassign(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	partner := testutil.User(t, s.db, models.RolePartner)
	assoc := testutil.User(t, s.db, models.RoleAssociate)
	client := testutil.User(t, s.db, models.RoleClient)
	c := testutil.Case(t, s.db, client)

	if _, err := s.Assign(ctx, partner, c.ID, assoc.ID, "SECOND_CHAIR"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Assign(ctx, partner, c.ID, assoc.ID, ""); err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	if len(notificationsOf(t, s, assoc.ID)) != 1 {
		t.Fatalf("re-assign notified twice")
	}
	if _, err := s.Assign(ctx, partner, c.ID, client.ID, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("assign client: %v", err)
	}
	if err := s.Unassign(ctx, c.ID, assoc.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Unassign(ctx, c.ID, assoc.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("second unassign: %v", err)
	}
}

func TestAppointmentsScopedAndNotified(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	assoc := testutil.User(t, s.db, models.RoleAssociate)
	para := testutil.User(t, s.db, models.RoleParalegal)
	client := testutil.User(t, s.db, models.RoleClient)
	stranger := testutil.User(t, s.db, models.RoleClient)
	c := testutil.Case(t, s.db, client)
	testutil.Assign(t, s.db, c, assoc)
	testutil.Assign(t, s.db, c, para)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	a, err := s.CreateAppointment(ctx, assoc, AppointmentRequest{CaseID: &c.ID, Title: "Deposition prep", StartTime: start, EndTime: start.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if a.ClientID == nil || *a.ClientID != client.ID {
		t.Fatalf("client not defaulted from case: %+v", a)
	}
	for _, u := range []*models.User{client, para} {
		if notes := notificationsOf(t, s, u.ID); len(notes) != 1 || notes[0].Type != models.NotifyAppointment {
			t.Fatalf("user %d notifications = %+v", u.ID, notes)
		}
	}
	if len(notificationsOf(t, s, assoc.ID)) != 0 {
		t.Fatalf("organizer notified")
	}

	from, to := start.Add(-time.Hour), start.Add(30*time.Minute)
	if got, _ := s.ListAppointments(ctx, client, AppointmentFilter{From: &from, To: &to}); len(got) != 1 {
		t.Fatalf("client sees %d appointments", len(got))
	}
	later := start.Add(2 * time.Hour)
	if got, _ := s.ListAppointments(ctx, client, AppointmentFilter{From: &later}); len(got) != 0 {
		t.Fatalf("range filter ignored")
	}
	if got, _ := s.ListAppointments(ctx, stranger, AppointmentFilter{}); len(got) != 0 {
		t.Fatalf("stranger sees appointments")
	}

	if _, err := s.UpdateAppointment(ctx, para, a.ID, AppointmentUpdate{Location: ptr("Room 4")}); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("paralegal edit: %v", err)
	}
	moved := start.Add(24 * time.Hour)
	if _, err := s.UpdateAppointment(ctx, assoc, a.ID, AppointmentUpdate{StartTime: &moved}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("start after end: %v", err)
	}
	end := moved.Add(time.Hour)
	if _, err := s.UpdateAppointment(ctx, assoc, a.ID, AppointmentUpdate{StartTime: &moved, EndTime: &end}); err != nil {
		t.Fatal(err)
	}
	if len(notificationsOf(t, s, client.ID)) != 2 {
		t.Fatalf("reschedule not announced")
	}
	if _, err := s.CreateAppointment(ctx, client, AppointmentRequest{Title: "x", StartTime: start, EndTime: end}); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("client scheduling: %v", err)
	}
	if err := s.DeleteAppointment(ctx, assoc, a.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.ListAppointments(ctx, assoc, AppointmentFilter{}); len(got) != 0 {
		t.Fatalf("deleted appointment still listed")
	}
}

func ptr[T any](v T) *T { return &v }
