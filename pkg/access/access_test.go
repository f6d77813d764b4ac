package access

import (
	"sort"
	"testing"

	"caseace/models"
	"caseace/pkg/testutil"
)

func TestCaseVisibilityByRole(t *testing.T) {
	db := testutil.NewDB(t)
	partner := testutil.User(t, db, models.RolePartner)
	associate := testutil.User(t, db, models.RoleAssociate)
	paralegal := testutil.User(t, db, models.RoleParalegal)
	clientA := testutil.User(t, db, models.RoleClient)
	clientB := testutil.User(t, db, models.RoleClient)

	c1 := testutil.Case(t, db, clientA)
	c2 := testutil.Case(t, db, clientA)
	c3 := testutil.Case(t, db, clientB)

	// associate: assigned to c1, has a task on c1 too (must not duplicate) and on c3
	testutil.Assign(t, db, c1, associate)
	testutil.Task(t, db, c1, partner, associate)
	testutil.Task(t, db, c3, partner, associate)
	// paralegal: only a task on c2
	testutil.Task(t, db, c2, partner, paralegal)

	list := func(u *models.User) []uint {
		var cases []models.Case
		if err := db.Scopes(Cases(u)).Order("id").Find(&cases).Error; err != nil {
			t.Fatalf("list: %v", err)
		}
		ids := make([]uint, 0, len(cases))
		for _, c := range cases {
			ids = append(ids, c.ID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids
	}

	tests := []struct {
		name string
		user *models.User
		want []uint
	}{
		{"partner sees all", partner, []uint{c1.ID, c2.ID, c3.ID}},
		{"associate sees assigned and task cases once", associate, []uint{c1.ID, c3.ID}},
		{"paralegal sees task case", paralegal, []uint{c2.ID}},
		{"client sees own cases", clientA, []uint{c1.ID, c2.ID}},
		{"other client", clientB, []uint{c3.ID}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := list(tc.user)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v want %v", got, tc.want)
				}
			}
		})
	}
}

func TestRequireCaseHidesInvisible(t *testing.T) {
	db := testutil.NewDB(t)
	clientA := testutil.User(t, db, models.RoleClient)
	clientB := testutil.User(t, db, models.RoleClient)
	c := testutil.Case(t, db, clientA)

	if _, err := RequireCase(db, clientA, c.ID, "test"); err != nil {
		t.Fatalf("owner should see case: %v", err)
	}
	if _, err := RequireCase(db, clientB, c.ID, "test"); err == nil {
		t.Fatalf("other client must not see case")
	}
	ok, err := CanSeeCase(db, clientB, c.ID)
	if err != nil || ok {
		t.Fatalf("CanSeeCase = %v, %v", ok, err)
	}
}

func TestInvoiceScope(t *testing.T) {
	db := testutil.NewDB(t)
	partner := testutil.User(t, db, models.RolePartner)
	associate := testutil.User(t, db, models.RoleAssociate)
	paralegal := testutil.User(t, db, models.RoleParalegal)
	client := testutil.User(t, db, models.RoleClient)
	other := testutil.User(t, db, models.RoleClient)
	c1 := testutil.Case(t, db, client)
	c2 := testutil.Case(t, db, other)
	testutil.Assign(t, db, c1, associate)
	now := testutil.Now()
	testutil.Invoice(t, db, c1, models.InvoiceDraft, "100", now)
	testutil.Invoice(t, db, c2, models.InvoiceSent, "50", now)

	count := func(u *models.User) int64 {
		var n int64
		if err := db.Model(&models.Invoice{}).Scopes(Invoices(u)).Count(&n).Error; err != nil {
			t.Fatalf("count: %v", err)
		}
		return n
	}
	if n := count(partner); n != 2 {
		t.Errorf("partner sees %d invoices", n)
	}
	if n := count(associate); n != 1 {
		t.Errorf("associate sees %d invoices", n)
	}
	if n := count(paralegal); n != 0 {
		t.Errorf("paralegal sees %d invoices", n)
	}
	if n := count(client); n != 1 {
		t.Errorf("client sees %d invoices", n)
	}
}

func TestUnknownRoleDeniesEverything(t *testing.T) {
	p := For(models.Role("JANITOR"))
	if p.ManageCases || p.ViewBilling || p.TrackTime {
		t.Fatalf("unknown role got capabilities: %+v", p)
	}
	if !For(models.RolePartner).DeleteCases || For(models.RoleAssociate).DeleteCases {
		t.Fatalf("only partners delete cases")
	}
}

func TestAssociateInvoicesFollowCaseVisibility(t *testing.T) {
	db := testutil.NewDB(t)
	partner := testutil.User(t, db, models.RolePartner)
	associate := testutil.User(t, db, models.RoleAssociate)
	client := testutil.User(t, db, models.RoleClient)
	viaTask := testutil.Case(t, db, client)
	hidden := testutil.Case(t, db, client)
	testutil.Task(t, db, viaTask, partner, associate)
	now := testutil.Now()
	want := testutil.Invoice(t, db, viaTask, models.InvoiceSent, "80", now)
	testutil.Invoice(t, db, hidden, models.InvoiceSent, "20", now)

	var got []models.Invoice
	if err := db.Scopes(Invoices(associate)).Find(&got).Error; err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != want.ID {
		t.Fatalf("associate invoices = %+v", got)
	}

	var visible []uint
	if err := db.Model(&models.Case{}).Where("id IN (?)", VisibleCaseIDs(db, associate)).Pluck("id", &visible).Error; err != nil {
		t.Fatalf("visible ids: %v", err)
	}
	if len(visible) != 1 || visible[0] != viaTask.ID {
		t.Fatalf("visible cases = %v", visible)
	}
}
