// Package access decides what each role may see and do. Every role maps to a
// Policy; services ask the policy instead of branching on the role.
package access

import (
	"errors"

	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
)

// Policy is the capability set of a role plus the row filters that narrow
// case and invoice queries to what the role may see.
type Policy struct {
	SeeAllCases   bool
	ManageCases   bool
	DeleteCases   bool
	ManageTasks   bool
	ManageBilling bool
	ViewBilling   bool
	TrackTime     bool
	ManageUsers   bool
	ViewAnalytics bool
	UploadDocs    bool

	cases    func(db *gorm.DB, u *models.User) *gorm.DB
	invoices func(db *gorm.DB, u *models.User) *gorm.DB
}

var policies = map[models.Role]Policy{
	models.RolePartner: {
		SeeAllCases: true, ManageCases: true, DeleteCases: true, ManageTasks: true,
		ManageBilling: true, ViewBilling: true, TrackTime: true, ManageUsers: true,
		ViewAnalytics: true, UploadDocs: true,
		cases:    allRows,
		invoices: allRows,
	},
	models.RoleAssociate: {
		ManageCases: true, ManageTasks: true, ManageBilling: true, ViewBilling: true,
		TrackTime: true, ViewAnalytics: true, UploadDocs: true,
		cases:    staffCases,
		invoices: invoicesOfVisibleCases,
	},
	models.RoleParalegal: {
		ManageTasks: true, TrackTime: true, UploadDocs: true,
		cases:    staffCases,
		invoices: noRows,
	},
	models.RoleClient: {
		ViewBilling: true, UploadDocs: true,
		cases:    clientCases,
		invoices: clientInvoices,
	},
}

var denyAll = Policy{cases: noRows, invoices: noRows}

// For returns the policy of role. Unknown roles get a policy that allows
// nothing.
func For(role models.Role) Policy {
	if p, ok := policies[role]; ok {
		return p
	}
	return denyAll
}

// Of is For(u.Role).
func Of(u *models.User) Policy { return For(u.Role) }

// Cases is a gorm scope limiting a case query to the cases u may see.
func Cases(u *models.User) func(*gorm.DB) *gorm.DB {
	p := Of(u)
	return func(db *gorm.DB) *gorm.DB { return p.cases(db, u) }
}

// Invoices is a gorm scope limiting an invoice query to what u may see.
func Invoices(u *models.User) func(*gorm.DB) *gorm.DB {
	p := Of(u)
	return func(db *gorm.DB) *gorm.DB { return p.invoices(db, u) }
}

// VisibleCaseIDs returns a subquery selecting the ids of the cases u may
// see, for use in "case_id IN (?)" conditions.
func VisibleCaseIDs(db *gorm.DB, u *models.User) *gorm.DB {
	return fresh(db).Model(&models.Case{}).Select("cases.id").Scopes(Cases(u))
}

// CanSeeCase reports whether caseID exists and is visible to u.
func CanSeeCase(db *gorm.DB, u *models.User, caseID uint) (bool, error) {
	var n int64
	err := fresh(db).Model(&models.Case{}).Scopes(Cases(u)).Where("cases.id = ?", caseID).Count(&n).Error
	return n > 0, err
}

// RequireCase loads the case caseID when u may see it. Invisible cases are
// reported as not found so their existence is not disclosed.
func RequireCase(db *gorm.DB, u *models.User, caseID uint, op string) (*models.Case, error) {
	var c models.Case
	err := fresh(db).Scopes(Cases(u)).Where("cases.id = ?", caseID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "case")
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &c, nil
}

func fresh(db *gorm.DB) *gorm.DB {
	return db.Session(&gorm.Session{NewDB: true})
}

func allRows(db *gorm.DB, _ *models.User) *gorm.DB { return db }

func noRows(db *gorm.DB, _ *models.User) *gorm.DB { return db.Where("1 = 0") }

func clientCases(db *gorm.DB, u *models.User) *gorm.DB {
	return db.Where("cases.client_id = ?", u.ID)
}

// staffCases is the union of cases the user is assigned to and cases where
// at least one task is assigned to them. IN de-duplicates.
func staffCases(db *gorm.DB, u *models.User) *gorm.DB {
	assigned := fresh(db).Model(&models.CaseAssignment{}).Select("case_id").Where("user_id = ?", u.ID)
	viaTasks := fresh(db).Model(&models.Task{}).Select("case_id").Where("assignee_id = ?", u.ID)
	return db.Where("cases.id IN (?) OR cases.id IN (?)", assigned, viaTasks)
}

func clientInvoices(db *gorm.DB, u *models.User) *gorm.DB {
	return db.Where("invoices.client_id = ?", u.ID)
}

// invoicesOfVisibleCases builds the case subquery from staffCases itself;
// going through Cases would read policies while it is being initialized.
func invoicesOfVisibleCases(db *gorm.DB, u *models.User) *gorm.DB {
	visible := staffCases(fresh(db).Model(&models.Case{}).Select("cases.id"), u)
	return db.Where("invoices.case_id IN (?)", visible)
}

// CaseMembers is the client, the lead attorney and every assigned user of c,
// without duplicates.
func CaseMembers(db *gorm.DB, c *models.Case) ([]uint, error) {
	var assigned []uint
	if err := fresh(db).Model(&models.CaseAssignment{}).Where("case_id = ?", c.ID).Pluck("user_id", &assigned).Error; err != nil {
		return nil, err
	}
	seen := map[uint]bool{}
	var out []uint
	add := func(id uint) {
		if id != 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(c.ClientID)
	if c.LeadAttorneyID != nil {
		add(*c.LeadAttorneyID)
	}
	for _, id := range assigned {
		add(id)
	}
	return out, nil
}
