// Package testutil builds throwaway SQLite databases and fixtures for
// package tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/database"
)

var seq atomic.Int64

// NewDB returns a migrated SQLite database that lives for the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "caseace_test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// User creates a user with role and a unique email.
func User(t *testing.T, db *gorm.DB, role models.Role) *models.User {
	t.Helper()
	n := seq.Add(1)
	u := &models.User{
		Email:          fmt.Sprintf("%s%d@firm.test", role, n),
		Name:           fmt.Sprintf("%s %d", role, n),
		HashedPassword: []byte("x"),
		Role:           role,
		Active:         true,
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// Case creates an open case for client.
func Case(t *testing.T, db *gorm.DB, client *models.User) *models.Case {
	t.Helper()
	n := seq.Add(1)
	c := &models.Case{
		CaseNumber: fmt.Sprintf("CASE-TEST-%04d", n),
		Title:      fmt.Sprintf("Matter %d", n),
		Status:     models.CaseOpen,
		Priority:   models.PriorityMedium,
		ClientID:   client.ID,
		OpenedAt:   time.Now(),
	}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

// Assign links a staff user to a case.
func Assign(t *testing.T, db *gorm.DB, c *models.Case, u *models.User) {
	t.Helper()
	if err := db.Create(&models.CaseAssignment{CaseID: c.ID, UserID: u.ID}).Error; err != nil {
		t.Fatalf("assign: %v", err)
	}
}

// Task creates a task on c, optionally assigned.
func Task(t *testing.T, db *gorm.DB, c *models.Case, creator *models.User, assignee *models.User) *models.Task {
	t.Helper()
	task := &models.Task{CaseID: c.ID, Title: "Draft motion", Status: models.TaskTodo, Priority: models.PriorityMedium, CreatedByID: creator.ID}
	if assignee != nil {
		task.AssigneeID = &assignee.ID
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// Entry creates an unbilled billable time entry of minutes at rate.
func Entry(t *testing.T, db *gorm.DB, u *models.User, c *models.Case, minutes int, rate string) *models.TimeEntry {
	t.Helper()
	start := time.Now().Add(-time.Duration(minutes) * time.Minute)
	end := start.Add(time.Duration(minutes) * time.Minute)
	e := &models.TimeEntry{
		UserID:        u.ID,
		CaseID:        c.ID,
		Description:   "research",
		StartTime:     start,
		EndTime:       &end,
		Duration:      &minutes,
		Rate:          decimal.NullDecimal{Decimal: decimal.RequireFromString(rate), Valid: true},
		Billable:      true,
		InvoiceStatus: models.BillingUnbilled,
	}
	e.RecomputeBillableAmount()
	if err := db.Create(e).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return e
}

// Invoice creates an invoice with the given status and subtotal, tax at 10%.
func Invoice(t *testing.T, db *gorm.DB, c *models.Case, status models.InvoiceStatus, subtotal string, createdAt time.Time) *models.Invoice {
	t.Helper()
	n := seq.Add(1)
	inv := &models.Invoice{
		CreatedAt:     createdAt,
		InvoiceNumber: fmt.Sprintf("INV-TEST-%04d", n),
		CaseID:        c.ID,
		ClientID:      c.ClientID,
		IssueDate:     createdAt,
		DueDate:       createdAt.AddDate(0, 0, 30),
		Status:        status,
		Subtotal:      decimal.RequireFromString(subtotal),
	}
	inv.ApplyTax(decimal.RequireFromString("0.10"))
	if err := db.Create(inv).Error; err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

// Dec parses s or fails the test.
func Dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

// Now is the current time truncated to the second, which survives a round
// trip through every supported database.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
