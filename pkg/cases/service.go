// Package cases manages legal matters, the staff assigned to them and their
// tasks.
package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/billing"
	"caseace/pkg/database"
	"caseace/pkg/logger"
	"caseace/pkg/notify"
	"caseace/pkg/storage"
)

type Service struct {
	db     *gorm.DB
	notify *notify.Service
	store  storage.Store
	now    func() time.Time
	log    zerolog.Logger
}

// NewService wires the case service. store may be nil when documents are not
// stored locally; deleted files are then left in place.
func NewService(db *gorm.DB, n *notify.Service, store storage.Store) *Service {
	return &Service{db: db, notify: n, store: store, now: time.Now, log: logger.WithComponent("cases")}
}

type CreateRequest struct {
	Title          string            `json:"title" binding:"required"`
	Description    string            `json:"description"`
	Type           string            `json:"type"`
	Status         models.CaseStatus `json:"status"`
	Priority       models.Priority   `json:"priority"`
	ClientID       uint              `json:"clientId" binding:"required"`
	LeadAttorneyID *uint             `json:"leadAttorneyId"`
	OpenedAt       *time.Time        `json:"openedAt"`
}

// Create opens a case for a client. The creator is assigned to it unless
// they already see every case; the client and the lead attorney are notified.
func (s *Service) Create(ctx context.Context, actor *models.User, req CreateRequest) (*models.Case, error) {
	const op = "cases.Create"
	status := req.Status
	if status == "" {
		status = models.CaseOpen
	}
	if !status.Valid() {
		return nil, apperr.Validation(op, "unknown case status")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.Validation(op, "title is required")
	}

	var c models.Case
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var client models.User
		if err := tx.First(&client, req.ClientID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "client")
			}
			return err
		}
		if client.Role != models.RoleClient {
			return apperr.Validation(op, "clientId does not refer to a client")
		}
		if req.LeadAttorneyID != nil {
			if err := requireStaff(tx, *req.LeadAttorneyID, op); err != nil {
				return err
			}
		}

		now := s.now()
		number, err := billing.NextNumber(tx, &models.Case{}, "case_number", fmt.Sprintf("CASE-%d-", now.Year()), now)
		if err != nil {
			return err
		}
		c = models.Case{
			CaseNumber:     number,
			Title:          title,
			Description:    req.Description,
			Type:           req.Type,
			Status:         status,
			Priority:       priority,
			ClientID:       client.ID,
			LeadAttorneyID: req.LeadAttorneyID,
			OpenedAt:       now,
		}
		if req.OpenedAt != nil {
			c.OpenedAt = *req.OpenedAt
		}
		if err := tx.Create(&c).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.Conflict(op, "case number collision, retry", err)
			}
			return err
		}

		staff := []uint{}
		if !access.Of(actor).SeeAllCases {
			staff = append(staff, actor.ID)
		}
		if req.LeadAttorneyID != nil && *req.LeadAttorneyID != actor.ID {
			staff = append(staff, *req.LeadAttorneyID)
		}
		for _, uid := range staff {
			role := ""
			if req.LeadAttorneyID != nil && uid == *req.LeadAttorneyID {
				role = "LEAD"
			}
			if err := tx.Create(&models.CaseAssignment{CaseID: c.ID, UserID: uid, Role: role}).Error; err != nil {
				return err
			}
		}

		meta := map[string]any{"caseId": c.ID, "caseNumber": c.CaseNumber}
		pending := []notify.Note{{
			UserID: client.ID, Type: models.NotifyCaseCreated,
			Title: "New case opened", Message: fmt.Sprintf("Case %s %q was opened for you.", c.CaseNumber, c.Title), Metadata: meta,
		}}
		if req.LeadAttorneyID != nil && *req.LeadAttorneyID != actor.ID {
			pending = append(pending, notify.Note{
				UserID: *req.LeadAttorneyID, Type: models.NotifyCaseAssigned,
				Title: "Case assigned", Message: fmt.Sprintf("You lead case %s %q.", c.CaseNumber, c.Title), Metadata: meta,
			})
		}
		notes, err = s.notify.Create(ctx, tx, pending...)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	s.log.Info().Uint("case_id", c.ID).Str("case_number", c.CaseNumber).Uint("actor", actor.ID).Msg("case created")
	return &c, nil
}

type Filter struct {
	Status   models.CaseStatus
	ClientID uint
	Search   string
}

// List returns the cases u may see, most recently opened first.
func (s *Service) List(ctx context.Context, u *models.User, f Filter) ([]models.Case, error) {
	q := s.db.WithContext(ctx).Model(&models.Case{}).Scopes(access.Cases(u)).
		Preload("Client", publicUser).
		Preload("Assignments.User", publicUser)
	if f.Status != "" {
		q = q.Where("cases.status = ?", f.Status)
	}
	if f.ClientID != 0 {
		q = q.Where("cases.client_id = ?", f.ClientID)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("LOWER(cases.title) LIKE ? OR LOWER(cases.case_number) LIKE ?", like, like)
	}
	var out []models.Case
	if err := q.Order("cases.opened_at desc, cases.id desc").Find(&out).Error; err != nil {
		return nil, apperr.Wrap("cases.List", err)
	}
	return out, nil
}

// Get loads a visible case with its client and assignments.
func (s *Service) Get(ctx context.Context, u *models.User, id uint) (*models.Case, error) {
	const op = "cases.Get"
	var c models.Case
	err := s.db.WithContext(ctx).Scopes(access.Cases(u)).
		Preload("Client", publicUser).
		Preload("Assignments.User", publicUser).
		Where("cases.id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "case")
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &c, nil
}

type UpdateRequest struct {
	Title          *string            `json:"title"`
	Description    *string            `json:"description"`
	Type           *string            `json:"type"`
	Status         *models.CaseStatus `json:"status"`
	Priority       *models.Priority   `json:"priority"`
	LeadAttorneyID *uint              `json:"leadAttorneyId"`
}

// Update patches a case. Closing stamps ClosedAt and reopening clears it; a
// status change is announced to the client and the assigned staff.
func (s *Service) Update(ctx context.Context, actor *models.User, id uint, req UpdateRequest) (*models.Case, error) {
	const op = "cases.Update"
	var c models.Case
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(access.Cases(actor)).Where("cases.id = ?", id).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "case")
			}
			return err
		}
		if req.Title != nil {
			t := strings.TrimSpace(*req.Title)
			if t == "" {
				return apperr.Validation(op, "title must not be empty")
			}
			c.Title = t
		}
		if req.Description != nil {
			c.Description = *req.Description
		}
		if req.Type != nil {
			c.Type = *req.Type
		}
		if req.Priority != nil {
			if !req.Priority.Valid() {
				return apperr.Validation(op, "unknown priority")
			}
			c.Priority = *req.Priority
		}
		if req.LeadAttorneyID != nil {
			if err := requireStaff(tx, *req.LeadAttorneyID, op); err != nil {
				return err
			}
			c.LeadAttorneyID = req.LeadAttorneyID
		}
		statusChanged := false
		if req.Status != nil && *req.Status != c.Status {
			if !req.Status.Valid() {
				return apperr.Validation(op, "unknown case status")
			}
			c.Status = *req.Status
			statusChanged = true
			if c.Status == models.CaseClosed {
				now := s.now()
				c.ClosedAt = &now
			} else {
				c.ClosedAt = nil
			}
		}
		if err := tx.Omit("Client", "Assignments").Save(&c).Error; err != nil {
			return err
		}
		if !statusChanged {
			return nil
		}
		recipients, err := access.CaseMembers(tx, &c)
		if err != nil {
			return err
		}
		pending := make([]notify.Note, 0, len(recipients))
		for _, uid := range recipients {
			if uid == actor.ID {
				continue
			}
			pending = append(pending, notify.Note{
				UserID: uid, Type: models.NotifyCaseUpdated,
				Title:    "Case status changed",
				Message:  fmt.Sprintf("Case %s is now %s.", c.CaseNumber, c.Status),
				Metadata: map[string]any{"caseId": c.ID, "status": string(c.Status)},
			})
		}
		notes, err = s.notify.Create(ctx, tx, pending...)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return &c, nil
}

// Delete removes a case and everything hanging off it in one transaction.
// Stored document files are removed after the commit; a failing removal is
// logged and does not undo the delete.
func (s *Service) Delete(ctx context.Context, id uint) error {
	const op = "cases.Delete"
	var keys []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Case
		if err := tx.First(&c, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "case")
			}
			return err
		}
		var err error
		keys, err = cascadeDelete(tx, c.ID)
		return err
	})
	if err != nil {
		return apperr.Wrap(op, err)
	}
	s.removeFiles(ctx, keys)
	s.log.Info().Uint("case_id", id).Int("files", len(keys)).Msg("case deleted")
	return nil
}

func cascadeDelete(tx *gorm.DB, caseID uint) ([]string, error) {
	var docs []models.Document
	if err := tx.Select("id", "storage_key", "thumbnail_key").Where("case_id = ?", caseID).Find(&docs).Error; err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(docs)*2)
	for _, d := range docs {
		keys = append(keys, d.StorageKey)
		if d.ThumbnailKey != "" {
			keys = append(keys, d.ThumbnailKey)
		}
	}

	invoiceIDs := tx.Session(&gorm.Session{NewDB: true}).Model(&models.Invoice{}).Select("id").Where("case_id = ?", caseID)
	if err := tx.Where("invoice_id IN (?)", invoiceIDs).Delete(&models.Payment{}).Error; err != nil {
		return nil, err
	}
	// a client-wide draft can hold entries of the client's other cases;
	// those go back to unbilled before the invoice disappears
	for _, m := range []any{&models.TimeEntry{}, &models.Expense{}} {
		err := tx.Model(m).
			Where("case_id <> ? AND invoice_id IN (?)", caseID, invoiceIDs).
			Updates(map[string]any{"invoice_status": models.BillingUnbilled, "invoice_id": nil}).Error
		if err != nil {
			return nil, err
		}
	}
	steps := []any{
		&models.TimeEntry{},
		&models.Expense{},
		&models.Invoice{},
		&models.Task{},
		&models.Appointment{},
		&models.Document{},
		&models.CaseAssignment{},
		&models.ActiveTimer{},
	}
	for _, m := range steps {
		if err := tx.Where("case_id = ?", caseID).Delete(m).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Delete(&models.Case{}, caseID).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Service) removeFiles(ctx context.Context, keys []string) {
	if s.store == nil {
		return
	}
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("remove document file")
		}
	}
}

func requireStaff(tx *gorm.DB, userID uint, op string) error {
	var u models.User
	if err := tx.Select("id", "role").First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(op, "user")
		}
		return err
	}
	if !u.Role.IsStaff() {
		return apperr.Validation(op, "user is not a firm member")
	}
	return nil
}

func publicUser(db *gorm.DB) *gorm.DB {
	return db.Select("id", "name", "email", "role", "company", "phone")
}
