package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/notify"
)

type AppointmentRequest struct {
	CaseID    *uint     `json:"caseId"`
	ClientID  *uint     `json:"clientId"`
	Title     string    `json:"title" binding:"required"`
	Location  string    `json:"location"`
	StartTime time.Time `json:"startTime" binding:"required"`
	EndTime   time.Time `json:"endTime" binding:"required"`
	Notes     string    `json:"notes"`
}

// CreateAppointment puts a meeting on the calendar. A case appointment
// defaults its client to the case's client. Everyone involved except the
// organizer is notified.
func (s *Service) CreateAppointment(ctx context.Context, actor *models.User, req AppointmentRequest) (*models.Appointment, error) {
	const op = "cases.CreateAppointment"
	if !actor.Role.IsStaff() {
		return nil, apperr.Forbidden(op, "only firm members schedule appointments")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.Validation(op, "title is required")
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, apperr.Validation(op, "endTime must be after startTime")
	}
	a := models.Appointment{
		CaseID:      req.CaseID,
		ClientID:    req.ClientID,
		OrganizerID: actor.ID,
		Title:       title,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Notes:       req.Notes,
	}
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := resolveParticipants(tx, actor, &a, op); err != nil {
			return err
		}
		if err := tx.Create(&a).Error; err != nil {
			return err
		}
		var err error
		notes, err = s.appointmentNotes(ctx, tx, &a, actor, "Appointment scheduled")
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return &a, nil
}

type AppointmentFilter struct {
	CaseID uint
	From   *time.Time
	To     *time.Time
}

// ListAppointments returns the appointments u takes part in or that belong to
// cases u can see, ordered by start. From/To select appointments overlapping
// the range.
func (s *Service) ListAppointments(ctx context.Context, u *models.User, f AppointmentFilter) ([]models.Appointment, error) {
	q := s.visibleAppointments(s.db.WithContext(ctx), u)
	if f.CaseID != 0 {
		q = q.Where("case_id = ?", f.CaseID)
	}
	if f.From != nil {
		q = q.Where("end_time > ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("start_time < ?", *f.To)
	}
	var out []models.Appointment
	if err := q.Order("start_time, id").Find(&out).Error; err != nil {
		return nil, apperr.Wrap("cases.ListAppointments", err)
	}
	return out, nil
}

type AppointmentUpdate struct {
	Title     *string    `json:"title"`
	Location  *string    `json:"location"`
	StartTime *time.Time `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Notes     *string    `json:"notes"`
}

// UpdateAppointment edits an appointment. Only the organizer or case
// managers may change it; moving it in time notifies the participants.
func (s *Service) UpdateAppointment(ctx context.Context, actor *models.User, id uint, req AppointmentUpdate) (*models.Appointment, error) {
	const op = "cases.UpdateAppointment"
	var a models.Appointment
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadOwnAppointment(tx, actor, id, &a, op); err != nil {
			return err
		}
		if req.Title != nil {
			title := strings.TrimSpace(*req.Title)
			if title == "" {
				return apperr.Validation(op, "title must not be empty")
			}
			a.Title = title
		}
		if req.Location != nil {
			a.Location = *req.Location
		}
		if req.Notes != nil {
			a.Notes = *req.Notes
		}
		moved := false
		if req.StartTime != nil && !req.StartTime.Equal(a.StartTime) {
			a.StartTime = *req.StartTime
			moved = true
		}
		if req.EndTime != nil && !req.EndTime.Equal(a.EndTime) {
			a.EndTime = *req.EndTime
			moved = true
		}
		if !a.EndTime.After(a.StartTime) {
			return apperr.Validation(op, "endTime must be after startTime")
		}
		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		if !moved {
			return nil
		}
		var err error
		notes, err = s.appointmentNotes(ctx, tx, &a, actor, "Appointment rescheduled")
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return &a, nil
}

// DeleteAppointment cancels an appointment and tells the participants.
func (s *Service) DeleteAppointment(ctx context.Context, actor *models.User, id uint) error {
	const op = "cases.DeleteAppointment"
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Appointment
		if err := s.loadOwnAppointment(tx, actor, id, &a, op); err != nil {
			return err
		}
		if err := tx.Delete(&a).Error; err != nil {
			return err
		}
		var err error
		notes, err = s.appointmentNotes(ctx, tx, &a, actor, "Appointment cancelled")
		return err
	})
	if err != nil {
		return apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return nil
}

func (s *Service) visibleAppointments(db *gorm.DB, u *models.User) *gorm.DB {
	q := db.Model(&models.Appointment{})
	if access.Of(u).SeeAllCases {
		return q
	}
	return q.Where("organizer_id = @user OR client_id = @user OR case_id IN (@cases)", map[string]any{
		"user":  u.ID,
		"cases": access.VisibleCaseIDs(db, u),
	})
}

func (s *Service) loadOwnAppointment(tx *gorm.DB, actor *models.User, id uint, a *models.Appointment, op string) error {
	err := s.visibleAppointments(tx, actor).Where("appointments.id = ?", id).First(a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, "appointment")
	}
	if err != nil {
		return err
	}
	if a.OrganizerID != actor.ID && !access.Of(actor).ManageCases {
		return apperr.Forbidden(op, "only the organizer may change this appointment")
	}
	return nil
}

// resolveParticipants checks the case and client references of a.
func resolveParticipants(tx *gorm.DB, actor *models.User, a *models.Appointment, op string) error {
	if a.CaseID != nil {
		c, err := access.RequireCase(tx, actor, *a.CaseID, op)
		if err != nil {
			return err
		}
		if a.ClientID == nil {
			a.ClientID = &c.ClientID
		}
	}
	if a.ClientID == nil {
		return nil
	}
	var client models.User
	if err := tx.Select("id", "role").First(&client, *a.ClientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(op, "client")
		}
		return err
	}
	if client.Role != models.RoleClient {
		return apperr.Validation(op, "clientId must reference a client")
	}
	return nil
}

// appointmentNotes addresses the client and the case members of a, leaving
// out the actor.
func (s *Service) appointmentNotes(ctx context.Context, tx *gorm.DB, a *models.Appointment, actor *models.User, title string) ([]models.Notification, error) {
	recipients := map[uint]bool{a.OrganizerID: true}
	if a.ClientID != nil {
		recipients[*a.ClientID] = true
	}
	if a.CaseID != nil {
		var c models.Case
		if err := tx.First(&c, *a.CaseID).Error; err != nil {
			return nil, err
		}
		members, err := access.CaseMembers(tx, &c)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			recipients[id] = true
		}
	}
	delete(recipients, actor.ID)

	msg := fmt.Sprintf("%q on %s", a.Title, a.StartTime.Format("Mon 2 Jan 2006 15:04"))
	if a.Location != "" {
		msg += " at " + a.Location
	}
	var pending []notify.Note
	for id := range recipients {
		pending = append(pending, notify.Note{
			UserID: id, Type: models.NotifyAppointment,
			Title:    title,
			Message:  msg + ".",
			Metadata: map[string]any{"appointmentId": a.ID},
		})
	}
	return s.notify.Create(ctx, tx, pending...)
}
