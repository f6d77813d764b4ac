// Package notify stores in-app notifications and mirrors the important ones
// to email.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/logger"
	"caseace/pkg/mailer"
)

// Note is a notification to be created.
type Note struct {
	UserID   uint
	Type     string
	Title    string
	Message  string
	Metadata map[string]any
}

// emailed lists the notification types that are also sent by mail.
var emailed = map[string]bool{
	models.NotifyTaskAssigned:    true,
	models.NotifyCaseAssigned:    true,
	models.NotifyInvoiceSent:     true,
	models.NotifyPaymentReceived: true,
	models.NotifyAppointment:     true,
}

type Service struct {
	db     *gorm.DB
	mail   mailer.Sender
	appURL string
	log    zerolog.Logger
}

// NewService builds the service. mail may be nil to disable email.
func NewService(db *gorm.DB, mail mailer.Sender, appURL string) *Service {
	return &Service{db: db, mail: mail, appURL: appURL, log: logger.WithComponent("notify")}
}

// Create inserts notes through tx, so they commit or roll back with the
// caller's transaction. A nil tx uses the service database.
func (s *Service) Create(ctx context.Context, tx *gorm.DB, notes ...Note) ([]models.Notification, error) {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	out := make([]models.Notification, 0, len(notes))
	for _, n := range notes {
		if n.UserID == 0 {
			continue
		}
		row := models.Notification{UserID: n.UserID, Type: n.Type, Title: n.Title, Message: n.Message}
		if len(n.Metadata) > 0 {
			row.Metadata = datatypes.JSONMap(n.Metadata)
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := tx.Create(&out).Error; err != nil {
		return nil, apperr.Wrap("notify.Create", err)
	}
	return out, nil
}

// Deliver emails the notifications whose type warrants it. It is called after
// the surrounding transaction committed; failures are logged only.
func (s *Service) Deliver(ctx context.Context, rows []models.Notification) {
	if s.mail == nil {
		return
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		if emailed[r.Type] {
			ids = append(ids, r.UserID)
		}
	}
	if len(ids) == 0 {
		return
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "email", "active").Where("id IN ?", ids).Find(&users).Error; err != nil {
		s.log.Warn().Err(err).Msg("load notification recipients")
		return
	}
	emails := make(map[uint]string, len(users))
	for _, u := range users {
		if u.Active {
			emails[u.ID] = u.Email
		}
	}
	for _, r := range rows {
		to, ok := emails[r.UserID]
		if !ok || !emailed[r.Type] {
			continue
		}
		msg, err := mailer.Notification(to, mailer.NotificationData{Title: r.Title, Message: r.Message, AppURL: s.appURL})
		if err == nil {
			err = s.mail.Send(ctx, msg)
		}
		if err != nil {
			s.log.Warn().Err(err).Uint("user_id", r.UserID).Str("type", r.Type).Msg("notification email failed")
		}
	}
}

// Notify creates notes outside any transaction and delivers them.
func (s *Service) Notify(ctx context.Context, notes ...Note) error {
	rows, err := s.Create(ctx, nil, notes...)
	if err != nil {
		return err
	}
	s.Deliver(ctx, rows)
	return nil
}

func (s *Service) List(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var out []models.Notification
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, apperr.Wrap("notify.List", err)
	}
	return out, nil
}

// MarkRead marks one notification of userID as read. Other users'
// notifications are reported as not found.
func (s *Service) MarkRead(ctx context.Context, userID, id uint) (*models.Notification, error) {
	const op = "notify.MarkRead"
	var n models.Notification
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "notification")
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	if !n.Read {
		n.Read = true
		if err := s.db.WithContext(ctx).Model(&n).Update("read", true).Error; err != nil {
			return nil, apperr.Wrap(op, err)
		}
	}
	return &n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true)
	if res.Error != nil {
		return 0, apperr.Wrap("notify.MarkAllRead", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&n).Error
	if err != nil {
		return 0, apperr.Wrap("notify.UnreadCount", err)
	}
	return n, nil
}
