// Package accounts manages users and clients, password checks and the
// refresh tokens behind login sessions.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/database"
	"caseace/pkg/logger"
	"caseace/pkg/mailer"
)

const minPasswordLen = 6

type Service struct {
	db     *gorm.DB
	mail   mailer.Sender
	appURL string
	now    func() time.Time
	log    zerolog.Logger
}

// NewService builds the account service. mail may be nil.
func NewService(db *gorm.DB, mail mailer.Sender, appURL string) *Service {
	return &Service{db: db, mail: mail, appURL: appURL, now: time.Now, log: logger.WithComponent("accounts")}
}

// HashPassword applies the password policy and hashes pw with bcrypt.
func HashPassword(pw string) ([]byte, error) {
	if len(pw) < minPasswordLen {
		return nil, apperr.Validation("accounts.HashPassword", fmt.Sprintf("password too short (min %d)", minPasswordLen))
	}
	return bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
}

// Authenticate returns the active user with email and password. Every failure
// reads the same so callers cannot probe for accounts.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	const op = "accounts.Authenticate"
	var u models.User
	if err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unauthorized(op, "invalid credentials")
		}
		return nil, apperr.Wrap(op, err)
	}
	if err := bcrypt.CompareHashAndPassword(u.HashedPassword, []byte(password)); err != nil {
		return nil, apperr.Unauthorized(op, "invalid credentials")
	}
	if !u.Active {
		return nil, apperr.Unauthorized(op, "account disabled")
	}
	return &u, nil
}

type CreateUserRequest struct {
	Email      string           `json:"email" binding:"required,email"`
	Name       string           `json:"name" binding:"required"`
	Password   string           `json:"password" binding:"required"`
	Role       string           `json:"role" binding:"required"`
	Phone      string           `json:"phone"`
	Company    string           `json:"company"`
	Address    string           `json:"address"`
	HourlyRate *decimal.Decimal `json:"hourlyRate"`
}

// CreateUser creates a user of any role. A taken email is a business rule
// violation, also when a concurrent insert wins the race.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*models.User, error) {
	const op = "accounts.CreateUser"
	role, ok := models.ParseRole(req.Role)
	if !ok {
		return nil, apperr.Validation(op, "unknown role")
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u := models.User{
		Email:          normalizeEmail(req.Email),
		Name:           strings.TrimSpace(req.Name),
		HashedPassword: hash,
		Role:           role,
		Phone:          req.Phone,
		Company:        req.Company,
		Address:        req.Address,
		Active:         true,
	}
	if req.HourlyRate != nil {
		u.HourlyRate = decimal.NullDecimal{Decimal: *req.HourlyRate, Valid: true}
	}
	if err := s.insertUser(s.db.WithContext(ctx), &u, op); err != nil {
		return nil, err
	}
	s.log.Info().Uint("user_id", u.ID).Str("role", string(u.Role)).Msg("user created")
	return &u, nil
}

type ClientRequest struct {
	Email   string `json:"email" binding:"required,email"`
	Name    string `json:"name" binding:"required"`
	Phone   string `json:"phone"`
	Company string `json:"company"`
	Address string `json:"address"`
}

type ClientResult struct {
	Client      *models.User `json:"client"`
	WelcomeSent bool         `json:"welcomeSent"`
}

// CreateClient creates a CLIENT user with a generated temporary password and
// mails it to them. The mail goes out after the insert committed; when it
// fails the client stays and WelcomeSent is false.
func (s *Service) CreateClient(ctx context.Context, req ClientRequest) (*ClientResult, error) {
	const op = "accounts.CreateClient"
	temp, err := TempPassword()
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	hash, err := HashPassword(temp)
	if err != nil {
		return nil, err
	}
	u := models.User{
		Email:          normalizeEmail(req.Email),
		Name:           strings.TrimSpace(req.Name),
		HashedPassword: hash,
		Role:           models.RoleClient,
		Phone:          req.Phone,
		Company:        req.Company,
		Address:        req.Address,
		Active:         true,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insertUser(tx, &u, op)
	})
	if err != nil {
		return nil, err
	}
	res := &ClientResult{Client: &u}
	if s.mail == nil {
		return res, nil
	}
	msg, err := mailer.Welcome(mailer.WelcomeData{Name: u.Name, Email: u.Email, Password: temp, AppURL: s.appURL})
	if err == nil {
		err = s.mail.Send(ctx, msg)
	}
	if err != nil {
		s.log.Error().Err(err).Uint("user_id", u.ID).Msg("welcome email failed")
		return res, nil
	}
	res.WelcomeSent = true
	return res, nil
}

func (s *Service) insertUser(tx *gorm.DB, u *models.User, op string) error {
	if u.Name == "" {
		return apperr.Validation(op, "name is required")
	}
	var n int64
	if err := tx.Model(&models.User{}).Where("email = ?", u.Email).Count(&n).Error; err != nil {
		return apperr.Wrap(op, err)
	}
	if n > 0 {
		return apperr.BusinessRule(op, "a user with this email already exists")
	}
	if err := tx.Create(u).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.BusinessRule(op, "a user with this email already exists")
		}
		return apperr.Wrap(op, err)
	}
	return nil
}

type UserFilter struct {
	Role   models.Role
	Search string
}

func (s *Service) List(ctx context.Context, f UserFilter) ([]models.User, error) {
	q := s.db.WithContext(ctx).Model(&models.User{})
	if f.Role != "" {
		q = q.Where("role = ?", f.Role)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(company) LIKE ?", like, like, like)
	}
	var out []models.User
	if err := q.Order("name, id").Find(&out).Error; err != nil {
		return nil, apperr.Wrap("accounts.List", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("accounts.Get", "user")
	}
	if err != nil {
		return nil, apperr.Wrap("accounts.Get", err)
	}
	return &u, nil
}

type UserUpdate struct {
	Name       *string          `json:"name"`
	Phone      *string          `json:"phone"`
	Company    *string          `json:"company"`
	Address    *string          `json:"address"`
	Role       *string          `json:"role"`
	Active     *bool            `json:"active"`
	HourlyRate *decimal.Decimal `json:"hourlyRate"`
	Password   *string          `json:"password"`
}

func (s *Service) Update(ctx context.Context, id uint, req UserUpdate) (*models.User, error) {
	const op = "accounts.Update"
	var u models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&u, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "user")
			}
			return err
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return apperr.Validation(op, "name must not be empty")
			}
			u.Name = name
		}
		if req.Phone != nil {
			u.Phone = *req.Phone
		}
		if req.Company != nil {
			u.Company = *req.Company
		}
		if req.Address != nil {
			u.Address = *req.Address
		}
		if req.Role != nil {
			role, ok := models.ParseRole(*req.Role)
			if !ok {
				return apperr.Validation(op, "unknown role")
			}
			u.Role = role
		}
		if req.Active != nil {
			u.Active = *req.Active
		}
		if req.HourlyRate != nil {
			if req.HourlyRate.IsNegative() {
				return apperr.Validation(op, "hourlyRate must not be negative")
			}
			u.HourlyRate = decimal.NullDecimal{Decimal: *req.HourlyRate, Valid: true}
		}
		if req.Password != nil {
			hash, err := HashPassword(*req.Password)
			if err != nil {
				return err
			}
			u.HashedPassword = hash
		}
		return tx.Save(&u).Error
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &u, nil
}

// Delete removes a user that nothing else refers to. Users who own cases,
// time, tasks, invoices or payments must be deactivated instead.
func (s *Service) Delete(ctx context.Context, id uint) error {
	const op = "accounts.Delete"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u models.User
		if err := tx.First(&u, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "user")
			}
			return apperr.Wrap(op, err)
		}
		checks := []struct {
			what  string
			model any
			where string
		}{
			{"cases", &models.Case{}, "client_id = @id OR lead_attorney_id = @id"},
			{"time entries", &models.TimeEntry{}, "user_id = @id"},
			{"tasks", &models.Task{}, "assignee_id = @id OR created_by_id = @id"},
			{"invoices", &models.Invoice{}, "client_id = @id"},
			{"payments", &models.Payment{}, "recorded_by_id = @id"},
			{"expenses", &models.Expense{}, "user_id = @id"},
		}
		var owned []string
		for _, c := range checks {
			var n int64
			if err := tx.Model(c.model).Where(c.where, map[string]any{"id": id}).Count(&n).Error; err != nil {
				return apperr.Wrap(op, err)
			}
			if n > 0 {
				owned = append(owned, c.what)
			}
		}
		if len(owned) > 0 {
			return apperr.BusinessRule(op, "user still has "+strings.Join(owned, ", ")+"; deactivate the account instead")
		}
		for _, m := range []any{&models.RefreshToken{}, &models.ActiveTimer{}, &models.Notification{}, &models.CaseAssignment{}} {
			if err := tx.Where("user_id = ?", id).Delete(m).Error; err != nil {
				return apperr.Wrap(op, err)
			}
		}
		return apperr.Wrap(op, tx.Delete(&u).Error)
	})
}

// ResetPassword sets a new password for the user with email.
func (s *Service) ResetPassword(ctx context.Context, email, password string) error {
	const op = "accounts.ResetPassword"
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", normalizeEmail(email)).Update("hashed_password", hash)
	if res.Error != nil {
		return apperr.Wrap(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(op, "user")
	}
	return nil
}

// EnsureAdmin creates the first PARTNER account when no partner exists yet.
// It reports whether a user was created.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("role = ?", models.RolePartner).Count(&n).Error; err != nil {
		return false, apperr.Wrap("accounts.EnsureAdmin", err)
	}
	if n > 0 {
		return false, nil
	}
	_, err := s.CreateUser(ctx, CreateUserRequest{Email: email, Name: "Administrator", Password: password, Role: string(models.RolePartner)})
	if err != nil {
		return false, err
	}
	return true, nil
}

// TempPassword returns a random 12 character password.
func TempPassword() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
