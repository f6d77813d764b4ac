package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
)

// IssueRefreshToken creates a random refresh token for userID, stores its
// hash and returns the raw value.
func (s *Service) IssueRefreshToken(ctx context.Context, userID uint, ttl time.Duration) (string, error) {
	raw, err := issueRefreshToken(s.db.WithContext(ctx), userID, s.now().Add(ttl))
	if err != nil {
		return "", apperr.Wrap("accounts.IssueRefreshToken", err)
	}
	return raw, nil
}

// RotateRefreshToken exchanges raw for a new refresh token. The old token is
// revoked in the same transaction, so it can be used once only.
func (s *Service) RotateRefreshToken(ctx context.Context, raw string, ttl time.Duration) (*models.User, string, error) {
	const op = "accounts.RotateRefreshToken"
	var user models.User
	var next string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt, err := findRefreshToken(tx, raw)
		if err != nil || !rt.Usable(s.now()) {
			return apperr.Unauthorized(op, "invalid or expired refresh token")
		}
		if err := tx.First(&user, rt.UserID).Error; err != nil || !user.Active {
			return apperr.Unauthorized(op, "user not found")
		}
		res := tx.Model(&models.RefreshToken{}).Where("id = ? AND revoked = ?", rt.ID, false).Update("revoked", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Unauthorized(op, "invalid or expired refresh token")
		}
		next, err = issueRefreshToken(tx, user.ID, s.now().Add(ttl))
		return err
	})
	if err != nil {
		return nil, "", apperr.Wrap(op, err)
	}
	return &user, next, nil
}

// RevokeRefreshToken marks raw as revoked, used on logout.
func (s *Service) RevokeRefreshToken(ctx context.Context, raw string) error {
	const op = "accounts.RevokeRefreshToken"
	rt, err := findRefreshToken(s.db.WithContext(ctx), raw)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, "refresh token")
	}
	if err != nil {
		return apperr.Wrap(op, err)
	}
	return apperr.Wrap(op, s.db.WithContext(ctx).Model(rt).Update("revoked", true).Error)
}

// PurgeRefreshTokens deletes expired and revoked tokens.
func (s *Service) PurgeRefreshTokens(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("revoked = ? OR expires_at < ?", true, s.now()).Delete(&models.RefreshToken{})
	if res.Error != nil {
		return 0, apperr.Wrap("accounts.PurgeRefreshTokens", res.Error)
	}
	return res.RowsAffected, nil
}

func issueRefreshToken(tx *gorm.DB, userID uint, expires time.Time) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	rt := models.RefreshToken{UserID: userID, TokenHash: hashToken(token), ExpiresAt: expires}
	if err := tx.Create(&rt).Error; err != nil {
		return "", err
	}
	return token, nil
}

func findRefreshToken(tx *gorm.DB, raw string) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	if err := tx.Where("token_hash = ?", hashToken(raw)).First(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
