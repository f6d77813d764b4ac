package cases

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/notify"
)

// Assign gives a staff user explicit access to a case. Assigning someone who
// is already assigned only updates the role label.
func (s *Service) Assign(ctx context.Context, actor *models.User, caseID, userID uint, role string) (*models.CaseAssignment, error) {
	const op = "cases.Assign"
	var a models.CaseAssignment
	var notes []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Case
		if err := tx.First(&c, caseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "case")
			}
			return err
		}
		if err := requireStaff(tx, userID, op); err != nil {
			return err
		}
		err := tx.Where("case_id = ? AND user_id = ?", caseID, userID).First(&a).Error
		switch {
		case err == nil:
			if role != "" && role != a.Role {
				a.Role = role
				return tx.Model(&a).Update("role", role).Error
			}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		a = models.CaseAssignment{CaseID: caseID, UserID: userID, Role: role}
		if err := tx.Create(&a).Error; err != nil {
			return err
		}
		if userID == actor.ID {
			return nil
		}
		notes, err = s.notify.Create(ctx, tx, notify.Note{
			UserID: userID, Type: models.NotifyCaseAssigned,
			Title:    "Case assigned",
			Message:  fmt.Sprintf("You were assigned to case %s %q.", c.CaseNumber, c.Title),
			Metadata: map[string]any{"caseId": c.ID},
		})
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	return &a, nil
}

// Unassign removes the explicit assignment. Access through assigned tasks is
// not affected.
func (s *Service) Unassign(ctx context.Context, caseID, userID uint) error {
	res := s.db.WithContext(ctx).Where("case_id = ? AND user_id = ?", caseID, userID).Delete(&models.CaseAssignment{})
	if res.Error != nil {
		return apperr.Wrap("cases.Unassign", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("cases.Unassign", "assignment")
	}
	return nil
}
