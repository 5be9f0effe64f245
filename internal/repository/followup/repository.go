package repository

import (
	"context"
	"time"

	"github.com/palliatrack/reminder-service/internal/domain"
	"gorm.io/gorm"
)

type Repository interface {
	SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Followup, error)
	GetStatus(ctx context.Context, id string) (domain.ReminderStatus, error)
	MarkSent(ctx context.Context, id, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type repo struct {
	db *gorm.DB
}

func NewFollowupRepository(db *gorm.DB) Repository {
	return &repo{db: db}
}

// SelectDue returns followups whose due time has passed and whose patient is
// still an eligible recipient. Followups scheduled alongside reminders sent
// in the current batch only become due on a later tick.
func (r *repo) SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Followup, error) {
	var followups []domain.Followup
	err := r.db.WithContext(ctx).
		Joins("JOIN patients ON patients.id = followups.patient_id").
		Where("followups.due_at <= ?", now).
		Where("followups.sent_at IS NULL").
		Where("followups.status = ?", domain.StatusPending).
		Where("patients.is_active = ?", true).
		Where("patients.verification_status = ?", domain.VerificationVerified).
		Limit(limit).
		Preload("Patient").
		Find(&followups).Error

	return followups, err
}

func (r *repo) GetStatus(ctx context.Context, id string) (domain.ReminderStatus, error) {
	var followup domain.Followup
	if err := r.db.WithContext(ctx).Select("status").First(&followup, "id = ?", id).Error; err != nil {
		return "", err
	}
	return followup.Status, nil
}

func (r *repo) MarkSent(ctx context.Context, id, messageID string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Followup{}).
			Where("id = ? AND status = ?", id, domain.StatusPending).
			Updates(map[string]any{
				"status":     domain.StatusSent,
				"sent_at":    at,
				"message_id": messageID,
				"updated_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyProcessed
		}
		return nil
	})
}

func (r *repo) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Followup{}).
			Where("id = ? AND status = ?", id, domain.StatusPending).
			Updates(map[string]any{
				"status":     domain.StatusFailed,
				"last_error": reason,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyProcessed
		}
		return nil
	})
}
