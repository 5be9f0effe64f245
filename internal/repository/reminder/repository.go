package repository

import (
	"context"
	"time"

	"github.com/palliatrack/reminder-service/internal/domain"
	"gorm.io/gorm"
)

type Repository interface {
	SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error)
	GetStatus(ctx context.Context, id string) (domain.ReminderStatus, error)
	MarkSent(ctx context.Context, id, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	ListSent(ctx context.Context, limit, offset int) ([]domain.Reminder, error)
}

type repo struct {
	db *gorm.DB
}

func NewReminderRepository(db *gorm.DB) Repository {
	return &repo{db: db}
}

// SelectDue returns reminders eligible for dispatch at now: active, started,
// past their time of day, unsent, still PENDING, and belonging to an active
// verified patient. The limit keeps each processing batch finite; no ordering
// is needed because each row is independently locked downstream.
func (r *repo) SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error) {
	var reminders []domain.Reminder
	err := r.db.WithContext(ctx).
		Joins("JOIN patients ON patients.id = reminders.patient_id").
		Where("reminders.is_active = ?", true).
		Where("reminders.start_date <= ?", now).
		Where("reminders.scheduled_time <= ?", now.Format("15:04")).
		Where("reminders.sent_at IS NULL").
		Where("reminders.status = ?", domain.StatusPending).
		Where("patients.is_active = ?", true).
		Where("patients.verification_status = ?", domain.VerificationVerified).
		Limit(limit).
		Preload("Patient").
		Find(&reminders).Error

	return reminders, err
}

// GetStatus re-reads the current status. Called inside the per-reminder lock
// because the selector's snapshot may be stale by the time the lock is held.
func (r *repo) GetStatus(ctx context.Context, id string) (domain.ReminderStatus, error) {
	var reminder domain.Reminder
	if err := r.db.WithContext(ctx).Select("status").First(&reminder, "id = ?", id).Error; err != nil {
		return "", err
	}
	return reminder.Status, nil
}

// MarkSent transitions PENDING -> SENT and records the transport message id.
// The status guard in the WHERE clause is what makes the transition atomic;
// zero affected rows means another pass already advanced the reminder.
func (r *repo) MarkSent(ctx context.Context, id, messageID string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Reminder{}).
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

// MarkFailed transitions PENDING -> FAILED, keeping sent_at null and storing
// the transport error. FAILED is terminal; nothing resets it to PENDING.
func (r *repo) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Reminder{}).
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

// ListSent returns delivered reminders, most recent first.
func (r *repo) ListSent(ctx context.Context, limit, offset int) ([]domain.Reminder, error) {
	var reminders []domain.Reminder
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusSent).
		Order("sent_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&reminders).Error
	return reminders, err
}
