package domain

import (
	"errors"
	"time"
)

// ErrAlreadyProcessed is returned by repositories when a conditional status
// update matches no rows because the reminder already left PENDING.
var ErrAlreadyProcessed = errors.New("reminder already processed")

type ReminderStatus string

const (
	StatusPending ReminderStatus = "PENDING"
	StatusSent    ReminderStatus = "SENT"
	StatusFailed  ReminderStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s ReminderStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

type ReminderType string

const (
	TypeMedication  ReminderType = "medication"
	TypeAppointment ReminderType = "appointment"
	TypeGeneral     ReminderType = "general"
)

// Reminder is a scheduled outbound message for a patient. Status moves only
// PENDING -> SENT or PENDING -> FAILED, enforced by conditional updates in the
// repository, never by application-side checks alone. SentAt is set only on
// transport success; a FAILED reminder keeps SentAt nil and records LastError.
type Reminder struct {
	ID            string         `gorm:"type:uuid;primaryKey" json:"id"`
	PatientID     string         `gorm:"type:uuid;not null;index" json:"patient_id"`
	Patient       *Patient       `gorm:"foreignKey:PatientID" json:"-"`
	StartDate     time.Time      `gorm:"not null" json:"start_date"`
	ScheduledTime string         `gorm:"type:varchar(5);not null" json:"scheduled_time"` // "HH:MM"
	IsActive      bool           `gorm:"not null;default:true" json:"is_active"`
	Status        ReminderStatus `gorm:"type:varchar(10);not null;default:'PENDING';index" json:"status"`
	SentAt        *time.Time     `json:"sent_at"`
	MessageID     *string        `gorm:"type:varchar(64)" json:"message_id"`
	LastError     *string        `json:"last_error"`
	Message       string         `gorm:"type:varchar(1024);not null" json:"message"`
	Title         string         `gorm:"type:varchar(160)" json:"title"`
	Description   string         `gorm:"type:varchar(512)" json:"description"`
	ReminderType  ReminderType   `gorm:"type:varchar(20);not null;default:'general'" json:"reminder_type"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     *time.Time     `json:"updated_at"`
}

// Due reports whether the reminder is eligible for dispatch at now. It mirrors
// the repository's SQL predicate and is re-checked inside the per-reminder
// lock, where the selector's snapshot may already be stale.
func (r *Reminder) Due(now time.Time) bool {
	if !r.IsActive || r.Status != StatusPending || r.SentAt != nil {
		return false
	}
	if r.StartDate.After(now) {
		return false
	}
	return r.ScheduledTime <= now.Format("15:04")
}
