package domain

import "time"

// Followup is a secondary message tied to an originating reminder. Followups
// are pre-scheduled when the reminder is created and processed by their own
// pass with the same lock/send/persist mechanics as reminders.
type Followup struct {
	ID         string         `gorm:"type:uuid;primaryKey" json:"id"`
	ReminderID string         `gorm:"type:uuid;not null;index" json:"reminder_id"`
	PatientID  string         `gorm:"type:uuid;not null;index" json:"patient_id"`
	Patient    *Patient       `gorm:"foreignKey:PatientID" json:"-"`
	Message    string         `gorm:"type:varchar(1024);not null" json:"message"`
	DueAt      time.Time      `gorm:"not null;index" json:"due_at"`
	Status     ReminderStatus `gorm:"type:varchar(10);not null;default:'PENDING';index" json:"status"`
	SentAt     *time.Time     `json:"sent_at"`
	MessageID  *string        `gorm:"type:varchar(64)" json:"message_id"`
	LastError  *string        `json:"last_error"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  *time.Time     `json:"updated_at"`
}

// Due reports whether the followup is eligible for dispatch at now.
func (f *Followup) Due(now time.Time) bool {
	return f.Status == StatusPending && f.SentAt == nil && !f.DueAt.After(now)
}
