package service

import (
	"fmt"
	"strings"

	"github.com/palliatrack/reminder-service/internal/domain"
)

// FormatReminder renders the outbound message body for a reminder's type.
// Medication and appointment reminders carry a templated header with the
// title and description; general reminders go out as the plain message.
func FormatReminder(r *domain.Reminder) string {
	switch r.ReminderType {
	case domain.TypeMedication:
		return formatTemplated("💊 Medication reminder", r)
	case domain.TypeAppointment:
		return formatTemplated("📅 Appointment reminder", r)
	default:
		return r.Message
	}
}

func formatTemplated(header string, r *domain.Reminder) string {
	var b strings.Builder

	b.WriteString(header)
	if r.Title != "" {
		fmt.Fprintf(&b, ": %s", r.Title)
	}
	b.WriteString("\n\n")
	b.WriteString(r.Message)
	if r.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Description)
	}

	return b.String()
}
