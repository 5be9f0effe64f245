package domain

import "time"

// MaxReportedErrors bounds how many per-item error strings a batch result
// carries back to the caller; the rest are only logged.
const MaxReportedErrors = 5

// BatchResult summarizes one processing pass over due reminders or followups.
type BatchResult struct {
	Found      int      `json:"found"`
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// RecordError counts a failure and keeps up to MaxReportedErrors messages.
func (b *BatchResult) RecordError(msg string) {
	b.Failed++
	if len(b.Errors) < MaxReportedErrors {
		b.Errors = append(b.Errors, msg)
	}
}

// SendResult is the outcome of a single transport send attempt.
type SendResult struct {
	Success   bool
	MessageID string
	Err       error
}

// SentRecord is the cache write-through payload for a delivered message.
type SentRecord struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}
