package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/palliatrack/reminder-service/internal/cache"
	"github.com/palliatrack/reminder-service/internal/domain"
	"github.com/palliatrack/reminder-service/internal/lock"
	"github.com/palliatrack/reminder-service/internal/ratelimit"
	followupRepo "github.com/palliatrack/reminder-service/internal/repository/followup"
	reminderRepo "github.com/palliatrack/reminder-service/internal/repository/reminder"
	"github.com/palliatrack/reminder-service/internal/transport/whatsapp"
)

// Processor runs the reminder and followup dispatch passes. Both passes are
// safe to invoke from overlapping cron triggers: the per-item lock plus the
// conditional status update in the repository guarantee at-most-once sends.
type Processor interface {
	ProcessDue(ctx context.Context, now time.Time) (*domain.BatchResult, error)
	ProcessFollowups(ctx context.Context, now time.Time) (*domain.BatchResult, error)
	GetSentReminders(ctx context.Context, limit, offset int) ([]domain.Reminder, error)
}

// Config tunes one processor instance.
type Config struct {
	// BatchSize caps how many due items one pass handles.
	BatchSize int
	// ItemLockTTL bounds how long a single item dispatch may hold its lock.
	ItemLockTTL time.Duration
	// ItemLockRetries is the extra acquire attempts for the per-item lock.
	ItemLockRetries int
	// RecipientLimit, when MaxRequests > 0, caps sends per recipient to
	// prevent flooding one patient.
	RecipientLimit ratelimit.Config
}

const (
	defaultBatchSize   = 50
	defaultItemLockTTL = time.Minute
	sentCacheTTL       = 24 * time.Hour
)

type service struct {
	reminders reminderRepo.Repository
	followups followupRepo.Repository
	sender    whatsapp.Sender
	locks     *lock.Manager
	limiter   *ratelimit.Limiter
	cache     cache.Cache
	logger    *slog.Logger
	cfg       Config
}

func NewProcessor(
	reminders reminderRepo.Repository,
	followups followupRepo.Repository,
	sender whatsapp.Sender,
	locks *lock.Manager,
	limiter *ratelimit.Limiter,
	sentCache cache.Cache,
	logger *slog.Logger,
	cfg Config,
) (Processor, error) {
	if reminders == nil || followups == nil || sender == nil || locks == nil {
		return nil, errors.New("processor dependencies must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ItemLockTTL <= 0 {
		cfg.ItemLockTTL = defaultItemLockTTL
	}

	return &service{
		reminders: reminders,
		followups: followups,
		sender:    sender,
		locks:     locks,
		limiter:   limiter,
		cache:     sentCache,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// ProcessDue selects due reminders and dispatches them one by one. Failures
// are contained per reminder so one bad record never blocks the rest of the
// due set; only the initial selection error aborts the pass.
func (s *service) ProcessDue(ctx context.Context, now time.Time) (*domain.BatchResult, error) {
	reminders, err := s.reminders.SelectDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select due reminders: %w", err)
	}

	result := &domain.BatchResult{Found: len(reminders)}
	for i := range reminders {
		s.dispatchOne(ctx, &reminderItem{reminder: &reminders[i], repo: s.reminders}, result)
	}

	s.logger.Info("reminder pass completed",
		"found", result.Found,
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed)

	return result, nil
}

// ProcessFollowups runs after the main reminder pass and applies the same
// select/lock/send/persist pipeline to already-scheduled followups.
func (s *service) ProcessFollowups(ctx context.Context, now time.Time) (*domain.BatchResult, error) {
	followups, err := s.followups.SelectDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select due followups: %w", err)
	}

	result := &domain.BatchResult{Found: len(followups)}
	for i := range followups {
		s.dispatchOne(ctx, &followupItem{followup: &followups[i], repo: s.followups}, result)
	}

	s.logger.Info("followup pass completed",
		"found", result.Found,
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed)

	return result, nil
}

// GetSentReminders returns reminders that were successfully delivered.
func (s *service) GetSentReminders(ctx context.Context, limit, offset int) ([]domain.Reminder, error) {
	return s.reminders.ListSent(ctx, limit, offset)
}

// outboundItem abstracts a reminder or followup so the concurrency-critical
// lock/recheck/send/persist sequence exists in exactly one place.
type outboundItem interface {
	ID() string
	PatientID() string
	LockKey() string
	Recipient() (phone string, ok bool)
	Body() string
	CurrentStatus(ctx context.Context) (domain.ReminderStatus, error)
	MarkSent(ctx context.Context, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, reason string) error
}

// dispatchOne handles one due item under its per-item lock and records the
// outcome on result. The algorithm:
//
//  1. acquire the item lock; on failure another pass owns the item
//  2. re-read status inside the lock; skip unless still PENDING
//  3. send via the transport
//  4. persist the outcome regardless of transport success
func (s *service) dispatchOne(ctx context.Context, item outboundItem, result *domain.BatchResult) {
	itemLogger := s.logger.With(
		slog.String("itemId", item.ID()),
		slog.String("patientId", item.PatientID()))

	var (
		sent    bool
		skipped bool
		itemErr error
	)

	acquired, err := s.locks.WithLock(ctx, item.LockKey(), lock.Options{
		TTL:        s.cfg.ItemLockTTL,
		MaxRetries: s.cfg.ItemLockRetries,
	}, func(ctx context.Context) error {
		status, err := item.CurrentStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to re-read status: %w", err)
		}
		if status != domain.StatusPending {
			// Another pass already advanced this item; idempotent no-op.
			skipped = true
			return nil
		}

		phone, ok := item.Recipient()
		if !ok {
			return errors.New("patient has no resolvable phone number")
		}

		if s.limiter != nil && s.cfg.RecipientLimit.MaxRequests > 0 {
			decision := s.limiter.Check(ctx, "recipient:"+phone, s.cfg.RecipientLimit)
			if !decision.Allowed {
				return fmt.Errorf("recipient rate limited until %s", decision.ResetTime.Format(time.RFC3339))
			}
		}

		sendRes := s.sender.Send(ctx, phone, item.Body())
		now := time.Now().UTC()

		if sendRes.Success {
			if err := item.MarkSent(ctx, sendRes.MessageID, now); err != nil {
				if errors.Is(err, domain.ErrAlreadyProcessed) {
					skipped = true
					return nil
				}
				return fmt.Errorf("failed to persist sent status: %w", err)
			}
			s.cacheSent(ctx, sendRes.MessageID, now, itemLogger)
			sent = true
			return nil
		}

		reason := "transport send failed"
		if sendRes.Err != nil {
			reason = sendRes.Err.Error()
		}
		if err := item.MarkFailed(ctx, reason); err != nil && !errors.Is(err, domain.ErrAlreadyProcessed) {
			itemLogger.Error("failed to persist failed status", "error", err.Error())
		}
		return fmt.Errorf("transport send failed: %s", reason)
	})
	if err != nil {
		itemErr = err
	}

	result.Processed++

	switch {
	case !acquired:
		// Not a delivery failure: a concurrent pass holds the item. It
		// stays PENDING and is retried next tick.
		msg := fmt.Sprintf("could not acquire processing lock for %s", item.ID())
		itemLogger.Warn(msg)
		result.RecordError(msg)
	case itemErr != nil:
		itemLogger.Error("item dispatch failed", "error", itemErr.Error())
		result.RecordError(fmt.Sprintf("%s: %s", item.ID(), itemErr.Error()))
	case skipped:
		itemLogger.Info("item already processed, skipping")
	case sent:
		result.Successful++
		itemLogger.Info("item dispatched")
	}
}

// cacheSent writes delivered-message metadata through to the cache so other
// parts of the system can answer "was this sent" without hitting postgres.
func (s *service) cacheSent(ctx context.Context, messageID string, sentAt time.Time, logger *slog.Logger) {
	if s.cache == nil || messageID == "" {
		return
	}

	record := domain.SentRecord{MessageID: messageID, SentAt: sentAt}
	jsonVal, _ := json.Marshal(record)

	// Expire after 24 hours to keep memory clean
	if err := s.cache.Set(ctx, "sent_msg:"+messageID, string(jsonVal), sentCacheTTL); err != nil {
		logger.Error("failed to cache sent message", "error", err.Error())
	}
}

type reminderItem struct {
	reminder *domain.Reminder
	repo     reminderRepo.Repository
}

func (r *reminderItem) ID() string        { return r.reminder.ID }
func (r *reminderItem) PatientID() string { return r.reminder.PatientID }
func (r *reminderItem) LockKey() string   { return "reminder_processing:" + r.reminder.ID }

func (r *reminderItem) Recipient() (string, bool) {
	if r.reminder.Patient == nil || r.reminder.Patient.PhoneNumber == "" {
		return "", false
	}
	return r.reminder.Patient.PhoneNumber, true
}

func (r *reminderItem) Body() string { return FormatReminder(r.reminder) }

func (r *reminderItem) CurrentStatus(ctx context.Context) (domain.ReminderStatus, error) {
	return r.repo.GetStatus(ctx, r.reminder.ID)
}

func (r *reminderItem) MarkSent(ctx context.Context, messageID string, at time.Time) error {
	return r.repo.MarkSent(ctx, r.reminder.ID, messageID, at)
}

func (r *reminderItem) MarkFailed(ctx context.Context, reason string) error {
	return r.repo.MarkFailed(ctx, r.reminder.ID, reason)
}

type followupItem struct {
	followup *domain.Followup
	repo     followupRepo.Repository
}

func (f *followupItem) ID() string        { return f.followup.ID }
func (f *followupItem) PatientID() string { return f.followup.PatientID }
func (f *followupItem) LockKey() string   { return "followup_processing:" + f.followup.ID }

func (f *followupItem) Recipient() (string, bool) {
	if f.followup.Patient == nil || f.followup.Patient.PhoneNumber == "" {
		return "", false
	}
	return f.followup.Patient.PhoneNumber, true
}

func (f *followupItem) Body() string { return f.followup.Message }

func (f *followupItem) CurrentStatus(ctx context.Context) (domain.ReminderStatus, error) {
	return f.repo.GetStatus(ctx, f.followup.ID)
}

func (f *followupItem) MarkSent(ctx context.Context, messageID string, at time.Time) error {
	return f.repo.MarkSent(ctx, f.followup.ID, messageID, at)
}

func (f *followupItem) MarkFailed(ctx context.Context, reason string) error {
	return f.repo.MarkFailed(ctx, f.followup.ID, reason)
}
