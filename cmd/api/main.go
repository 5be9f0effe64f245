package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	redisCache "github.com/palliatrack/reminder-service/internal/cache/redis"
	"github.com/palliatrack/reminder-service/internal/domain"
	httpHandler "github.com/palliatrack/reminder-service/internal/handler/http"
	"github.com/palliatrack/reminder-service/internal/lock"
	"github.com/palliatrack/reminder-service/internal/persistant/postgresql"
	"github.com/palliatrack/reminder-service/internal/ratelimit"
	followupRepo "github.com/palliatrack/reminder-service/internal/repository/followup"
	reminderRepo "github.com/palliatrack/reminder-service/internal/repository/reminder"
	"github.com/palliatrack/reminder-service/internal/service"
	"github.com/palliatrack/reminder-service/internal/transport/whatsapp"
	"gorm.io/gorm"
)

var (
	configFile = flag.String("config", "config.json", "config file path")
)

func main() {
	// create root context
	appCtx, appCtxCancel := context.WithCancel(context.Background())
	defer appCtxCancel()

	// listen for terminate signal
	notifyCtx, stop := signal.NotifyContext(appCtx, syscall.SIGTERM)
	defer stop()

	// parse flags
	flag.Parse()

	// load .env if present, then parse config
	_ = godotenv.Load()

	config, err := ReadConfigJson(*configFile)
	if err != nil {
		log.Fatalf("failed to read config file: %v", err)
	}

	// initialize external dependencies
	db, rCache, err := initExternalDependencies(notifyCtx, config)
	if err != nil {
		log.Fatalf("failed to initialize external dependencies: %v", err)
	}

	// setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// init repositories
	reminders := reminderRepo.NewReminderRepository(db)
	followups := followupRepo.NewFollowupRepository(db)

	// init lock manager and rate limiter, both backed by redis
	clk := clock.New()
	locks := lock.NewManager(lock.NewCacheStore(rCache), clk,
		logger.With(slog.String("component", "lockManager")))
	limiter := ratelimit.NewLimiter(rCache, clk,
		logger.With(slog.String("component", "rateLimiter")))

	// init whatsapp transport client
	sender, err := whatsapp.NewClient(
		config.WhatsappApiUrl,
		config.WhatsappApiToken,
		&config.SendMaxRetry,
		config.SendTimeout,
		logger.With(slog.String("component", "whatsapp")),
	)
	if err != nil {
		log.Fatalf("failed to initiate whatsapp client: %v", err)
	}

	// init reminder processor service
	processor, err := service.NewProcessor(
		reminders,
		followups,
		sender,
		locks,
		limiter,
		rCache,
		logger.With(slog.String("component", "processor")),
		service.Config{
			BatchSize:       config.BatchSize,
			ItemLockTTL:     config.ItemLockTTL,
			ItemLockRetries: 1,
			RecipientLimit: ratelimit.Config{
				Window:      config.RecipientRateWindow,
				MaxRequests: config.RecipientRateMax,
			},
		},
	)
	if err != nil {
		log.Fatalf("failed to initiate reminder processor: %v", err)
	}

	// populate database with dummy data
	if err := populateDatabase(db); err != nil {
		log.Fatalf("failed to populate db: %v", err)
	}

	// init http handler
	httpHandler := httpHandler.NewHttpHandler(
		fmt.Sprintf(":%d", config.HttpPort),
		processor,
		locks,
		limiter,
		httpHandler.Config{
			CronSecret:    config.CronSecret,
			GlobalLockTTL: config.GlobalLockTTL,
			GlobalRate: ratelimit.Config{
				Window:      config.GlobalRateWindow,
				MaxRequests: config.GlobalRateMax,
			},
		},
		logger.With(slog.String("component", "http")),
	)

	wg := sync.WaitGroup{}
	// run http handler
	wg.Go(func() {
		if err := httpHandler.Run(); err != nil {
			logger.Error("http server encountered with an error and closed", "error", err.Error())
		}
		// cancel app context if http handler fails
		appCtxCancel()
	})

	// graceful shutdown
	wg.Go(func() {
		<-notifyCtx.Done()
		logger.Info("application shutting down...")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		httpHandler.Shutdown(shutDownCtx)
		postgresql.Close(db)
	})

	wg.Wait()
	os.Exit(0)
}

func initExternalDependencies(ctx context.Context, config *Config) (db *gorm.DB, rCache *redisCache.RedisCache, err error) {
	// initialize database
	db, err = postgresql.Initialize(config.DbConnString, []any{
		&domain.Patient{},
		&domain.Reminder{},
		&domain.Followup{},
	})
	if err != nil {
		return
	}

	// initialize cache
	rCache, err = redisCache.NewRedisCache(ctx, config.RedisAddr)

	return
}

func populateDatabase(db *gorm.DB) error {
	var patientCount int64
	if err := db.Model(&domain.Patient{}).Count(&patientCount).Error; err != nil {
		return err
	}
	if patientCount > 0 {
		return nil
	}

	patient := domain.Patient{
		ID:                 uuid.NewString(),
		Name:               "Demo Patient",
		PhoneNumber:        "+905549998877",
		IsActive:           true,
		VerificationStatus: domain.VerificationVerified,
	}
	if err := db.Create(&patient).Error; err != nil {
		return err
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	reminders := []domain.Reminder{
		{
			ID:            uuid.NewString(),
			PatientID:     patient.ID,
			StartDate:     today,
			ScheduledTime: "09:00",
			IsActive:      true,
			Status:        domain.StatusPending,
			Message:       "Time to take your morning medication.",
			Title:         "Morning dose",
			ReminderType:  domain.TypeMedication,
		},
		{
			ID:            uuid.NewString(),
			PatientID:     patient.ID,
			StartDate:     today,
			ScheduledTime: "14:00",
			IsActive:      true,
			Status:        domain.StatusPending,
			Message:       "You have a check-up appointment tomorrow at 10:00.",
			Title:         "Check-up",
			ReminderType:  domain.TypeAppointment,
		},
	}
	if err := db.Create(&reminders).Error; err != nil {
		return err
	}

	followup := domain.Followup{
		ID:         uuid.NewString(),
		ReminderID: reminders[0].ID,
		PatientID:  patient.ID,
		Message:    "Did you manage to take your medication? Reply YES or NO.",
		DueAt:      time.Now().UTC().Add(2 * time.Hour),
		Status:     domain.StatusPending,
	}

	return db.Create(&followup).Error
}
