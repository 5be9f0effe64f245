package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/palliatrack/reminder-service/internal/domain"
	"github.com/palliatrack/reminder-service/internal/lock"
	"github.com/palliatrack/reminder-service/internal/ratelimit"
	"github.com/palliatrack/reminder-service/internal/service"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/palliatrack/reminder-service/docs"
)

// globalLockKey must be a fixed constant shared by all invocations: keying
// the batch lock on a per-invocation id would mean two concurrent triggers
// never collide and the mutual-exclusion guarantee would be void.
const globalLockKey = "cron_processing"

const globalRateKey = "cron_global"

// Config carries the entrypoint settings.
type Config struct {
	CronSecret    string
	GlobalLockTTL time.Duration
	GlobalRate    ratelimit.Config
}

type Handler struct {
	processor service.Processor
	locks     *lock.Manager
	limiter   *ratelimit.Limiter
	cfg       Config
	logger    *slog.Logger
	server    *http.Server
}

// cronResponse is the JSON summary returned by a successful cron run.
type cronResponse struct {
	Success    bool                `json:"success"`
	Timestamp  time.Time           `json:"timestamp"`
	InstanceID string              `json:"instanceId"`
	Reminders  *domain.BatchResult `json:"reminders"`
	Followups  *domain.BatchResult `json:"followups"`
}

// @title Palliatrack Reminder Service API
// @version 1.0
// @description Reminder dispatch engine for palliative-care patient monitoring
// @host localhost:6060
// @BasePath /
func NewHttpHandler(addr string, processor service.Processor, locks *lock.Manager, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GlobalLockTTL <= 0 {
		cfg.GlobalLockTTL = 10 * time.Minute
	}

	h := &Handler{
		processor: processor,
		locks:     locks,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}

	// create router
	router := gin.Default()

	// register routes
	router.GET("/cron", h.runCron)
	router.POST("/cron", h.runCron)
	router.GET("/health", h.health)
	router.GET("/reminders/sent", h.getSentReminders)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// create http server
	h.server = &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
	}

	return h
}

func (h *Handler) Run() error {
	return h.server.ListenAndServe()
}

func (h *Handler) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Router exposes the underlying handler for tests.
func (h *Handler) Router() http.Handler {
	return h.server.Handler
}

// RunCron godoc
// @Summary Process due reminders and followups
// @Description Invoked by the external periodic trigger; authenticates the trigger, serializes concurrent runs through a distributed lock and dispatches all due reminders
// @Tags Cron
// @Security BearerAuth
// @Success 200 {object} cronResponse
// @Failure 401 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Failure 429 {object} map[string]any
// @Failure 500 {object} map[string]any
// @Router /cron [post]
func (h *Handler) runCron(c *gin.Context) {
	instanceID := uuid.NewString()
	runLogger := h.logger.With(slog.String("instanceId", instanceID))

	if h.cfg.CronSecret == "" {
		runLogger.Error("cron secret is not configured")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Server misconfiguration",
		})
		return
	}

	if token, ok := bearerToken(c.GetHeader("Authorization")); !ok || token != h.cfg.CronSecret {
		runLogger.Warn("cron trigger rejected: invalid or missing bearer token")
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Unauthorized",
		})
		return
	}

	if h.limiter != nil && h.cfg.GlobalRate.MaxRequests > 0 {
		decision := h.limiter.Check(c.Request.Context(), globalRateKey, h.cfg.GlobalRate)
		if !decision.Allowed {
			runLogger.Warn("cron trigger rate limited", "resetTime", decision.ResetTime)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "Rate limit exceeded",
				"details": gin.H{"retryAfter": decision.ResetTime.UTC()},
			})
			return
		}
	}

	var (
		reminderResult *domain.BatchResult
		followupResult *domain.BatchResult
	)

	acquired, err := h.locks.WithLock(c.Request.Context(), globalLockKey, lock.Options{
		TTL: h.cfg.GlobalLockTTL,
	}, func(ctx context.Context) error {
		now := time.Now().UTC()

		var runErr error
		reminderResult, runErr = h.processor.ProcessDue(ctx, now)
		if runErr != nil {
			return runErr
		}

		// Followup failures are isolated from the reminder pass: the pass
		// runs regardless of individual reminder outcomes.
		followupResult, runErr = h.processor.ProcessFollowups(ctx, now)
		return runErr
	})
	if !acquired {
		runLogger.Info("cron already running, skipping this invocation")
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   "Cron already running",
		})
		return
	}
	if err != nil {
		// Internals are logged, not leaked to the network boundary.
		runLogger.Error("cron processing failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Processing failed",
			"details": gin.H{"message": "see server logs for details"},
		})
		return
	}

	c.JSON(http.StatusOK, cronResponse{
		Success:    true,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Reminders:  reminderResult,
		Followups:  followupResult,
	})
}

// Health godoc
// @Summary Liveness probe
// @Tags Health
// @Success 200 {object} map[string]any
// @Router /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetSentReminders godoc
// @Summary Get list of sent reminders
// @Description Retrieves reminders marked as sent, most recent first
// @Tags Reminders
// @Param limit query int false "page size" default(50)
// @Param offset query int false "page offset" default(0)
// @Success 200 {array} domain.Reminder
// @Router /reminders/sent [get]
func (h *Handler) getSentReminders(c *gin.Context) {
	limit := parseIntDefault(c.Query("limit"), 50)
	offset := parseIntDefault(c.Query("offset"), 0)

	reminders, err := h.processor.GetSentReminders(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list sent reminders", "error", err.Error())
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, reminders)
}

func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
