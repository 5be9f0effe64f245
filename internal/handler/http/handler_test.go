package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/palliatrack/reminder-service/internal/cache"
	"github.com/palliatrack/reminder-service/internal/domain"
	handler "github.com/palliatrack/reminder-service/internal/handler/http"
	"github.com/palliatrack/reminder-service/internal/lock"
	"github.com/palliatrack/reminder-service/internal/ratelimit"
	"github.com/palliatrack/reminder-service/internal/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// fakeProcessor implements service.Processor with canned results. When
// blockEntered/blockRelease are set, ProcessDue parks until released so tests
// can overlap two invocations deterministically.
type fakeProcessor struct {
	mu             sync.Mutex
	reminderResult *domain.BatchResult
	followupResult *domain.BatchResult
	processErr     error
	calls          int

	blockEntered chan struct{}
	blockRelease chan struct{}
}

var _ service.Processor = (*fakeProcessor)(nil)

func (f *fakeProcessor) ProcessDue(context.Context, time.Time) (*domain.BatchResult, error) {
	f.mu.Lock()
	f.calls++
	entered, release := f.blockEntered, f.blockRelease
	result, err := f.reminderResult, f.processErr
	f.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &domain.BatchResult{}
	}
	return result, nil
}

func (f *fakeProcessor) ProcessFollowups(context.Context, time.Time) (*domain.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.followupResult == nil {
		return &domain.BatchResult{}, nil
	}
	return f.followupResult, nil
}

func (f *fakeProcessor) GetSentReminders(context.Context, int, int) ([]domain.Reminder, error) {
	return nil, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// mapStore backs the rate limiter in tests.
type mapStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapStore() *mapStore { return &mapStore{data: make(map[string]string)} }

func (s *mapStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return v, nil
}

func (s *mapStore) Set(_ context.Context, key, val string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = val
	return nil
}

const testSecret = "cron-test-secret"

func newTestHandler(proc service.Processor, cfg handler.Config) http.Handler {
	locks := lock.NewManager(lock.NewMemoryStore(nil), nil, nil)
	limiter := ratelimit.NewLimiter(newMapStore(), nil, nil)
	h := handler.NewHttpHandler(":0", proc, locks, limiter, cfg, nil)
	return h.Router()
}

func doCron(router http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/cron", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRunCron_MissingSecretIsServerMisconfiguration(t *testing.T) {
	t.Parallel()

	router := newTestHandler(&fakeProcessor{}, handler.Config{CronSecret: ""})

	rec := doCron(router, "anything")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRunCron_RejectsBadToken(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	router := newTestHandler(proc, handler.Config{CronSecret: testSecret})

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong token", "wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doCron(router, tt.token)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}

	if proc.callCount() != 0 {
		t.Fatalf("processor invoked %d times on rejected requests, want 0", proc.callCount())
	}
}

func TestRunCron_SuccessSummary(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{
		reminderResult: &domain.BatchResult{Found: 2, Processed: 2, Successful: 1, Failed: 1, Errors: []string{"r2: timeout"}},
		followupResult: &domain.BatchResult{Found: 1, Processed: 1, Successful: 1},
	}
	router := newTestHandler(proc, handler.Config{CronSecret: testSecret})

	rec := doCron(router, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success    bool               `json:"success"`
		InstanceID string             `json:"instanceId"`
		Reminders  domain.BatchResult `json:"reminders"`
		Followups  domain.BatchResult `json:"followups"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if !body.Success || body.InstanceID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Reminders.Successful != 1 || body.Reminders.Failed != 1 {
		t.Fatalf("unexpected reminder summary: %+v", body.Reminders)
	}
	if len(body.Reminders.Errors) != 1 {
		t.Fatalf("expected truncated error list of 1, got %v", body.Reminders.Errors)
	}
	if body.Followups.Successful != 1 {
		t.Fatalf("unexpected followup summary: %+v", body.Followups)
	}
}

func TestRunCron_GlobalRateLimitExceeded(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{reminderResult: &domain.BatchResult{}}
	router := newTestHandler(proc, handler.Config{
		CronSecret: testSecret,
		GlobalRate: ratelimit.Config{Window: time.Minute, MaxRequests: 1},
	})

	if rec := doCron(router, testSecret); rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", rec.Code)
	}

	rec := doCron(router, testSecret)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d, want 429", rec.Code)
	}

	var body struct {
		Details struct {
			RetryAfter time.Time `json:"retryAfter"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Details.RetryAfter.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("retryAfter %v must be in the future", body.Details.RetryAfter)
	}

	if proc.callCount() != 1 {
		t.Fatalf("processor invoked %d times, want 1", proc.callCount())
	}
}

func TestRunCron_DuplicateTriggerConflicts(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{
		reminderResult: &domain.BatchResult{Found: 1, Processed: 1, Successful: 1},
		blockEntered:   make(chan struct{}),
		blockRelease:   make(chan struct{}),
	}
	router := newTestHandler(proc, handler.Config{CronSecret: testSecret})

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		firstDone <- doCron(router, testSecret)
	}()

	// Wait until the first invocation holds the global lock, then trigger
	// the duplicate.
	<-proc.blockEntered
	second := doCron(router, testSecret)
	if second.Code != http.StatusConflict {
		t.Fatalf("duplicate trigger status = %d, want 409, body %s", second.Code, second.Body.String())
	}

	var conflictBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &conflictBody); err != nil {
		t.Fatalf("failed to decode conflict body: %v", err)
	}
	if conflictBody.Error != "Cron already running" {
		t.Fatalf("conflict error = %q, want %q", conflictBody.Error, "Cron already running")
	}

	close(proc.blockRelease)
	first := <-firstDone
	if first.Code != http.StatusOK {
		t.Fatalf("first trigger status = %d, want 200", first.Code)
	}

	var okBody struct {
		Reminders domain.BatchResult `json:"reminders"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &okBody); err != nil {
		t.Fatalf("failed to decode success body: %v", err)
	}
	if okBody.Reminders.Successful != 1 {
		t.Fatalf("successful = %d, want 1", okBody.Reminders.Successful)
	}

	if proc.callCount() != 1 {
		t.Fatalf("processor invoked %d times, want 1", proc.callCount())
	}
}

func TestRunCron_ProcessingErrorReturns500WithoutInternals(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{processErr: errors.New("pq: connection reset by peer")}
	router := newTestHandler(proc, handler.Config{CronSecret: testSecret})

	rec := doCron(router, testSecret)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	body := rec.Body.String()
	if !json.Valid([]byte(body)) {
		t.Fatalf("expected JSON error body, got %q", body)
	}
	// The database driver error string must not surface at the boundary.
	if strings.Contains(body, "pq:") || strings.Contains(body, "connection reset") {
		t.Fatalf("response leaks internals: %s", body)
	}
}
