// Package whatsapp is the outbound messaging transport. The dispatch core
// treats it as an opaque, possibly slow, possibly failing dependency: one
// call per reminder, bounded by the client timeout.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aniladanir/retry"
	"github.com/google/uuid"
	"github.com/palliatrack/reminder-service/internal/domain"
)

type Sender interface {
	Send(ctx context.Context, phoneNumber, message string) domain.SendResult
}

type apiResponse struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

type Client struct {
	apiURL     string
	apiToken   string
	httpClient *http.Client
	retrier    *retry.Retrier
	logger     *slog.Logger
}

// NewClient creates a transport client. Server errors (5xx) and network
// failures are retried up to maxRetryOnFail times within a single Send;
// client errors (4xx) are not.
func NewClient(apiURL, apiToken string, maxRetryOnFail *int, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	retrierOpts := make([]retry.Option, 0)
	if maxRetryOnFail != nil {
		retrierOpts = append(retrierOpts, retry.WithMaxAttemps(*maxRetryOnFail))
	}
	retrier, err := retry.New(retrierOpts...)
	if err != nil {
		return nil, fmt.Errorf("encountered error when initializing retrier: %w", err)
	}

	if timeout <= 0 {
		timeout = time.Second * 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiURL:   apiURL,
		apiToken: apiToken,
		retrier:  retrier,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Send delivers one message and reports the transport outcome. A failed Send
// never aborts the caller's batch; the caller records the failure instead.
func (c *Client) Send(ctx context.Context, phoneNumber, message string) domain.SendResult {
	var result domain.SendResult

	retryFunc := func(attempt int) (terminate bool) {
		attemptLogger := c.logger.With(slog.Int("attempt", attempt))

		resp, err := c.doSendRequest(ctx, phoneNumber, message)
		if err != nil {
			attemptLogger.Error("failed to send request", "error", err.Error())
			result = domain.SendResult{Err: err}
			return false
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			var body apiResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				attemptLogger.Error("failed to decode transport response", "error", err.Error())
			}
			result = domain.SendResult{Success: true, MessageID: body.MessageID}
			return true
		}

		attemptLogger.Error("response indicates error",
			"requestId", resp.Header.Get("X-Request-ID"),
			"statusCode", resp.StatusCode)

		if resp.StatusCode >= http.StatusInternalServerError {
			// 5XX status code indicates server error, try retry
			result = domain.SendResult{Err: fmt.Errorf("transport returned status %d", resp.StatusCode)}
			return false
		}

		// 4XX indicates client error, no need to retry
		result = domain.SendResult{Err: fmt.Errorf("transport rejected message with status %d", resp.StatusCode)}
		return true
	}

	retrySuccess := <-c.retrier.Retry(ctx, retryFunc, true)
	if !retrySuccess && result.Err == nil {
		result.Err = fmt.Errorf("transport send attempts exhausted")
	}

	return result
}

func (c *Client) doSendRequest(ctx context.Context, phoneNumber, message string) (*http.Response, error) {
	payload := map[string]string{
		"to":      phoneNumber,
		"message": message,
	}
	jsonPayload, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Request-ID", uuid.NewString())
	if c.apiToken != "" {
		req.Header.Add("Authorization", "Bearer "+c.apiToken)
	}

	return c.httpClient.Do(req)
}
