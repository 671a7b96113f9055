package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config contains the settings of one collaborator endpoint
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	RetryBackoff  time.Duration // First retry delay, doubled per attempt
}

// Recorder receives per-operation request metrics
type Recorder interface {
	RecordCollabRequest(operation string)
	RecordCollabSuccess(operation string, durationSeconds float64)
	RecordCollabFailure(operation string, durationSeconds float64)
	RecordCollabRetry(operation string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCollabRequest(string)           {}
func (nopRecorder) RecordCollabSuccess(string, float64) {}
func (nopRecorder) RecordCollabFailure(string, float64) {}
func (nopRecorder) RecordCollabRetry(string)            {}

// Response is a successful collaborator reply
type Response struct {
	Body        []byte
	ContentType string
}

// ClientStats represents client statistics
type ClientStats struct {
	Operation       string        `json:"operation"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// RequestFunc builds a fresh request for each attempt
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Transport performs collaborator HTTP exchanges with bounded concurrency,
// retry with exponential backoff and statistics
type Transport struct {
	op         Op
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit
	recorder   Recorder
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewTransport creates a transport for one collaborator operation.
// recorder may be nil.
func NewTransport(op Op, config Config, recorder Recorder, logger *slog.Logger) (*Transport, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("%s endpoint cannot be empty", op)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if recorder == nil {
		recorder = nopRecorder{}
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Transport{
		op:         op,
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		recorder:   recorder,
		logger:     logger,
	}, nil
}

// Endpoint returns the configured collaborator URL
func (t *Transport) Endpoint() string {
	return t.config.Endpoint
}

// Do sends the request built by newRequest, retrying temporary failures.
// Every failure is returned as a *NetworkError.
func (t *Transport) Do(ctx context.Context, newRequest RequestFunc) (*Response, error) {
	// Acquire semaphore for concurrency limiting
	select {
	case t.semaphore <- struct{}{}:
		defer func() { <-t.semaphore }()
	case <-ctx.Done():
		return nil, &NetworkError{Op: t.op, Err: ctx.Err()}
	}

	startTime := time.Now()
	t.incrementTotalRequests()
	t.recorder.RecordCollabRequest(string(t.op))

	var lastErr *NetworkError

	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		if attempt > 0 {
			t.incrementTotalRetries()
			t.recorder.RecordCollabRetry(string(t.op))

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * t.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			t.logger.Debug("Retrying collaborator request",
				slog.String("operation", string(t.op)),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoffTime),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				lastErr = &NetworkError{Op: t.op, Err: ctx.Err()}
				t.fail(startTime)
				return nil, lastErr
			}
		}

		resp, err := t.doRequest(ctx, newRequest)
		if err == nil {
			elapsed := time.Since(startTime)
			t.incrementSuccessRequests()
			t.updateAvgResponseTime(elapsed)
			t.recorder.RecordCollabSuccess(string(t.op), elapsed.Seconds())
			return resp, nil
		}

		lastErr = err
		if !err.Temporary() {
			break
		}
	}

	t.fail(startTime)
	return nil, lastErr
}

func (t *Transport) fail(startTime time.Time) {
	t.incrementFailedRequests()
	t.recorder.RecordCollabFailure(string(t.op), time.Since(startTime).Seconds())
}

// doRequest performs a single HTTP exchange
func (t *Transport) doRequest(ctx context.Context, newRequest RequestFunc) (*Response, *NetworkError) {
	httpReq, err := newRequest(ctx)
	if err != nil {
		return nil, &NetworkError{Op: t.op, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	httpReq.Header.Set("User-Agent", "rehearsald/1.0")
	if t.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			err = ctxErr
		}
		return nil, &NetworkError{Op: t.op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: t.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetworkError{Op: t.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(string(body), 256))}
	}

	return &Response{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetStats returns current client statistics
func (t *Transport) GetStats() ClientStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	successRate := 0.0
	if t.totalRequests > 0 {
		successRate = float64(t.successRequests) / float64(t.totalRequests) * 100.0
	}

	return ClientStats{
		Operation:       string(t.op),
		TotalRequests:   t.totalRequests,
		SuccessRequests: t.successRequests,
		FailedRequests:  t.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    t.totalRetries,
		AvgResponseTime: t.avgResponseTime,
		ActiveRequests:  len(t.semaphore),
	}
}

// Close releases idle connections
func (t *Transport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

func (t *Transport) incrementTotalRequests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRequests++
}

func (t *Transport) incrementSuccessRequests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successRequests++
}

func (t *Transport) incrementFailedRequests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedRequests++
}

func (t *Transport) incrementTotalRetries() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRetries++
}

func (t *Transport) updateAvgResponseTime(responseTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Simple moving average
	if t.avgResponseTime == 0 {
		t.avgResponseTime = responseTime
	} else {
		t.avgResponseTime = (t.avgResponseTime + responseTime) / 2
	}
}
