package aipipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout    = 20 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second

	analyzePath = "analyze"
	listingPath = "listing"

	tracerName = "github.com/pitabwire/listflow/internal/aipipeline"
)

// ClientConfig holds the model service connection settings.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to the model service over JSON/HTTP. It retries transient
// failures and sheds load through a Breaker.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	breaker    *Breaker
	logger     *zap.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(context.Context, time.Duration) error
	onRetry          func(path string)
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetry overrides the retry policy. attempts <= 0 disables retries.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithBreaker attaches a circuit breaker.
func WithBreaker(b *Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSleeper overrides how retry waits are performed.
func WithSleeper(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleeper = fn }
}

// WithRetryHook registers fn to be called before every retry wait.
func WithRetryHook(fn func(path string)) ClientOption {
	return func(c *Client) { c.onRetry = fn }
}

// NewClient builds a model service client.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Model = strings.TrimSpace(cfg.Model)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	c := &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: timeout},
		logger:           zap.NewNop(),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleeper:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type analyzeRequest struct {
	Model    string `json:"model,omitempty"`
	PhotoRef string `json:"photo_ref"`
}

type listingRequest struct {
	Model     string   `json:"model,omitempty"`
	Analysis  Analysis `json:"analysis"`
	Category  string   `json:"category,omitempty"`
	Condition string   `json:"condition,omitempty"`
}

// AnalyzeImage asks the service to describe the photo at photoRef.
func (c *Client) AnalyzeImage(ctx context.Context, photoRef string) (Analysis, error) {
	var out Analysis
	photoRef = strings.TrimSpace(photoRef)
	if photoRef == "" {
		return out, fmt.Errorf("%w: analyze: photo reference required", ErrAIUnavailable)
	}
	err := c.call(ctx, analyzePath, analyzeRequest{Model: c.cfg.Model, PhotoRef: photoRef}, &out)
	return out, err
}

// GenerateListing asks the service to write listing copy for an analysis.
func (c *Client) GenerateListing(ctx context.Context, analysis Analysis, category, condition string) (ListingDraft, error) {
	var out ListingDraft
	err := c.call(ctx, listingPath, listingRequest{
		Model:     c.cfg.Model,
		Analysis:  analysis,
		Category:  category,
		Condition: condition,
	}, &out)
	if err == nil && strings.TrimSpace(out.Title) == "" {
		err = fmt.Errorf("%w: listing: empty title", ErrAIUnavailable)
	}
	return out, err
}

type statusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ai request: http %d: %s", e.StatusCode, e.Body)
}

// call runs one logical request through the breaker and retry loop and
// classifies the final error.
func (c *Client) call(ctx context.Context, path string, payload, out any) error {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}

	attempts := c.retryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.once(ctx, path, payload, out)
		if err == nil {
			if c.breaker != nil {
				c.breaker.Success()
			}
			return nil
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			break
		}
		c.logger.Debug("retrying ai request",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if c.onRetry != nil {
			c.onRetry(path)
		}
		if err := c.sleeper(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if c.breaker != nil {
		c.breaker.Failure()
	}
	return classifyTransport(lastErr)
}

// once makes a single attempt under its own client span and forwards the
// trace context to the gateway.
func (c *Client) once(ctx context.Context, path string, payload, out any) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ai."+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("ai.model", c.cfg.Model)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ai request failed")
		}
		span.End()
	}()

	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return fmt.Errorf("ai request: build url: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ai request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ai request: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ai request: read body: %w", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &statusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RetryAfter: retryAfter,
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ai request: decode response: %w", err)
	}
	return nil
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= http.StatusInternalServerError:
			if se.RetryAfter > 0 {
				return c.capDelay(se.RetryAfter), true
			}
			return c.backoff(attempt), true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoff(attempt), true
	}
	return 0, false
}

// backoff doubles from the base delay: attempt 1 waits base, attempt 2
// waits 2*base and so on, capped at the max delay.
func (c *Client) backoff(attempt int) time.Duration {
	if c.retryBaseDelay <= 0 {
		return 0
	}
	delay := c.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if c.retryMaxDelay > 0 && delay > c.retryMaxDelay/2 {
			return c.retryMaxDelay
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if c.retryMaxDelay > 0 && d > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	return d
}

// classifyTransport maps the last transport error onto the adapter's failure
// classes.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAITimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrAITimeout, err)
	}
	var se *statusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusGatewayTimeout) {
		return fmt.Errorf("%w: %w", ErrAITimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrAIUnavailable, err)
}

func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
