package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/sila/payments/internal/infrastructure/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const maxResponseBody = 1 << 20

// errNotSent marks failures that happened before the request reached the rail.
var errNotSent = errors.New("request not sent")

// Options carries the collaborators shared by every rail adapter.
type Options struct {
	Config     config.ProviderConfig
	HTTPClient *http.Client
	Guard      SubmissionGuard
	Metrics    *observability.Metrics
	Timeout    time.Duration
	Now        func() time.Time
	Logger     zerolog.Logger
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// NewHTTPClient returns a client whose requests are traced and bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// APIError is a non-2xx answer from a rail.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// apiClient is the JSON transport every rail adapter is built on.
type apiClient struct {
	provider payment.Provider
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	metrics  *observability.Metrics
	headers  map[string]string
}

func newAPIClient(provider payment.Provider, opts Options, headers map[string]string) *apiClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = NewHTTPClient(timeout)
	}

	limit := rate.Inf
	if opts.Config.RateLimit > 0 {
		limit = rate.Limit(opts.Config.RateLimit)
	}
	burst := opts.Config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &apiClient{
		provider: provider,
		baseURL:  strings.TrimRight(opts.Config.BaseURL, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  opts.Metrics,
		headers:  headers,
	}
}

// do sends body as JSON and decodes a 2xx answer into out. Transport failures, timeouts,
// 429 and 5xx wrap ErrProviderUnreachable; other 4xx wrap ErrProviderRejected.
func (c *apiClient) do(ctx context.Context, operation, method, path string, extra map[string]string, body, out any) error {
	start := time.Now()
	err := c.send(ctx, method, path, extra, body, out)
	c.observe(operation, start, err)
	return err
}

func (c *apiClient) send(ctx context.Context, method, path string, extra map[string]string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %v: %w: %w", c.provider, err, errNotSent, domainErrors.ErrProviderUnreachable)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %v: %w", c.provider, err, errNotSent)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %v: %w", c.provider, err, errNotSent)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %v: %w", c.provider, method, path, err, domainErrors.ErrProviderUnreachable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read %s response: %v: %w", c.provider, err, domainErrors.ErrProviderUnreachable)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%s: %w: %w", c.provider, apiErr, domainErrors.ErrProviderUnreachable)
		}
		return fmt.Errorf("%s: %w: %w", c.provider, apiErr, domainErrors.ErrProviderRejected)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// the rail answered 2xx, so the payment may exist on its side
		return fmt.Errorf("decode %s response: %v: %w", c.provider, err, domainErrors.ErrProviderUnreachable)
	}
	return nil
}

func (c *apiClient) observe(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderLatency.WithLabelValues(string(c.provider), operation).Observe(time.Since(start).Seconds())
	c.metrics.ProviderRequests.WithLabelValues(string(c.provider), operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domainErrors.ErrProviderRejected), errors.Is(err, domainErrors.ErrInvalidAmount):
		return "rejected"
	case errors.Is(err, domainErrors.ErrProviderUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}

// apiErrorBody returns the body of the APIError wrapped in err, if any.
func apiErrorBody(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Body
	}
	return ""
}

// FormatAmount renders minor units as the major-unit decimal string rails expect ("50.00").
func FormatAmount(a payment.Amount) string {
	return decimal.New(a.ValueCents, -2).StringFixed(2)
}

func supportsCurrency(currencies []string, code string) bool {
	for _, c := range currencies {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

func malformed(provider payment.Provider, format string, args ...any) error {
	return fmt.Errorf("%s callback: %s: %w", provider, fmt.Sprintf(format, args...), domainErrors.ErrMalformedCallback)
}
