// Package munimoney provides a client for the Municipal Money open-data cube API.
package munimoney

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Municipal Money API.
	DefaultBaseURL = "https://municipaldata.treasury.gov.za/api"
	// DefaultTimeout bounds a single aggregate call.
	DefaultTimeout = 4 * time.Second
	// MaxTimeout is the ceiling applied to any configured timeout.
	MaxTimeout = 4900 * time.Millisecond

	defaultRate      = 5
	maxLoggedPayload = 2048
	maxBodyBytes     = 16 << 20
)

// Client defines the cube operations used by the aggregator.
type Client interface {
	// Aggregate runs one aggregate query. A non-nil error is always an *Error.
	Aggregate(ctx context.Context, q CubeQuery) (*Response, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-call timeout. Values at or above MaxTimeout are
// clamped; non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit sets the request rate shared by all calls. Zero disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

type httpClient struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	log       *zap.Logger
}

// NewClient creates a new Municipal Money client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   DefaultBaseURL,
		timeout:   DefaultTimeout,
		userAgent: "muni-health/1.0",
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRate), defaultRate),
		log:     zap.L().With(zap.String("component", "munimoney")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout >= MaxTimeout {
		c.timeout = MaxTimeout
	}
	return c
}

func (c *httpClient) Aggregate(ctx context.Context, q CubeQuery) (*Response, error) {
	if err := q.Validate(); err != nil {
		return nil, &Error{Kind: KindClient, Cube: q.Cube, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTransport, Cube: q.Cube, Err: eris.Wrap(err, "munimoney: rate limit wait")}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := q.URL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindClient, Cube: q.Cube, Err: eris.Wrap(err, "munimoney: create request")}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	c.log.Debug("munimoney: aggregate", zap.String("cube", q.Cube), zap.String("url", reqURL))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Cube: q.Cube, Err: eris.Wrap(err, "munimoney: request failed")}
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Cube: q.Cube, StatusCode: resp.StatusCode, Err: eris.Wrap(err, "munimoney: read response body")}
	}

	out := &Response{Cube: q.Cube, URL: reqURL, StatusCode: resp.StatusCode, Raw: raw}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Cube:       q.Cube,
			Body:       truncate(raw, maxLoggedPayload),
		}
		c.log.Warn("munimoney: unexpected status",
			zap.String("cube", q.Cube),
			zap.Int("status", resp.StatusCode),
			zap.String("body", apiErr.Body),
		)
		return out, apiErr
	}

	out.Result = ParseAggregate(raw)
	if !out.Result.OK() {
		c.log.Error("munimoney: unparseable response",
			zap.String("cube", q.Cube),
			zap.String("url", reqURL),
			zap.String("payload", truncate(raw, maxLoggedPayload)),
			zap.Error(out.Result.Err),
		)
		return out, &Error{
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Cube:       q.Cube,
			Body:       truncate(raw, maxLoggedPayload),
			Err:        out.Result.Err,
		}
	}

	return out, nil
}
