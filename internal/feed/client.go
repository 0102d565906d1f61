package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/flowwatch/internal/models"
)

// Source delivers market events for a set of symbols.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string, since time.Time) ([]models.MarketEvent, error)
}

// ClientOptions configures an HTTP feed client. Zero values fall back to defaults.
type ClientOptions struct {
	Name            string
	URL             string
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxRetryElapsed time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (o *ClientOptions) applyDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RequestsPerSec == 0 {
		o.RequestsPerSec = 5
	}
	if o.Burst == 0 {
		o.Burst = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.InitialInterval == 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxRetryElapsed == 0 {
		o.MaxRetryElapsed = 30 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout == 0 {
		o.BreakerTimeout = time.Minute
	}
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed returned status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Client polls one HTTP JSON endpoint: GET {url}?symbols=A,B&since=RFC3339.
// Requests are rate limited, retried with exponential backoff on transport and 5xx errors,
// and guarded by a circuit breaker.
type Client struct {
	name       string
	endpoint   *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	opts       ClientOptions
	skipped    atomic.Int64
}

func NewClient(opts ClientOptions) (*Client, error) {
	opts.applyDefaults()
	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed URL: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("feed URL %q must be http or https", opts.URL)
	}
	if opts.Name == "" {
		opts.Name = endpoint.Host
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     opts.Name,
		Interval: 60 * time.Second,
		Timeout:  opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		name:       opts.Name,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		breaker:    breaker,
		opts:       opts,
	}, nil
}

func (c *Client) Name() string { return c.name }

// Skipped returns how many malformed events this client has dropped so far.
func (c *Client) Skipped() int64 { return c.skipped.Load() }

// BreakerState reports the circuit breaker state ("closed", "half-open" or "open").
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Fetch returns the events the feed has for symbols after since. Malformed events are dropped.
func (c *Client) Fetch(ctx context.Context, symbols []string, since time.Time) ([]models.MarketEvent, error) {
	u := *c.endpoint
	q := u.Query()
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	u.RawQuery = q.Encode()

	out, err := c.breaker.Execute(func() (any, error) {
		return c.fetchWithRetry(ctx, u.String())
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}

	events, skipped := Convert(out.([]WireEvent), c.name)
	if skipped > 0 {
		c.skipped.Add(int64(skipped))
	}
	return events, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, rawURL string) ([]WireEvent, error) {
	var wire []WireEvent
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			statusErr := &StatusError{StatusCode: resp.StatusCode}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		wire, err = decodeWire(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = c.opts.InitialInterval
	strategy.MaxElapsedTime = c.opts.MaxRetryElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(strategy, c.opts.MaxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return wire, nil
}
