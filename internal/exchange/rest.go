package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pulsefeed/pulsefeed/internal/errs"
)

// HostLimits caps outbound request rate for one venue's REST host.
type HostLimits struct {
	RPS   float64
	Burst int
}

// RESTClient is the shared warm REST tier: every adapter's REST fallback,
// the bridge poller and the probe command fetch through it. Each host gets
// a token bucket and a trip-fast circuit breaker; successful responses are
// cached briefly so a burst of fallback fetches for the same ticker costs
// one upstream request.
type RESTClient struct {
	http      *http.Client
	cache     ResponseCache
	cacheTTL  time.Duration
	userAgent string
	logger    zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*cb.CircuitBreaker
	limits   map[string]HostLimits
	defaults HostLimits
}

// RESTOptions configures the shared REST client.
type RESTOptions struct {
	Timeout   time.Duration
	UserAgent string
	Cache     ResponseCache
	CacheTTL  time.Duration
	Defaults  HostLimits
}

// NewRESTClient builds the shared REST tier.
func NewRESTClient(opts RESTOptions, logger zerolog.Logger) *RESTClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 500 * time.Millisecond
	}
	if opts.Defaults.RPS <= 0 {
		opts.Defaults = HostLimits{RPS: 2, Burst: 4}
	}
	return &RESTClient{
		http:      &http.Client{Timeout: opts.Timeout},
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		userAgent: opts.UserAgent,
		logger:    logger.With().Str("component", "rest_client").Logger(),
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*cb.CircuitBreaker),
		limits:    make(map[string]HostLimits),
		defaults:  opts.Defaults,
	}
}

// SetHostLimits installs per-host rate limits, keyed by hostname.
func (c *RESTClient) SetHostLimits(host string, limits HostLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[host] = limits
	delete(c.limiters, host)
}

func (c *RESTClient) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[host]; ok {
		return l
	}
	limits, ok := c.limits[host]
	if !ok {
		limits = c.defaults
	}
	if limits.Burst < 1 {
		limits.Burst = 1
	}
	l := rate.NewLimiter(rate.Limit(limits.RPS), limits.Burst)
	c.limiters[host] = l
	return l
}

func (c *RESTClient) breaker(host string) *cb.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}
	st := cb.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	b := cb.NewCircuitBreaker(st)
	c.breakers[host] = b
	return b
}

// GetJSON fetches rawURL, decoding the JSON response body into out. The
// per-host token bucket is waited on (bounded by ctx), the per-host
// breaker fails fast when the host is down, and a fresh cached response
// short-circuits the network entirely. Errors come back classified.
func (c *RESTClient) GetJSON(ctx context.Context, source, rawURL string, out interface{}) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errs.NewSourceError(errs.CodeExchange, source, "rest_get", "invalid url", err)
	}
	host := u.Hostname()

	if body, ok := c.cache.Get(ctx, rawURL); ok {
		if err := json.Unmarshal(body, out); err != nil {
			return errs.NewSourceError(errs.CodeParse, source, "rest_get", "cached body", err)
		}
		return nil
	}

	if err := c.limiter(host).Wait(ctx); err != nil {
		return errs.NewSourceError(errs.CodeTimeout, source, "rest_get", "rate limit wait", err)
	}

	body, err := c.breaker(host).Execute(func() (interface{}, error) {
		return c.fetch(ctx, source, rawURL)
	})
	if err != nil {
		if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
			return errs.NewSourceError(errs.CodeConnection, source, "rest_get", "rest host circuit open", err)
		}
		return errs.AsSourceError(err, source, "rest_get")
	}

	raw := body.([]byte)
	c.cache.Set(ctx, rawURL, raw, c.cacheTTL)
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.NewSourceError(errs.CodeParse, source, "rest_get", "response body", err)
	}
	return nil
}

func (c *RESTClient) fetch(ctx context.Context, source, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.NewSourceError(errs.CodeExchange, source, "rest_get", "build request", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.NewSourceError(errs.Classify(err), source, "rest_get", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		se := errs.NewSourceError(classifyStatus(resp.StatusCode), source, "rest_get",
			fmt.Sprintf("http %d", resp.StatusCode), nil)
		se.HTTPStatus = resp.StatusCode
		return nil, se
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errs.NewSourceError(errs.CodeConnection, source, "rest_get", "read body", err)
	}
	return raw, nil
}

// classifyStatus maps REST status codes onto the source error taxonomy.
// 418 is Binance's IP-ban response and counts as a rate limit.
func classifyStatus(status int) errs.Code {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errs.CodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.CodeAuth
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return errs.CodeTimeout
	case status >= 500:
		return errs.CodeExchange
	default:
		return errs.CodeExchange
	}
}
