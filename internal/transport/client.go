// Package transport sends signed requests to exchanges with ordered endpoint
// failover. Remote failures never surface as Go errors: every call returns a
// Result carrying a classified *common.Error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"order-core/internal/monitor"
	"order-core/pkg/exchanges/common"
)

const maxResponseBytes = 4 << 20

// Config holds transport settings.
type Config struct {
	Timeout    time.Duration // per attempt
	RecvWindow time.Duration
	// RateLimit is the sustained requests/second allowed per base URL; 0 disables.
	RateLimit float64
	Burst     int
	Health    HealthConfig
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		RecvWindow: 5 * time.Second,
		RateLimit:  10,
		Burst:      20,
		Health:     DefaultHealthConfig(),
	}
}

// Request is one logical exchange call.
type Request struct {
	Exchange    string
	Environment common.Environment
	Credential  common.Credential
	Endpoint    common.EndpointSpec
	Params      url.Values
}

// Result is the outcome of one logical call, however many endpoints it took.
type Result struct {
	Success    bool
	Data       []byte
	StatusCode int
	BaseURL    string
	Failovers  int // endpoints abandoned before the final one
	Err        *common.Error
}

// Client is safe for concurrent use. It holds no credentials between calls.
type Client struct {
	http     *http.Client
	registry *Registry
	health   *healthTracker
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	metrics  *monitor.DispatchMetrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	weights  map[string]*common.WeightTracker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithMetrics records call latency and failovers.
func WithMetrics(m *monitor.DispatchMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a transport client over registry.
func NewClient(registry *Registry, cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	c := &Client{
		http:     &http.Client{},
		registry: registry,
		health:   newHealthTracker(cfg.Health),
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		weights:  make(map[string]*common.WeightTracker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the venue registry the client routes through.
func (c *Client) Registry() *Registry { return c.registry }

// HealthStats reports endpoint health.
func (c *Client) HealthStats() HealthStats { return c.health.Stats() }

// Send performs the request against the exchange's endpoints in order. A
// network failure or gateway status moves on to the next endpoint with a
// freshly signed request; any other failure is terminal.
func (c *Client) Send(ctx context.Context, req Request) Result {
	start := time.Now()
	res := c.send(ctx, req)
	if c.metrics != nil {
		c.metrics.TransportLatency.RecordDuration(time.Since(start))
		c.metrics.AddFailovers(res.Failovers)
	}
	return res
}

func (c *Client) send(ctx context.Context, req Request) Result {
	venue, ok := c.registry.Get(req.Exchange)
	if !ok {
		return Result{Err: &common.Error{Kind: common.KindValidation, Message: "unsupported exchange", Exchange: req.Exchange}}
	}
	if !req.Environment.Valid() {
		return Result{Err: &common.Error{Kind: common.KindValidation, Message: fmt.Sprintf("invalid environment %q", req.Environment), Exchange: venue.Name()}}
	}
	if !req.Credential.Complete() {
		return Result{Err: &common.Error{Kind: common.KindValidation, Message: "credential incomplete", Exchange: venue.Name()}}
	}

	urls := req.Credential.BaseURLs
	if len(urls) == 0 {
		urls = venue.BaseURLs(req.Environment)
	}
	if len(urls) == 0 {
		return Result{Err: &common.Error{Kind: common.KindValidation, Message: "no base URL configured", Exchange: venue.Name()}}
	}
	urls = c.health.Order(urls, c.overWeight)

	logger := c.logger.With(
		zap.String("exchange", venue.Name()),
		zap.String("environment", string(req.Environment)),
		zap.String("path", req.Endpoint.Path),
	)

	var lastErr *common.Error
	for i, base := range urls {
		if err := ctx.Err(); err != nil {
			return Result{Failovers: i, Err: cancelled(venue.Name(), err)}
		}
		if err := c.limiter(base).Wait(ctx); err != nil {
			return Result{Failovers: i, Err: cancelled(venue.Name(), err)}
		}

		prepared, err := venue.Prepare(common.SignInput{
			Endpoint:    req.Endpoint,
			Params:      req.Params,
			Credential:  req.Credential,
			Environment: req.Environment,
			Timestamp:   c.now().UnixMilli(),
			RecvWindow:  c.cfg.RecvWindow.Milliseconds(),
		})
		if err != nil {
			return Result{Failovers: i, Err: &common.Error{Kind: common.KindValidation, Message: err.Error(), Exchange: venue.Name(), Err: err}}
		}

		status, body, header, err := c.do(ctx, base, req.Endpoint, prepared)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Failovers: i, Err: cancelled(venue.Name(), ctx.Err())}
			}
			c.health.RecordFailure(base)
			lastErr = &common.Error{Kind: common.KindTransport, Message: err.Error(), Exchange: venue.Name(), Err: err}
			logger.Warn("endpoint unreachable, failing over",
				zap.String("base_url", base), zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		c.trackWeight(venue, base, header)

		if ce := venue.CheckResponse(status, body); ce != nil {
			if ce.Kind == common.KindTransport {
				c.health.RecordFailure(base)
				lastErr = ce
				logger.Warn("endpoint gateway error, failing over",
					zap.String("base_url", base), zap.Int("status", status))
				continue
			}
			c.health.RecordSuccess(base)
			logger.Info("exchange rejected request",
				zap.String("base_url", base),
				zap.String("kind", string(ce.Kind)),
				zap.String("code", ce.Code),
				zap.String("message", ce.Message))
			return Result{Data: body, StatusCode: status, BaseURL: base, Failovers: i, Err: ce}
		}

		c.health.RecordSuccess(base)
		if i > 0 {
			logger.Info("request served by fallback endpoint", zap.String("base_url", base), zap.Int("failovers", i))
		}
		return Result{Success: true, Data: body, StatusCode: status, BaseURL: base, Failovers: i}
	}

	if lastErr == nil {
		lastErr = &common.Error{Kind: common.KindTransport, Message: "no endpoint attempted", Exchange: venue.Name()}
	}
	lastErr.Message = fmt.Sprintf("all %d endpoints failed: %s", len(urls), lastErr.Message)
	return Result{Failovers: len(urls) - 1, Err: lastErr}
}

// SubmitOrder places an order and parses the acknowledgement.
func (c *Client) SubmitOrder(ctx context.Context, exchange string, env common.Environment, cred common.Credential, order common.OrderRequest) (common.OrderAck, *common.Error) {
	venue, ok := c.registry.Get(exchange)
	if !ok {
		return common.OrderAck{}, &common.Error{Kind: common.KindValidation, Message: "unsupported exchange", Exchange: exchange}
	}
	spec, params := venue.PlaceOrder(order)
	res := c.Send(ctx, Request{Exchange: exchange, Environment: env, Credential: cred, Endpoint: spec, Params: params})
	if !res.Success {
		return common.OrderAck{}, res.Err
	}
	ack, err := venue.ParseOrderAck(res.Data)
	if err != nil {
		return common.OrderAck{}, &common.Error{Kind: common.KindInternal, Message: err.Error(), Exchange: venue.Name(), Err: err}
	}
	return ack, nil
}

// FetchPositions returns the account's non-zero positions.
func (c *Client) FetchPositions(ctx context.Context, exchange string, env common.Environment, cred common.Credential) ([]common.LivePosition, *common.Error) {
	venue, ok := c.registry.Get(exchange)
	if !ok {
		return nil, &common.Error{Kind: common.KindValidation, Message: "unsupported exchange", Exchange: exchange}
	}
	spec, params := venue.Positions()
	res := c.Send(ctx, Request{Exchange: exchange, Environment: env, Credential: cred, Endpoint: spec, Params: params})
	if !res.Success {
		return nil, res.Err
	}
	positions, err := venue.ParsePositions(res.Data)
	if err != nil {
		return nil, &common.Error{Kind: common.KindInternal, Message: err.Error(), Exchange: venue.Name(), Err: err}
	}
	return positions, nil
}

func (c *Client) do(ctx context.Context, base string, ep common.EndpointSpec, p common.PreparedRequest) (int, []byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := strings.TrimRight(base, "/") + ep.Path
	if p.Query != "" {
		target += "?" + p.Query
	}
	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, ep.Method, target, body)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, resp.Header, nil
}

func (c *Client) limiter(base string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[base]
	if !ok {
		limit := rate.Inf
		if c.cfg.RateLimit > 0 {
			limit = rate.Limit(c.cfg.RateLimit)
		}
		burst := c.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		c.limiters[base] = l
	}
	return l
}

func (c *Client) trackWeight(venue common.Venue, base string, header http.Header) {
	wr, ok := venue.(common.WeightReporter)
	if !ok || header == nil {
		return
	}
	name, limit := wr.WeightHeader()
	value := header.Get(name)
	if value == "" {
		return
	}

	c.mu.Lock()
	wt, ok := c.weights[base]
	if !ok {
		wt = common.NewWeightTracker(limit, time.Minute, c.logger.With(zap.String("base_url", base)))
		c.weights[base] = wt
	}
	c.mu.Unlock()

	wt.UpdateFromHeader(value)
}

// overWeight reports whether base is close to its reported weight limit.
func (c *Client) overWeight(base string) bool {
	c.mu.Lock()
	wt, ok := c.weights[base]
	c.mu.Unlock()
	return ok && wt.ShouldDelay()
}

func cancelled(exchange string, err error) *common.Error {
	msg := "request cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request deadline exceeded"
	}
	return &common.Error{Kind: common.KindCancelled, Message: msg, Exchange: exchange, Err: err}
}
