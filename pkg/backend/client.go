// Package backend queries the inference backend on behalf of gated callers.
//
// A query consults the response cache first, collapses concurrent identical
// misses into one upstream call, and retries transient failures with
// exponential backoff. Query never returns an error: once retries are
// exhausted, or on a permanent failure, the reply carries a degraded-service
// message instead.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/finitoshi/chibi/pkg/cache"
	"github.com/finitoshi/chibi/pkg/metrics"
	"github.com/finitoshi/chibi/pkg/models"
	"github.com/finitoshi/chibi/pkg/router"
	"github.com/finitoshi/chibi/pkg/tier"
)

// Degraded replies shown to callers when the backend cannot answer.
const (
	DegradedTimeout  = "Sorry, I'm taking longer than usual to respond. Try again in a bit?"
	DegradedError    = "An error occurred while answering your message. Please try again later."
	DegradedRejected = "I couldn't process that request. Try rephrasing it."
)

// ErrMalformedResponse is returned when a 200 response lacks the expected shape.
var ErrMalformedResponse = errors.New("malformed backend response")

// StatusError is a non-200 response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Request is one query at a given capability tier.
type Request struct {
	Prompt   string
	Tier     tier.Tier
	ImageURL string
}

// Reply is always a textual answer; Degraded marks a fallback message.
type Reply struct {
	Text     string
	Cached   bool
	Degraded bool
	Attempts int
}

// Options configures a Client.
type Options struct {
	URL            string
	APIKey         string
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	Temperature    float64
	HTTPClient     *http.Client
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client performs cached, retried backend queries.
type Client struct {
	url            string
	apiKey         string
	maxAttempts    int
	baseDelay      time.Duration
	attemptTimeout time.Duration
	temperature    float64
	httpClient     *http.Client
	router         *router.Router
	cache          cache.Cache
	sleep          func(ctx context.Context, d time.Duration) error
	group          singleflight.Group
	flights        flights
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// New creates a Client. c may be nil to disable caching.
func New(opts Options, r *router.Router, c cache.Cache) *Client {
	cl := &Client{
		url:            opts.URL,
		apiKey:         opts.APIKey,
		maxAttempts:    opts.MaxAttempts,
		baseDelay:      opts.BaseDelay,
		attemptTimeout: opts.AttemptTimeout,
		temperature:    opts.Temperature,
		httpClient:     opts.HTTPClient,
		router:         r,
		cache:          c,
		sleep:          opts.Sleep,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}
	if cl.maxAttempts <= 0 {
		cl.maxAttempts = 3
	}
	if cl.baseDelay <= 0 {
		cl.baseDelay = 2 * time.Second
	}
	if cl.attemptTimeout <= 0 {
		cl.attemptTimeout = 60 * time.Second
	}
	if cl.httpClient == nil {
		cl.httpClient = http.DefaultClient
	}
	if cl.sleep == nil {
		cl.sleep = sleepContext
	}
	if cl.logger == nil {
		cl.logger = zap.NewNop()
	}
	return cl
}

// Delay returns the wait after the given 1-based attempt fails:
// base, 2*base, 4*base, ...
func (c *Client) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.baseDelay << (attempt - 1)
}

// Query answers req, from the cache when a fresh entry exists.
func (c *Client) Query(ctx context.Context, req Request) Reply {
	route, err := c.router.Resolve(req.Tier)
	if err != nil {
		c.logger.Error("no backend route", zap.Stringer("tier", req.Tier), zap.Error(err))
		return Reply{Text: DegradedError, Degraded: true}
	}

	capability := req.Tier.String()
	key := cacheKey(req)

	if reply, ok := c.lookup(ctx, key, capability); ok {
		return reply
	}

	fk := capability + "\x00" + key
	f := c.flights.join(ctx, fk)
	ch := c.group.DoChan(fk, func() (any, error) {
		// Another flight may have filled the cache since the first lookup.
		if reply, ok := c.lookup(f.ctx, key, capability); ok {
			return reply, nil
		}
		return c.fetch(f.ctx, route, req, key), nil
	})

	select {
	case res := <-ch:
		c.flights.leave(fk, f)
		if res.Shared {
			c.logger.Debug("backend call shared", zap.Stringer("tier", req.Tier))
		}
		return res.Val.(Reply)
	case <-ctx.Done():
		if c.flights.leave(fk, f) {
			c.group.Forget(fk)
		}
		c.logger.Warn("backend query abandoned", zap.Stringer("tier", req.Tier), zap.Error(ctx.Err()))
		return degraded(ctx.Err(), 0)
	}
}

// cacheKey is the raw prompt text; an attached image is part of the question
// and therefore part of the key.
func cacheKey(req Request) string {
	if req.ImageURL == "" {
		return req.Prompt
	}
	return req.Prompt + "\n" + req.ImageURL
}

func (c *Client) lookup(ctx context.Context, key, capability string) (Reply, bool) {
	if c.cache == nil {
		return Reply{}, false
	}
	cached, ok := c.cache.Get(ctx, key, capability)
	c.metrics.CacheLookup(ok)
	if !ok {
		return Reply{}, false
	}
	c.logger.Debug("returning cached response", zap.String("capability", capability))
	return Reply{Text: string(cached), Cached: true}, true
}

func (c *Client) fetch(ctx context.Context, route router.Route, req Request, key string) Reply {
	body, err := json.Marshal(c.buildRequest(route, req))
	if err != nil {
		c.logger.Error("encode backend request", zap.Error(err))
		return Reply{Text: DegradedError, Degraded: true}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		text, err := c.attempt(ctx, route, body)
		if err == nil {
			if c.cache != nil {
				if err := c.cache.Put(ctx, key, route.Tier.String(), []byte(text)); err != nil {
					c.logger.Warn("cache write failed", zap.Error(err))
				}
			}
			return Reply{Text: text, Attempts: attempt}
		}
		lastErr = err

		if ctx.Err() != nil {
			c.logger.Warn("backend query cancelled", zap.Int("attempt", attempt), zap.Error(ctx.Err()))
			return degraded(err, attempt)
		}
		if !isRetryable(err) {
			c.logger.Error("backend rejected request", zap.Int("attempt", attempt), zap.Error(err))
			return degraded(err, attempt)
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := c.Delay(attempt)
		c.logger.Warn("backend attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return degraded(lastErr, attempt)
		}
	}

	c.logger.Error("backend failed after all attempts", zap.Int("attempts", c.maxAttempts), zap.Error(lastErr))
	return degraded(lastErr, c.maxAttempts)
}

func degraded(err error, attempts int) Reply {
	text := DegradedError
	var se *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		text = DegradedTimeout
	case errors.As(err, &se) && !isRetryable(err):
		text = DegradedRejected
	}
	return Reply{Text: text, Degraded: true, Attempts: attempts}
}

func (c *Client) buildRequest(route router.Route, req Request) models.ChatCompletionRequest {
	temperature := c.temperature
	user := models.TextMessage("user", req.Prompt)
	if route.AcceptsImage && req.ImageURL != "" {
		user = models.PartsMessage("user",
			models.ContentPart{Type: "text", Text: req.Prompt},
			models.ContentPart{Type: "image_url", ImageURL: &models.ImageURL{URL: req.ImageURL, Detail: "high"}},
		)
	}

	messages := make([]models.ChatMessage, 0, 2)
	if route.SystemPrompt != "" {
		messages = append(messages, models.TextMessage("system", route.SystemPrompt))
	}
	messages = append(messages, user)

	return models.ChatCompletionRequest{
		Model:       route.Model,
		Messages:    messages,
		Temperature: &temperature,
	}
}

// attempt performs one bounded backend call.
func (c *Client) attempt(ctx context.Context, route router.Route, body []byte) (string, error) {
	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	headers := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}

	start := time.Now()
	res, err := c.doUpstreamRequest(actx, headers, body)
	elapsed := time.Since(start).Seconds()
	capability := route.Tier.String()

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		c.metrics.BackendAttempt(capability, outcome, elapsed)
		return "", err
	}
	if res.statusCode != http.StatusOK {
		c.metrics.BackendAttempt(capability, fmt.Sprintf("%dxx", res.statusCode/100), elapsed)
		return "", &StatusError{Code: res.statusCode, Body: truncate(string(res.body), 512)}
	}

	content := gjson.GetBytes(res.body, "choices.0.message.content")
	if content.Type != gjson.String {
		c.metrics.BackendAttempt(capability, "malformed", elapsed)
		return "", ErrMalformedResponse
	}
	c.metrics.BackendAttempt(capability, "ok", elapsed)
	return content.String(), nil
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
}

// doUpstreamRequest posts a JSON body to the backend and reads the full response.
func (c *Client) doUpstreamRequest(ctx context.Context, headers map[string]string, body []byte) (*upstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{statusCode: resp.StatusCode, body: respBody}, nil
}

// isRetryable returns true for transport errors, timeouts, 429 and 5xx.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
