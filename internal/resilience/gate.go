// Package resilience throttles, retries and circuit-breaks outbound catalog requests.
package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSourceDisabled is returned for requests to a source whose breaker has tripped.
var ErrSourceDisabled = errors.New("source disabled")

// Policy configures throttling, retries and the circuit breaker.
type Policy struct {
	MinInterval       time.Duration
	MaxAttempts       int
	BackoffUnit       time.Duration
	BackoffCeiling    time.Duration
	FailureThreshold  int
	RetryableStatuses map[int]bool
}

// DefaultPolicy returns the policy used for catalog lookups.
func DefaultPolicy() Policy {
	return Policy{
		MinInterval:      1100 * time.Millisecond,
		MaxAttempts:      4,
		BackoffUnit:      time.Second,
		BackoffCeiling:   8 * time.Second,
		FailureThreshold: 3,
		RetryableStatuses: map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// Backoff returns the wait before the retry that follows attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := p.BackoffUnit
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.BackoffCeiling {
			return p.BackoffCeiling
		}
	}
	if wait > p.BackoffCeiling {
		return p.BackoffCeiling
	}
	return wait
}

// SourceHealth is a snapshot of one source's breaker state.
type SourceHealth struct {
	LastRequest         time.Time
	ConsecutiveFailures int
	Disabled            bool
}

// Observer receives resilience events, typically for metrics.
type Observer interface {
	ObserveRetry(source string)
	ObserveSourceDisabled(source string)
}

type nopObserver struct{}

func (nopObserver) ObserveRetry(string)          {}
func (nopObserver) ObserveSourceDisabled(string) {}

// Gate owns the health of every source seen during one enrichment session.
type Gate struct {
	policy    Policy
	transport http.RoundTripper
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mutex   sync.RWMutex
	sources map[string]*sourceEntry
}

type sourceEntry struct {
	call   sync.Mutex // serializes attempts against the source
	health SourceHealth
}

// Option customizes a Gate.
type Option func(*Gate)

// WithTransport sets the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gate) { g.transport = rt }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithClock replaces the time source and sleeper, mainly for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gate) {
		g.now = now
		g.sleep = sleep
	}
}

// New creates a Gate with the given policy.
func New(policy Policy, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		policy:    policy,
		transport: http.DefaultTransport,
		observer:  nopObserver{},
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		sources:   make(map[string]*sourceEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.policy.MaxAttempts < 1 {
		g.policy.MaxAttempts = 1
	}
	return g
}

// Client returns an HTTP client whose requests are governed by the gate
// under the given source name. The timeout bounds each attempt separately.
func (g *Gate) Client(source string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &sourceTransport{gate: g, source: source, timeout: timeout},
	}
}

// Disabled reports whether the source's breaker has tripped.
func (g *Gate) Disabled(source string) bool {
	return g.Health(source).Disabled
}

// Health returns a snapshot of the source's state.
func (g *Gate) Health(source string) SourceHealth {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if entry, ok := g.sources[source]; ok {
		return entry.health
	}
	return SourceHealth{}
}

// Sources returns the names of all sources that issued requests, sorted.
func (g *Gate) Sources() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	names := make([]string, 0, len(g.sources))
	for name := range g.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoundTrip sends req on behalf of source, applying throttle, retries and
// the breaker. On the last attempt a retryable status is returned as is.
func (g *Gate) RoundTrip(source string, req *http.Request) (*http.Response, error) {
	return g.roundTrip(source, req, 0)
}

func (g *Gate) roundTrip(source string, req *http.Request, timeout time.Duration) (*http.Response, error) {
	entry := g.entry(source)
	entry.call.Lock()
	defer entry.call.Unlock()

	if g.Disabled(source) {
		return nil, fmt.Errorf("%w: %s", ErrSourceDisabled, source)
	}

	ctx := req.Context()
	maxAttempts := g.policy.MaxAttempts
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := g.throttle(ctx, entry); err != nil {
			return nil, err
		}

		attemptReq, cancel, err := prepare(req, attempt, timeout)
		if err != nil {
			return nil, err
		}

		resp, err := g.transport.RoundTrip(attemptReq)
		g.markRequest(entry)

		if err == nil && g.policy.RetryableStatuses[resp.StatusCode] && attempt < maxAttempts {
			drain(resp)
			cancel()
			g.logger.Warn("Retryable status, retrying",
				zap.String("source", source),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxAttempts-1),
				zap.Int("status", resp.StatusCode),
				zap.String("url", req.URL.Redacted()))
			g.observer.ObserveRetry(source)
			if sleepErr := g.sleep(ctx, g.policy.Backoff(attempt)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		// A body cut off mid-read is a transport failure like any other.
		if err == nil {
			err = bufferBody(resp)
		}
		cancel()

		if errors.Is(err, errResponseTooLarge) {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			if attempt < maxAttempts {
				g.logger.Warn("Request failed, retrying",
					zap.String("source", source),
					zap.Int("attempt", attempt),
					zap.Int("max_retries", maxAttempts-1),
					zap.String("url", req.URL.Redacted()),
					zap.Error(err))
				g.observer.ObserveRetry(source)
				if sleepErr := g.sleep(ctx, g.policy.Backoff(attempt)); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}
			break
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			g.resetFailures(entry)
		}
		return resp, nil
	}

	g.recordFailure(source, entry)
	return nil, fmt.Errorf("%s: request failed after %d attempts: %w", source, maxAttempts, lastErr)
}

func (g *Gate) entry(source string) *sourceEntry {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	entry, ok := g.sources[source]
	if !ok {
		entry = &sourceEntry{}
		g.sources[source] = entry
	}
	return entry
}

func (g *Gate) throttle(ctx context.Context, entry *sourceEntry) error {
	g.mutex.RLock()
	last := entry.health.LastRequest
	g.mutex.RUnlock()

	if last.IsZero() {
		return nil
	}
	if wait := g.policy.MinInterval - g.now().Sub(last); wait > 0 {
		return g.sleep(ctx, wait)
	}
	return nil
}

func (g *Gate) markRequest(entry *sourceEntry) {
	g.mutex.Lock()
	entry.health.LastRequest = g.now()
	g.mutex.Unlock()
}

func (g *Gate) resetFailures(entry *sourceEntry) {
	g.mutex.Lock()
	entry.health.ConsecutiveFailures = 0
	g.mutex.Unlock()
}

func (g *Gate) recordFailure(source string, entry *sourceEntry) {
	g.mutex.Lock()
	entry.health.ConsecutiveFailures++
	failures := entry.health.ConsecutiveFailures
	tripped := !entry.health.Disabled && failures >= g.policy.FailureThreshold
	if tripped {
		entry.health.Disabled = true
	}
	g.mutex.Unlock()

	if tripped {
		g.logger.Warn("Source disabled after consecutive network failures",
			zap.String("source", source),
			zap.Int("failures", failures))
		g.observer.ObserveSourceDisabled(source)
	}
}

// prepare returns the request for one attempt, bounded by timeout when set.
func prepare(req *http.Request, attempt int, timeout time.Duration) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := req.Context(), context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	out := req
	if ctx != req.Context() {
		out = req.WithContext(ctx)
	}
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return out, cancel, nil
	}

	if req.GetBody == nil {
		cancel()
		return nil, nil, fmt.Errorf("cannot retry %s %s: request body is not rewindable", req.Method, req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	out = out.Clone(ctx)
	out.Body = body
	return out, cancel, nil
}

// maxResponseSize bounds a buffered catalog response.
const maxResponseSize = 4 << 20

var errResponseTooLarge = errors.New("response body too large")

// bufferBody reads the whole body so read failures surface inside the
// attempt, then replaces it with an in-memory reader.
func bufferBody(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > maxResponseSize {
		return fmt.Errorf("%w: more than %d bytes", errResponseTooLarge, maxResponseSize)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sourceTransport struct {
	gate    *Gate
	source  string
	timeout time.Duration
}

func (t *sourceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.gate.roundTrip(t.source, req, t.timeout)
}
