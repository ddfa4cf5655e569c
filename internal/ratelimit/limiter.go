// Package ratelimit implements a sliding-window request limiter. Each
// identifier owns an ordered list of hit timestamps (unix seconds); every
// operation first discards hits that have left the window.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

// Store persists hit lists. Update must run fn and persist its result as one
// atomic read-modify-write for key; two concurrent updates for the same key
// never interleave. Load reads without writing and returns nil for an unknown
// key.
type Store interface {
	Load(ctx context.Context, key string) ([]int64, error)
	Update(ctx context.Context, key string, fn func(hits []int64) []int64) ([]int64, error)
	Delete(ctx context.Context, key string) error
	// Cleanup drops every record last written before cutoff and returns how
	// many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// Config is the limiter policy.
type Config struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Validate rejects non-positive limits and windows shorter than a second.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Limit)
	}
	if c.Window < time.Second {
		return fmt.Errorf("rate limit window must be at least 1s, got %s", c.Window)
	}
	return nil
}

// Limiter applies Config over a Store.
type Limiter struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger logging.Logger
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Limiter) { l.logger = logging.OrNop(logger) }
}

// New builds a limiter.
func New(store Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limit store is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now, logger: logging.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the policy in effect.
func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) windowSeconds() int64 { return int64(l.cfg.Window / time.Second) }

func (l *Limiter) prune(hits []int64, now int64) []int64 {
	cutoff := now - l.windowSeconds()
	kept := hits[:0:0]
	for _, ts := range hits {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (l *Limiter) retryAfter(hits []int64, now int64) int {
	if len(hits) == 0 {
		return 0
	}
	oldest := hits[0]
	for _, ts := range hits[1:] {
		if ts < oldest {
			oldest = ts
		}
	}
	return int(max(0, oldest+l.windowSeconds()-now))
}

func (l *Limiter) remaining(hits []int64) int { return max(0, l.cfg.Limit-len(hits)) }

// Check admits or rejects one request for identifier. An admitted request is
// recorded as a hit in the same read-modify-write.
func (l *Limiter) Check(ctx context.Context, identifier string) (*Outcome, error) {
	now := l.now().Unix()
	var allowed bool
	hits, err := l.store.Update(ctx, identifier, func(hits []int64) []int64 {
		hits = l.prune(hits, now)
		allowed = len(hits) < l.cfg.Limit
		if allowed {
			hits = append(hits, now)
		}
		return hits
	})
	if err != nil {
		return nil, fmt.Errorf("check rate limit: %w", err)
	}
	out := &Outcome{
		Allowed:    allowed,
		Limit:      l.cfg.Limit,
		Remaining:  l.remaining(hits),
		RetryAfter: l.retryAfter(hits, now),
		Identifier: identifier,
		Window:     l.cfg.Window,
	}
	if !allowed {
		l.logger.Log(logging.LevelWarn, "rate limit exceeded",
			"identifier", identifier, "limit", l.cfg.Limit, "retry_after", out.RetryAfter)
	}
	return out, nil
}

func (l *Limiter) current(ctx context.Context, identifier string) ([]int64, int64, error) {
	now := l.now().Unix()
	hits, err := l.store.Load(ctx, identifier)
	if err != nil {
		return nil, now, fmt.Errorf("load rate limit: %w", err)
	}
	return l.prune(hits, now), now, nil
}

// IsAllowed reports whether a request would be admitted, without recording one.
func (l *Limiter) IsAllowed(ctx context.Context, identifier string) (bool, error) {
	hits, _, err := l.current(ctx, identifier)
	if err != nil {
		return false, err
	}
	return len(hits) < l.cfg.Limit, nil
}

// Hit records one request unconditionally.
func (l *Limiter) Hit(ctx context.Context, identifier string) error {
	now := l.now().Unix()
	_, err := l.store.Update(ctx, identifier, func(hits []int64) []int64 {
		return append(l.prune(hits, now), now)
	})
	if err != nil {
		return fmt.Errorf("record hit: %w", err)
	}
	return nil
}

// Remaining returns how many requests identifier may still make in the window.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	hits, _, err := l.current(ctx, identifier)
	if err != nil {
		return 0, err
	}
	return l.remaining(hits), nil
}

// RetryAfter returns the seconds until the oldest surviving hit expires, or
// zero when none are recorded.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string) (int, error) {
	hits, now, err := l.current(ctx, identifier)
	if err != nil {
		return 0, err
	}
	return l.retryAfter(hits, now), nil
}

// Reset forgets every hit for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.store.Delete(ctx, identifier); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

// Cleanup removes records untouched for twice the window.
func (l *Limiter) Cleanup(ctx context.Context) (int, error) {
	n, err := l.store.Cleanup(ctx, l.now().Add(-2*l.cfg.Window))
	if err != nil {
		return n, fmt.Errorf("clean up rate limits: %w", err)
	}
	l.logger.Log(logging.LevelInfo, "rate limit records cleaned", "removed", n)
	return n, nil
}

// Outcome is the result of Check.
type Outcome struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter int           `json:"retry_after"`
	Identifier string        `json:"identifier"`
	Window     time.Duration `json:"-"`
}

// Header names set from an Outcome.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

// Headers renders the outcome as HTTP response headers. Retry-After is only
// present when the request was rejected.
func (o *Outcome) Headers() map[string]string {
	h := map[string]string{
		HeaderLimit:     strconv.Itoa(o.Limit),
		HeaderRemaining: strconv.Itoa(max(0, o.Remaining)),
	}
	if !o.Allowed {
		h[HeaderRetryAfter] = strconv.Itoa(o.RetryAfter)
	}
	return h
}

// Err returns nil when allowed and an *ExceededError otherwise.
func (o *Outcome) Err() error {
	if o.Allowed {
		return nil
	}
	return &ExceededError{Identifier: o.Identifier, Limit: o.Limit, Window: o.Window, RetryAfter: o.RetryAfter}
}

// CodeExceeded is the numeric code of ExceededError.
const CodeExceeded = 1010

// ExceededError reports a rejected request.
type ExceededError struct {
	Identifier string
	Limit      int
	Window     time.Duration
	RetryAfter int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded. try again in %d seconds", e.RetryAfter)
}

// Code returns CodeExceeded.
func (e *ExceededError) Code() int { return CodeExceeded }

// hashKey maps an identifier onto a fixed-length, path-safe key.
func hashKey(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}
