package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeromicro/go-zero/core/logx"
)

const (
	maxBackoff = time.Hour
	// Header-driven adjustments smaller than this are suppressed.
	minAdjustDelta = 0.1
	// Fraction of the advertised quota we actually spend.
	headerRateSafety = 0.7
	// Multiplier applied to the endpoint rate after a 429.
	violationRateFactor = 0.1
)

var (
	waitSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_wait_seconds_total",
		Help: "Cumulative seconds spent waiting on the limiter.",
	}, []string{"limiter", "endpoint"})
	violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_violations_total",
		Help: "429 responses observed per endpoint.",
	}, []string{"limiter", "endpoint"})
)

// endpointState tracks pacing for a single endpoint.
type endpointState struct {
	Rate               float64    `msgpack:"rate"`
	LastRequest        time.Time  `msgpack:"last_request"`
	RateLimitRemaining *int       `msgpack:"rate_limit_remaining"`
	RateLimitReset     *time.Time `msgpack:"rate_limit_reset"`
	Violations         int        `msgpack:"violations"`
	BackoffUntil       *time.Time `msgpack:"backoff_until"`
	RequestsMade       int64      `msgpack:"requests_made"`
}

// Stats is a point-in-time snapshot of limiter activity.
type Stats struct {
	Name             string
	TotalRequests    int64
	TotalViolations  int64
	TotalWaitTime    time.Duration
	RateAdjustments  int64
	EndpointsTracked int
	Rates            map[string]float64
}

// Limiter paces outbound requests per endpoint, adapting to response headers
// and 429 back-pressure. All methods are safe for concurrent use.
type Limiter struct {
	cfg *Config

	mu        sync.Mutex
	endpoints map[string]*endpointState

	totalRequests   int64
	totalViolations int64
	totalWait       time.Duration
	rateAdjustments int64

	// test seams; defaults wired in NewLimiter
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter constructs a limiter from config. A nil config uses defaults.
func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{Name: "default", DefaultRate: 10, MaxRate: 100, MinRate: 0.1, WindowSize: 60, MirrorTTLSeconds: 3600}
	}
	return &Limiter{
		cfg:       cfg,
		endpoints: make(map[string]*endpointState),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

func (l *Limiter) state(endpoint string) *endpointState {
	ep, ok := l.endpoints[endpoint]
	if !ok {
		ep = &endpointState{Rate: l.cfg.DefaultRate}
		l.endpoints[endpoint] = ep
	}
	return ep
}

// Wait blocks until the next request to endpoint is permitted, honouring
// backoff windows, advertised quota exhaustion and the per-endpoint pace.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	for {
		l.mu.Lock()
		ep := l.state(endpoint)
		now := l.now()

		// Backoff window from a 429 or Retry-After.
		if ep.BackoffUntil != nil && now.Before(*ep.BackoffUntil) {
			d := ep.BackoffUntil.Sub(now)
			ep.BackoffUntil = nil
			l.totalWait += d
			l.mu.Unlock()
			logx.Infof("ratelimit: %s backoff endpoint=%s wait=%s", l.cfg.Name, endpoint, d)
			waitSeconds.WithLabelValues(l.cfg.Name, endpoint).Add(d.Seconds())
			if err := l.sleep(ctx, d); err != nil {
				return err
			}
			continue
		}

		// Advertised reset has passed: forget the stale quota view.
		if ep.RateLimitReset != nil && !now.Before(*ep.RateLimitReset) {
			ep.RateLimitReset = nil
			ep.RateLimitRemaining = nil
		}

		// Quota exhausted: hold until the advertised reset.
		if ep.RateLimitRemaining != nil && *ep.RateLimitRemaining <= 0 && ep.RateLimitReset != nil {
			d := ep.RateLimitReset.Sub(now)
			if d > 0 {
				l.totalWait += d
				l.mu.Unlock()
				logx.Infof("ratelimit: %s quota exhausted endpoint=%s wait=%s", l.cfg.Name, endpoint, d)
				waitSeconds.WithLabelValues(l.cfg.Name, endpoint).Add(d.Seconds())
				if err := l.sleep(ctx, d); err != nil {
					return err
				}
				continue
			}
		}

		// Steady-state pacing.
		if !ep.LastRequest.IsZero() && ep.Rate > 0 {
			minInterval := time.Duration(float64(time.Second) / ep.Rate)
			elapsed := now.Sub(ep.LastRequest)
			if elapsed < minInterval {
				d := minInterval - elapsed
				l.totalWait += d
				l.mu.Unlock()
				waitSeconds.WithLabelValues(l.cfg.Name, endpoint).Add(d.Seconds())
				if err := l.sleep(ctx, d); err != nil {
					return err
				}
				continue
			}
		}

		ep.LastRequest = l.now()
		ep.RequestsMade++
		l.totalRequests++
		l.mu.Unlock()
		return nil
	}
}

// ParseHeaders ingests rate-limit response headers for endpoint. Both
// X-RateLimit-* and RateLimit-* spellings are accepted; Retry-After may be
// integer seconds or an HTTP date.
func (l *Limiter) ParseHeaders(endpoint string, headers http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep := l.state(endpoint)
	now := l.now()

	remaining, remOK := headerInt(headers, "X-RateLimit-Remaining", "RateLimit-Remaining")
	limit, limOK := headerInt(headers, "X-RateLimit-Limit", "RateLimit-Limit")
	if remOK {
		r := remaining
		ep.RateLimitRemaining = &r
	}
	if reset, ok := headerInt(headers, "X-RateLimit-Reset", "RateLimit-Reset"); ok && reset > 0 {
		// Unix timestamps vs delta-seconds: anything within a day is a delta.
		var at time.Time
		if int64(reset) > now.Unix()-86400 && int64(reset) < now.Unix()+86400*365 {
			at = time.Unix(int64(reset), 0).UTC()
		} else {
			at = now.Add(time.Duration(reset) * time.Second)
		}
		ep.RateLimitReset = &at
	}

	// Re-pace against the remaining quota, spending 70% of it evenly.
	if remOK && limOK && limit > 0 && ep.RateLimitReset != nil {
		window := ep.RateLimitReset.Sub(now).Seconds()
		if window > 0 {
			optimal := float64(remaining) / window * headerRateSafety
			newRate := clampRate(optimal, l.cfg.MinRate, l.cfg.MaxRate)
			if math.Abs(newRate-ep.Rate) > minAdjustDelta {
				old := ep.Rate
				ep.Rate = newRate
				l.rateAdjustments++
				logx.Infof("ratelimit: %s header adjust endpoint=%s old=%.2f new=%.2f remaining=%d limit=%d", l.cfg.Name, endpoint, old, newRate, remaining, limit)
			}
		}
	}

	if ra := firstHeader(headers, "Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			at := now.Add(time.Duration(secs) * time.Second)
			ep.BackoffUntil = &at
		} else if when, err := http.ParseTime(ra); err == nil {
			at := when.UTC()
			ep.BackoffUntil = &at
		} else {
			logx.Slowf("ratelimit: %s unparseable Retry-After endpoint=%s value=%q", l.cfg.Name, endpoint, ra)
		}
	}
}

// Record429 registers a rate-limit violation. retryAfter <= 0 means the
// server gave no explicit cooldown and exponential backoff applies.
func (l *Limiter) Record429(endpoint string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep := l.state(endpoint)
	ep.Violations++
	l.totalViolations++
	violationsTotal.WithLabelValues(l.cfg.Name, endpoint).Inc()

	backoff := retryAfter
	if backoff <= 0 {
		secs := math.Min(math.Pow(2, float64(ep.Violations)), maxBackoff.Seconds())
		backoff = time.Duration(secs * float64(time.Second))
	}
	at := l.now().Add(backoff)
	ep.BackoffUntil = &at

	ep.Rate = clampRate(ep.Rate*violationRateFactor, l.cfg.MinRate, l.cfg.MaxRate)
	logx.Errorf("ratelimit: %s violation endpoint=%s count=%d backoff=%s rate=%.2f", l.cfg.Name, endpoint, ep.Violations, backoff, ep.Rate)
}

// AdjustRate scales the endpoint rate by factor, clamped to configured bounds.
func (l *Limiter) AdjustRate(endpoint string, factor float64) {
	if factor <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ep := l.state(endpoint)
	old := ep.Rate
	ep.Rate = clampRate(ep.Rate*factor, l.cfg.MinRate, l.cfg.MaxRate)
	if ep.Rate != old {
		l.rateAdjustments++
		logx.Infof("ratelimit: %s manual adjust endpoint=%s factor=%.2f old=%.2f new=%.2f", l.cfg.Name, endpoint, factor, old, ep.Rate)
	}
}

// CurrentRate reports the pacing rate for endpoint in requests per second.
func (l *Limiter) CurrentRate(endpoint string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(endpoint).Rate
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Name:             l.cfg.Name,
		TotalRequests:    l.totalRequests,
		TotalViolations:  l.totalViolations,
		TotalWaitTime:    l.totalWait,
		RateAdjustments:  l.rateAdjustments,
		EndpointsTracked: len(l.endpoints),
		Rates:            make(map[string]float64, len(l.endpoints)),
	}
	for name, ep := range l.endpoints {
		s.Rates[name] = ep.Rate
	}
	return s
}

func clampRate(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func headerInt(h http.Header, names ...string) (int, bool) {
	for _, n := range names {
		if v := firstHeader(h, n); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func firstHeader(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	return ""
}
