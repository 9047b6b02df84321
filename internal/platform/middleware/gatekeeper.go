package middleware

import (
	"hash/fnv"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medvoice/medvoice/internal/platform/telemetry"
)

// Decision is the outcome of a gatekeeper admission check.
type Decision int

const (
	// DecisionAllow admits the request.
	DecisionAllow Decision = iota
	// DecisionRateLimited denies the request because the client exceeded its
	// sliding-window budget. The client may retry after the window moves.
	DecisionRateLimited
	// DecisionBlocked denies the request because the client is on the
	// blocklist. Blocklist membership survives window expiry and is removed
	// only by an explicit Unblock.
	DecisionBlocked
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionRateLimited:
		return "rate_limited"
	case DecisionBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// GatekeeperConfig holds admission-control settings.
type GatekeeperConfig struct {
	// Limit is the maximum number of admitted requests per client per window.
	Limit int
	// Window is the sliding-window duration.
	Window time.Duration
}

// DefaultGatekeeperConfig returns the default admission settings: 100
// requests per client per 15-minute sliding window.
func DefaultGatekeeperConfig() GatekeeperConfig {
	return GatekeeperConfig{
		Limit:  100,
		Window: 15 * time.Minute,
	}
}

// clientWindow tracks one client's request timestamps within the active
// window. All fields are guarded by mu so that two simultaneous requests
// from the same client are both counted, never lost to a race.
type clientWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	blocked    bool
}

const gatekeeperShards = 32

// shard partitions the window map by client key so unrelated clients never
// contend on the same lock.
type shard struct {
	mu      sync.RWMutex
	clients map[string]*clientWindow
}

// Gatekeeper is the request-admission service: a per-client sliding-window
// rate limiter with a persistent blocklist. It is an explicit, injectable
// object rather than a process-wide singleton so tests can use a fresh
// instance.
type Gatekeeper struct {
	cfg    GatekeeperConfig
	shards [gatekeeperShards]*shard
	now    func() time.Time // swappable for tests
}

// NewGatekeeper creates a Gatekeeper with the given configuration.
func NewGatekeeper(cfg GatekeeperConfig) *Gatekeeper {
	g := &Gatekeeper{cfg: cfg, now: time.Now}
	for i := range g.shards {
		g.shards[i] = &shard{clients: make(map[string]*clientWindow)}
	}
	return g
}

func (g *Gatekeeper) shardFor(clientID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return g.shards[h.Sum32()%gatekeeperShards]
}

func (g *Gatekeeper) window(clientID string) *clientWindow {
	s := g.shardFor(clientID)

	s.mu.RLock()
	w, ok := s.clients[clientID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if w, ok := s.clients[clientID]; ok {
		return w
	}
	w = &clientWindow{}
	s.clients[clientID] = w
	return w
}

// Admit evaluates one request from clientID against the sliding window.
//
// The blocklist check happens before any window arithmetic: a blocklisted
// client is always denied regardless of window state. Otherwise entries
// older than the window are pruned lazily, the current timestamp is recorded
// for every evaluated request, and the pre-append count decides the outcome.
// A client whose evaluated request count within the window exceeds twice the
// limit is promoted to the blocklist.
func (g *Gatekeeper) Admit(clientID string) Decision {
	w := g.window(clientID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.blocked {
		return DecisionBlocked
	}

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)

	// Prune entries that fell out of the window. Timestamps are appended in
	// order, so the live suffix starts at the first entry >= cutoff.
	live := 0
	for live < len(w.timestamps) && w.timestamps[live].Before(cutoff) {
		live++
	}
	if live > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[live:]...)
	}

	count := len(w.timestamps)
	w.timestamps = append(w.timestamps, now)

	if count >= g.cfg.Limit {
		if count+1 > g.cfg.Limit*2 {
			w.blocked = true
		}
		return DecisionRateLimited
	}

	return DecisionAllow
}

// IsBlocked reports whether clientID is currently on the blocklist.
func (g *Gatekeeper) IsBlocked(clientID string) bool {
	w := g.window(clientID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blocked
}

// Block adds clientID to the blocklist.
func (g *Gatekeeper) Block(clientID string) {
	w := g.window(clientID)
	w.mu.Lock()
	w.blocked = true
	w.mu.Unlock()
}

// Unblock removes clientID from the blocklist and clears its window. This is
// the only way a blocklisted client regains access.
func (g *Gatekeeper) Unblock(clientID string) {
	w := g.window(clientID)
	w.mu.Lock()
	w.blocked = false
	w.timestamps = w.timestamps[:0]
	w.mu.Unlock()
}

// RetryAfter returns the wait in seconds until the oldest window entry for
// clientID expires, minimum 1. Callers use it for the Retry-After header.
func (g *Gatekeeper) RetryAfter(clientID string) int {
	w := g.window(clientID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.timestamps) == 0 {
		return 1
	}
	d := time.Until(w.timestamps[0].Add(g.cfg.Window))
	s := int(d.Seconds())
	if s < 1 {
		return 1
	}
	return s
}

// GatekeeperMiddleware returns Echo middleware that runs the admission check
// before any handler executes. Every processed request's outcome, status,
// and latency are recorded as observability metrics regardless of the
// decision; the audit trail is separate and written by the pipeline.
func GatekeeperMiddleware(g *Gatekeeper, metrics *telemetry.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			clientID := c.RealIP()

			decision := g.Admit(clientID)
			switch decision {
			case DecisionBlocked:
				metrics.RecordRequest(decision.String(), http.StatusForbidden, time.Since(start))
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":   "Access denied",
					"message": "Your request has been blocked.",
				})
			case DecisionRateLimited:
				retryAfter := g.RetryAfter(clientID)
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(g.cfg.Limit))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				metrics.RecordRequest(decision.String(), http.StatusTooManyRequests, time.Since(start))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "Rate limit exceeded",
					"message":     "Too many requests. Please try again later.",
					"retry_after": retryAfter,
				})
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(g.cfg.Limit))

			err := next(c)
			metrics.RecordRequest(decision.String(), c.Response().Status, time.Since(start))
			return err
		}
	}
}
