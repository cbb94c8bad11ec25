// Package ratelimit provides per-client rate limiting middleware using a
// token bucket, matching the RPC-side rate limiting the chain client
// applies to outbound calls (spec.md 4.1) at the inbound HTTP edge.
package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/paybridge/facilitator/internal/middleware/realip"
)

// Config controls the per-key token bucket.
type Config struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	CleanupMinutes int
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per (client IP, settlement network)
// pair. Bucketing by network as well as IP keeps one caller flooding a
// single chain's settlement signer and nonce manager from exhausting
// the bucket every other network the facilitator serves shares.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

// New builds a Limiter and starts its stale-entry cleanup loop.
func New(cfg Config) *Limiter {
	cleanup := time.Duration(cfg.CleanupMinutes) * time.Minute
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	l := &Limiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:    cfg.BurstSize,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.cleanup)
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.limiters[key]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	entry := &ipLimiter{limiter: rate.NewLimiter(l.rate, l.burst), lastSeen: time.Now()}
	l.limiters[key] = entry
	return entry.limiter
}

var exemptPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// peekedBody is the subset of a /verify or /settle request body needed
// to key the limiter by settlement network.
type peekedBody struct {
	PaymentRequirements struct {
		Network string `json:"network"`
	} `json:"paymentRequirements"`
}

// settlementNetwork peeks a POST body for paymentRequirements.network
// without consuming it for the downstream handler: it reads the full
// body, then replaces r.Body with a fresh reader over the same bytes.
// Returns "" if the body isn't JSON shaped like a verify/settle
// request, in which case the caller falls back to keying by IP alone.
func settlementNetwork(r *http.Request) string {
	if r.Body == nil || r.Method != http.MethodPost {
		return ""
	}
	raw, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	var body peekedBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.PaymentRequirements.Network
}

// Middleware wraps a Limiter as HTTP middleware.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := realip.FromContext(r)
			if network := settlementNetwork(r); network != "" {
				key = key + "|" + network
			}
			if !l.get(key).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": "RATE_LIMIT_EXCEEDED", "message": "too many requests"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Middleware builds a Limiter from cfg and returns its HTTP middleware,
// or a no-op passthrough when disabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return New(cfg).Middleware()
}
