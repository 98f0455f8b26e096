package server

import (
	"cmp"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// mutatingProcedures change recorder state and share one bucket per client.
// Detach can hold a request for the whole stop sequence.
var mutatingProcedures = map[string]bool{
	SetWriterProcedure: true,
	AttachProcedure:    true,
	DetachProcedure:    true,
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimits holds one token bucket per client address.
type clientLimits struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newClientLimits(r rate.Limit, burst int) *clientLimits {
	return &clientLimits{rate: r, burst: burst, buckets: make(map[string]*bucket)}
}

// allow takes a token from client's bucket.
func (c *clientLimits) allow(client string, now time.Time) bool {
	c.mu.Lock()
	b, ok := c.buckets[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(c.rate, c.burst)}
		c.buckets[client] = b
	}
	b.lastSeen = now
	c.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// evict drops buckets idle since before cutoff and returns how many went.
func (c *clientLimits) evict(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for client, b := range c.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(c.buckets, client)
			n++
		}
	}
	return n
}

func (c *clientLimits) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// clientKey is the host part of the remote address. Unix socket peers
// ("" or "@") share the "local" bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "local"
	}
	return cmp.Or(host, "local")
}

// wireError is the JSON body of a Connect error response.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// rateLimitMiddleware answers 429 with a Connect resource_exhausted error
// when a client exceeds its budget for mutating procedures. Read-only
// procedures and probes are never limited.
func rateLimitMiddleware(limits *clientLimits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutatingProcedures[r.URL.Path] || limits.allow(clientKey(r), time.Now()) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(wireError{
				Code:    "resource_exhausted",
				Message: "too many requests, try again later",
			})
		})
	}
}
