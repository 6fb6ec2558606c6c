// Package middleware provides the connection and abuse guards that sit
// in front of the stratum server: per-IP submission rate limits,
// connection caps, and a ban list fed by repeated proof failures.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the limiter registry. The map is reset wholesale
// once it grows past this, trading a momentary limit reset for bounded
// memory under an address-churning flood.
const maxTrackedIPs = 10000

// RateLimiter enforces a per-IP request rate with token buckets.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	logger   *slog.Logger
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// IP with the given burst headroom.
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[ip]
	if !ok {
		if len(rl.limiters) >= maxTrackedIPs {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[ip] = lim
	}
	return lim
}

// Allow reports whether a request from ip fits its rate budget.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.limiter(ip).Allow() {
		return true
	}
	rl.logger.Warn("Rate limit exceeded", "ip", ip)
	return false
}

// Wait blocks until a request from ip is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, ip string) error {
	return rl.limiter(ip).Wait(ctx)
}

// ConnectionLimiter caps concurrent connections per IP and in total.
type ConnectionLimiter struct {
	connections map[string]int
	maxPerIP    int
	maxTotal    int
	total       int
	mu          sync.Mutex
	logger      *slog.Logger
}

// NewConnectionLimiter creates a connection limiter.
func NewConnectionLimiter(maxPerIP, maxTotal int, logger *slog.Logger) *ConnectionLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
		logger:      logger,
	}
}

// Acquire tries to claim a connection slot for ip.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.total >= cl.maxTotal {
		cl.logger.Warn("Max total connections reached", "total", cl.total)
		return false
	}
	if cl.connections[ip] >= cl.maxPerIP {
		cl.logger.Warn("Max connections per IP reached", "ip", ip, "count", cl.connections[ip])
		return false
	}

	cl.connections[ip]++
	cl.total++
	return true
}

// Release returns a connection slot claimed by Acquire.
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		cl.total--
	}
	if cl.connections[ip] == 0 {
		delete(cl.connections, ip)
	}
}

// Stats returns the total connection count and the per-IP breakdown.
func (cl *ConnectionLimiter) Stats() (total int, byIP map[string]int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	byIP = make(map[string]int)
	for k, v := range cl.connections {
		byIP[k] = v
	}
	return cl.total, byIP
}

// IPBanList tracks banned IPs. Expired entries are swept on the next Ban.
type IPBanList struct {
	bans   map[string]*banEntry
	mu     sync.RWMutex
	logger *slog.Logger
}

type banEntry struct {
	reason    string
	bannedAt  time.Time
	expiresAt time.Time
	permanent bool
}

// NewIPBanList creates an empty ban list.
func NewIPBanList(logger *slog.Logger) *IPBanList {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPBanList{
		bans:   make(map[string]*banEntry),
		logger: logger,
	}
}

// Ban bans ip for the given duration. A zero duration bans permanently.
func (bl *IPBanList) Ban(ip, reason string, duration time.Duration) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	now := time.Now()
	for banned, entry := range bl.bans {
		if !entry.permanent && now.After(entry.expiresAt) {
			delete(bl.bans, banned)
		}
	}

	entry := &banEntry{reason: reason, bannedAt: now, permanent: duration == 0}
	if duration > 0 {
		entry.expiresAt = now.Add(duration)
	}
	bl.bans[ip] = entry
	bl.logger.Warn("IP banned", "ip", ip, "reason", reason, "duration", duration)
}

// Unban lifts a ban.
func (bl *IPBanList) Unban(ip string) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	delete(bl.bans, ip)
	bl.logger.Info("IP unbanned", "ip", ip)
}

// IsBanned reports whether ip is currently banned and why.
func (bl *IPBanList) IsBanned(ip string) (bool, string) {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	entry, ok := bl.bans[ip]
	if !ok {
		return false, ""
	}
	if !entry.permanent && time.Now().After(entry.expiresAt) {
		return false, ""
	}
	return true, entry.reason
}

// Active returns the number of bans currently in force.
func (bl *IPBanList) Active() int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	n := 0
	now := time.Now()
	for _, entry := range bl.bans {
		if entry.permanent || now.Before(entry.expiresAt) {
			n++
		}
	}
	return n
}

// ShareGuard bans IPs that fail proof validation too often inside a
// rolling window. Duplicates and stale-job rejections do not count;
// only work that fails verification does.
type ShareGuard struct {
	failures  map[string]*failureWindow
	threshold int
	window    time.Duration
	banFor    time.Duration
	banList   *IPBanList
	mu        sync.Mutex
	logger    *slog.Logger
}

type failureWindow struct {
	count   int
	resetAt time.Time
}

// NewShareGuard creates a guard that bans an IP for banFor after
// threshold proof failures inside window.
func NewShareGuard(threshold int, window, banFor time.Duration, banList *IPBanList, logger *slog.Logger) *ShareGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShareGuard{
		failures:  make(map[string]*failureWindow),
		threshold: threshold,
		window:    window,
		banFor:    banFor,
		banList:   banList,
		logger:    logger,
	}
}

// RecordFailure counts a proof failure from ip. Returns true when this
// failure tripped a ban.
func (g *ShareGuard) RecordFailure(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	w, ok := g.failures[ip]
	if !ok || now.After(w.resetAt) {
		w = &failureWindow{resetAt: now.Add(g.window)}
		g.failures[ip] = w
	}

	w.count++
	if w.count < g.threshold {
		return false
	}

	delete(g.failures, ip)
	g.banList.Ban(ip, "too many invalid shares", g.banFor)
	return true
}

// Reset clears the failure count for ip, typically after a valid share.
func (g *ShareGuard) Reset(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, ip)
}

// ClientIP strips the port from a host:port remote address.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ExtractIP returns the IP portion of a net.Addr.
func ExtractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return ClientIP(addr.String())
}
