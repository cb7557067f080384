package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/etsangsplk/concent/internal/domain"
)

// GuardConfig holds the rate limit and the initial soft shutdown mode.
type GuardConfig struct {
	RateLimitPerMinute int
	SoftShutdown       bool
	// EvictIntervalSec is how often Run drops idle client limiters.
	EvictIntervalSec int
}

// idleAfter is how long a limiter must go unused before it is dropped. A
// bucket refills completely within a minute, so a new one is equivalent.
const idleAfter = time.Minute

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Guard coordinates the checks run before a client request reaches a handler.
type Guard struct {
	Config GuardConfig

	now          func() time.Time
	softShutdown atomic.Bool

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewGuard creates a Guard. A nil now uses time.Now.
func NewGuard(cfg GuardConfig, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	if cfg.EvictIntervalSec == 0 {
		cfg.EvictIntervalSec = 60
	}
	g := &Guard{
		Config:   cfg,
		now:      now,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}
	g.softShutdown.Store(cfg.SoftShutdown)
	return g
}

// CheckSend runs the checks for a message submission: soft shutdown first,
// then the client's rate limit.
func (g *Guard) CheckSend(clientKey string) error {
	if err := g.CheckSoftShutdown(); err != nil {
		return err
	}
	return g.CheckRateLimit(clientKey)
}

// CheckReceive runs the checks for a poll. Polls keep working during soft
// shutdown so clients can drain their responses.
func (g *Guard) CheckReceive(clientKey string) error {
	return g.CheckRateLimit(clientKey)
}

// CheckSoftShutdown returns ErrSoftShutdown while the mode is on.
func (g *Guard) CheckSoftShutdown() error {
	if g.softShutdown.Load() {
		return domain.ErrSoftShutdown
	}
	return nil
}

// SetSoftShutdown switches soft shutdown mode.
func (g *Guard) SetSoftShutdown(on bool) {
	g.softShutdown.Store(on)
}

// SoftShutdown reports whether soft shutdown mode is on.
func (g *Guard) SoftShutdown() bool {
	return g.softShutdown.Load()
}

// CheckRateLimit enforces a per-client token bucket refilled at
// RateLimitPerMinute per minute, with a burst of the same size. A
// non-positive limit disables the check.
func (g *Guard) CheckRateLimit(clientKey string) error {
	if g.Config.RateLimitPerMinute <= 0 {
		return nil
	}

	now := g.now()
	g.mu.Lock()
	cl, ok := g.limiters[clientKey]
	if !ok {
		perMinute := g.Config.RateLimitPerMinute
		cl = &clientLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		g.limiters[clientKey] = cl
	}
	cl.lastSeen = now
	allowed := cl.lim.AllowN(now, 1)
	g.mu.Unlock()

	if !allowed {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

// EvictIdle drops limiters unused for at least a minute and returns how
// many were dropped.
func (g *Guard) EvictIdle() int {
	cutoff := g.now().Add(-idleAfter)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, cl := range g.limiters {
		if !cl.lastSeen.After(cutoff) {
			delete(g.limiters, key)
			n++
		}
	}
	return n
}

// Clients returns the number of tracked client limiters.
func (g *Guard) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}

// Run evicts idle limiters every EvictIntervalSec until ctx is cancelled or
// Stop is called.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(g.Config.EvictIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.EvictIdle(); n > 0 {
				log.WithField("evicted", n).Debug("Idle rate limiters dropped")
			}
		}
	}
}

// Stop signals Run to return. Safe to call multiple times.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}
