package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupGuard(t *testing.T, perMinute int) (*Guard, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewGuard(GuardConfig{RateLimitPerMinute: perMinute}, clock.now), clock
}

func TestCheckSend_PassesClean(t *testing.T) {
	g, _ := setupGuard(t, 5)
	if err := g.CheckSend("client-a"); err != nil {
		t.Fatalf("CheckSend should pass: %v", err)
	}
}

func TestCheckRateLimit_BurstThenRefuse(t *testing.T) {
	g, _ := setupGuard(t, 5)
	for i := 0; i < 5; i++ {
		if err := g.CheckRateLimit("client-a"); err != nil {
			t.Fatalf("call %d should pass: %v", i, err)
		}
	}
	if err := g.CheckRateLimit("client-a"); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
}

func TestCheckRateLimit_PerClient(t *testing.T) {
	g, _ := setupGuard(t, 1)
	if err := g.CheckRateLimit("client-a"); err != nil {
		t.Fatalf("first call for a: %v", err)
	}
	if err := g.CheckRateLimit("client-b"); err != nil {
		t.Fatalf("b must not share a's bucket: %v", err)
	}
	if err := g.CheckRateLimit("client-a"); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded for a, got %v", err)
	}
}

func TestCheckRateLimit_Refills(t *testing.T) {
	g, clock := setupGuard(t, 2)
	g.CheckRateLimit("client-a")
	g.CheckRateLimit("client-a")
	if err := g.CheckRateLimit("client-a"); err == nil {
		t.Fatal("expected bucket to be empty")
	}
	clock.advance(30 * time.Second)
	if err := g.CheckRateLimit("client-a"); err != nil {
		t.Fatalf("one token should have refilled: %v", err)
	}
}

func TestCheckRateLimit_Disabled(t *testing.T) {
	g, _ := setupGuard(t, 0)
	for i := 0; i < 100; i++ {
		if err := g.CheckRateLimit("client-a"); err != nil {
			t.Fatalf("disabled limit refused call %d: %v", i, err)
		}
	}
}

func TestSoftShutdown_BlocksSendOnly(t *testing.T) {
	g, _ := setupGuard(t, 10)
	g.SetSoftShutdown(true)

	if err := g.CheckSend("client-a"); !errors.Is(err, domain.ErrSoftShutdown) {
		t.Fatalf("expected ErrSoftShutdown, got %v", err)
	}
	if err := g.CheckReceive("client-a"); err != nil {
		t.Fatalf("receive must keep working in soft shutdown: %v", err)
	}

	g.SetSoftShutdown(false)
	if err := g.CheckSend("client-a"); err != nil {
		t.Fatalf("CheckSend after leaving soft shutdown: %v", err)
	}
}

func TestNewGuard_InitialSoftShutdown(t *testing.T) {
	g := NewGuard(GuardConfig{SoftShutdown: true}, nil)
	if !g.SoftShutdown() {
		t.Fatal("expected soft shutdown from config")
	}
}

func TestEvictIdle_DropsOnlyIdleClients(t *testing.T) {
	g, clock := setupGuard(t, 5)
	g.CheckRateLimit("client-a")
	clock.advance(30 * time.Second)
	g.CheckRateLimit("client-b")

	clock.advance(30 * time.Second)
	if n := g.EvictIdle(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if g.Clients() != 1 {
		t.Fatalf("expected client-b to stay tracked, have %d clients", g.Clients())
	}

	clock.advance(time.Minute)
	g.EvictIdle()
	if g.Clients() != 0 {
		t.Fatalf("expected no clients left, have %d", g.Clients())
	}
}

func TestEvictIdle_ManyKeysDoNotAccumulate(t *testing.T) {
	g, clock := setupGuard(t, 5)
	for i := 0; i < 1000; i++ {
		g.CheckRateLimit(fmt.Sprintf("key-%d", i))
	}
	clock.advance(time.Minute)
	g.EvictIdle()
	if g.Clients() != 0 {
		t.Fatalf("expected all one-shot keys evicted, have %d", g.Clients())
	}
}

func TestEvictIdle_KeepsLimitAcrossActiveUse(t *testing.T) {
	g, clock := setupGuard(t, 1)
	if err := g.CheckRateLimit("client-a"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	clock.advance(10 * time.Second)
	g.EvictIdle()
	if err := g.CheckRateLimit("client-a"); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("eviction must not reset an active bucket, got %v", err)
	}
}

func TestGuardRun_StopsOnStop(t *testing.T) {
	g := NewGuard(GuardConfig{RateLimitPerMinute: 1, EvictIntervalSec: 1}, nil)
	done := make(chan struct{})
	go func() {
		g.Run(context.Background())
		close(done)
	}()
	g.Stop()
	g.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
