package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/config"
	"chatrelay/internal/kv"
)

func testLimiter(t *testing.T, maxPerUser int64) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.RateConfig{
		AuthPerSecond: 3,
		AuthPerMinute: 60,
		AuthPerHour:   1000,
		AuthPerDay:    10000,
		BackoffBase:   2 * time.Second,
		BackoffMax:    300 * time.Second,
		BackoffReset:  600 * time.Second,
		ConnTTL:       24 * time.Hour,
	}
	return NewLimiter(kv.NewRedisStoreFromClient(client), cfg, maxPerUser, zerolog.Nop()), mr
}

func TestConnectionLimit(t *testing.T) {
	l, _ := testLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allow, _, err := l.CheckConnectionLimit(ctx, "c", "u", "1.2.3.4")
		if err != nil || !allow {
			t.Fatalf("connection %d: allow=%v err=%v", i, allow, err)
		}
		clientID := string(rune('a' + i))
		if err := l.IncrementConnectionCount(ctx, clientID, "u", "1.2.3.4"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	allow, reason, err := l.CheckConnectionLimit(ctx, "c", "u", "1.2.3.4")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allow {
		t.Fatal("third connection should be denied")
	}
	if reason != "Connection limit exceeded" {
		t.Errorf("reason = %q", reason)
	}
}

func TestReleaseConnectionIdempotent(t *testing.T) {
	l, _ := testLimiter(t, 5)
	ctx := context.Background()

	if err := l.IncrementConnectionCount(ctx, "c1", "u", "ip"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	// Release twice; the aggregate must only drop once and never go
	// negative.
	for i := 0; i < 2; i++ {
		if err := l.ReleaseConnection(ctx, "c1", "u", "ip"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	store := l.store
	if _, err := store.Get(ctx, connKey("u", "ip", "c1")); err == nil {
		t.Error("tuple counter should be deleted")
	}
	v, err := store.Get(ctx, connCountKey("u"))
	if err == nil && v != "0" {
		t.Errorf("aggregate = %q, want 0", v)
	}
}

func TestConnectReleaseNetZero(t *testing.T) {
	l, _ := testLimiter(t, 5)
	ctx := context.Background()

	ids := []string{"c1", "c2", "c3"}
	for _, id := range ids {
		if err := l.IncrementConnectionCount(ctx, id, "u", "ip"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	for _, id := range ids {
		if err := l.ReleaseConnection(ctx, id, "u", "ip"); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	v, err := l.store.Get(ctx, connCountKey("u"))
	if err == nil && v != "0" {
		t.Errorf("aggregate after full release = %q, want 0", v)
	}
}

func TestMessageLimitWindow(t *testing.T) {
	l, _ := testLimiter(t, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allow, _, err := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false)
		if err != nil || !allow {
			t.Fatalf("message %d: allow=%v err=%v", i, allow, err)
		}
		if err := l.IncrementMessageCount(ctx, "c", "u", "ip"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	allow, reason, err := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allow {
		t.Fatal("message over per-second cap should be denied")
	}
	if !strings.Contains(reason, "Please wait") {
		t.Errorf("reason = %q", reason)
	}
}

func TestSystemBypass(t *testing.T) {
	l, _ := testLimiter(t, 5)
	ctx := context.Background()

	// Saturate the per-second window, then drive the identity into
	// backoff.
	for i := 0; i < 3; i++ {
		if err := l.IncrementMessageCount(ctx, "c", "u", "ip"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if allow, _, _ := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false); allow {
		t.Fatal("expected denial")
	}

	allow, _, err := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, true)
	if err != nil || !allow {
		t.Fatalf("system message: allow=%v err=%v", allow, err)
	}
}

func TestBackoffDoubles(t *testing.T) {
	l, mr := testLimiter(t, 5)
	ctx := context.Background()
	identity := Identity("u", "ip", "c")

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		got, err := l.OnViolation(ctx, identity)
		if err != nil {
			t.Fatalf("violation %d: %v", i, err)
		}
		if got != w {
			t.Errorf("violation %d: backoff = %v, want %v", i+1, got, w)
		}
		// Let the backoff itself lapse but keep the violation streak.
		mr.FastForward(w)
	}
}

func TestBackoffCapped(t *testing.T) {
	l, _ := testLimiter(t, 5)
	if got := l.backoffFor(20); got != 300*time.Second {
		t.Errorf("backoff(20) = %v, want 300s", got)
	}
	if got := l.backoffFor(1); got != 2*time.Second {
		t.Errorf("backoff(1) = %v, want 2s", got)
	}
}

func TestBackoffDeniesUntilExpiry(t *testing.T) {
	l, mr := testLimiter(t, 5)
	ctx := context.Background()
	identity := Identity("u", "ip", "c")

	if _, err := l.OnViolation(ctx, identity); err != nil {
		t.Fatalf("violation: %v", err)
	}
	if remaining, err := l.BackoffRemaining(ctx, identity); err != nil || remaining <= 0 || remaining > 2*time.Second {
		t.Fatalf("remaining = %v, %v", remaining, err)
	}

	allow, reason, err := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allow {
		t.Fatal("active backoff should deny")
	}
	if !strings.Contains(reason, "Rate limit exceeded. Please wait") {
		t.Errorf("reason = %q", reason)
	}

	mr.FastForward(3 * time.Second)
	allow, _, err = l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false)
	if err != nil || !allow {
		t.Fatalf("after backoff expiry: allow=%v err=%v", allow, err)
	}
}

func TestBackoffRemainingCleanIdentity(t *testing.T) {
	l, mr := testLimiter(t, 5)
	ctx := context.Background()
	identity := Identity("u", "ip", "c")

	// No backoff key at all: remaining must be exactly zero, never a
	// negative sentinel leaking through from the store.
	remaining, err := l.BackoffRemaining(ctx, identity)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %v, want 0", remaining)
	}

	// Same after a backoff existed and expired.
	if _, err := l.OnViolation(ctx, identity); err != nil {
		t.Fatalf("violation: %v", err)
	}
	mr.FastForward(3 * time.Second)
	remaining, err = l.BackoffRemaining(ctx, identity)
	if err != nil || remaining != 0 {
		t.Errorf("remaining after expiry = %v, %v, want 0, nil", remaining, err)
	}
}

func TestViolationStreakResetsQuiet(t *testing.T) {
	l, mr := testLimiter(t, 5)
	ctx := context.Background()
	identity := Identity("u", "ip", "c")

	if _, err := l.OnViolation(ctx, identity); err != nil {
		t.Fatalf("violation: %v", err)
	}
	if _, err := l.OnViolation(ctx, identity); err != nil {
		t.Fatalf("violation: %v", err)
	}

	// Quiet for the full reset window returns the identity to clean:
	// the next violation starts again at BASE.
	mr.FastForward(601 * time.Second)
	got, err := l.OnViolation(ctx, identity)
	if err != nil {
		t.Fatalf("violation: %v", err)
	}
	if got != 2*time.Second {
		t.Errorf("backoff after quiet period = %v, want 2s", got)
	}
}

func TestAllowResetsViolations(t *testing.T) {
	l, mr := testLimiter(t, 5)
	ctx := context.Background()
	identity := Identity("u", "ip", "c")

	if _, err := l.OnViolation(ctx, identity); err != nil {
		t.Fatalf("violation: %v", err)
	}
	mr.FastForward(3 * time.Second)

	// A clean pass deletes the violation counter.
	if allow, _, err := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false); err != nil || !allow {
		t.Fatalf("allow=%v err=%v", allow, err)
	}
	if mr.Exists(violationsKey(identity)) {
		t.Error("violation counter should be reset on allow")
	}
}

func TestAnonymousLimits(t *testing.T) {
	l, _ := testLimiter(t, 5)

	anon := l.Limits(ClassAnonymous)
	if anon.PerSecond != 1 { // floor1(3/2)
		t.Errorf("anon PerSecond = %d, want 1", anon.PerSecond)
	}
	if anon.PerMinute != 15 {
		t.Errorf("anon PerMinute = %d, want 15", anon.PerMinute)
	}
	if anon.PerHour != 250 || anon.PerDay != 2500 {
		t.Errorf("anon = %+v", anon)
	}
}

func TestWindowExpiry(t *testing.T) {
	l, mr := testLimiter(t, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.IncrementMessageCount(ctx, "c", "u", "ip"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if allow, _, _ := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false); allow {
		t.Fatal("expected denial at cap")
	}

	// The denial armed a 2s backoff; the 1s window itself also expires.
	mr.FastForward(2 * time.Second)
	allow, _, err := l.CheckMessageLimit(ctx, "c", "u", "ip", ClassAuthenticated, false)
	if err != nil || !allow {
		t.Fatalf("after expiry: allow=%v err=%v", allow, err)
	}
}

func TestActiveViolations(t *testing.T) {
	l, _ := testLimiter(t, 5)
	ctx := context.Background()

	if _, err := l.OnViolation(ctx, "u1:ip:c1"); err != nil {
		t.Fatalf("violation: %v", err)
	}
	if _, err := l.OnViolation(ctx, "u1:ip:c1"); err != nil {
		t.Fatalf("violation: %v", err)
	}
	if _, err := l.OnViolation(ctx, "u2:ip:c2"); err != nil {
		t.Fatalf("violation: %v", err)
	}

	got, err := l.ActiveViolations(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got["u1:ip:c1"] != 2 || got["u2:ip:c2"] != 1 {
		t.Errorf("violations = %v", got)
	}
}

func TestViolationLog(t *testing.T) {
	l, _ := testLimiter(t, 5)
	ctx := context.Background()
	identity := Identity("u", "ip", "c")

	if entries, err := l.ViolationLog(ctx, identity); err != nil || len(entries) != 0 {
		t.Fatalf("empty log = %v, %v", entries, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.OnViolation(ctx, identity); err != nil {
			t.Fatalf("violation: %v", err)
		}
	}

	entries, err := l.ViolationLog(ctx, identity)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("log entries = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if _, err := time.Parse(time.RFC3339, e); err != nil {
			t.Errorf("entry %q: %v", e, err)
		}
	}
}

func TestKeyNamespace(t *testing.T) {
	if got, want := connKey("u", "ip", "c"), "ws:conn:u:ip:c"; got != want {
		t.Errorf("connKey = %q, want %q", got, want)
	}
	if got, want := connCountKey("u"), "ws:conn_count:u"; got != want {
		t.Errorf("connCountKey = %q, want %q", got, want)
	}
	if got, want := msgKey("u", "ip", "c", "second"), "ws:msg:u:ip:c:second"; got != want {
		t.Errorf("msgKey = %q, want %q", got, want)
	}
	if got, want := violationsKey("id"), "ws:violations:id"; got != want {
		t.Errorf("violationsKey = %q, want %q", got, want)
	}
	if got, want := backoffKey("id"), "ws:backoff:id"; got != want {
		t.Errorf("backoffKey = %q, want %q", got, want)
	}
}
