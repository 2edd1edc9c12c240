// Package ratelimit enforces the gateway's connection and message budgets
// through the shared key-value store, so the limits hold across replicas.
// Message accounting runs over four fixed windows (second, minute, hour,
// day); repeated violations trigger an exponentially growing backoff.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/config"
	"chatrelay/internal/kv"
)

// Class selects which cap table applies to an identity.
type Class int

const (
	ClassAuthenticated Class = iota
	ClassAnonymous
)

// Window is one accounting interval for message counters.
type Window struct {
	Name string
	TTL  time.Duration
}

// Windows are ordered narrowest first; the first exceeded window is the one
// reported to the client.
var Windows = []Window{
	{Name: "second", TTL: time.Second},
	{Name: "minute", TTL: time.Minute},
	{Name: "hour", TTL: time.Hour},
	{Name: "day", TTL: 24 * time.Hour},
}

// ClassLimits holds the inclusive caps per window (count >= cap denies).
type ClassLimits struct {
	PerSecond int64
	PerMinute int64
	PerHour   int64
	PerDay    int64
}

func (l ClassLimits) capFor(window string) int64 {
	switch window {
	case "second":
		return l.PerSecond
	case "minute":
		return l.PerMinute
	case "hour":
		return l.PerHour
	case "day":
		return l.PerDay
	default:
		return 0
	}
}

// ErrStoreUnavailable signals that the key-value store could not answer and
// fail-open is disabled.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

const releaseRetries = 3

// Limiter is the multi-window rate limiter. Safe for concurrent use; all
// state lives in the store.
type Limiter struct {
	store     kv.Store
	cfg       config.RateConfig
	maxPerUsr int64
	auth      ClassLimits
	anon      ClassLimits
	log       zerolog.Logger
}

func NewLimiter(store kv.Store, cfg config.RateConfig, maxPerUser int64, log zerolog.Logger) *Limiter {
	auth := ClassLimits{
		PerSecond: cfg.AuthPerSecond,
		PerMinute: cfg.AuthPerMinute,
		PerHour:   cfg.AuthPerHour,
		PerDay:    cfg.AuthPerDay,
	}
	return &Limiter{
		store:     store,
		cfg:       cfg,
		maxPerUsr: maxPerUser,
		auth:      auth,
		anon:      anonymousLimits(auth),
		log:       log.With().Str("component", "ratelimit").Logger(),
	}
}

// anonymousLimits derives the anonymous cap table: half the per-second cap,
// a quarter of the wider windows, floored at one.
func anonymousLimits(auth ClassLimits) ClassLimits {
	floor1 := func(n int64) int64 {
		if n < 1 {
			return 1
		}
		return n
	}
	return ClassLimits{
		PerSecond: floor1(auth.PerSecond / 2),
		PerMinute: floor1(auth.PerMinute / 4),
		PerHour:   floor1(auth.PerHour / 4),
		PerDay:    floor1(auth.PerDay / 4),
	}
}

// Limits returns the cap table for a class.
func (l *Limiter) Limits(class Class) ClassLimits {
	if class == ClassAnonymous {
		return l.anon
	}
	return l.auth
}

// CheckConnectionLimit reports whether a new connection for the tuple may be
// admitted. Denial reasons are client-facing.
func (l *Limiter) CheckConnectionLimit(ctx context.Context, clientID, userID, ip string) (bool, string, error) {
	userCount, err := l.counter(ctx, connCountKey(userID))
	if err != nil {
		return l.degrade(err, "connection check")
	}
	if userCount >= l.maxPerUsr {
		return false, "Connection limit exceeded", nil
	}

	tupleCount, err := l.counter(ctx, connKey(userID, ip, clientID))
	if err != nil {
		return l.degrade(err, "connection check")
	}
	if tupleCount >= l.maxPerUsr {
		return false, "Connection limit exceeded", nil
	}
	return true, "", nil
}

// IncrementConnectionCount records an admitted connection: the per-user
// aggregate and the per-tuple counter both go up atomically, each with a
// leak-guard TTL.
func (l *Limiter) IncrementConnectionCount(ctx context.Context, clientID, userID, ip string) error {
	userKey := connCountKey(userID)
	tupleKey := connKey(userID, ip, clientID)

	err := kv.RetryWatch(ctx, l.store, releaseRetries, func(tx kv.Tx) error {
		return tx.Exec(ctx, func(p kv.Pipeline) error {
			p.Incr(userKey)
			p.Expire(userKey, l.cfg.ConnTTL)
			p.Incr(tupleKey)
			p.Expire(tupleKey, l.cfg.ConnTTL)
			return nil
		})
	}, userKey, tupleKey)
	if err != nil {
		return fmt.Errorf("increment connection count: %w", err)
	}
	return nil
}

// ReleaseConnection undoes IncrementConnectionCount. Idempotent: once the
// per-tuple counter is gone, further calls are no-ops, and the aggregate
// never goes below zero.
func (l *Limiter) ReleaseConnection(ctx context.Context, clientID, userID, ip string) error {
	userKey := connCountKey(userID)
	tupleKey := connKey(userID, ip, clientID)

	err := kv.RetryWatch(ctx, l.store, releaseRetries, func(tx kv.Tx) error {
		if _, err := tx.Get(ctx, tupleKey); errors.Is(err, kv.ErrNil) {
			return nil // already released
		} else if err != nil {
			return err
		}

		current := int64(0)
		if v, err := tx.Get(ctx, userKey); err == nil {
			current, _ = strconv.ParseInt(v, 10, 64)
		} else if !errors.Is(err, kv.ErrNil) {
			return err
		}

		return tx.Exec(ctx, func(p kv.Pipeline) error {
			if current > 0 {
				p.Decr(userKey)
			}
			p.Delete(tupleKey)
			return nil
		})
	}, userKey, tupleKey)
	if err != nil {
		return fmt.Errorf("release connection: %w", err)
	}
	return nil
}

// CheckMessageLimit reports whether a message from the identity may be
// processed. System messages bypass the limiter entirely. An active backoff
// denies with the remaining wait; otherwise the four window counters are
// checked narrowest first, and the first exceeded window records a violation
// and starts (or extends) the backoff.
func (l *Limiter) CheckMessageLimit(ctx context.Context, clientID, userID, ip string, class Class, isSystem bool) (bool, string, error) {
	if isSystem {
		return true, "", nil
	}

	identity := Identity(userID, ip, clientID)

	remaining, err := l.store.TTL(ctx, backoffKey(identity))
	if err != nil && !errors.Is(err, kv.ErrNil) {
		return l.degrade(err, "backoff check")
	}
	if err == nil && remaining > 0 {
		return false, waitReason(remaining), nil
	}

	limits := l.Limits(class)
	for _, w := range Windows {
		count, err := l.counter(ctx, msgKey(userID, ip, clientID, w.Name))
		if err != nil {
			return l.degrade(err, "window check")
		}
		if count >= limits.capFor(w.Name) {
			backoff, verr := l.OnViolation(ctx, identity)
			if verr != nil {
				l.log.Error().Err(verr).Str("identity", identity).Msg("recording violation failed")
				backoff = l.cfg.BackoffBase
			}
			l.log.Warn().
				Str("identity", identity).
				Str("window", w.Name).
				Int64("count", count).
				Dur("backoff", backoff).
				Msg("message rate limit exceeded")
			return false, waitReason(backoff), nil
		}
	}

	// A clean pass ends any violation streak.
	if err := l.store.Delete(ctx, violationsKey(identity)); err != nil {
		l.log.Warn().Err(err).Str("identity", identity).Msg("violation reset failed")
	}
	return true, "", nil
}

// IncrementMessageCount bumps every window counter for the identity and arms
// the window TTLs. Message windows are never decremented; expiry is the only
// reducer.
func (l *Limiter) IncrementMessageCount(ctx context.Context, clientID, userID, ip string) error {
	for _, w := range Windows {
		key := msgKey(userID, ip, clientID, w.Name)
		if _, err := l.store.Incr(ctx, key); err != nil {
			return fmt.Errorf("increment %s window: %w", w.Name, err)
		}
		if err := l.store.Expire(ctx, key, w.TTL); err != nil {
			return fmt.Errorf("expire %s window: %w", w.Name, err)
		}
	}
	return nil
}

// OnViolation records one violation for the identity and returns the backoff
// it earned: min(BASE * 2^(v-1), MAX). The violation counter lives for
// BackoffReset; staying quiet that long returns the identity to clean.
func (l *Limiter) OnViolation(ctx context.Context, identity string) (time.Duration, error) {
	vKey := violationsKey(identity)
	violations, err := l.store.Incr(ctx, vKey)
	if err != nil {
		return 0, fmt.Errorf("increment violations: %w", err)
	}
	if err := l.store.Expire(ctx, vKey, l.cfg.BackoffReset); err != nil {
		return 0, fmt.Errorf("expire violations: %w", err)
	}

	backoff := l.backoffFor(violations)
	if err := l.store.Set(ctx, backoffKey(identity), "1", backoff); err != nil {
		return 0, fmt.Errorf("set backoff: %w", err)
	}

	// Bounded audit trail per identity; best effort.
	logKey := violationLogKey(identity)
	if err := l.store.LPush(ctx, logKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		l.log.Warn().Err(err).Str("identity", identity).Msg("violation log append failed")
	} else {
		_ = l.store.LTrim(ctx, logKey, 0, violationLogMax-1)
		_ = l.store.Expire(ctx, logKey, l.cfg.BackoffReset)
	}
	return backoff, nil
}

// ViolationLog returns the recorded violation timestamps for an identity,
// newest first.
func (l *Limiter) ViolationLog(ctx context.Context, identity string) ([]string, error) {
	entries, err := l.store.LRange(ctx, violationLogKey(identity), 0, violationLogMax-1)
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	return entries, err
}

// BackoffRemaining reports the active backoff for the identity, zero if none.
func (l *Limiter) BackoffRemaining(ctx context.Context, identity string) (time.Duration, error) {
	remaining, err := l.store.TTL(ctx, backoffKey(identity))
	if errors.Is(err, kv.ErrNil) {
		return 0, nil
	}
	return remaining, err
}

// ActiveViolations scans the violation counters across all identities.
func (l *Limiter) ActiveViolations(ctx context.Context) (map[string]int64, error) {
	keys, err := l.store.Keys(ctx, violationsKeyPrefix+":*")
	if err != nil {
		return nil, fmt.Errorf("scan violations: %w", err)
	}
	out := make(map[string]int64, len(keys))
	for _, key := range keys {
		v, err := l.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, _ := strconv.ParseInt(v, 10, 64)
		out[key[len(violationsKeyPrefix)+1:]] = n
	}
	return out, nil
}

func (l *Limiter) backoffFor(violations int64) time.Duration {
	if violations < 1 {
		violations = 1
	}
	backoff := l.cfg.BackoffBase
	for i := int64(1); i < violations; i++ {
		backoff *= 2
		if backoff >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	if backoff > l.cfg.BackoffMax {
		return l.cfg.BackoffMax
	}
	return backoff
}

// counter reads a numeric key, treating a missing key as zero.
func (l *Limiter) counter(ctx context.Context, key string) (int64, error) {
	v, err := l.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Corrupted counter: reset rather than wedge the identity.
		if derr := l.store.Delete(ctx, key); derr != nil {
			return 0, derr
		}
		return 0, nil
	}
	return n, nil
}

// degrade applies the configured failure policy for store errors.
func (l *Limiter) degrade(err error, op string) (bool, string, error) {
	if l.cfg.FailOpen {
		l.log.Warn().Err(err).Str("op", op).Msg("store unavailable, failing open")
		return true, "", nil
	}
	return false, "store unavailable", fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func waitReason(wait time.Duration) string {
	secs := int64(wait / time.Second)
	if wait%time.Second != 0 || secs == 0 {
		secs++
	}
	return fmt.Sprintf("Rate limit exceeded. Please wait %d seconds before retrying.", secs)
}
