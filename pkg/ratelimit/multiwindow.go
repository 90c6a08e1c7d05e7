package ratelimit

import (
	"context"
	"time"
)

// PeekCommitter is a Limiter that can separate "is this key currently
// under limit" from "record one more hit", so a request that is itself
// going to be rejected as rate-limited never shows up in the counter it
// was rejected against.
type PeekCommitter interface {
	Limiter
	// Peek reports the decision that Allow would currently produce,
	// without incrementing the counter.
	Peek(key string, limit int) Decision
	// Commit increments the counter and returns the resulting decision.
	Commit(key string, limit int) Decision
}

// Peek reads the current count for key without incrementing it.
func (l *InMemoryLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: now.Add(l.window)}
	}
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count < limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// Commit increments the in-memory counter; identical to Allow.
func (l *InMemoryLimiter) Commit(key string, limit int) Decision {
	return l.Allow(key, limit)
}

// Peek reads the current Redis counter via GET, performing no writes.
func (l *RedisLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		if l.Fallback != nil {
			return l.Fallback.Peek(key, limit)
		}
		return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	redisKey := l.Prefix + key
	count, err := l.Client.Get(ctx, redisKey).Int64()
	if err != nil && err.Error() != "redis: nil" {
		if l.Fallback != nil {
			return l.Fallback.Peek(key, limit)
		}
		return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) < limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(l.Window),
	}
}

// Commit increments the Redis counter via the INCR+PEXPIRE script.
func (l *RedisLimiter) Commit(key string, limit int) Decision {
	return l.Allow(key, limit)
}

// MultiWindow composes three PeekCommitters (minute, hour, day) keyed by
// the same principal, checked in that order. A request is only ever
// counted against a window once all three windows are confirmed to be
// under limit — a response that itself gets rate-limited leaves every
// counter untouched.
type MultiWindow struct {
	Minute, Hour, Day                   PeekCommitter
	MinuteLimit, HourLimit, DayLimit     int
}

// NewMultiWindow builds a MultiWindow over three independently-windowed
// PeekCommitters (typically one InMemoryLimiter or RedisLimiter per
// granularity) with the given per-window limits.
func NewMultiWindow(minute, hour, day PeekCommitter, minuteLimit, hourLimit, dayLimit int) *MultiWindow {
	return &MultiWindow{
		Minute: minute, Hour: hour, Day: day,
		MinuteLimit: minuteLimit, HourLimit: hourLimit, DayLimit: dayLimit,
	}
}

// Window names a granularity that tripped a limit.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Result is the outcome of one Evaluate call.
type Result struct {
	Allowed        bool
	ExceededWindow Window
	RetryAfter     time.Duration
	Minute, Hour, Day Decision
}

// Evaluate checks principal against minute, then hour, then day limits.
// The first exceeded window short-circuits the rest and nothing is
// committed. If all three are under limit, all three are committed
// (incremented) together and Result.Allowed is true.
func (m *MultiWindow) Evaluate(principal string) Result {
	minuteKey := principal + ":m"
	hourKey := principal + ":h"
	dayKey := principal + ":d"

	mv := m.Minute.Peek(minuteKey, m.MinuteLimit)
	if !mv.Allowed {
		return Result{Allowed: false, ExceededWindow: WindowMinute, RetryAfter: retryAfter(mv), Minute: mv}
	}
	hv := m.Hour.Peek(hourKey, m.HourLimit)
	if !hv.Allowed {
		return Result{Allowed: false, ExceededWindow: WindowHour, RetryAfter: retryAfter(hv), Minute: mv, Hour: hv}
	}
	dv := m.Day.Peek(dayKey, m.DayLimit)
	if !dv.Allowed {
		return Result{Allowed: false, ExceededWindow: WindowDay, RetryAfter: retryAfter(dv), Minute: mv, Hour: hv, Day: dv}
	}

	mc := m.Minute.Commit(minuteKey, m.MinuteLimit)
	hc := m.Hour.Commit(hourKey, m.HourLimit)
	dc := m.Day.Commit(dayKey, m.DayLimit)
	return Result{Allowed: true, Minute: mc, Hour: hc, Day: dc}
}

func retryAfter(d Decision) time.Duration {
	wait := time.Until(d.ResetAt)
	if wait < 0 {
		return 0
	}
	return wait
}

// DefaultAuthenticatedLimits returns the minute/hour/day ceilings for an
// authenticated principal.
func DefaultAuthenticatedLimits() (minute, hour, day int) {
	return 60, 1000, 10000
}

// DefaultAnonymousLimits returns the minute/hour/day ceilings applied
// when a request carries no resolvable principal.
func DefaultAnonymousLimits() (minute, hour, day int) {
	return 10, 100, 500
}
