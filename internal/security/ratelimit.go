package security

import (
	"sync"
	"time"
)

// FailureLimiter tracks authentication failures per key and locks a key out
// after too many of them. Keys are typically sender addresses.
type FailureLimiter struct {
	mu           sync.Mutex
	failures     map[string]*failureRecord
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
	now          func() time.Time
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewFailureLimiter creates a limiter. A key is locked for lockDuration once
// it reaches maxFailures failures, each within resetAfter of the previous one.
func NewFailureLimiter(baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		failures:     make(map[string]*failureRecord),
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

// RecordFailure records a failure for key and returns the backoff the caller
// should observe before the next attempt.
func (fl *FailureLimiter) RecordFailure(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}

	if now.Sub(record.lastFailed) > fl.resetAfter {
		record.count = 0
	}
	record.count++
	record.lastFailed = now

	if fl.maxFailures > 0 && record.count >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
	}

	return fl.delayFor(record.count)
}

func (fl *FailureLimiter) delayFor(count int) time.Duration {
	if count <= 0 {
		return 0
	}
	shift := count - 1
	if shift > 30 {
		shift = 30
	}
	delay := fl.baseDelay * time.Duration(1<<uint(shift))
	if delay > fl.maxDelay || delay <= 0 {
		delay = fl.maxDelay
	}
	return delay
}

// IsLocked reports whether key is currently locked out.
func (fl *FailureLimiter) IsLocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return false
	}
	return fl.now().Before(record.lockedUntil)
}

// RecordSuccess forgets all failures for key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	delete(fl.failures, key)
}

// Failures returns the current failure count for key.
func (fl *FailureLimiter) Failures(key string) int {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if record, ok := fl.failures[key]; ok {
		return record.count
	}
	return 0
}

// Prune drops records that can no longer affect a decision.
func (fl *FailureLimiter) Prune() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	for key, record := range fl.failures {
		if now.Sub(record.lastFailed) > fl.resetAfter && !now.Before(record.lockedUntil) {
			delete(fl.failures, key)
		}
	}
}
