package installer

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffStrategy defines how to calculate backoff delays.
type BackoffStrategy interface {
	// NextBackoff returns the next backoff duration given the attempt number.
	// attempt starts at 1 for the first retry.
	NextBackoff(attempt int) time.Duration
}

// BackoffConfig holds configuration for backoff strategies.
type BackoffConfig struct {
	// InitialInterval is the starting backoff interval.
	InitialInterval time.Duration

	// MaxInterval is the maximum backoff interval.
	MaxInterval time.Duration

	// Multiplier is the factor by which the interval increases.
	Multiplier float64

	// RandomizationFactor adds jitter to prevent thundering herd.
	// 0 means no randomization, 0.5 means ±50%.
	RandomizationFactor float64
}

// DefaultBackoffConfig returns the retry delay used between cycles that only
// deferred or failed tasks.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}
}

type exponentialBackoff struct {
	config BackoffConfig
}

// ExponentialBackoff creates an exponential backoff strategy.
//
// The backoff duration increases exponentially with each attempt:
//   - Attempt 1: InitialInterval
//   - Attempt 2: InitialInterval * Multiplier
//   - Attempt 3: InitialInterval * Multiplier^2
//   - ...up to MaxInterval
func ExponentialBackoff(config BackoffConfig) BackoffStrategy {
	if config.InitialInterval == 0 {
		config.InitialInterval = 500 * time.Millisecond
	}
	if config.MaxInterval == 0 {
		config.MaxInterval = 30 * time.Second
	}
	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}
	return &exponentialBackoff{config: config}
}

func (b *exponentialBackoff) NextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	interval := float64(b.config.InitialInterval) * math.Pow(b.config.Multiplier, float64(attempt-1))
	if interval > float64(b.config.MaxInterval) {
		interval = float64(b.config.MaxInterval)
	}

	if b.config.RandomizationFactor > 0 {
		delta := b.config.RandomizationFactor * interval
		interval = interval - delta + rand.Float64()*(2*delta)
	}
	return time.Duration(interval)
}

type constantBackoff struct {
	interval time.Duration
}

// ConstantBackoff creates a strategy that always returns the same duration.
func ConstantBackoff(interval time.Duration) BackoffStrategy {
	return &constantBackoff{interval: interval}
}

func (b *constantBackoff) NextBackoff(int) time.Duration {
	return b.interval
}

// BackoffTracker counts consecutive failures per key.
//
// The installer keys it by bundle for start retries and by a fixed key for the
// delay between cycles that made no progress.
type BackoffTracker interface {
	// RecordFailure increments the attempt count of key and returns the new count.
	RecordFailure(key string) int

	// RecordSuccess resets the attempt count of key.
	RecordSuccess(key string)

	// GetAttempts returns the current attempt count of key.
	GetAttempts(key string) int

	// GetBackoff returns the delay before the next attempt for key, zero if it
	// has not failed.
	GetBackoff(key string) time.Duration

	// GetLastFailure returns when key last failed.
	GetLastFailure(key string) time.Time

	// Reset forgets key.
	Reset(key string)

	// ResetAll forgets every key.
	ResetAll()

	// Cleanup removes entries that have not been touched within maxAge.
	Cleanup(maxAge time.Duration)
}

type backoffEntry struct {
	attempts    int
	lastFailure time.Time
	lastAccess  time.Time
}

type backoffTracker struct {
	strategy BackoffStrategy
	entries  map[string]*backoffEntry
	mu       sync.RWMutex
}

// NewBackoffTracker creates a new BackoffTracker with the given strategy.
func NewBackoffTracker(strategy BackoffStrategy) BackoffTracker {
	if strategy == nil {
		strategy = ExponentialBackoff(DefaultBackoffConfig())
	}
	return &backoffTracker{
		strategy: strategy,
		entries:  make(map[string]*backoffEntry),
	}
}

func (bt *backoffTracker) getOrCreate(key string) *backoffEntry {
	entry, exists := bt.entries[key]
	if !exists {
		entry = &backoffEntry{}
		bt.entries[key] = entry
	}
	entry.lastAccess = time.Now()
	return entry
}

func (bt *backoffTracker) RecordFailure(key string) int {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	entry := bt.getOrCreate(key)
	entry.attempts++
	entry.lastFailure = time.Now()
	return entry.attempts
}

func (bt *backoffTracker) RecordSuccess(key string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if entry, exists := bt.entries[key]; exists {
		entry.attempts = 0
		entry.lastFailure = time.Time{}
		entry.lastAccess = time.Now()
	}
}

func (bt *backoffTracker) GetAttempts(key string) int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if entry, exists := bt.entries[key]; exists {
		return entry.attempts
	}
	return 0
}

func (bt *backoffTracker) GetBackoff(key string) time.Duration {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if entry, exists := bt.entries[key]; exists && entry.attempts > 0 {
		return bt.strategy.NextBackoff(entry.attempts)
	}
	return 0
}

func (bt *backoffTracker) GetLastFailure(key string) time.Time {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if entry, exists := bt.entries[key]; exists {
		return entry.lastFailure
	}
	return time.Time{}
}

func (bt *backoffTracker) Reset(key string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	delete(bt.entries, key)
}

func (bt *backoffTracker) ResetAll() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.entries = make(map[string]*backoffEntry)
}

func (bt *backoffTracker) Cleanup(maxAge time.Duration) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, entry := range bt.entries {
		if entry.lastAccess.Before(cutoff) {
			delete(bt.entries, key)
		}
	}
}
