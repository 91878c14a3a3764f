// Package ratelimit throttles chat turns per user with token buckets.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// maxKeys bounds the per-user bucket map. When exceeded, the oldest idle
// buckets are pruned; a pruned user simply starts with a fresh burst.
const maxKeys = 10000

// Config configures per-user throttling of turn starts.
type Config struct {
	// RequestsPerSecond is the sustained turn rate allowed per user.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is how many turns may start back to back.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether throttling is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig allows one turn per second with a burst of five.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1.0,
		BurstSize:         5,
		Enabled:           true,
	}
}

// Bucket is a single token bucket.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastUsed   time.Time
}

// NewBucket creates a full bucket from config.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 1.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	now := time.Now()
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.lastUsed = time.Now()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens for elapsed time. Caller holds the lock.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

func (b *Bucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

// Limiter maintains one bucket per user.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
}

// NewLimiter creates a per-user limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
	}
}

// Allow reports whether the user may start a turn now.
func (l *Limiter) Allow(userID string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.bucket(userID).Allow()
}

func (l *Limiter) bucket(userID string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[userID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double check: another goroutine may have created it.
	if b, ok = l.buckets[userID]; ok {
		return b
	}
	if len(l.buckets) >= maxKeys {
		l.pruneLocked()
	}
	b = NewBucket(l.config)
	l.buckets[userID] = b
	return b
}

// pruneLocked evicts the least recently used half of the buckets. Caller
// holds the write lock.
func (l *Limiter) pruneLocked() {
	type entry struct {
		key  string
		used time.Time
	}
	entries := make([]entry, 0, len(l.buckets))
	for key, b := range l.buckets {
		entries = append(entries, entry{key: key, used: b.idleSince()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].used.Before(entries[j].used)
	})
	for _, e := range entries[:len(entries)/2] {
		delete(l.buckets, e.key)
	}
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
