package sshpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gluk-w/claworc/sshpool/internal/logutil"
)

// Rate limiting defaults. Two independent mechanisms stop a pool from
// hammering an unreachable or misconfigured host with session creates:
//   - a sliding window of create attempts per minute per address;
//   - after N consecutive failures the address is blocked for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig tunes a RateLimiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int           `yaml:"max_attempts_per_minute"`
	MaxConsecFailures    int           `yaml:"max_consec_failures"`
	BlockDuration        time.Duration `yaml:"block_duration"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type addrRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter gates session creates per remote address. A single limiter
// may be shared by several pools.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*addrRateState
	nowFn  func() time.Time
	logger *log.Logger
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*addrRateState),
		nowFn:  time.Now,
		logger: log.Default().WithPrefix("sshpool"),
	}
}

// Allow records a create attempt for addr, or explains why it is denied.
func (rl *RateLimiter) Allow(addr string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.stateFor(addr)
	safeAddr := logutil.SanitizeForLog(addr)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		rl.logger.Warn("rate limit: address blocked", "addr", safeAddr,
			"remaining", remaining, "consec_failures", s.consecFailures)
		return fmt.Errorf("session creates to %s blocked after %d consecutive failures; retry after %s",
			safeAddr, s.consecFailures, remaining)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		rl.logger.Warn("rate limit: attempts exceeded", "addr", safeAddr,
			"max_per_minute", rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("rate limit exceeded for %s: %d session creates in the last minute (max %d)",
			safeAddr, len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any block for addr.
func (rl *RateLimiter) RecordSuccess(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.stateFor(addr)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak for addr and blocks it once the
// streak reaches MaxConsecFailures.
func (rl *RateLimiter) RecordFailure(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.stateFor(addr)
	s.consecFailures++

	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		rl.logger.Warn("rate limit: blocking address", "addr", logutil.SanitizeForLog(addr),
			"until", s.blockedUntil.Format(time.RFC3339), "consec_failures", s.consecFailures)
	}
}

// RateLimitStatus is the limiter state for one address.
type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Status reports the limiter state for addr.
func (rl *RateLimiter) Status(addr string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := RateLimitStatus{
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[addr]
	if !ok {
		return st
	}

	now := rl.nowFn()
	cutoff := now.Add(-time.Minute)
	for _, t := range s.attempts {
		if t.After(cutoff) {
			st.RecentAttempts++
		}
	}
	st.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		st.Blocked = true
		st.BlockedUntil = &bu
	}
	return st
}

// Reset forgets addr.
func (rl *RateLimiter) Reset(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, addr)
}

// Must be called with rl.mu held.
func (rl *RateLimiter) stateFor(addr string) *addrRateState {
	s, ok := rl.state[addr]
	if !ok {
		s = &addrRateState{}
		rl.state[addr] = s
	}
	return s
}
