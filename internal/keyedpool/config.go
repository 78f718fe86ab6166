package keyedpool

import (
	"fmt"
	"math"
	"time"
)

// Defaults, matching the usual keyed object pool tuning.
const (
	DefaultMaxTotal                = -1
	DefaultMaxTotalPerKey          = 8
	DefaultMaxIdlePerKey           = 8
	DefaultMinIdlePerKey           = 0
	DefaultMinEvictableIdleTime    = 30 * time.Minute
	DefaultNumTestsPerEvictionRun  = 3
	DefaultTimeBetweenEvictionRuns = 0
)

// Config tunes a Pool. Use DefaultConfig and override fields; the zero value
// is not the default.
type Config struct {
	// MaxTotal caps live sessions (idle, borrowed or being created) across
	// all keys. A borrow that needs a new session at the cap first destroys
	// the least recently used idle session of any key. <=0 is unlimited.
	MaxTotal int `yaml:"max_total"`
	// MaxTotalPerKey caps idle plus borrowed sessions per key. <=0 is unlimited.
	MaxTotalPerKey int `yaml:"max_total_per_key"`
	// MaxIdlePerKey caps idle sessions kept on return. <0 is unlimited.
	MaxIdlePerKey int `yaml:"max_idle_per_key"`
	// MinIdlePerKey is the idle floor the evictor and Prepare maintain.
	MinIdlePerKey int `yaml:"min_idle_per_key"`

	BlockWhenExhausted bool `yaml:"block_when_exhausted"`
	// MaxWait bounds a blocked borrow. <=0 waits until the context ends.
	MaxWait time.Duration `yaml:"max_wait"`

	TestOnCreate  bool `yaml:"test_on_create"`
	TestOnBorrow  bool `yaml:"test_on_borrow"`
	TestOnReturn  bool `yaml:"test_on_return"`
	TestWhileIdle bool `yaml:"test_while_idle"`

	// TimeBetweenEvictionRuns is the evictor period. <=0 disables it.
	// Periods under a second are rounded up to one second.
	TimeBetweenEvictionRuns time.Duration `yaml:"time_between_eviction_runs"`
	// MinEvictableIdleTime is the idle age after which a session may be
	// evicted. <=0 disables age based eviction.
	MinEvictableIdleTime time.Duration `yaml:"min_evictable_idle_time"`
	// NumTestsPerEvictionRun caps idle sessions examined per key per run.
	// <=0 examines all of them.
	NumTestsPerEvictionRun int `yaml:"num_tests_per_eviction_run"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		MaxTotal:                DefaultMaxTotal,
		MaxTotalPerKey:          DefaultMaxTotalPerKey,
		MaxIdlePerKey:           DefaultMaxIdlePerKey,
		MinIdlePerKey:           DefaultMinIdlePerKey,
		BlockWhenExhausted:      true,
		TestOnBorrow:            true,
		TimeBetweenEvictionRuns: DefaultTimeBetweenEvictionRuns,
		MinEvictableIdleTime:    DefaultMinEvictableIdleTime,
		NumTestsPerEvictionRun:  DefaultNumTestsPerEvictionRun,
	}
}

// Validate reports settings the pool cannot honor.
func (c Config) Validate() error {
	if c.MaxTotalPerKey > math.MaxInt32 {
		return fmt.Errorf("max_total_per_key %d exceeds %d", c.MaxTotalPerKey, math.MaxInt32)
	}
	if c.MinIdlePerKey < 0 {
		return fmt.Errorf("min_idle_per_key must not be negative, got %d", c.MinIdlePerKey)
	}
	if c.MaxTotalPerKey > 0 && c.MinIdlePerKey > c.MaxTotalPerKey {
		return fmt.Errorf("min_idle_per_key %d exceeds max_total_per_key %d", c.MinIdlePerKey, c.MaxTotalPerKey)
	}
	if c.MaxTotal > 0 && c.MinIdlePerKey > c.MaxTotal {
		return fmt.Errorf("min_idle_per_key %d exceeds max_total %d", c.MinIdlePerKey, c.MaxTotal)
	}
	if c.MaxIdlePerKey >= 0 && c.MinIdlePerKey > c.MaxIdlePerKey {
		return fmt.Errorf("min_idle_per_key %d exceeds max_idle_per_key %d", c.MinIdlePerKey, c.MaxIdlePerKey)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("max_wait must not be negative, got %s", c.MaxWait)
	}
	if c.TimeBetweenEvictionRuns < 0 {
		return fmt.Errorf("time_between_eviction_runs must not be negative, got %s", c.TimeBetweenEvictionRuns)
	}
	if c.MinEvictableIdleTime < 0 {
		return fmt.Errorf("min_evictable_idle_time must not be negative, got %s", c.MinEvictableIdleTime)
	}
	return nil
}

func (c Config) maxPerKey() int32 {
	if c.MaxTotalPerKey <= 0 {
		return math.MaxInt32
	}
	return int32(c.MaxTotalPerKey)
}
