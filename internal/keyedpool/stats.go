package keyedpool

import (
	"time"
)

// KeyStats is a snapshot of one key's sub-pool.
type KeyStats struct {
	Idle         int `json:"idle"`
	Borrowed     int `json:"borrowed"`
	Constructing int `json:"constructing"`
	Total        int `json:"total"`
	Max          int `json:"max"`

	Created          int64 `json:"created"`
	CreateFailed     int64 `json:"create_failed"`
	BorrowCount      int64 `json:"borrow_count"`
	Returned         int64 `json:"returned"`
	Invalidated      int64 `json:"invalidated"`
	ValidationFailed int64 `json:"validation_failed"`
	Evicted          int64 `json:"evicted"`
	Destroyed        int64 `json:"destroyed"`

	// WaitCount and WaitTime cover borrows that found no idle value.
	WaitCount int64         `json:"wait_count"`
	WaitTime  time.Duration `json:"wait_time"`
}

// Stats returns a snapshot for key. A key that was never borrowed reports
// zeros.
func (p *Pool[K, V]) Stats(key K) KeyStats {
	p.mu.RLock()
	kp, ok := p.keys[key]
	p.mu.RUnlock()
	if !ok {
		return KeyStats{Max: int(p.cfg.maxPerKey())}
	}

	st := kp.pool.Stat()
	return KeyStats{
		Idle:             int(st.IdleResources()),
		Borrowed:         int(kp.outstanding.Load()),
		Constructing:     int(st.ConstructingResources()),
		Total:            int(st.TotalResources()),
		Max:              int(st.MaxResources()),
		Created:          kp.created.Load(),
		CreateFailed:     kp.createFailed.Load(),
		BorrowCount:      kp.borrowed.Load(),
		Returned:         kp.returned.Load(),
		Invalidated:      kp.invalidated.Load(),
		ValidationFailed: kp.validationFailed.Load(),
		Evicted:          kp.evicted.Load(),
		Destroyed:        kp.destroyed.Load(),
		WaitCount:        st.EmptyAcquireCount(),
		WaitTime:         st.EmptyAcquireWaitTime(),
	}
}

// NumBorrowed counts values currently borrowed across all keys.
func (p *Pool[K, V]) NumBorrowed() int {
	p.leasesMu.Lock()
	defer p.leasesMu.Unlock()
	return len(p.leases)
}
