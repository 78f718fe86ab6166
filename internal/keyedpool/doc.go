// Package keyedpool is a generic keyed object pool.
//
// Each key gets its own bounded sub-pool (a github.com/jackc/puddle/v2
// pool) so idle and borrowed accounting never crosses keys. A weighted
// semaphore optionally caps values borrowed across all keys, and a
// robfig/cron schedule drives idle eviction.
//
// Values come from a [Factory]. Borrow validates idle values before
// handing them out (TestOnBorrow) and transparently replaces the ones that
// fail. Invalidate, failed validation, eviction and Close destroy values
// synchronously on the calling goroutine.
//
// Values must be comparable and unique per pool (pointers are the natural
// fit): Return and Invalidate find the borrowed value by equality.
package keyedpool
