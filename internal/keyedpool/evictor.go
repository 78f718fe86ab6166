package keyedpool

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/jackc/puddle/v2"
	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's scheduler chatter to debug and its errors (job
// panics included) to error.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("evictor: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("evictor: "+msg, append(keysAndValues, "err", err)...)
}

func (p *Pool[K, V]) startEvictor() {
	logger := cronLogger{l: p.logger}
	p.evictor = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	p.evictor.Schedule(cron.Every(p.cfg.TimeBetweenEvictionRuns), cron.FuncJob(func() {
		p.Evict(context.Background())
	}))
	p.evictor.Start()
	p.logger.Debug("evictor started", "every", p.cfg.TimeBetweenEvictionRuns)
}

// Evict runs one eviction pass over every key, then refills each key to
// MinIdlePerKey. The scheduled evictor calls it every
// TimeBetweenEvictionRuns.
func (p *Pool[K, V]) Evict(ctx context.Context) {
	for _, kp := range p.keyPools() {
		p.evictKey(kp)
		if p.cfg.MinIdlePerKey == 0 {
			continue
		}
		if err := p.ensureMinIdle(ctx, kp); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Warn("refill idle sessions", "key", kp.key, "err", err)
		}
	}
}

// evictKey examines up to NumTestsPerEvictionRun idle values of kp, oldest
// first. Values idle longer than MinEvictableIdleTime are destroyed while
// more than MinIdlePerKey remain; with TestWhileIdle the rest are validated.
func (p *Pool[K, V]) evictKey(kp *keyPool[K, V]) {
	idle := kp.pool.AcquireAllIdle()
	if len(idle) == 0 {
		return
	}
	slices.SortFunc(idle, func(a, b *puddle.Resource[*entry[V]]) int {
		return cmp.Compare(a.LastUsedNanotime(), b.LastUsedNanotime())
	})

	limit := len(idle)
	if n := p.cfg.NumTestsPerEvictionRun; n > 0 && n < limit {
		limit = n
	}

	remaining := len(idle)
	for i, res := range idle {
		if i >= limit {
			res.ReleaseUnused()
			continue
		}

		idleFor := res.IdleDuration()
		if p.cfg.MinEvictableIdleTime > 0 && idleFor >= p.cfg.MinEvictableIdleTime && remaining > p.cfg.MinIdlePerKey {
			kp.evicted.Add(1)
			p.emitEvent(kp.key, EventEvicted, "idle for "+units.HumanDuration(idleFor))
			p.destroy(kp, res, "evicted")
			remaining--
			continue
		}
		if p.cfg.TestWhileIdle && !p.validate(kp, res.Value()) {
			p.destroy(kp, res, "validation failed while idle")
			remaining--
			continue
		}
		res.ReleaseUnused()
	}
}
