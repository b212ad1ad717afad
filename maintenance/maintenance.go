// Package maintenance runs the periodic hygiene of procedural memory:
// decaying the utility of unused patterns and archiving those whose score
// falls below the pruning threshold. On networked deployments the schedule
// is a distributed ticker, so exactly one process in the fleet does the
// work per interval; embedded deployments fall back to a local timer.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/pool"

	"goa.design/cortex/consolidate"
	"goa.design/cortex/memory"
)

const (
	// DefaultInterval is how often the maintenance pass runs.
	DefaultInterval = time.Hour

	// DefaultDecayFactor multiplies the utility of patterns unused past
	// the cutoff.
	DefaultDecayFactor = 0.9

	// DefaultDecayCutoff is how long a pattern may sit unused before its
	// utility starts decaying.
	DefaultDecayCutoff = 7 * 24 * time.Hour

	tickerName = "cortex:maintenance"
	poolName   = "cortex-maintenance"
)

type (
	// Options configures a Maintainer.
	Options struct {
		// Patterns is the procedural memory to maintain. Required.
		Patterns memory.PatternStore
		// Redis enables the distributed schedule. Nil means a local
		// timer, appropriate for single-process embedded deployments.
		Redis *redis.Client
		// Interval between passes. Defaults to DefaultInterval.
		Interval time.Duration
		// DecayFactor applied to stale patterns. Defaults to 0.9.
		DecayFactor float64
		// DecayCutoff is the staleness horizon. Defaults to 7 days.
		DecayCutoff time.Duration
		// UtilityThreshold below which patterns are archived. Defaults
		// to consolidate.DefaultUtilityThreshold.
		UtilityThreshold float64
	}

	// Maintainer owns the background maintenance loop.
	Maintainer struct {
		patterns  memory.PatternStore
		rdb       *redis.Client
		interval  time.Duration
		factor    float64
		cutoff    time.Duration
		threshold float64

		node   *pool.Node
		cancel context.CancelFunc
		wg     sync.WaitGroup

		startOnce sync.Once
		stopOnce  sync.Once
	}
)

// New validates opts and returns a stopped Maintainer. Call Start to begin
// the loop.
func New(opts Options) (*Maintainer, error) {
	if opts.Patterns == nil {
		return nil, errors.New("pattern store is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	factor := opts.DecayFactor
	if factor <= 0 || factor >= 1 {
		factor = DefaultDecayFactor
	}
	cutoff := opts.DecayCutoff
	if cutoff <= 0 {
		cutoff = DefaultDecayCutoff
	}
	threshold := opts.UtilityThreshold
	if threshold <= 0 {
		threshold = consolidate.DefaultUtilityThreshold
	}
	return &Maintainer{
		patterns:  opts.Patterns,
		rdb:       opts.Redis,
		interval:  interval,
		factor:    factor,
		cutoff:    cutoff,
		threshold: threshold,
	}, nil
}

// Start launches the background loop. With a Redis client the schedule is a
// pool ticker shared by every process that started a Maintainer against the
// same Redis, and only one of them receives each tick.
func (m *Maintainer) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.cancel = cancel

		if m.rdb != nil {
			node, err := pool.AddNode(loopCtx, poolName, m.rdb)
			if err != nil {
				cancel()
				startErr = fmt.Errorf("add pool node: %w", err)
				return
			}
			ticker, err := node.NewTicker(loopCtx, tickerName, m.interval)
			if err != nil {
				_ = node.Close(loopCtx)
				cancel()
				startErr = fmt.Errorf("create distributed ticker: %w", err)
				return
			}
			m.node = node
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				defer ticker.Stop()
				for {
					select {
					case <-loopCtx.Done():
						return
					case <-ticker.C:
						m.runPass(loopCtx)
					}
				}
			}()
			return
		}

		ticker := time.NewTicker(m.interval)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					m.runPass(loopCtx)
				}
			}
		}()
	})
	return startErr
}

// RunOnce executes a single maintenance pass synchronously. Returns the
// number of patterns decayed and archived.
func (m *Maintainer) RunOnce(ctx context.Context) (decayed, archived int, err error) {
	cutoff := time.Now().Add(-m.cutoff)
	decayed, err = m.patterns.DecayUnused(ctx, cutoff, m.factor)
	if err != nil {
		return 0, 0, fmt.Errorf("decay patterns: %w", err)
	}
	archived, err = consolidate.PruneLowUtilityPatterns(ctx, m.patterns, m.threshold)
	if err != nil {
		return decayed, 0, fmt.Errorf("prune patterns: %w", err)
	}
	return decayed, archived, nil
}

func (m *Maintainer) runPass(ctx context.Context) {
	decayed, archived, err := m.RunOnce(ctx)
	if err != nil {
		log.Errorf(ctx, err, "maintenance pass failed")
		return
	}
	log.Debug(ctx, log.KV{K: "msg", V: "maintenance pass complete"},
		log.KV{K: "decayed", V: decayed}, log.KV{K: "archived", V: archived})
}

// Stop halts the loop and releases the pool node. Safe to call more than
// once and before Start.
func (m *Maintainer) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		if m.node != nil {
			err = m.node.Close(ctx)
		}
	})
	return err
}
