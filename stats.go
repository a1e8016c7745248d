package deferlink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// counters accumulates resolver and janitor outcome events. Counts are
// atomics; the confidence running sum shares a small mutex with its reader.
type counters struct {
	created   atomic.Int64
	resolved  atomic.Int64
	unmatched atomic.Int64
	expired   atomic.Int64

	mu            sync.Mutex
	confidenceSum float64
}

func (c *counters) recordMatch(confidence float64) {
	c.resolved.Add(1)
	c.mu.Lock()
	c.confidenceSum += confidence
	c.mu.Unlock()
}

func (c *counters) averageConfidence() float64 {
	resolved := c.resolved.Load()
	if resolved == 0 {
		return 0
	}
	c.mu.Lock()
	sum := c.confidenceSum
	c.mu.Unlock()
	return sum / float64(resolved)
}

// Stats returns the derived read model: outcome counters plus the store's
// pending session count. It never touches the write path.
func (d *DeferLink) Stats(ctx context.Context) (*Stats, error) {
	pending, err := d.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("deferlink: failed to count pending sessions: %w", err)
	}

	stats := &Stats{
		CreatedSessions:   d.counters.created.Load(),
		ResolvedSessions:  d.counters.resolved.Load(),
		UnmatchedResolves: d.counters.unmatched.Load(),
		ExpiredSessions:   d.counters.expired.Load(),
		PendingSessions:   pending,
		AverageConfidence: d.counters.averageConfidence(),
	}
	if total := stats.ResolvedSessions + stats.UnmatchedResolves; total > 0 {
		stats.SuccessRate = float64(stats.ResolvedSessions) / float64(total)
	}
	return stats, nil
}
