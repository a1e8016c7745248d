package deferlink

import (
	"context"
	"time"
)

// janitor periodically evicts expired sessions. It is the only component that
// hard-deletes records besides explicit DeleteSession calls, and it only
// removes records strictly past expiry, which the resolver already treats as
// ineligible, so it never needs to coordinate with in-flight resolves.
type janitor struct {
	stop chan struct{}
	done chan struct{}
}

func (d *DeferLink) startJanitor(interval time.Duration) *janitor {
	j := &janitor{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go j.loop(d, interval)
	return j
}

func (j *janitor) loop(d *DeferLink, interval time.Duration) {
	defer close(j.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(d)
		case <-j.stop:
			return
		}
	}
}

func (j *janitor) sweep(d *DeferLink) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	evicted, err := d.store.ExpireSweep(ctx, time.Now(), d.config.ResolvedRetention)
	if err != nil {
		d.logger.Warn("session sweep failed", "error", err)
		return
	}
	if evicted > 0 {
		d.counters.expired.Add(int64(evicted))
		d.logger.Debug("session sweep completed", "evicted", evicted)
	}
}

// stopAndWait stops the sweep loop and waits for an in-flight sweep to
// finish.
func (j *janitor) stopAndWait() {
	close(j.stop)
	<-j.done
}
