// Package maintenance runs the background consolidation job: raw samples
// older than the retention window are folded into the coverage table and then
// deleted, so the samples table stays bounded while aggregate history is kept
// forever. Synchronisation happens via channels so we rely on message passing
// instead of mutexes.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"mesh-coverage-map/pkg/coverage"
	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/disambig"
)

// Stats describes one consolidation run.
type Stats struct {
	RanAt        time.Time `json:"ranAt"`
	Consolidated int       `json:"consolidated"` // Samples folded into coverage
	Tiles        int       `json:"tiles"`        // Distinct tiles touched
	Deleted      int64     `json:"deleted"`      // Raw rows removed afterwards
}

// Consolidator owns the background worker. Callers query the last run through
// a request channel rather than locking shared state.
type Consolidator struct {
	requests chan chan Stats
	done     chan struct{}
}

// RunOnce performs a single consolidation pass. Exported so the main binary
// can offer a one-shot mode and tests can drive the job without timers.
//
// Disambiguation runs over the full sample set, not just the rows being
// retired: a prefix that is ambiguous today stays resolvable with all the
// evidence we still have, and the resolved identities are what gets frozen
// into the coverage rows.
func RunOnce(ctx context.Context, db *database.Database, scoring disambig.Config, retention time.Duration, now time.Time) (Stats, error) {
	stats := Stats{RanAt: now}

	repeaters, err := db.GetRepeaters(ctx)
	if err != nil {
		return stats, fmt.Errorf("load repeaters: %w", err)
	}
	all, err := db.GetSamples(ctx, database.SampleFilter{})
	if err != nil {
		return stats, fmt.Errorf("load samples: %w", err)
	}

	cutoff := now.Add(-retention).Unix()
	old := retiredBefore(all, cutoff)
	if len(old) == 0 {
		return stats, nil
	}

	lookup := disambig.BuildLookup(repeaters, all, now, scoring)
	tiles := coverage.Aggregate(old, lookup)
	rows := coverage.Rows(tiles)

	if err := db.MergeCoverage(ctx, rows); err != nil {
		return stats, fmt.Errorf("merge coverage: %w", err)
	}
	deleted, err := db.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("retire samples: %w", err)
	}

	stats.Consolidated = len(old)
	stats.Tiles = len(rows)
	stats.Deleted = deleted
	return stats, nil
}

// retiredBefore selects the samples due for folding: strictly older than the
// cutoff, so a sample dated exactly at the cutoff survives one more window
// and matches what DeleteSamplesBefore will remove afterwards.
func retiredBefore(samples []database.Sample, cutoff int64) []database.Sample {
	var old []database.Sample
	for _, s := range samples {
		if s.Date < cutoff {
			old = append(old, s)
		}
	}
	return old
}

// Start launches the background worker. The first run is delayed by one
// interval so startup traffic never competes with a heavy consolidation on
// the single-connection engines.
func Start(
	ctx context.Context,
	db *database.Database,
	scoring disambig.Config,
	retention time.Duration,
	interval time.Duration,
	logf func(string, ...any),
) *Consolidator {
	requests := make(chan chan Stats)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last Stats
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := RunOnce(ctx, db, scoring, retention, time.Now())
				if err != nil {
					if logf != nil {
						logf("consolidation failed: %v", err)
					}
					continue
				}
				last = stats
				if logf != nil && stats.Consolidated > 0 {
					logf("consolidated %d samples into %d tiles, retired %d rows",
						stats.Consolidated, stats.Tiles, stats.Deleted)
				}
			case reply := <-requests:
				reply <- last
			}
		}
	}()

	if logf != nil {
		logf("consolidation scheduled every %s (retention %s)", interval, retention)
	}
	return &Consolidator{requests: requests, done: done}
}

// LastRun reports the most recent successful run; the zero Stats means the
// worker has not completed a pass yet.
func (c *Consolidator) LastRun(ctx context.Context) Stats {
	if c == nil {
		return Stats{}
	}
	reply := make(chan Stats, 1)
	select {
	case c.requests <- reply:
	case <-ctx.Done():
		return Stats{}
	case <-c.done:
		return Stats{}
	}
	select {
	case stats := <-reply:
		return stats
	case <-ctx.Done():
		return Stats{}
	}
}
