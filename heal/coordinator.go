package heal

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethsync/trieheal/log"
	"github.com/ethsync/trieheal/metrics"
	"github.com/ethsync/trieheal/rangeset"
)

// defaultTickerLogInterval is how often the Coordinator reads and logs
// statistics.
const defaultTickerLogInterval = time.Second

// defaultTickerLogCap bounds how many consecutive identical stats lines the
// Coordinator will suppress before logging again.
const defaultTickerLogCap = 100

// TickerStats is one stats readout: per-buddy nAccounts/nStorage means and
// standard deviations (via metrics.Histogram), accounts-fill
// mean/stddev/merged, overall account coverage, and the number of active
// queues (buddies).
type TickerStats struct {
	PivotBlock uint64

	NAccountsMean   float64
	NAccountsStdDev float64

	NStorageMean   float64
	NStorageStdDev float64

	AccountsFillMean   float64
	AccountsFillStdDev float64
	AccountsFillMerged uint64

	AccCoverage float64
	NQueues     int
}

// StatsUpdater supplies one buddy's current stats; the Coordinator calls it
// for every attached buddy on each tick of its own stats loop.
type StatsUpdater func() (nAccounts, nStorage int, accountsFill float64)

// Coordinator owns the fleet of active buddies and the shared
// CoverageTracker, and periodically reads statistics from the registered
// updaters. It never mutates healing state itself, only Workers do that.
// The progress-struct idiom here (atomic counters, a dedicated stats struct
// with a derived-rate method) generalizes from one peer's progress to a
// buddy fleet's aggregate stats.
type Coordinator struct {
	mu          sync.Mutex
	tracker     *rangeset.CoverageTracker
	updaters    map[string]StatsUpdater
	pivotBlk    uint64
	logInterval time.Duration
	logCap      int

	registry *metrics.Registry
	log      *log.Logger

	lastLine   string
	suppressed int
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewCoordinator creates a Coordinator around a shared CoverageTracker.
func NewCoordinator(tracker *rangeset.CoverageTracker, registry *metrics.Registry) *Coordinator {
	return &Coordinator{
		tracker:     tracker,
		updaters:    make(map[string]StatsUpdater),
		logInterval: defaultTickerLogInterval,
		logCap:      defaultTickerLogCap,
		registry:    registry,
		log:         log.Default().Module("heal.coordinator"),
		stopCh:      make(chan struct{}),
	}
}

// SetPivotBlock records the block number the current pivot targets, for the
// TickerStats.PivotBlock field.
func (c *Coordinator) SetPivotBlock(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pivotBlk = n
}

// AttachBuddy registers a buddy's stats updater under id, gating the
// Coordinator's start/stop by buddy count: the stats loop only has work to
// report once at least one buddy is attached.
func (c *Coordinator) AttachBuddy(id string, updater StatsUpdater) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updaters[id] = updater
}

// DetachBuddy removes a buddy, e.g. once it is marked zombie and exits.
func (c *Coordinator) DetachBuddy(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.updaters, id)
}

// BuddyCount reports the number of currently attached buddies.
func (c *Coordinator) BuddyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updaters)
}

// Snapshot reads every attached buddy's stats and aggregates them into one
// TickerStats reading, without mutating any healing state.
func (c *Coordinator) Snapshot() TickerStats {
	c.mu.Lock()
	updaters := make([]StatsUpdater, 0, len(c.updaters))
	for _, u := range c.updaters {
		updaters = append(updaters, u)
	}
	pivotBlk := c.pivotBlk
	c.mu.Unlock()

	nAccounts := metrics.NewHistogram("heal.nAccounts")
	nStorage := metrics.NewHistogram("heal.nStorage")
	fill := metrics.NewHistogram("heal.accountsFill")
	var mergedTotal uint64

	for _, u := range updaters {
		na, ns, af := u()
		nAccounts.Observe(float64(na))
		nStorage.Observe(float64(ns))
		fill.Observe(af)
		mergedTotal += uint64(na)
	}

	return TickerStats{
		PivotBlock:         pivotBlk,
		NAccountsMean:      nAccounts.Mean(),
		NAccountsStdDev:    nAccounts.StdDev(),
		NStorageMean:       nStorage.Mean(),
		NStorageStdDev:     nStorage.StdDev(),
		AccountsFillMean:   fill.Mean(),
		AccountsFillStdDev: fill.StdDev(),
		AccountsFillMerged: mergedTotal,
		AccCoverage:        c.tracker.FullFactor(),
		NQueues:            len(updaters),
	}
}

// Run starts the ~1s stats loop; it returns when Stop is called. It only
// ever reads state (via Snapshot) and logs; it never mutates PivotEnv or
// CoverageTracker.
func (c *Coordinator) Run() {
	ticker := time.NewTicker(c.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.BuddyCount() == 0 {
				continue
			}
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	stats := c.Snapshot()
	line := statsLine(stats)

	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.lastLine && c.suppressed < c.logCap {
		c.suppressed++
		return
	}
	c.lastLine = line
	c.suppressed = 0
	c.log.Info("heal stats", "pivotBlock", stats.PivotBlock,
		"nAccountsMean", stats.NAccountsMean, "nStorageMean", stats.NStorageMean,
		"accountsFillMean", stats.AccountsFillMean, "accCoverage", stats.AccCoverage,
		"nQueues", stats.NQueues)
}

// statsLine renders a TickerStats reading to a comparable string, so Run can
// suppress consecutive ticks whose readout has not changed.
func statsLine(s TickerStats) string {
	return fmt.Sprintf("%d|%.6f|%.3f|%.3f|%.3f|%d", s.PivotBlock, s.AccCoverage,
		s.NAccountsMean, s.NStorageMean, s.AccountsFillMean, s.NQueues)
}

// Stop ends the stats loop; safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
