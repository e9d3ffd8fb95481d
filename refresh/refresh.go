// Package refresh drives periodic rebuilding of table snapshots from their
// RowSource. A Cron goroutine wakes every tick, decides which tables are due
// for a refresh, and hands each one to a worker pool; a table is never
// enqueued again until its previous refresh job has returned, which
// guarantees refreshes for a given table are never concurrent with
// themselves. Distinct tables refresh concurrently with each other.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapread/snapread/rowsource"
	"github.com/snapread/snapread/table"
)

// DefaultTick is the Cron wake period, matching the teacher's documented
// default (spec.md §4.4 calls this T).
const DefaultTick = 5 * time.Second

// DefaultQueueSize bounds how many pending table jobs may queue up if
// workers fall behind a tick.
const DefaultQueueSize = 64

// Job is one pending refresh: a table and the source to rebuild it from.
type Job struct {
	Table *table.Table
	Src   rowsource.RowSource
}

// Config configures the worker pool. Zero values take the package defaults.
type Config struct {
	WorkerCount int
	QueueSize   int
	Tick        time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	return c
}

// Driver is the refresh subsystem: a Cron loop plus a worker pool. Exactly
// one Driver exists per server instance.
type Driver struct {
	cfg Config
	log zerolog.Logger

	queue  chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu        sync.Mutex
	inFlight  map[*table.Table]bool
	failures  uint64
	successes uint64
}

// New constructs a Driver. Call Start to begin the Cron loop and workers.
func New(cfg Config, logger zerolog.Logger) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		cfg:      cfg,
		log:      logger.With().Str("component", "refresh").Logger(),
		queue:    make(chan Job, cfg.QueueSize),
		inFlight: make(map[*table.Table]bool),
	}
}

// Start launches the worker goroutines and the Cron ticker. jobs is called
// once per tick to determine the full set of tables eligible for refresh on
// this tick (the caller decides per-table periods; Driver only enforces
// non-concurrency per table and fan-out across tables).
func (d *Driver) Start(ctx context.Context, jobs func() []Job) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.wg.Add(1)
	go d.cronLoop(ctx, jobs)
}

// Stop cancels the Cron loop and waits for in-flight refreshes to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Driver) cronLoop(ctx context.Context, jobs func() []Job) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(jobs())
		}
	}
}

// tick enqueues every job whose table is not already mid-refresh. Tables
// that are still busy from a prior tick are skipped this time around and
// will be reconsidered on the next tick.
func (d *Driver) tick(due []Job) {
	for _, j := range due {
		d.mu.Lock()
		busy := d.inFlight[j.Table]
		if !busy {
			d.inFlight[j.Table] = true
		}
		d.mu.Unlock()
		if busy {
			d.log.Debug().Str("table", j.Table.Config().Name).Msg("skipping tick, refresh already in flight")
			continue
		}

		select {
		case d.queue <- j:
		default:
			d.log.Warn().Str("table", j.Table.Config().Name).Msg("refresh queue full, dropping this tick")
			d.mu.Lock()
			delete(d.inFlight, j.Table)
			d.mu.Unlock()
		}
	}
}

func (d *Driver) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.runJob(id, job)
		}
	}
}

func (d *Driver) runJob(workerID int, job Job) {
	tb := job.Table
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, tb)
		d.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.failures++
			d.mu.Unlock()
			d.log.Error().Str("table", tb.Config().Name).Interface("panic", r).Msg("refresh worker panic recovered")
		}
	}()

	start := time.Now()
	if err := refreshOne(tb, job.Src); err != nil {
		d.mu.Lock()
		d.failures++
		d.mu.Unlock()
		d.log.Error().Err(err).Str("table", tb.Config().Name).Dur("elapsed", time.Since(start)).Msg("refresh failed")
		return
	}

	d.mu.Lock()
	d.successes++
	d.mu.Unlock()
	d.log.Debug().Str("table", tb.Config().Name).Dur("elapsed", time.Since(start)).Int("worker", workerID).Msg("refresh complete")
}

func refreshOne(tb *table.Table, src rowsource.RowSource) error {
	if err := tb.Refresh(src, time.Now().Unix()); err != nil {
		return fmt.Errorf("refresh table %s: %w", tb.Config().Name, err)
	}
	return nil
}

// Stats is a point-in-time snapshot of refresh driver counters.
type Stats struct {
	Successes uint64
	Failures  uint64
}

// Stats returns current success/failure counters across all tables.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Successes: d.successes, Failures: d.failures}
}
