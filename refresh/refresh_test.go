package refresh

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snapread/snapread/protocol"
	"github.com/snapread/snapread/rowsource"
	"github.com/snapread/snapread/table"
)

// blockingSource lets tests control exactly when IterateRows returns, so
// concurrency guarantees can be asserted deterministically.
type blockingSource struct {
	release chan struct{}
	calls   int32
}

func (s *blockingSource) Connect() error    { return nil }
func (s *blockingSource) Disconnect() error { return nil }
func (s *blockingSource) CountRows(string) (uint32, error) { return 1, nil }
func (s *blockingSource) IterateRows(query string, fn func(rowsource.Row) error) error {
	atomic.AddInt32(&s.calls, 1)
	<-s.release
	return fn(rowsource.Row{Fields: []protocol.Field{{Name: "id", Type: protocol.ValueInt64, Value: make([]byte, 8)}}})
}

func testTable(id uint8) *table.Table {
	return table.New(table.Config{
		ID:    id,
		Name:  "t",
		Query: "SELECT id FROM t",
		Indexes: []table.IndexSpec{
			{Name: "by_id", Column: "id"},
		},
	})
}

func TestDriverSkipsTableStillInFlight(t *testing.T) {
	d := New(Config{WorkerCount: 1, Tick: 10 * time.Millisecond}, zerolog.Nop())
	tb := testTable(1)
	src := &blockingSource{release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tickCount int32
	d.Start(ctx, func() []Job {
		atomic.AddInt32(&tickCount, 1)
		return []Job{{Table: tb, Src: src}}
	})
	defer d.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&src.calls) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&src.calls), "table must not be refreshed again while the first refresh is in flight")

	close(src.release)
	require.Eventually(t, func() bool {
		return d.Stats().Successes == 1
	}, time.Second, time.Millisecond)
}

func TestDriverRefreshesDistinctTablesConcurrently(t *testing.T) {
	d := New(Config{WorkerCount: 2, Tick: time.Hour}, zerolog.Nop())
	tb1 := testTable(1)
	tb2 := testTable(2)
	src1 := &blockingSource{release: make(chan struct{})}
	src2 := &blockingSource{release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx, func() []Job { return nil })
	defer d.Stop()

	d.tick([]Job{{Table: tb1, Src: src1}, {Table: tb2, Src: src2}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&src1.calls) == 1 && atomic.LoadInt32(&src2.calls) == 1
	}, time.Second, time.Millisecond, "both tables should start refreshing without waiting on each other")

	close(src1.release)
	close(src2.release)
}

// missingColumnSource yields one row that has no column matching any
// configured index, exercising the skip-the-row-not-the-refresh policy.
type missingColumnSource struct{}

func (missingColumnSource) Connect() error    { return nil }
func (missingColumnSource) Disconnect() error { return nil }
func (missingColumnSource) CountRows(string) (uint32, error) { return 1, nil }
func (missingColumnSource) IterateRows(query string, fn func(rowsource.Row) error) error {
	return fn(rowsource.Row{Fields: []protocol.Field{{Name: "other", Type: protocol.ValueInt64, Value: make([]byte, 8)}}})
}

func TestDriverSkipsRowMissingIndexColumn(t *testing.T) {
	d := New(Config{WorkerCount: 1, Tick: time.Hour}, zerolog.Nop())
	tb := testTable(1)
	cfg := tb.Config()
	cfg.Indexes = []table.IndexSpec{{Name: "bad", Column: "does_not_exist"}}
	tb2 := table.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx, func() []Job { return nil })
	defer d.Stop()

	d.tick([]Job{{Table: tb2, Src: missingColumnSource{}}})

	// The refresh itself succeeds; the one row with no matching column is
	// dropped rather than aborting the whole table's refresh.
	require.Eventually(t, func() bool {
		return d.Stats().Successes == 1
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 0, tb2.Stats().Rows)
}

// failingSource always errors out of IterateRows, exercising the driver's
// hard-failure accounting path.
type failingSource struct{}

func (failingSource) Connect() error    { return nil }
func (failingSource) Disconnect() error { return nil }
func (failingSource) CountRows(string) (uint32, error) { return 1, nil }
func (failingSource) IterateRows(query string, fn func(rowsource.Row) error) error {
	return fmt.Errorf("connection lost")
}

func TestDriverRecordsFailure(t *testing.T) {
	d := New(Config{WorkerCount: 1, Tick: time.Hour}, zerolog.Nop())
	tb := testTable(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx, func() []Job { return nil })
	defer d.Stop()

	d.tick([]Job{{Table: tb, Src: failingSource{}}})

	require.Eventually(t, func() bool {
		return d.Stats().Failures == 1
	}, time.Second, time.Millisecond)
}
