// Command snapread-bench is a small concurrent load generator against a
// running snapread server, grounded in melbench's args/stats/hist
// structure but built the idiomatic Go way: one goroutine per configured
// connection issuing FETCH requests back to back, rather than melbench's
// own single-threaded epoll/kqueue event loop — Go's goroutine-per-
// connection model already gives this tool the concurrency melbench
// needed a hand-rolled event loop for.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/snapread/snapread/client"
)

type threadStats struct {
	requests      uint64
	responses     uint64
	errors        uint64
	connectErrors uint64
	hist          hist
}

func main() {
	var (
		tcpAddr     = pflag.String("tcp-addr", "127.0.0.1:7477", "server TCP address")
		unixPath    = pflag.String("unix-path", "", "server UNIX socket path (overrides -tcp-addr)")
		tableID     = pflag.Uint8("table", 1, "table id to query")
		indexID     = pflag.Uint8("index", 0, "index id to query")
		keyMin      = pflag.Int64("key-min", 1, "minimum integer key, inclusive")
		keyMax      = pflag.Int64("key-max", 1000, "maximum integer key, inclusive")
		concurrency = pflag.Int("concurrency", 8, "number of concurrent connections")
		duration    = pflag.Duration("duration", 10*time.Second, "benchmark duration")
	)
	pflag.Parse()

	results := make([]threadStats, *concurrency)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worker(i, *tcpAddr, *unixPath, *tableID, *indexID, *keyMin, *keyMax, stop, &results[i])
		}(i)
	}

	time.AfterFunc(*duration, func() { close(stop) })
	wg.Wait()
	elapsed := time.Since(start)

	report(results, elapsed)
}

func worker(seed int, tcpAddr, unixPath string, tableID, indexID uint8, keyMin, keyMax int64, stop <-chan struct{}, out *threadStats) {
	var conn *client.Conn
	var err error
	if unixPath != "" {
		conn, err = client.DialUnix(unixPath, 5*time.Second)
	} else {
		conn, err = client.DialTCP(tcpAddr, 5*time.Second)
	}
	if err != nil {
		atomic.AddUint64(&out.connectErrors, 1)
		return
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(int64(seed)*2654435761 + time.Now().UnixNano()))
	span := keyMax - keyMin + 1

	for {
		select {
		case <-stop:
			return
		default:
		}

		key := fmt.Sprintf("%d", keyMin+rng.Int63n(span))
		reqStart := time.Now()
		_, _, fetchErr := conn.Fetch(tableID, indexID, []byte(key))
		elapsed := time.Since(reqStart)

		out.requests++
		if fetchErr != nil {
			out.errors++
			return
		}
		out.responses++
		out.hist.record(uint64(elapsed.Microseconds()))
	}
}

func report(results []threadStats, elapsed time.Duration) {
	var total threadStats
	for _, r := range results {
		total.requests += r.requests
		total.responses += r.responses
		total.errors += r.errors
		total.connectErrors += r.connectErrors
		total.hist.merge(r.hist)
	}

	fmt.Fprintf(os.Stdout, "duration: %s\n", elapsed)
	fmt.Fprintf(os.Stdout, "requests: %d  responses: %d  errors: %d  connect_errors: %d\n",
		total.requests, total.responses, total.errors, total.connectErrors)
	if elapsed > 0 {
		fmt.Fprintf(os.Stdout, "throughput: %.1f req/s\n", float64(total.responses)/elapsed.Seconds())
	}
	fmt.Fprintf(os.Stdout, "latency (us): min=%d mean=%.1f p50=%.1f p95=%.1f p99=%.1f max=%d stddev=%.1f\n",
		total.hist.minUs, total.hist.mean(), total.hist.percentile(50), total.hist.percentile(95),
		total.hist.percentile(99), total.hist.maxUs, total.hist.stddev())
}
