// Package status builds the two JSON documents the wire protocol exposes
// (DESCRIBE_SCHEMA and GET_STATISTICS) and a parallel Prometheus registry
// for external scraping, per spec.md §4.8 and this project's own metrics
// endpoint addition.
package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapread/snapread/catalog"
	"github.com/snapread/snapread/hashindex"
)

// Builder rebuilds the stats_json document on demand. It is owned by the
// event-loop thread: spec.md §5 requires the cached stats JSON to only be
// rebuilt and read on that thread, so Builder is not safe for concurrent
// use from multiple goroutines.
type Builder struct {
	cat       *catalog.Catalog
	startedAt time.Time
	hostname  string
	version   string

	metrics *Metrics
}

// New constructs a Builder bound to cat. version is a free-form build
// identifier included in the stats document.
func New(cat *catalog.Catalog, version string) *Builder {
	host, _ := os.Hostname()
	return &Builder{
		cat:       cat,
		startedAt: time.Now(),
		hostname:  host,
		version:   version,
		metrics:   NewMetrics(),
	}
}

// Metrics returns the Prometheus registry this builder feeds and records
// fetch outcomes into.
func (b *Builder) Metrics() *Metrics { return b.metrics }

type percentiles struct {
	P50 uint32 `json:"p50"`
	P95 uint32 `json:"p95"`
	P99 uint32 `json:"p99"`
}

type arenaStats struct {
	CapacityBytes   uint32  `json:"capacity_bytes"`
	UsedBytes       uint32  `json:"used_bytes"`
	FreeBytes       uint32  `json:"free_bytes"`
	RowAvgSizeBytes float64 `json:"row_avg_size_bytes"`
}

type hashStats struct {
	TotalSlots        uint32  `json:"total_slots"`
	UsedSlots         uint32  `json:"used_slots"`
	FreeSlots         uint32  `json:"free_slots"`
	FillFactorPerc    float64 `json:"fill_factor_perc"`
	Queries           uint64  `json:"queries"`
	Probes            uint64  `json:"probes"`
	ProbesPerQueryAvg float64 `json:"probes_per_query_avg"`
	ProbesP50         uint32  `json:"probes_p50"`
	ProbesP95         uint32  `json:"probes_p95"`
	ProbesP99         uint32  `json:"probes_p99"`
}

type tableStats struct {
	ID         int                  `json:"id"`
	Period     uint32               `json:"period"`
	Rows       uint32               `json:"rows"`
	MinID      *int64               `json:"min_id,omitempty"`
	MaxID      *int64               `json:"max_id,omitempty"`
	LastLoaded int64                `json:"last_loaded"`
	Arena      arenaStats           `json:"arena"`
	Hashes     map[string]hashStats `json:"hashes"`
}

type statsDoc struct {
	Host       string                `json:"host"`
	Version    string                `json:"version"`
	UptimeSecs int64                 `json:"uptime_seconds"`
	Tables     map[string]tableStats `json:"tables"`
}

// Build renders the current stats_json document, keyed by table name with a
// nested arena and per-index hash block for each table, per spec.md §6.1.
// Called on demand (at most once per GET_STATISTICS request) from the
// event-loop thread.
func (b *Builder) Build() ([]byte, error) {
	doc := statsDoc{
		Host:       b.hostname,
		Version:    b.version,
		UptimeSecs: int64(time.Since(b.startedAt).Seconds()),
		Tables:     make(map[string]tableStats, len(b.cat.Tables())),
	}

	for _, tb := range b.cat.Tables() {
		cfg := tb.Config()
		st := tb.Stats()
		arenaCap, arenaUsed := tb.ArenaStats()

		var rowAvg float64
		if st.Rows > 0 {
			rowAvg = float64(arenaUsed) / float64(st.Rows)
		}

		ts := tableStats{
			ID:         int(cfg.ID),
			Period:     cfg.Period,
			Rows:       st.Rows,
			LastLoaded: st.LastLoadedUnix,
			Arena: arenaStats{
				CapacityBytes:   arenaCap,
				UsedBytes:       arenaUsed,
				FreeBytes:       arenaCap - arenaUsed,
				RowAvgSizeBytes: rowAvg,
			},
			Hashes: make(map[string]hashStats, len(cfg.Indexes)),
		}
		if st.HasIntKeyRange {
			minID, maxID := st.MinKey, st.MaxKey
			ts.MinID, ts.MaxID = &minID, &maxID
		}

		for i, ispec := range cfg.Indexes {
			idxStats, idxCap, idxUsed := tb.IndexStats(i)

			var fillFactor float64
			if idxCap > 0 {
				fillFactor = float64(idxUsed) / float64(idxCap) * 100
			}
			var totalProbes uint64
			for probes, count := range idxStats.Probes {
				totalProbes += uint64(probes) * count
			}
			var avgProbes float64
			if idxStats.Queries > 0 {
				avgProbes = float64(totalProbes) / float64(idxStats.Queries)
			}
			p := IndexPercentiles(idxStats)

			ts.Hashes[ispec.Column] = hashStats{
				TotalSlots:        idxCap,
				UsedSlots:         idxUsed,
				FreeSlots:         idxCap - idxUsed,
				FillFactorPerc:    fillFactor,
				Queries:           idxStats.Queries,
				Probes:            totalProbes,
				ProbesPerQueryAvg: avgProbes,
				ProbesP50:         p.P50,
				ProbesP95:         p.P95,
				ProbesP99:         p.P99,
			}
		}

		doc.Tables[cfg.Name] = ts
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("status: render stats json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// IndexPercentiles computes p50/p95/p99 over a probe-count histogram as
// produced by hashindex.Index.Stats, without assuming the index is
// normally distributed: it walks the histogram in order and stops as soon
// as cumulative count crosses each threshold.
func IndexPercentiles(s hashindex.Stats) percentiles {
	if s.Queries == 0 {
		return percentiles{}
	}
	var cum uint64
	var p percentiles
	for probes, count := range s.Probes {
		cum += count
		frac := float64(cum) / float64(s.Queries)
		if p.P50 == 0 && frac >= 0.50 {
			p.P50 = uint32(probes)
		}
		if p.P95 == 0 && frac >= 0.95 {
			p.P95 = uint32(probes)
		}
		if p.P99 == 0 && frac >= 0.99 {
			p.P99 = uint32(probes)
		}
	}
	return p
}

// Metrics is the Prometheus surface parallel to the JSON stats document:
// the same counters an operator would otherwise have to poll
// GET_STATISTICS for, exposed for scraping instead.
type Metrics struct {
	Registry *prometheus.Registry

	FetchHits    *prometheus.CounterVec
	FetchMisses  *prometheus.CounterVec
	RefreshOK    *prometheus.CounterVec
	RefreshFail  *prometheus.CounterVec
	RefreshSecs  *prometheus.HistogramVec
	Connections  prometheus.Gauge
	ProbeCounts  *prometheus.HistogramVec
}

// NewMetrics builds and registers a fresh metrics set on its own registry
// (never the global default registry, so multiple servers in one process,
// as in tests, don't collide).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		FetchHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapread_fetch_hits_total",
			Help: "Number of FETCH requests that found a matching row.",
		}, []string{"table"}),
		FetchMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapread_fetch_misses_total",
			Help: "Number of FETCH requests that found no matching row.",
		}, []string{"table"}),
		RefreshOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapread_refresh_success_total",
			Help: "Number of successful table refreshes.",
		}, []string{"table"}),
		RefreshFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapread_refresh_failure_total",
			Help: "Number of failed table refreshes.",
		}, []string{"table"}),
		RefreshSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapread_refresh_duration_seconds",
			Help:    "Duration of table refresh cycles.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapread_connections",
			Help: "Currently open client connections.",
		}),
		ProbeCounts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapread_hash_probe_count",
			Help:    "Probe counts observed by hash index lookups.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}, []string{"table", "index"}),
	}
	reg.MustRegister(m.FetchHits, m.FetchMisses, m.RefreshOK, m.RefreshFail, m.RefreshSecs, m.Connections, m.ProbeCounts)
	return m
}
