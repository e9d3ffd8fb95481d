package server

import (
	"github.com/snapread/snapread/catalog"
	"github.com/snapread/snapread/status"
)

// dispatcher is the connengine.Dispatcher implementation: catalog answers
// FETCH and DESCRIBE_SCHEMA, status answers GET_STATISTICS, and every FETCH
// outcome is recorded against the Prometheus metrics in parallel with the
// stats_json document catalog/status already expose over the wire.
type dispatcher struct {
	cat     *catalog.Catalog
	builder *status.Builder
	metrics *status.Metrics
}

func newDispatcher(cat *catalog.Catalog, builder *status.Builder) *dispatcher {
	return &dispatcher{cat: cat, builder: builder, metrics: builder.Metrics()}
}

func (d *dispatcher) Fetch(tableID, indexID uint8, key []byte) ([]byte, bool) {
	payload, ok := d.cat.Fetch(tableID, indexID, key)
	name := tableLabel(d.cat, tableID)
	if ok {
		d.metrics.FetchHits.WithLabelValues(name).Inc()
	} else {
		d.metrics.FetchMisses.WithLabelValues(name).Inc()
	}
	return payload, ok
}

func (d *dispatcher) SchemaJSON() []byte { return d.cat.SchemaJSON() }

func (d *dispatcher) StatsJSON() []byte {
	doc, err := d.builder.Build()
	if err != nil {
		return []byte(`{}`)
	}
	return doc
}

func tableLabel(cat *catalog.Catalog, tableID uint8) string {
	tb, ok := cat.TableByID(tableID)
	if !ok {
		return "unknown"
	}
	return tb.Config().Name
}
