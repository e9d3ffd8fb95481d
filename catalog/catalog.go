// Package catalog holds the ordered collection of configured tables and the
// fixed 256-entry table-id lookup used by the wire protocol, plus the
// immutable schema description JSON built once at startup.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/snapread/snapread/table"
)

// Catalog is the full set of tables this server serves, as described by
// configuration. It never changes shape after Build: tables are neither
// added nor removed at runtime, only refreshed in place.
type Catalog struct {
	tables     []*table.Table
	lookup     [256]*table.Table // absent entries are nil
	schemaJSON []byte
}

type schemaIndex struct {
	ID     int    `json:"id"`
	Column string `json:"column"`
	Type   string `json:"type"`
}

type schemaTable struct {
	ID      int           `json:"id"`
	Name    string        `json:"name"`
	Period  uint32        `json:"period"`
	Indexes []schemaIndex `json:"indexes"`
}

type schemaDoc struct {
	Tables []schemaTable `json:"tables"`
}

// Build constructs a Catalog from already-constructed tables, in
// configuration order, and renders the cached schema description JSON once.
// Duplicate table ids are a configuration error caught here rather than at
// lookup time.
func Build(tables []*table.Table) (*Catalog, error) {
	c := &Catalog{tables: tables}

	doc := schemaDoc{Tables: make([]schemaTable, 0, len(tables))}
	for _, tb := range tables {
		cfg := tb.Config()
		if c.lookup[cfg.ID] != nil {
			return nil, fmt.Errorf("catalog: duplicate table id %d (%q and %q)", cfg.ID, c.lookup[cfg.ID].Config().Name, cfg.Name)
		}
		c.lookup[cfg.ID] = tb

		st := schemaTable{ID: int(cfg.ID), Name: cfg.Name, Period: cfg.Period}
		for i, ispec := range cfg.Indexes {
			st.Indexes = append(st.Indexes, schemaIndex{ID: i, Column: ispec.Column, Type: ispec.Type})
		}
		doc.Tables = append(doc.Tables, st)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("catalog: render schema json: %w", err)
	}
	c.schemaJSON = bytes.TrimRight(buf.Bytes(), "\n")
	return c, nil
}

// Tables returns the ordered table list, e.g. for the refresh driver to
// enumerate eligible tables every Cron tick.
func (c *Catalog) Tables() []*table.Table { return c.tables }

// TableByID returns the table registered under id, or (nil, false) if no
// table occupies that slot.
func (c *Catalog) TableByID(id uint8) (*table.Table, bool) {
	tb := c.lookup[id]
	return tb, tb != nil
}

// SchemaJSON returns the immutable cached schema description, built once at
// Build time. Callers must not modify the returned slice.
func (c *Catalog) SchemaJSON() []byte { return c.schemaJSON }

// Fetch looks up table_id/index_id/key against the catalog's active tables,
// exactly the operation spec.md §4.5's FETCH handler calls.
func (c *Catalog) Fetch(tableID, indexID uint8, key []byte) ([]byte, bool) {
	tb, ok := c.TableByID(tableID)
	if !ok {
		return nil, false
	}
	return tb.Fetch(indexID, key)
}
