package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapread/snapread/table"
)

func cfg(id uint8, name string) table.Config {
	return table.Config{
		ID:     id,
		Name:   name,
		Query:  "SELECT id FROM " + name,
		Period: 5,
		Indexes: []table.IndexSpec{
			{Name: "by_id", Column: "id", Type: table.IndexTypeInt},
		},
	}
}

func TestBuildRejectsDuplicateTableID(t *testing.T) {
	a := table.New(cfg(1, "users"))
	b := table.New(cfg(1, "orders"))
	_, err := Build([]*table.Table{a, b})
	require.Error(t, err)
}

func TestTableByIDAndLookupMiss(t *testing.T) {
	a := table.New(cfg(3, "users"))
	c, err := Build([]*table.Table{a})
	require.NoError(t, err)

	got, ok := c.TableByID(3)
	require.True(t, ok)
	require.Same(t, a, got)

	_, ok = c.TableByID(4)
	require.False(t, ok)
}

func TestSchemaJSONDescribesConfiguredTables(t *testing.T) {
	a := table.New(cfg(1, "users"))
	b := table.New(cfg(2, "orders"))
	c, err := Build([]*table.Table{a, b})
	require.NoError(t, err)

	var doc schemaDoc
	require.NoError(t, json.Unmarshal(c.SchemaJSON(), &doc))
	require.Len(t, doc.Tables, 2)
	require.Equal(t, "users", doc.Tables[0].Name)
	require.Equal(t, "orders", doc.Tables[1].Name)
	require.Equal(t, "id", doc.Tables[0].Indexes[0].Column)
	require.Equal(t, "int", doc.Tables[0].Indexes[0].Type)
}

func TestFetchDelegatesToTable(t *testing.T) {
	a := table.New(cfg(1, "users"))
	c, err := Build([]*table.Table{a})
	require.NoError(t, err)

	_, ok := c.Fetch(1, 0, []byte("anything"))
	require.False(t, ok) // no refresh has happened yet

	_, ok = c.Fetch(99, 0, []byte("anything"))
	require.False(t, ok) // unknown table id
}
