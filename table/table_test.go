package table

import (
	"fmt"

	"github.com/snapread/snapread/protocol"
	"github.com/snapread/snapread/rowsource"
)

// fakeSource is a fixed in-memory rowsource.RowSource used by tests. It does
// not touch any network or database.
type fakeSource struct {
	rows        []rowsource.Row
	connected   bool
	connectErr  error
	iterateErr  error
	countRowsFn func() (uint32, error)
}

func intField(name string, n int64) protocol.Field {
	v := make([]byte, 8)
	for i := 0; i < 8; i++ {
		v[i] = byte(n >> (8 * uint(i)))
	}
	return protocol.Field{Name: name, Type: protocol.ValueInt64, Value: v}
}

func bytesField(name, s string) protocol.Field {
	return protocol.Field{Name: name, Type: protocol.ValueBytes, Value: []byte(s)}
}

func nullField(name string) protocol.Field {
	return protocol.Field{Name: name, Type: protocol.ValueNull}
}

func newFakeSource(n int) *fakeSource {
	rows := make([]rowsource.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, rowsource.Row{Fields: []protocol.Field{
			intField("id", int64(i)),
			bytesField("name", fmt.Sprintf("row-%d", i)),
		}})
	}
	return &fakeSource{rows: rows}
}

func (f *fakeSource) Connect() error    { f.connected = true; return f.connectErr }
func (f *fakeSource) Disconnect() error { f.connected = false; return nil }

func (f *fakeSource) CountRows(query string) (uint32, error) {
	if f.countRowsFn != nil {
		return f.countRowsFn()
	}
	return uint32(len(f.rows)), nil
}

func (f *fakeSource) IterateRows(query string, fn func(rowsource.Row) error) error {
	if f.iterateErr != nil {
		return f.iterateErr
	}
	for _, r := range f.rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}
