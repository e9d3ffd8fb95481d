// Package rowsource defines the capability interface through which the
// refresh driver pulls rows out of an external database. Core packages
// (table, refresh, catalog) depend only on this interface; concrete
// database drivers live in subpackages such as rowsource/mysql.
package rowsource

import "github.com/snapread/snapread/protocol"

// Row is one row yielded by IterateRows, already decomposed into the
// protocol's typed field representation.
type Row struct {
	Fields []protocol.Field
}

// RowSource is implemented by database-specific adapters. A RowSource is
// owned by exactly one goroutine at a time: the refresh worker currently
// rebuilding the table it backs. Nothing in this package requires a
// specific database engine; spec.md explicitly scopes driver
// implementations out of the core.
type RowSource interface {
	// Connect establishes (or re-establishes) the underlying connection.
	// Calling Connect while already connected must be safe and leave the
	// source connected (rowsource/mysql's Source reopens its handle).
	Connect() error

	// Disconnect releases the underlying connection. Safe to call on an
	// already-disconnected source.
	Disconnect() error

	// CountRows returns the number of rows query will yield, used to size
	// the hash index before the iteration pass begins.
	CountRows(query string) (uint32, error)

	// IterateRows runs query and invokes fn once per row in result order.
	// fn returning an error aborts iteration and that error is returned
	// to the caller.
	IterateRows(query string, fn func(Row) error) error
}
