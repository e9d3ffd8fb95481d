// Package mysql is a concrete RowSource backed by database/sql and
// github.com/go-sql-driver/mysql. Pooling mirrors the teacher's PoolConfig
// (SetMaxIdleConns/SetMaxOpenConns/SetConnMaxLifetime); column-type-aware
// value conversion mirrors the teacher's convertDatabaseValue, retargeted
// from JSON-serializable Go values onto the protocol's closed
// {null,int64,float64,bytes,decimal,bool} type set.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/snapread/snapread/protocol"
	"github.com/snapread/snapread/rowsource"
)

// PoolConfig controls database/sql's connection pool, named and defaulted
// the way the teacher's PoolConfig is.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig mirrors the teacher's defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxIdleConns: 5, MaxOpenConns: 20, ConnMaxLifetime: 5 * time.Minute}
}

// ReconnectConfig is the exponential-backoff policy applied when a refresh
// finds no open database handle (never connected, or after Disconnect),
// adapted from the teacher's client-side AMQP reconnection policy onto a
// MySQL connection instead. ResetInterval is carried but not consulted.
type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	ResetInterval   time.Duration
}

// DefaultReconnectConfig mirrors the teacher's client/reconnect.go defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		ResetInterval:   time.Minute,
	}
}

// Source is a RowSource backed by a single MySQL DSN.
type Source struct {
	dsn       string
	pool      PoolConfig
	reconnect ReconnectConfig

	db *sql.DB

	backoff time.Duration
}

// New constructs a Source. Connect must be called before use.
func New(dsn string, pool PoolConfig, reconnect ReconnectConfig) *Source {
	return &Source{dsn: dsn, pool: pool, reconnect: reconnect, backoff: reconnect.InitialInterval}
}

// Connect opens (or re-opens) the pooled database/sql handle. Idempotent:
// calling it while already connected first closes the stale handle.
func (s *Source) Connect() error {
	if s.db != nil {
		s.db.Close()
	}
	db, err := sql.Open("mysql", s.dsn)
	if err != nil {
		return fmt.Errorf("mysql rowsource: open: %w", err)
	}
	db.SetMaxIdleConns(s.pool.MaxIdleConns)
	db.SetMaxOpenConns(s.pool.MaxOpenConns)
	db.SetConnMaxLifetime(s.pool.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("mysql rowsource: ping: %w", err)
	}
	s.db = db
	s.backoff = s.reconnect.InitialInterval
	return nil
}

// Disconnect closes the pooled handle.
func (s *Source) Disconnect() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CountRows runs SELECT COUNT(*) FROM (query) AS _snapread_count, sizing the
// hash index before the row-iteration pass begins.
func (s *Source) CountRows(query string) (uint32, error) {
	if err := s.ensureConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var n uint32
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS _snapread_count", query)
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("mysql rowsource: count rows: %w", err)
	}
	return n, nil
}

// IterateRows runs query and invokes fn once per row, converting each
// column into a protocol.Field using convertValue.
func (s *Source) IterateRows(query string, fn func(rowsource.Row) error) error {
	if err := s.ensureConnected(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("mysql rowsource: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("mysql rowsource: column types: %w", err)
	}
	names, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("mysql rowsource: columns: %w", err)
	}

	scanDest := make([]interface{}, len(cols))
	raw := make([]sql.RawBytes, len(cols))
	for i := range raw {
		scanDest[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return fmt.Errorf("mysql rowsource: scan: %w", err)
		}
		fields := make([]protocol.Field, len(cols))
		for i, ct := range cols {
			fields[i] = convertValue(names[i], raw[i], ct)
		}
		if err := fn(rowsource.Row{Fields: fields}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ensureConnected reconnects with exponential backoff if the pool was never
// established, adapting the teacher's client-side reconnect loop.
func (s *Source) ensureConnected() error {
	if s.db != nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := s.Connect(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		jitter := time.Duration(rand.Int63n(int64(s.backoff) / 4))
		time.Sleep(s.backoff + jitter)
		s.backoff = time.Duration(float64(s.backoff) * s.reconnect.Multiplier)
		if s.backoff > s.reconnect.MaxInterval {
			s.backoff = s.reconnect.MaxInterval
		}
	}
	return fmt.Errorf("mysql rowsource: failed to connect after retries: %w", lastErr)
}

// convertValue maps one raw MySQL column value onto the protocol's closed
// type set, by database type name, mirroring the teacher's
// convertDatabaseValue but targeting a binary tag instead of a JSON value.
func convertValue(name string, raw sql.RawBytes, ct *sql.ColumnType) protocol.Field {
	return convertValueForType(name, raw, ct.DatabaseTypeName())
}

// convertValueForType holds the actual type-name-driven conversion rules,
// split out from convertValue so they're testable without constructing a
// *sql.ColumnType (which database/sql does not expose a way to build).
func convertValueForType(name string, raw []byte, dbType string) protocol.Field {
	if raw == nil {
		return protocol.Field{Name: name, Type: protocol.ValueNull}
	}

	switch dbType {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return protocol.Field{Name: name, Type: protocol.ValueBytes, Value: append([]byte(nil), raw...)}
		}
		return protocol.Field{Name: name, Type: protocol.ValueInt64, Value: int64Bytes(n)}

	case "FLOAT", "DOUBLE", "REAL":
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return protocol.Field{Name: name, Type: protocol.ValueBytes, Value: append([]byte(nil), raw...)}
		}
		return protocol.Field{Name: name, Type: protocol.ValueFloat64, Value: float64Bytes(f)}

	case "DECIMAL", "NUMERIC":
		return protocol.Field{Name: name, Type: protocol.ValueDecimal, Value: append([]byte(nil), raw...)}

	case "BOOL", "BOOLEAN":
		b := len(raw) > 0 && raw[0] != 0 && string(raw) != "0"
		v := byte(0)
		if b {
			v = 1
		}
		return protocol.Field{Name: name, Type: protocol.ValueBool, Value: []byte{v}}

	default:
		return protocol.Field{Name: name, Type: protocol.ValueBytes, Value: append([]byte(nil), raw...)}
	}
}

func int64Bytes(n int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(n >> (8 * uint(i)))
	}
	return b
}

func float64Bytes(f float64) []byte {
	bits := math.Float64bits(f)
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * uint(i)))
	}
	return b
}
