package mysql

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapread/snapread/protocol"
)

// sql.ColumnType has no exported constructor, so these tests exercise the
// type-name-driven conversion rules directly through convertValueForType
// rather than building a ColumnType by hand.

func TestConvertValueForTypeInt(t *testing.T) {
	f := convertValueForType("id", []byte("42"), "BIGINT")
	require.Equal(t, protocol.ValueInt64, f.Type)
	require.Equal(t, int64Bytes(42), f.Value)
}

func TestConvertValueForTypeFloat(t *testing.T) {
	f := convertValueForType("score", []byte("3.5"), "DOUBLE")
	require.Equal(t, protocol.ValueFloat64, f.Type)
	require.Equal(t, float64Bytes(3.5), f.Value)
}

func TestConvertValueForTypeDecimalKeepsRawText(t *testing.T) {
	f := convertValueForType("price", []byte("19.99"), "DECIMAL")
	require.Equal(t, protocol.ValueDecimal, f.Type)
	require.Equal(t, []byte("19.99"), f.Value)
}

func TestConvertValueForTypeBool(t *testing.T) {
	f := convertValueForType("active", []byte("1"), "BOOL")
	require.Equal(t, protocol.ValueBool, f.Type)
	require.Equal(t, []byte{1}, f.Value)
}

func TestConvertValueForTypeTextDefault(t *testing.T) {
	f := convertValueForType("name", []byte("alice"), "VARCHAR")
	require.Equal(t, protocol.ValueBytes, f.Type)
	require.Equal(t, []byte("alice"), f.Value)
}

func TestConvertValueForTypeNull(t *testing.T) {
	f := convertValueForType("name", nil, "VARCHAR")
	require.Equal(t, protocol.ValueNull, f.Type)
	require.Nil(t, f.Value)
}
