package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeHeader(version, action, tableID, indexID byte, keyLen uint32) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = version
	buf[1] = action
	buf[2] = tableID
	buf[3] = indexID
	binary.BigEndian.PutUint32(buf[4:8], keyLen)
	return buf
}

func TestParseHeaderRoundTrip(t *testing.T) {
	buf := makeHeader(Version, ActionFetch, 3, 1, 42)
	h, err := ParseHeader(buf)
	require.NoError(t, err)
	require.Equal(t, Header{Version: Version, Action: ActionFetch, TableID: 3, IndexID: 1, KeyLen: 42}, h)
}

func TestParseHeaderRejectsBadVersion(t *testing.T) {
	buf := makeHeader(0x01, ActionFetch, 0, 0, 0)
	_, err := ParseHeader(buf)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestParseHeaderRejectsWrongLength(t *testing.T) {
	_, err := ParseHeader(make([]byte, 7))
	require.Error(t, err)
}

func TestEncodeDecodeRowRoundTrip(t *testing.T) {
	fields := []Field{
		{Name: "id", Type: ValueInt64, Value: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
		{Name: "name", Type: ValueBytes, Value: []byte("alice")},
		{Name: "deleted_at", Type: ValueNull, Value: nil},
	}
	buf, err := EncodeRow(fields)
	require.NoError(t, err)

	got, err := DecodeRow(buf)
	require.NoError(t, err)
	require.Equal(t, fields, got)
}

func TestEncodeRowRejectsOversizedFieldName(t *testing.T) {
	name := make([]byte, MaxFieldNameLen+1)
	_, err := EncodeRow([]Field{{Name: string(name), Type: ValueBytes, Value: []byte("x")}})
	require.Error(t, err)
}

func TestEncodeRowRejectsTooManyFields(t *testing.T) {
	fields := make([]Field, MaxFieldCount+1)
	for i := range fields {
		fields[i] = Field{Name: "f", Type: ValueBool, Value: []byte{1}}
	}
	_, err := EncodeRow(fields)
	require.Error(t, err)
}

func TestDecodeRowRejectsTruncatedPayload(t *testing.T) {
	_, err := DecodeRow([]byte{1, 0})
	require.Error(t, err)
}

func TestEncodeRowEmptyFieldSet(t *testing.T) {
	buf, err := EncodeRow(nil)
	require.NoError(t, err)
	require.Len(t, buf, 4)

	got, err := DecodeRow(buf)
	require.NoError(t, err)
	require.Len(t, got, 0)
}
