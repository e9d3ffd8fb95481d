// Package protocol implements the binary wire protocol framing and the row
// payload codec described in spec.md §4.5/§6.1: an 8-byte request header,
// a 4-byte big-endian response length prefix, and a field-tagged row
// encoding for FETCH payloads.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the single supported protocol version byte.
const Version byte = 0x11

// Action codes, ASCII as specified.
const (
	ActionFetch          byte = 'F'
	ActionDescribeSchema byte = 'D'
	ActionGetStatistics  byte = 's'
	ActionQuit           byte = 'q'
)

// HeaderLen is the fixed size of a request header in bytes.
const HeaderLen = 8

// ErrBadVersion is returned by ParseHeader when the version byte does not
// match Version. Per spec.md §4.7/§7 this is a ProtocolError: the connection
// must be closed.
var ErrBadVersion = errors.New("protocol: unsupported version byte")

// Header is a parsed 8-byte request header.
type Header struct {
	Version  byte
	Action   byte
	TableID  uint8
	IndexID  uint8
	KeyLen   uint32
}

// ParseHeader decodes an 8-byte buffer into a Header. buf must be exactly
// HeaderLen bytes (callers in connengine only invoke this once that many
// bytes have accumulated).
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderLen {
		return Header{}, fmt.Errorf("protocol: header must be %d bytes, got %d", HeaderLen, len(buf))
	}
	h := Header{
		Version: buf[0],
		Action:  buf[1],
		TableID: buf[2],
		IndexID: buf[3],
		KeyLen:  binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Version != Version {
		return Header{}, ErrBadVersion
	}
	return h, nil
}

// PutResponseLength writes a 4-byte big-endian length prefix into dst (which
// must be at least 4 bytes).
func PutResponseLength(dst []byte, length uint32) {
	binary.BigEndian.PutUint32(dst, length)
}

// ZeroLengthResponse is the 4-byte zero-length frame sent for misses and
// discarded oversized keys.
var ZeroLengthResponse = [4]byte{0, 0, 0, 0}

// QuitPayload is the literal JSON farewell sent for ActionQuit.
var QuitPayload = []byte(`{"BYE":true}`)

// Row value type tags, per spec.md §4.5/§6.1.
const (
	ValueNull    byte = 0
	ValueInt64   byte = 1
	ValueFloat64 byte = 2
	ValueBytes   byte = 3
	ValueDecimal byte = 4
	ValueBool    byte = 5
)

// Field is one named, typed value inside a row.
type Field struct {
	Name  string
	Type  byte
	Value []byte // raw bytes per Type's encoding rule; nil for ValueNull
}

// MaxFieldNameLen and MaxFieldCount enforce spec.md §5's resource caps.
const (
	MaxFieldNameLen = 100
	MaxFieldCount   = 99
)

// EncodeRow serializes fields into the row payload format of spec.md §4.5:
// 4-byte LE field count, then per field: 2-byte LE name length, name bytes,
// 1-byte type tag, 4-byte LE value length, value bytes.
func EncodeRow(fields []Field) ([]byte, error) {
	if len(fields) > MaxFieldCount {
		return nil, fmt.Errorf("protocol: field count %d exceeds max %d", len(fields), MaxFieldCount)
	}
	size := 4
	for _, f := range fields {
		if len(f.Name) > MaxFieldNameLen {
			return nil, fmt.Errorf("protocol: field name %q exceeds max length %d", f.Name, MaxFieldNameLen)
		}
		size += 2 + len(f.Name) + 1 + 4 + len(f.Value)
	}
	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(fields)))
	off := 4
	for _, f := range fields {
		binary.LittleEndian.PutUint16(out[off:off+2], uint16(len(f.Name)))
		off += 2
		off += copy(out[off:], f.Name)
		out[off] = f.Type
		off++
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(f.Value)))
		off += 4
		off += copy(out[off:], f.Value)
	}
	return out, nil
}

// DecodeRow is the inverse of EncodeRow; used by the reference client and by
// tests asserting the round-trip law of spec.md §8.
func DecodeRow(buf []byte) ([]Field, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("protocol: row payload too short")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	fields := make([]Field, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+2 > len(buf) {
			return nil, fmt.Errorf("protocol: truncated field name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+nameLen > len(buf) {
			return nil, fmt.Errorf("protocol: truncated field name")
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		if off+1 > len(buf) {
			return nil, fmt.Errorf("protocol: truncated field type")
		}
		typ := buf[off]
		off++
		if off+4 > len(buf) {
			return nil, fmt.Errorf("protocol: truncated value length")
		}
		valLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+valLen > len(buf) {
			return nil, fmt.Errorf("protocol: truncated value")
		}
		var val []byte
		if valLen > 0 {
			val = append([]byte(nil), buf[off:off+valLen]...)
		}
		off += valLen
		fields = append(fields, Field{Name: name, Type: typ, Value: val})
	}
	return fields, nil
}
