// Package client is a reference client for snapread's binary wire
// protocol: one Conn wraps a single net.Conn (TCP or UNIX) and exposes
// Fetch/DescribeSchema/Stats/Quit as plain request/response calls. Its
// shape (one Conn per socket, typed high-level methods, framed I/O) is
// carried from the teacher's burrow_client.go/conn.go; the framing itself
// is this project's own protocol, not burrowctl's JSON-RPC-over-AMQP, so
// it is not a database/sql driver — there is no write or transaction
// surface here for database/sql's interfaces to expose.
package client

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/snapread/snapread/protocol"
)

// Conn is one connection to a snapread server.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// DialTCP opens a TCP connection to a snapread server.
func DialTCP(addr string, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial tcp %s: %w", addr, err)
	}
	return newConn(nc, timeout), nil
}

// DialUnix opens a UNIX-domain connection to a snapread server.
func DialUnix(path string, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial unix %s: %w", path, err)
	}
	return newConn(nc, timeout), nil
}

func newConn(nc net.Conn, timeout time.Duration) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc), timeout: timeout}
}

// Close closes the underlying socket. Prefer Quit for a clean protocol
// farewell; Close alone simply drops the TCP/UNIX connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Row is one decoded FETCH result.
type Row struct {
	Fields []protocol.Field
}

// Fetch performs one point lookup against tableID/indexID, decoding a hit
// into its fields. ok is false on a miss (zero-length response).
func (c *Conn) Fetch(tableID, indexID uint8, key []byte) (Row, bool, error) {
	if err := c.writeRequest(protocol.ActionFetch, tableID, indexID, key); err != nil {
		return Row{}, false, err
	}
	payload, err := c.readResponse()
	if err != nil {
		return Row{}, false, err
	}
	if len(payload) == 0 {
		return Row{}, false, nil
	}
	fields, err := protocol.DecodeRow(payload)
	if err != nil {
		return Row{}, false, fmt.Errorf("client: decode row: %w", err)
	}
	return Row{Fields: fields}, true, nil
}

// DescribeSchema fetches the server's schema_json document.
func (c *Conn) DescribeSchema() ([]byte, error) {
	if err := c.writeRequest(protocol.ActionDescribeSchema, 0, 0, nil); err != nil {
		return nil, err
	}
	return c.readResponse()
}

// Stats fetches the server's stats_json document.
func (c *Conn) Stats() ([]byte, error) {
	if err := c.writeRequest(protocol.ActionGetStatistics, 0, 0, nil); err != nil {
		return nil, err
	}
	return c.readResponse()
}

// Quit sends the farewell request and reads the server's acknowledgement.
// The connection should not be used again afterward, only closed.
func (c *Conn) Quit() error {
	if err := c.writeRequest(protocol.ActionQuit, 0, 0, nil); err != nil {
		return err
	}
	_, err := c.readResponse()
	return err
}

func (c *Conn) writeRequest(action byte, tableID, indexID uint8, key []byte) error {
	if c.timeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	hdr := make([]byte, protocol.HeaderLen)
	hdr[0] = protocol.Version
	hdr[1] = action
	hdr[2] = tableID
	hdr[3] = indexID
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(key)))
	if _, err := c.nc.Write(hdr); err != nil {
		return fmt.Errorf("client: write header: %w", err)
	}
	if len(key) > 0 {
		if _, err := c.nc.Write(key); err != nil {
			return fmt.Errorf("client: write key: %w", err)
		}
	}
	return nil
}

func (c *Conn) readResponse() ([]byte, error) {
	if c.timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.timeout))
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("client: read response length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("client: read response payload: %w", err)
	}
	return payload, nil
}
