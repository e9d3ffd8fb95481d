package connengine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/snapread/snapread/protocol"
)

type fakeDispatcher struct {
	rows   map[string][]byte
	schema []byte
	stats  []byte
}

func (f *fakeDispatcher) Fetch(tableID, indexID uint8, key []byte) ([]byte, bool) {
	v, ok := f.rows[string(key)]
	return v, ok
}
func (f *fakeDispatcher) SchemaJSON() []byte { return f.schema }
func (f *fakeDispatcher) StatsJSON() []byte  { return f.stats }

func noopHooks() Hooks {
	return Hooks{
		Register: func(int, uint32) error { return nil },
		Modify:   func(int, uint32) error { return nil },
		Delete:   func(int) error { return nil },
	}
}

func header(action byte, tableID, indexID uint8, keyLen uint32) []byte {
	buf := make([]byte, protocol.HeaderLen)
	buf[0] = protocol.Version
	buf[1] = action
	buf[2] = tableID
	buf[3] = indexID
	binary.BigEndian.PutUint32(buf[4:8], keyLen)
	return buf
}

func readAll(t *testing.T, fd int, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 4096)
	for len(out) < n {
		k, err := unix.Read(fd, buf)
		require.NoError(t, err)
		out = append(out, buf[:k]...)
	}
	return out
}

func TestFetchHitReturnsFramedPayload(t *testing.T) {
	framed, err := buildFramedPayload([]byte("hello"))
	require.NoError(t, err)

	disp := &fakeDispatcher{rows: map[string][]byte{"k1": framed}}
	e := New(disp, 0, noopHooks(), nil)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	c, err := e.Accept(fds[0], 1000)
	require.NoError(t, err)

	req := append(header(protocol.ActionFetch, 0, 0, 2), []byte("k1")...)
	_, err = unix.Write(fds[1], req)
	require.NoError(t, err)

	e.ReadReady(c, 1000)

	resp := readAll(t, fds[1], len(framed))
	require.Equal(t, framed, resp)
}

func TestFetchMissReturnsZeroLength(t *testing.T) {
	disp := &fakeDispatcher{rows: map[string][]byte{}}
	e := New(disp, 0, noopHooks(), nil)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	c, err := e.Accept(fds[0], 1000)
	require.NoError(t, err)

	req := append(header(protocol.ActionFetch, 0, 0, 7), []byte("missing")...)
	_, err = unix.Write(fds[1], req)
	require.NoError(t, err)

	e.ReadReady(c, 1000)

	resp := readAll(t, fds[1], 4)
	require.Equal(t, []byte{0, 0, 0, 0}, resp)
}

func TestOversizedKeyIsDiscardedNotClosed(t *testing.T) {
	disp := &fakeDispatcher{rows: map[string][]byte{}}
	e := New(disp, 4, noopHooks(), nil) // max key len 4

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	c, err := e.Accept(fds[0], 1000)
	require.NoError(t, err)

	req := append(header(protocol.ActionFetch, 0, 0, 10), []byte("0123456789")...)
	_, err = unix.Write(fds[1], req)
	require.NoError(t, err)

	e.ReadReady(c, 1000)

	resp := readAll(t, fds[1], 4)
	require.Equal(t, []byte{0, 0, 0, 0}, resp)
	require.False(t, c.closed)
}

func TestBadVersionClosesConnection(t *testing.T) {
	disp := &fakeDispatcher{}
	e := New(disp, 0, noopHooks(), nil)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	c, err := e.Accept(fds[0], 1000)
	require.NoError(t, err)

	bad := header(protocol.ActionFetch, 0, 0, 0)
	bad[0] = 0x01
	_, err = unix.Write(fds[1], bad)
	require.NoError(t, err)

	e.ReadReady(c, 1000)
	require.True(t, c.closed)
}

func TestQuitClosesAfterFarewell(t *testing.T) {
	disp := &fakeDispatcher{}
	e := New(disp, 0, noopHooks(), nil)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	c, err := e.Accept(fds[0], 1000)
	require.NoError(t, err)

	req := header(protocol.ActionQuit, 0, 0, 0)
	_, err = unix.Write(fds[1], req)
	require.NoError(t, err)

	e.ReadReady(c, 1000)

	resp := readAll(t, fds[1], 4+len(protocol.QuitPayload))
	require.Equal(t, protocol.QuitPayload, resp[4:])
	require.True(t, c.closed)
}

func TestConnRecycledThroughFreeList(t *testing.T) {
	disp := &fakeDispatcher{}
	e := New(disp, 0, noopHooks(), nil)

	fds1, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds1[1])

	c1, err := e.Accept(fds1[0], 1000)
	require.NoError(t, err)
	e.Close(c1)

	fds2, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds2[0])
	defer unix.Close(fds2[1])

	c2, err := e.Accept(fds2[0], 2000)
	require.NoError(t, err)
	require.Same(t, c1, c2, "the freed Conn struct should be reused")
}

func buildFramedPayload(payload []byte) ([]byte, error) {
	fields := []protocol.Field{{Name: "v", Type: protocol.ValueBytes, Value: payload}}
	row, err := protocol.EncodeRow(fields)
	if err != nil {
		return nil, err
	}
	framed := make([]byte, 4+len(row))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(row)))
	copy(framed[4:], row)
	return framed, nil
}
