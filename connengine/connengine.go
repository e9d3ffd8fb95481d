// Package connengine implements the per-connection request/response state
// machine: header parsing, key buffering, handler dispatch, and a
// two-segment output queue drained with a gather write. Exactly one
// response is ever in flight per connection; the next request is parsed
// only once the previous response has fully drained.
package connengine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/snapread/snapread/protocol"
)

// DefaultMaxKeyLen bounds key size; requests over this are parsed and
// discarded rather than rejected outright, per spec.md §4.7's OversizedKey
// policy.
const DefaultMaxKeyLen = 4096

// Dispatcher is the set of operations a Conn needs from the rest of the
// server to answer a request. The server package's dispatcher, which wraps
// catalog.Catalog and status.Builder, implements it.
type Dispatcher interface {
	Fetch(tableID, indexID uint8, key []byte) ([]byte, bool)
	SchemaJSON() []byte
	StatsJSON() []byte
}

type parseState int

const (
	stateNeedHeader parseState = iota
	stateNeedKey
)

// segment is one piece of queued output: either an owned copy or a
// borrowed reference into a table's arena (payloads returned by Fetch are
// framed arena slices and are queued by reference, never copied).
type segment struct {
	buf []byte
	off int
}

func (s *segment) remaining() []byte { return s.buf[s.off:] }
func (s *segment) drained() bool     { return s.off >= len(s.buf) }

// Conn is one client connection's parse/dispatch/output state. Conns are
// recycled through Engine's free list rather than reallocated per accept.
type Conn struct {
	ID int64

	fd    int
	state parseState

	hdr     [protocol.HeaderLen]byte
	hdrHave int

	header     protocol.Header
	discarding bool
	keyBuf     []byte
	keyHave    uint32

	in []byte // unconsumed bytes read from the socket but not yet parsed

	out        [2]segment
	outCount   int
	wantsWrite bool

	lastActivityUnix int64
	closed           bool

	next *Conn // free-list link; nil when in use
}

func (c *Conn) reset(fd int, id int64) {
	c.ID = id
	c.fd = fd
	c.state = stateNeedHeader
	c.hdrHave = 0
	c.header = protocol.Header{}
	c.discarding = false
	c.keyBuf = c.keyBuf[:0]
	c.keyHave = 0
	c.in = c.in[:0]
	c.out[0] = segment{}
	c.out[1] = segment{}
	c.outCount = 0
	c.wantsWrite = false
	c.closed = false
	c.next = nil
}

// FD returns the connection's raw file descriptor.
func (c *Conn) FD() int { return c.fd }

// LastActivityUnix returns the unix timestamp of the last byte read or
// written on this connection, consulted by idlewatch.
func (c *Conn) LastActivityUnix() int64 { return atomic.LoadInt64(&c.lastActivityUnix) }

func (c *Conn) touch(now int64) { atomic.StoreInt64(&c.lastActivityUnix, now) }

// Engine owns the set of live connections, a free list of retired Conn
// structs, and the readiness-loop glue (ReadReady/WriteReady are meant to be
// wired as evloop.Callback). Touched only by the event-loop thread.
type Engine struct {
	dispatcher Dispatcher
	maxKeyLen  uint32

	regRead  func(fd int, events uint32) error
	modEvent func(fd int, events uint32) error
	delFD    func(fd int) error

	onClose func(*Conn)

	mu       sync.Mutex
	free     *Conn
	nextID   int64
	byFD     map[int]*Conn
}

// Hooks wires an Engine to the event loop without connengine importing
// evloop directly, keeping the dependency direction core-inward.
type Hooks struct {
	Register func(fd int, events uint32) error
	Modify   func(fd int, events uint32) error
	Delete   func(fd int) error
}

// New constructs an Engine. maxKeyLen of 0 uses DefaultMaxKeyLen.
func New(dispatcher Dispatcher, maxKeyLen uint32, hooks Hooks, onClose func(*Conn)) *Engine {
	if maxKeyLen == 0 {
		maxKeyLen = DefaultMaxKeyLen
	}
	return &Engine{
		dispatcher: dispatcher,
		maxKeyLen:  maxKeyLen,
		regRead:    hooks.Register,
		modEvent:   hooks.Modify,
		delFD:      hooks.Delete,
		onClose:    onClose,
		byFD:       make(map[int]*Conn),
	}
}

// Accept registers a newly accepted fd, acquiring a Conn from the free list
// if one is available.
func (e *Engine) Accept(fd int, nowUnix int64) (*Conn, error) {
	e.mu.Lock()
	c := e.free
	if c != nil {
		e.free = c.next
	}
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	if c == nil {
		c = &Conn{}
	}
	c.reset(fd, id)
	c.touch(nowUnix)

	e.mu.Lock()
	e.byFD[fd] = c
	e.mu.Unlock()

	if err := e.regRead(fd, unix.EPOLLIN); err != nil {
		return nil, fmt.Errorf("connengine: register fd %d: %w", fd, err)
	}
	return c, nil
}

// ConnByFD returns the Conn registered for fd, if any.
func (e *Engine) ConnByFD(fd int) (*Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.byFD[fd]
	return c, ok
}

// Conns returns a snapshot of every currently live connection, for
// idlewatch's sweep.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, 0, len(e.byFD))
	for _, c := range e.byFD {
		out = append(out, c)
	}
	return out
}

// Close tears a connection down: unregisters it from the loop, closes the
// fd, and returns the struct to the free list for reuse.
func (e *Engine) Close(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	e.delFD(c.fd)
	unix.Close(c.fd)

	e.mu.Lock()
	delete(e.byFD, c.fd)
	c.next = e.free
	e.free = c
	e.mu.Unlock()

	if e.onClose != nil {
		e.onClose(c)
	}
}

// ReadReady is invoked by the event loop when fd is read-ready. It drains
// the socket, parses as many complete requests as the strict-FIFO output
// discipline allows, and queues responses.
func (e *Engine) ReadReady(c *Conn, nowUnix int64) {
	var buf [65536]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
			c.touch(nowUnix)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			e.Close(c)
			return
		}
		if n == 0 {
			e.Close(c)
			return
		}
		if n < len(buf) {
			break
		}
	}

	quit, closeErr := e.pump(c)
	if closeErr {
		e.Close(c)
		return
	}
	if c.outCount > 0 {
		e.flush(c)
	}
	if quit && c.outCount == 0 {
		e.Close(c)
	}
}

// pump parses as many requests out of c.in as the FIFO discipline allows
// (at most one queued-but-undrained response at a time) and dispatches
// each to produce output segments. Returns (sawQuit, shouldClose).
func (e *Engine) pump(c *Conn) (bool, bool) {
	for c.outCount == 0 {
		switch c.state {
		case stateNeedHeader:
			if len(c.in) < protocol.HeaderLen-c.hdrHave {
				n := copy(c.hdr[c.hdrHave:], c.in)
				c.in = c.in[n:]
				c.hdrHave += n
				return false, false
			}
			n := copy(c.hdr[c.hdrHave:], c.in)
			c.in = c.in[n:]
			c.hdrHave += n

			h, err := protocol.ParseHeader(c.hdr[:])
			if err != nil {
				return false, true // ProtocolError: close the connection
			}
			c.header = h
			c.discarding = h.KeyLen > e.maxKeyLen
			if !c.discarding {
				if cap(c.keyBuf) < int(h.KeyLen) {
					c.keyBuf = make([]byte, 0, h.KeyLen)
				}
				c.keyBuf = c.keyBuf[:0]
			}
			c.keyHave = 0
			c.hdrHave = 0
			c.state = stateNeedKey

		case stateNeedKey:
			need := c.header.KeyLen - c.keyHave
			take := uint32(len(c.in))
			if take > need {
				take = need
			}
			if !c.discarding {
				c.keyBuf = append(c.keyBuf, c.in[:take]...)
			}
			c.in = c.in[take:]
			c.keyHave += take
			if c.keyHave < c.header.KeyLen {
				return false, false
			}

			isQuit := e.dispatch(c)
			c.state = stateNeedHeader
			if isQuit {
				return true, false
			}
		}
		if len(c.in) == 0 && c.state == stateNeedHeader {
			return false, false
		}
	}
	return false, false
}

// dispatch handles one fully-received request and queues its response.
// Returns true if the request was ActionQuit.
func (e *Engine) dispatch(c *Conn) bool {
	if c.discarding {
		e.queueLenPrefixed(c, nil)
		return false
	}

	switch c.header.Action {
	case protocol.ActionFetch:
		payload, ok := e.dispatcher.Fetch(c.header.TableID, c.header.IndexID, c.keyBuf)
		if !ok {
			e.queueLenPrefixed(c, nil)
			return false
		}
		// payload is already a framed arena slice (length header + body);
		// queue it directly, no extra length prefix.
		e.queueRaw(c, payload)
		return false

	case protocol.ActionDescribeSchema:
		e.queueLenPrefixed(c, e.dispatcher.SchemaJSON())
		return false

	case protocol.ActionGetStatistics:
		e.queueLenPrefixed(c, e.dispatcher.StatsJSON())
		return false

	case protocol.ActionQuit:
		e.queueLenPrefixed(c, protocol.QuitPayload)
		return true

	default:
		e.queueLenPrefixed(c, nil)
		return false
	}
}

func (e *Engine) queueRaw(c *Conn, framed []byte) {
	c.out[0] = segment{buf: framed}
	c.outCount = 1
}

func (e *Engine) queueLenPrefixed(c *Conn, payload []byte) {
	hdr := make([]byte, 4)
	protocol.PutResponseLength(hdr, uint32(len(payload)))
	if len(payload) == 0 {
		c.out[0] = segment{buf: hdr}
		c.outCount = 1
		return
	}
	c.out[0] = segment{buf: hdr}
	c.out[1] = segment{buf: payload}
	c.outCount = 2
}

// flush attempts a gather write of all pending segments. On a short write
// it advances offsets and re-registers for write readiness; once fully
// drained, write interest is removed and, if more input is already
// buffered, the next request is parsed immediately.
func (e *Engine) flush(c *Conn) {
	iov := make([][]byte, 0, 2)
	for i := 0; i < c.outCount; i++ {
		if !c.out[i].drained() {
			iov = append(iov, c.out[i].remaining())
		}
	}
	if len(iov) == 0 {
		c.outCount = 0
		return
	}

	n, err := unix.Writev(c.fd, iov)
	if err != nil {
		if err == unix.EAGAIN {
			e.modEvent(c.fd, unix.EPOLLIN|unix.EPOLLOUT)
			c.wantsWrite = true
			return
		}
		e.Close(c)
		return
	}
	if n > 0 {
		c.touch(time.Now().Unix())
	}

	for i := 0; i < c.outCount && n > 0; i++ {
		seg := &c.out[i]
		if seg.drained() {
			continue
		}
		remaining := len(seg.remaining())
		if int64(n) >= int64(remaining) {
			n -= remaining
			seg.off = len(seg.buf)
		} else {
			seg.off += int(n)
			n = 0
		}
	}

	allDrained := true
	for i := 0; i < c.outCount; i++ {
		if !c.out[i].drained() {
			allDrained = false
			break
		}
	}
	if !allDrained {
		e.modEvent(c.fd, unix.EPOLLIN|unix.EPOLLOUT)
		c.wantsWrite = true
		return
	}

	c.outCount = 0
	if c.wantsWrite {
		e.modEvent(c.fd, unix.EPOLLIN)
		c.wantsWrite = false
	}

	// strict FIFO: only now may the next buffered request be parsed.
	if len(c.in) > 0 {
		quit, closeErr := e.pump(c)
		if closeErr {
			e.Close(c)
			return
		}
		if c.outCount > 0 {
			e.flush(c)
		}
		if quit && c.outCount == 0 {
			e.Close(c)
		}
	}
}

// WriteReady is invoked by the event loop when fd becomes write-ready after
// a prior short write registered write interest.
func (e *Engine) WriteReady(c *Conn) {
	e.flush(c)
}
