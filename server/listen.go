package server

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// rawListener is a socket accepted into the raw-fd world the event loop and
// connection engine operate in. It's built from the standard net package
// (so address resolution, IPv4/IPv6, and UNIX socket permission handling
// all go through net's well-tested path) rather than hand-built sockaddr
// structs, then handed off as a bare non-blocking fd.
type rawListener struct {
	file *os.File // kept alive so the duplicated fd isn't closed by a finalizer
	fd   int
	addr string
}

func newTCPListener(addr string) (*rawListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen tcp %s: %w", addr, err)
	}
	return fileListener(ln)
}

func newUnixListener(path string) (*rawListener, error) {
	_ = os.Remove(path) // stale socket file from a prior run
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("server: listen unix %s: %w", path, err)
	}
	return fileListener(ln)
}

func fileListener(ln net.Listener) (*rawListener, error) {
	addr := ln.Addr().String()

	type fileProvider interface {
		File() (*os.File, error)
	}
	fp, ok := ln.(fileProvider)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("server: listener for %s has no raw fd", addr)
	}
	file, err := fp.File()
	// The File() dup keeps its own copy of the descriptor; the original
	// net.Listener is no longer needed once we have it.
	ln.Close()
	if err != nil {
		return nil, fmt.Errorf("server: dup listener fd for %s: %w", addr, err)
	}

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return nil, fmt.Errorf("server: set nonblocking on %s: %w", addr, err)
	}
	runtime.SetFinalizer(file, nil)
	return &rawListener{file: file, fd: fd, addr: addr}, nil
}

func (l *rawListener) Close() error {
	return l.file.Close()
}

// acceptAll drains every pending connection on a ready listener fd,
// admitting each through connguard before handing it to the connection
// engine, closing anything connguard rejects outright.
func (s *Server) acceptAll(listenFD int) {
	for {
		fd, sa, err := unix.Accept(listenFD)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			return
		}

		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			continue
		}

		now := time.Now()
		if !s.cguard.Allow(peerAddr(sa), now) {
			unix.Close(fd)
			continue
		}

		if _, err := s.engine.Accept(fd, now.Unix()); err != nil {
			s.log.Warn().Err(err).Msg("failed to register accepted connection")
			unix.Close(fd)
			continue
		}
		s.metrics.Connections.Inc()
		s.log.Debug().Str("conn_trace_id", uuid.NewString()).Str("peer", peerAddr(sa)).Msg("accepted connection")
	}
}

// peerAddr renders a sockaddr into the string connguard buckets admission
// control on. UNIX-domain peers carry no address, so they all share one
// bucket; that's acceptable since UNIX sockets are already filesystem
// permission gated.
func peerAddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
	case *unix.SockaddrInet6:
		return fmt.Sprintf("%x", a.Addr)
	case *unix.SockaddrUnix:
		return "unix"
	default:
		return "unknown"
	}
}
