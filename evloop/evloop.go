// Package evloop implements the single-threaded, non-blocking,
// readiness-driven event loop that the connection engine runs on: register
// a file descriptor for read/write readiness, get a callback when it's
// ready, wake the loop from another goroutine, and arm one-shot timers.
// Backed by epoll, eventfd and timerfd via golang.org/x/sys/unix.
package evloop

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Event flags, matching the readiness classes spec.md §4.6 requires.
const (
	Read  uint32 = unix.EPOLLIN
	Write uint32 = unix.EPOLLOUT
	Err   uint32 = unix.EPOLLERR
	Hup   uint32 = unix.EPOLLHUP
)

// Callback is invoked with the fd and the readiness bits that fired.
type Callback func(fd int, events uint32)

// TimerCallback is invoked when a one-shot timer fires.
type TimerCallback func()

type fdSlot struct {
	events uint32
	cb     Callback
}

type timerSlot struct {
	tfd int
	cb  TimerCallback
}

// Loop is an epoll-backed readiness loop. Not safe for concurrent use by
// multiple goroutines except via Wake and Stop, which are explicitly designed
// to be called from other goroutines (Stop uses Wake to interrupt a blocked
// Run).
type Loop struct {
	epfd int

	mu     sync.Mutex
	slots  map[int]*fdSlot
	timers map[int]*timerSlot

	wakeFD int
	running bool
	stop    chan struct{}
}

// New creates an epoll instance and the eventfd used by Wake.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evloop: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("evloop: eventfd: %w", err)
	}

	l := &Loop{
		epfd:   epfd,
		slots:  make(map[int]*fdSlot),
		timers: make(map[int]*timerSlot),
		wakeFD: wakeFD,
		stop:   make(chan struct{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, fmt.Errorf("evloop: register wake fd: %w", err)
	}
	return l, nil
}

// Close releases the epoll instance, the wake eventfd, and any remaining
// timer fds. It does not close fds registered by callers via Add.
func (l *Loop) Close() error {
	l.mu.Lock()
	for _, t := range l.timers {
		unix.Close(t.tfd)
	}
	l.mu.Unlock()
	unix.Close(l.wakeFD)
	return unix.Close(l.epfd)
}

// Add registers fd for the given readiness events.
func (l *Loop) Add(fd int, events uint32, cb Callback) error {
	l.mu.Lock()
	l.slots[fd] = &fdSlot{events: events, cb: cb}
	l.mu.Unlock()

	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("evloop: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Mod changes the registered readiness events for fd.
func (l *Loop) Mod(fd int, events uint32) error {
	l.mu.Lock()
	slot, ok := l.slots[fd]
	if ok {
		slot.events = events
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("evloop: mod on unregistered fd %d", fd)
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("evloop: epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Del unregisters fd. The caller remains responsible for closing it.
func (l *Loop) Del(fd int) error {
	l.mu.Lock()
	delete(l.slots, fd)
	l.mu.Unlock()
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("evloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// ArmTimer creates a one-shot timerfd that fires cb once, after seconds plus
// nanoseconds have elapsed, on the loop's own goroutine. The timer is not re-armed; recurring
// timers (idlewatch's sweep) re-call ArmTimer from inside cb.
func (l *Loop) ArmTimer(seconds, nanoseconds int64, cb TimerCallback) (int, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("evloop: timerfd_create: %w", err)
	}
	spec := &unix.ItimerSpec{
		Value: unix.Timespec{Sec: seconds, Nsec: nanoseconds},
	}
	if err := unix.TimerfdSettime(tfd, 0, spec, nil); err != nil {
		unix.Close(tfd)
		return -1, fmt.Errorf("evloop: timerfd_settime: %w", err)
	}

	l.mu.Lock()
	l.timers[tfd] = &timerSlot{tfd: tfd, cb: cb}
	l.mu.Unlock()

	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, tfd, ev); err != nil {
		l.mu.Lock()
		delete(l.timers, tfd)
		l.mu.Unlock()
		unix.Close(tfd)
		return -1, fmt.Errorf("evloop: register timer fd: %w", err)
	}
	return tfd, nil
}

// CancelTimer unregisters and closes a timer fd previously returned by
// ArmTimer, if it has not already fired.
func (l *Loop) CancelTimer(tfd int) {
	l.mu.Lock()
	_, ok := l.timers[tfd]
	delete(l.timers, tfd)
	l.mu.Unlock()
	if ok {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, tfd, nil)
		unix.Close(tfd)
	}
}

// Wake interrupts a blocked Run, causing it to return promptly from
// epoll_wait and re-check its stop condition. Safe to call from any
// goroutine.
func (l *Loop) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("evloop: wake write: %w", err)
	}
	return nil
}

// Stop causes a running Run to return after its current iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.running {
		close(l.stop)
		l.stop = make(chan struct{})
	}
	l.mu.Unlock()
	l.Wake()
}

// maxEvents bounds how many ready events epoll_wait drains per iteration.
const maxEvents = 256

// Run blocks, dispatching readiness callbacks, until Stop is called. Must be
// called from exactly one goroutine: this is the single event-loop thread
// the rest of the system assumes.
func (l *Loop) Run() error {
	l.mu.Lock()
	l.running = true
	stopCh := l.stop
	l.mu.Unlock()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-stopCh:
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("evloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				drainWake(l.wakeFD)
				continue
			}

			l.mu.Lock()
			timer, isTimer := l.timers[fd]
			slot, isFD := l.slots[fd]
			l.mu.Unlock()

			switch {
			case isTimer:
				drainTimer(fd)
				l.mu.Lock()
				delete(l.timers, fd)
				l.mu.Unlock()
				unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
				unix.Close(fd)
				timer.cb()
			case isFD:
				slot.cb(fd, events[i].Events)
			}
		}
	}
}

func drainWake(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func drainTimer(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}
