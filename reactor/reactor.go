// Package reactor is a single-threaded epoll loop. Subscribers own file
// descriptors and are called back when those become ready.
package reactor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

var (
	ErrPoisoned   = errors.New("event loop poisoned by a panicking subscriber")
	ErrRegistered = errors.New("fd already registered")
	ErrUnknownFD  = errors.New("fd not registered")
	ErrClosed     = errors.New("event loop closed")
)

var log = logger.WithSource("reactor")

const maxEvents = 128

// EventSet is a mask of epoll event bits.
type EventSet uint32

const (
	In  EventSet = unix.EPOLLIN
	Out EventSet = unix.EPOLLOUT
	Err EventSet = unix.EPOLLERR
	Hup EventSet = unix.EPOLLHUP
)

// Event is one readiness notification.
type Event struct {
	FD     int
	Events EventSet
}

// Interest is an fd a subscriber wants to hear about.
type Interest struct {
	FD     int
	Events EventSet
}

// Subscriber handles the events of the fds it registered.
type Subscriber interface {
	Process(ev Event, ops *Ops)
	Interest() []Interest
}

// OpKind names a deferred registration change.
type OpKind int

const (
	OpAdd OpKind = iota
	OpRegister
	OpUnregister
	OpModify
)

// Op is one deferred change.
type Op struct {
	Kind   OpKind
	FD     int
	Events EventSet
	Sub    Subscriber
}

// Ops collects registration changes requested from inside a callback. They
// are applied after the current dispatch pass.
type Ops struct {
	pending []Op
}

// Add registers every Interest of sub.
func (o *Ops) Add(sub Subscriber) {
	o.pending = append(o.pending, Op{Kind: OpAdd, Sub: sub})
}

func (o *Ops) Register(fd int, events EventSet, sub Subscriber) {
	o.pending = append(o.pending, Op{Kind: OpRegister, FD: fd, Events: events, Sub: sub})
}

func (o *Ops) Unregister(fd int) {
	o.pending = append(o.pending, Op{Kind: OpUnregister, FD: fd})
}

func (o *Ops) Modify(fd int, events EventSet) {
	o.pending = append(o.pending, Op{Kind: OpModify, FD: fd, Events: events})
}

// Pending lists the queued changes in order.
func (o *Ops) Pending() []Op {
	return o.pending
}

// Reactor owns the epoll instance.
type Reactor struct {
	epfd    int
	control eventfd.Eventfd

	mu       sync.Mutex
	subs     map[int]Subscriber
	poisoned error
	stopped  bool
	closed   bool

	events []unix.EpollEvent
}

// New creates the epoll instance and its control eventfd.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	control, err := eventfd.Create()
	if err != nil {
		unix.Close(epfd)

		return nil, err
	}

	r := &Reactor{
		epfd:    epfd,
		control: control,
		subs:    make(map[int]Subscriber),
		events:  make([]unix.EpollEvent, maxEvents),
	}

	if err := r.ctl(unix.EPOLL_CTL_ADD, control.FD(), In); err != nil {
		r.Close()

		return nil, err
	}

	return r, nil
}

func (r *Reactor) ctl(op, fd int, events EventSet) error {
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(%d, fd %d): %w", op, fd, err)
	}

	return nil
}

// Add registers every Interest of sub.
func (r *Reactor) Add(sub Subscriber) error {
	for _, i := range sub.Interest() {
		if err := r.Register(i.FD, i.Events, sub); err != nil {
			return err
		}
	}

	return nil
}

// Register starts watching fd for events on behalf of sub.
func (r *Reactor) Register(fd int, events EventSet, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if _, ok := r.subs[fd]; ok || fd == r.control.FD() {
		return fmt.Errorf("fd %d: %w", fd, ErrRegistered)
	}

	if err := r.ctl(unix.EPOLL_CTL_ADD, fd, events); err != nil {
		return err
	}

	r.subs[fd] = sub

	return nil
}

func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[fd]; !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrUnknownFD)
	}

	delete(r.subs, fd)

	// The fd may already be closed, in which case epoll forgot it.
	if err := r.ctl(unix.EPOLL_CTL_DEL, fd, 0); err != nil && !errors.Is(err, unix.EBADF) &&
		!errors.Is(err, unix.ENOENT) {
		return err
	}

	return nil
}

func (r *Reactor) Modify(fd int, events EventSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[fd]; !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrUnknownFD)
	}

	return r.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// Len is the number of registered fds.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}

// Stop makes Run return. It may be called from any goroutine.
func (r *Reactor) Stop() error {
	return r.control.Notify()
}

func (r *Reactor) apply(ops *Ops) error {
	var errs []error

	for _, o := range ops.pending {
		var err error

		switch o.Kind {
		case OpAdd:
			err = r.Add(o.Sub)
		case OpRegister:
			err = r.Register(o.FD, o.Events, o.Sub)
		case OpUnregister:
			err = r.Unregister(o.FD)
		case OpModify:
			err = r.Modify(o.FD, o.Events)
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	ops.pending = ops.pending[:0]

	return errors.Join(errs...)
}

func (r *Reactor) dispatch(sub Subscriber, ev Event, ops *Ops) (err error) {
	defer func() {
		if p := recover(); p != nil {
			metrics.M.VMM.Panics.Inc()
			log.Errorf("subscriber of fd %d panicked: %v\n%s", ev.FD, p, debug.Stack())

			err = fmt.Errorf("fd %d: %v: %w", ev.FD, p, ErrPoisoned)
		}
	}()

	sub.Process(ev, ops)

	return nil
}

// RunWithTimeout waits at most ms milliseconds (-1 blocks) for events,
// dispatches them and returns how many were handled.
func (r *Reactor) RunWithTimeout(ms int) (int, error) {
	r.mu.Lock()
	if r.poisoned != nil {
		err := r.poisoned
		r.mu.Unlock()

		return 0, err
	}

	if r.closed {
		r.mu.Unlock()

		return 0, ErrClosed
	}
	r.mu.Unlock()

	n, err := unix.EpollWait(r.epfd, r.events, ms)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	ops := &Ops{}
	handled := 0

	for _, e := range r.events[:n] {
		ev := Event{FD: int(e.Fd), Events: EventSet(e.Events)}

		if ev.FD == r.control.FD() {
			if _, err := r.control.Read(); err != nil {
				return handled, err
			}

			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()

			handled++

			continue
		}

		r.mu.Lock()
		sub, ok := r.subs[ev.FD]
		r.mu.Unlock()

		// Unregistered earlier in this batch.
		if !ok {
			continue
		}

		if err := r.dispatch(sub, ev, ops); err != nil {
			r.mu.Lock()
			r.poisoned = err
			r.mu.Unlock()

			return handled, err
		}

		handled++
	}

	if err := r.apply(ops); err != nil {
		return handled, err
	}

	return handled, nil
}

// Run dispatches events until Stop is called or an error occurs.
func (r *Reactor) Run() error {
	for {
		if _, err := r.RunWithTimeout(-1); err != nil {
			return err
		}

		r.mu.Lock()
		stopped := r.stopped
		r.stopped = false
		r.mu.Unlock()

		if stopped {
			return nil
		}
	}
}

// Close releases the epoll instance. Registered fds are not closed.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.subs = map[int]Subscriber{}

	return errors.Join(unix.Close(r.epfd), r.control.Close())
}
