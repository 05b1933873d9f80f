// Package poll provides readiness polling for non-blocking sockets.
//
// A Poll multiplexes two kinds of handles: kernel descriptors, registered
// through EventedFd on unix platforms, and userspace Registrations whose
// readiness is driven by SetReadiness. Both report through the same Events
// buffer, tagged with the Token chosen at registration.
package poll

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidToken      = errors.New("poll: invalid token")
	ErrInvalidOpts       = errors.New("poll: edge and level options are mutually exclusive")
	ErrClosed            = errors.New("poll: instance is closed")
	ErrAlreadyRegistered = errors.New("poll: handle is already registered")
	ErrNotRegistered     = errors.New("poll: handle is not registered with this instance")
)

// Evented 是可以注册到 Poll 的资源需要实现的接口。
// Poll.Register 等方法在校验参数后直接委托给这里的实现。
type Evented interface {
	Register(p *Poll, token Token, interest Ready, opts PollOpt) error
	Reregister(p *Poll, token Token, interest Ready, opts PollOpt) error
	Deregister(p *Poll) error
}

// Option configures a Poll.
type Option func(*Poll)

// WithLogger sets the logger used for debug diagnostics.
func WithLogger(l *logrus.Entry) Option {
	return func(p *Poll) {
		if l != nil {
			p.log = l
		}
	}
}

// Poll waits for readiness events on registered handles.
type Poll struct {
	sel *selector
	log *logrus.Entry

	// Only one goroutine may collect events at a time.
	pollMu sync.Mutex

	readyMu sync.Mutex
	readyQ  *queue.Queue // of *readinessNode

	// wakeMu 保证 Close 释放唤醒描述符时没有正在进行的写入。
	wakeMu sync.RWMutex
	closed atomic.Bool
}

// New creates a Poll backed by the platform selector.
func New(opts ...Option) (*Poll, error) {
	p := &Poll{
		log:    logrus.WithField("component", "poll"),
		readyQ: queue.New(),
	}
	for _, opt := range opts {
		opt(p)
	}

	sel, err := newSelector(p.log)
	if err != nil {
		return nil, err
	}
	p.sel = sel
	return p, nil
}

func validateArgs(token Token, opts PollOpt) error {
	if token == wakeToken {
		return ErrInvalidToken
	}
	if opts.IsEdge() && opts.IsLevel() {
		return ErrInvalidOpts
	}
	return nil
}

// Register starts monitoring handle for the given interest.
func (p *Poll) Register(handle Evented, token Token, interest Ready, opts PollOpt) error {
	if err := validateArgs(token, opts); err != nil {
		return err
	}
	if p.closed.Load() {
		return ErrClosed
	}
	return handle.Register(p, token, interest, opts)
}

// Reregister changes the token, interest or options of a registered handle.
func (p *Poll) Reregister(handle Evented, token Token, interest Ready, opts PollOpt) error {
	if err := validateArgs(token, opts); err != nil {
		return err
	}
	if p.closed.Load() {
		return ErrClosed
	}
	return handle.Reregister(p, token, interest, opts)
}

// Deregister stops monitoring handle. No further events carry its token.
func (p *Poll) Deregister(handle Evented) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return handle.Deregister(p)
}

// Poll blocks until at least one event is ready, the timeout expires or
// Wakeup is called. A negative timeout blocks indefinitely. The number of
// events written to events is returned.
func (p *Poll) Poll(events *Events, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	if p.closed.Load() {
		return 0, ErrClosed
	}

	events.clear()
	if p.hasPending() {
		timeout = 0
	}

	if err := p.sel.wait(events, timeout); err != nil {
		return 0, err
	}
	if p.closed.Load() {
		events.clear()
		return 0, ErrClosed
	}
	p.drainReadiness(events)
	return events.Len(), nil
}

// Wakeup interrupts a blocked Poll call from any goroutine.
func (p *Poll) Wakeup() error {
	p.wakeMu.RLock()
	defer p.wakeMu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	return p.sel.wake()
}

// Close releases the selector. A goroutine blocked in Poll returns
// ErrClosed. Registered handles are not closed.
func (p *Poll) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.sel.wake(); err != nil {
		p.log.WithError(err).Debug("wake selector on close")
	}

	// 等待正在进行的 Poll 返回
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	return p.sel.close()
}

func (p *Poll) hasPending() bool {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	return p.readyQ.Length() > 0
}

// enqueue 在调用方已经将 node.queued 置为 true 之后调用，且不能持有 node.mu。
func (p *Poll) enqueue(n *readinessNode) {
	p.readyMu.Lock()
	p.readyQ.Add(n)
	p.readyMu.Unlock()

	if err := p.Wakeup(); err != nil && !errors.Is(err, ErrClosed) {
		p.log.WithError(err).Debug("wake selector")
	}
}

func (p *Poll) drainReadiness(events *Events) {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()

	var requeue []*readinessNode
	for pending := p.readyQ.Length(); pending > 0 && !events.full(); pending-- {
		n := p.readyQ.Remove().(*readinessNode)

		n.mu.Lock()
		n.queued = false
		if n.poll != p {
			n.mu.Unlock()
			continue
		}
		ready := n.readiness & n.interest
		if ready.IsEmpty() {
			n.mu.Unlock()
			continue
		}
		events.push(Event{readiness: ready, token: n.token})
		switch {
		case n.opts.IsOneshot():
			n.interest = 0
		case !n.opts.IsEdge():
			n.queued = true
			requeue = append(requeue, n)
		}
		n.mu.Unlock()
	}

	for _, n := range requeue {
		p.readyQ.Add(n)
	}
}

// timeoutMillis rounds up so that a short positive timeout never becomes a
// non-blocking poll.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
