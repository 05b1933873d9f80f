package poll

import "sync"

// readinessNode 保存一个用户态注册的状态。
type readinessNode struct {
	mu        sync.Mutex
	poll      *Poll
	token     Token
	interest  Ready
	opts      PollOpt
	readiness Ready
	queued    bool
}

// markQueuedLocked reports whether the node must be pushed onto its poll's
// readiness queue. The caller holds n.mu and enqueues after unlocking.
func (n *readinessNode) markQueuedLocked() *Poll {
	if n.poll == nil || n.queued || (n.readiness & n.interest).IsEmpty() {
		return nil
	}
	n.queued = true
	return n.poll
}

// Registration is a userspace handle that can be registered with a Poll.
// Its readiness is controlled by the paired SetReadiness.
type Registration struct {
	node *readinessNode
}

// SetReadiness updates the readiness of its paired Registration.
// It is safe for use from any goroutine.
type SetReadiness struct {
	node *readinessNode
}

// NewRegistration 返回一对共享同一状态的 Registration 与 SetReadiness。
func NewRegistration() (*Registration, *SetReadiness) {
	n := &readinessNode{}
	return &Registration{node: n}, &SetReadiness{node: n}
}

// Register implements Evented. A Registration is attached to at most one
// Poll at a time.
func (r *Registration) Register(p *Poll, token Token, interest Ready, opts PollOpt) error {
	n := r.node
	n.mu.Lock()
	if n.poll != nil {
		n.mu.Unlock()
		return ErrAlreadyRegistered
	}
	n.poll = p
	n.token = token
	n.interest = interest
	n.opts = opts
	target := n.markQueuedLocked()
	n.mu.Unlock()

	if target != nil {
		target.enqueue(n)
	}
	return nil
}

// Reregister implements Evented.
func (r *Registration) Reregister(p *Poll, token Token, interest Ready, opts PollOpt) error {
	n := r.node
	n.mu.Lock()
	if n.poll != p {
		n.mu.Unlock()
		return ErrNotRegistered
	}
	n.token = token
	n.interest = interest
	n.opts = opts
	target := n.markQueuedLocked()
	n.mu.Unlock()

	if target != nil {
		target.enqueue(n)
	}
	return nil
}

// Deregister implements Evented. A queued notification for this
// registration is discarded when the poll drains it.
func (r *Registration) Deregister(p *Poll) error {
	n := r.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.poll != p {
		return ErrNotRegistered
	}
	n.poll = nil
	n.interest = 0
	return nil
}

// Set replaces the current readiness. If the registration is attached to a
// Poll and the new readiness intersects its interest, an event is queued
// and the poll is woken.
func (s *SetReadiness) Set(ready Ready) error {
	n := s.node
	n.mu.Lock()
	n.readiness = ready
	target := n.markQueuedLocked()
	n.mu.Unlock()

	if target != nil {
		target.enqueue(n)
	}
	return nil
}

// Add sets the given bits in addition to the current readiness.
func (s *SetReadiness) Add(ready Ready) error {
	n := s.node
	n.mu.Lock()
	n.readiness |= ready
	target := n.markQueuedLocked()
	n.mu.Unlock()

	if target != nil {
		target.enqueue(n)
	}
	return nil
}

// Clear removes the given bits from the current readiness.
func (s *SetReadiness) Clear(ready Ready) {
	n := s.node
	n.mu.Lock()
	n.readiness &^= ready
	n.mu.Unlock()
}

// Readiness returns the current readiness.
func (s *SetReadiness) Readiness() Ready {
	n := s.node
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readiness
}
