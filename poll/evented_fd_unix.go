//go:build unix

package poll

// EventedFd adapts a raw descriptor to Evented. It carries no state besides
// the descriptor value, so callers build one per call:
//
//	poll.EventedFd(fd).Register(p, token, poll.Readable, poll.Edge)
//
// The descriptor is not owned; closing it remains the caller's job.
type EventedFd int

func (fd EventedFd) Register(p *Poll, token Token, interest Ready, opts PollOpt) error {
	return p.sel.register(int(fd), token, interest, opts)
}

func (fd EventedFd) Reregister(p *Poll, token Token, interest Ready, opts PollOpt) error {
	return p.sel.reregister(int(fd), token, interest, opts)
}

func (fd EventedFd) Deregister(p *Poll) error {
	return p.sel.deregister(int(fd))
}
