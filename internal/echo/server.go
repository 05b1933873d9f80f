// Package echo implements a datagram echo service on top of the socket and
// poll packages. It is the event loop used by cmd/udpecho.
package echo

import (
	"context"
	"errors"
	"time"

	"github.com/OpenListTeam/nbudp/common/bytespool"
	"github.com/OpenListTeam/nbudp/common/handles"
	"github.com/OpenListTeam/nbudp/poll"
	"github.com/OpenListTeam/nbudp/socket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultPeerCacheSize  = 1024
	defaultEventsCapacity = 128
)

// PeerStats counts the traffic echoed for one peer.
type PeerStats struct {
	Datagrams uint64
	Bytes     uint64
	LastSeen  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithPeerCacheSize bounds how many peers are tracked; the least recently
// active peer is evicted first.
func WithPeerCacheSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.peerCacheSize = n
		}
	}
}

// WithEventsCapacity sets how many events one Poll call may return.
func WithEventsCapacity(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventsCapacity = n
		}
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server echoes every datagram back to its sender.
type Server struct {
	poll    *poll.Poll
	sockets *handles.Table[socket.Endpoint]
	peers   *lru.Cache[string, PeerStats]
	log     *logrus.Entry

	peerCacheSize  int
	eventsCapacity int
}

// New creates a server with its own Poll.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		log:            logrus.WithField("component", "echo"),
		peerCacheSize:  defaultPeerCacheSize,
		eventsCapacity: defaultEventsCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}

	peers, err := lru.New[string, PeerStats](s.peerCacheSize)
	if err != nil {
		return nil, err
	}
	p, err := poll.New(poll.WithLogger(s.log.WithField("component", "poll")))
	if err != nil {
		return nil, err
	}

	s.peers = peers
	s.poll = p
	s.sockets = handles.New(func(ep socket.Endpoint) {
		if err := p.Deregister(ep); err != nil && !errors.Is(err, poll.ErrClosed) {
			s.log.WithError(err).Debug("deregister socket")
		}
		ep.Close()
	})
	return s, nil
}

// Listen hands ep to the server. The server owns it from now on and closes
// it on Close. The returned token identifies its events.
func (s *Server) Listen(ep socket.Endpoint) (poll.Token, error) {
	handle := s.sockets.Add(ep)
	token := poll.Token(handle)
	if err := s.poll.Register(ep, token, poll.Readable, poll.Edge); err != nil {
		s.sockets.Remove(handle)
		return 0, err
	}
	if addr, err := ep.LocalAddr(); err == nil {
		s.log.WithFields(logrus.Fields{
			"addr":   addr,
			"domain": ep.Domain(),
			"token":  token,
		}).Info("listening")
	}
	return token, nil
}

// LocalAddrs returns the bound address of every socket still served,
// keyed by token.
func (s *Server) LocalAddrs() map[poll.Token]socket.SockAddr {
	addrs := make(map[poll.Token]socket.SockAddr)
	s.sockets.Range(func(handle uint64, ep socket.Endpoint) bool {
		if addr, err := ep.LocalAddr(); err == nil {
			addrs[poll.Token(handle)] = addr
		}
		return true
	})
	return addrs
}

// Serve runs the event loop until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.poll.Wakeup() })
	defer stop()

	events := poll.NewEvents(s.eventsCapacity)
	buf := bytespool.Alloc(bytespool.MaxDatagramSize)
	defer bytespool.Free(buf)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := s.poll.Poll(events, -1); err != nil {
			return err
		}
		for _, ev := range events.Slice() {
			handle := uint64(ev.Token())
			ep, ok := s.sockets.Get(handle)
			if !ok {
				continue
			}
			if !ev.Readiness().IsReadable() {
				continue
			}
			if err := s.drain(ep, buf); err != nil {
				s.log.WithError(err).WithField("token", ev.Token()).Warn("socket failed, closing")
				s.sockets.Remove(handle)
			}
		}
	}
}

// drain 在边沿触发模式下必须一直读到 ErrWouldBlock。
func (s *Server) drain(ep socket.Endpoint, buf []byte) error {
	for {
		n, from, err := ep.RecvFrom(buf)
		if err != nil {
			if socket.IsWouldBlock(err) {
				return nil
			}
			return err
		}
		s.record(from, n)

		if _, err := ep.SendTo(buf[:n], from); err != nil {
			entry := s.log.WithError(err).WithField("peer", from)
			if socket.IsWouldBlock(err) {
				entry.Debug("send buffer full, dropping reply")
			} else {
				entry.Warn("reply failed")
			}
		}
	}
}

func (s *Server) record(from socket.SockAddr, n int) {
	key := from.String()
	st, _ := s.peers.Get(key)
	st.Datagrams++
	st.Bytes += uint64(n)
	st.LastSeen = time.Now()
	s.peers.Add(key, st)
}

// Stats returns the counters for peer, if it is still tracked.
func (s *Server) Stats(peer socket.SockAddr) (PeerStats, bool) {
	return s.peers.Peek(peer.String())
}

// Peers returns the number of tracked peers.
func (s *Server) Peers() int { return s.peers.Len() }

// Close closes every socket and the poll.
func (s *Server) Close() error {
	s.sockets.Close()
	return s.poll.Close()
}
