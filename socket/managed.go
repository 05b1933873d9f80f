package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sync"

	"github.com/OpenListTeam/nbudp/common/bytespool"
	"github.com/OpenListTeam/nbudp/poll"
	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// 默认最多缓冲 256 个数据报，超出的数据报直接丢弃（与内核接收队列满时的行为一致）。
const defaultDatagramQueue = 256

var errAlreadyBound = errors.New("socket: already bound")

type datagram struct {
	data []byte
	from netip.AddrPort
}

// managedState 由后台读 goroutine 与 ManagedSocket 共享。
// 单独分配是为了让 runtime.AddCleanup 在 ManagedSocket 不可达时仍能关闭它。
type managedState struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	pending *queue.Queue // of datagram
	limit   int
	err     error
	convErr error
	closed  bool
	set     *poll.SetReadiness
	log     *logrus.Entry
}

// ManagedSocket wraps a *net.UDPConn. A background goroutine drains the
// connection into a bounded queue and drives the socket's readiness, so
// Recv never blocks.
//
// The connection is opened by Bind, or on the first SendTo with a wildcard
// address and an ephemeral port, which is what the kernel does for an
// unbound datagram socket.
type ManagedSocket struct {
	domain  Domain
	network string
	reg     *poll.Registration
	state   *managedState
	cleanup runtime.Cleanup
}

var _ Endpoint = (*ManagedSocket)(nil)

var listenConfig net.ListenConfig

func managedNetwork(domain Domain, typ Type, proto Protocol) (string, error) {
	if typ != Dgram || (proto != UDP && proto != ProtocolDefault) {
		return "", fmt.Errorf("socket: %s/%s/%s: %w", domain, typ, proto, errors.ErrUnsupported)
	}
	switch domain {
	case IPv4:
		return "udp4", nil
	case IPv6:
		return "udp6", nil
	default:
		return "", fmt.Errorf("socket: %s/%s/%s: %w", domain, typ, proto, errors.ErrUnsupported)
	}
}

// NewManaged creates a managed UDP socket. Only IPv4 and IPv6 datagram
// sockets with the UDP (or default) protocol are supported.
func NewManaged(domain Domain, typ Type, proto Protocol) (*ManagedSocket, error) {
	network, err := managedNetwork(domain, typ, proto)
	if err != nil {
		return nil, err
	}

	reg, set := poll.NewRegistration()
	// UDP 发送不会因为缓冲区满而挂起，始终视为可写。
	set.Set(poll.Writable)

	st := &managedState{
		pending: queue.New(),
		limit:   defaultDatagramQueue,
		set:     set,
		log: logrus.WithFields(logrus.Fields{
			"component": "socket",
			"network":   network,
		}),
	}
	s := &ManagedSocket{
		domain:  domain,
		network: network,
		reg:     reg,
		state:   st,
	}
	s.cleanup = runtime.AddCleanup(s, func(st *managedState) { st.close() }, st)
	return s, nil
}

// UDPConn returns the underlying connection, or nil before the socket is
// bound.
func (s *ManagedSocket) UDPConn() *net.UDPConn {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.conn
}

// Domain returns the address family the socket was created with.
func (s *ManagedSocket) Domain() Domain { return s.domain }

// openLocked 打开底层连接并启动读 goroutine，调用方持有 st.mu。
func (s *ManagedSocket) openLocked(laddr *net.UDPAddr) error {
	st := s.state
	if st.closed {
		return net.ErrClosed
	}
	if st.convErr != nil {
		return st.convErr
	}
	if st.conn != nil {
		return errAlreadyBound
	}

	address := ""
	if laddr != nil {
		address = laddr.String()
	}
	pc, err := listenConfig.ListenPacket(context.Background(), s.network, address)
	if err != nil {
		return err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		st.convErr = &ConversionError{Network: s.network, Err: fmt.Errorf("listener returned %T", pc)}
		return st.convErr
	}

	st.conn = conn
	go st.readLoop(conn)
	return nil
}

func (s *ManagedSocket) sendConn() (*net.UDPConn, error) {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, net.ErrClosed
	}
	if st.conn == nil {
		if err := s.openLocked(nil); err != nil {
			return nil, err
		}
	}
	return st.conn, nil
}

// SendTo implements Endpoint. The destination must be IPv4 or IPv6;
// anything else fails with *AddrNotAvailableError before any I/O.
func (s *ManagedSocket) SendTo(buf []byte, target SockAddr) (int, error) {
	var dst netip.AddrPort
	if ap, ok := target.AsInet(); ok {
		dst = ap
	} else if ap, ok := target.AsInet6(); ok {
		dst = ap
	} else {
		return 0, &AddrNotAvailableError{Addr: target}
	}

	conn, err := s.sendConn()
	if err != nil {
		return 0, err
	}
	return conn.WriteToUDPAddrPort(buf, dst)
}

// Recv implements Endpoint.
func (s *ManagedSocket) Recv(buf []byte) (int, error) {
	n, _, err := s.RecvFrom(buf)
	return n, err
}

// RecvFrom implements Endpoint. A datagram longer than buf is truncated.
func (s *ManagedSocket) RecvFrom(buf []byte) (int, SockAddr, error) {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return 0, SockAddr{}, net.ErrClosed
	}
	if st.pending.Length() == 0 {
		if st.err != nil {
			return 0, SockAddr{}, st.err
		}
		return 0, SockAddr{}, ErrWouldBlock
	}

	d := st.pending.Remove().(datagram)
	if st.pending.Length() == 0 && st.err == nil {
		st.set.Clear(poll.Readable)
	}
	n := copy(buf, d.data)
	from := netip.AddrPortFrom(d.from.Addr().Unmap(), d.from.Port())
	return n, SockAddrFromAddrPort(from), nil
}

// Bind implements Endpoint. It may be called once, before the first SendTo.
func (s *ManagedSocket) Bind(addr SockAddr) error {
	ap, ok := addr.AddrPort()
	if !ok {
		return &AddrNotAvailableError{Addr: addr}
	}
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.openLocked(net.UDPAddrFromAddrPort(ap))
}

// LocalAddr implements Endpoint. An unbound socket reports the wildcard
// address with port 0.
func (s *ManagedSocket) LocalAddr() (SockAddr, error) {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return SockAddr{}, net.ErrClosed
	}
	if st.conn == nil {
		unspecified := netip.IPv4Unspecified()
		if s.domain == IPv6 {
			unspecified = netip.IPv6Unspecified()
		}
		return SockAddrFromAddrPort(netip.AddrPortFrom(unspecified, 0)), nil
	}
	ap := st.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	if s.domain == IPv4 {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return SockAddrFromAddrPort(ap), nil
}

// Register implements poll.Evented.
func (s *ManagedSocket) Register(p *poll.Poll, token poll.Token, interest poll.Ready, opts poll.PollOpt) error {
	return s.reg.Register(p, token, interest, opts)
}

// Reregister implements poll.Evented.
func (s *ManagedSocket) Reregister(p *poll.Poll, token poll.Token, interest poll.Ready, opts poll.PollOpt) error {
	return s.reg.Reregister(p, token, interest, opts)
}

// Deregister implements poll.Evented.
func (s *ManagedSocket) Deregister(p *poll.Poll) error {
	return s.reg.Deregister(p)
}

// Close closes the connection and stops the reader. It is idempotent.
func (s *ManagedSocket) Close() error {
	s.cleanup.Stop()
	return s.state.close()
}

func (st *managedState) close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	st.set.Set(0)
	if st.conn != nil {
		return st.conn.Close()
	}
	return nil
}

func (st *managedState) readLoop(conn *net.UDPConn) {
	buf := bytespool.Alloc(bytespool.MaxDatagramSize)
	defer bytespool.Free(buf)

	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)

		st.mu.Lock()
		if err != nil {
			if st.closed {
				st.mu.Unlock()
				return
			}
			if !errors.Is(err, net.ErrClosed) {
				// 例如 Windows 上 ICMP 端口不可达导致的 WSAECONNRESET，继续读取。
				st.mu.Unlock()
				st.log.WithError(err).Debug("transient read error")
				continue
			}
			st.err = err
			st.set.Add(poll.Readable | poll.Error)
			st.mu.Unlock()
			return
		}

		if st.pending.Length() >= st.limit {
			st.log.WithField("from", from).Debug("datagram queue full, dropping datagram")
			st.mu.Unlock()
			continue
		}

		wasEmpty := st.pending.Length() == 0
		data := make([]byte, n)
		copy(data, buf[:n])
		st.pending.Add(datagram{data: data, from: from})
		if wasEmpty {
			st.set.Add(poll.Readable)
		}
		st.mu.Unlock()
	}
}
