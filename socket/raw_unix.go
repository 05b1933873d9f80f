//go:build unix

package socket

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/OpenListTeam/nbudp/poll"
	"golang.org/x/sys/unix"
)

// RawSocket 直接持有一个非阻塞的系统套接字描述符。
// 不可达时由 cleanup 关闭描述符，所以每个系统调用之后都要 KeepAlive。
type RawSocket struct {
	fd      atomic.Int64 // -1 after Close
	domain  Domain
	cleanup runtime.Cleanup
}

var _ Endpoint = (*RawSocket)(nil)

func newDefault(domain Domain, typ Type, proto Protocol) (Endpoint, error) {
	s, err := NewRaw(domain, typ, proto)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func rawDomain(d Domain) int {
	switch d {
	case IPv4:
		return unix.AF_INET
	case IPv6:
		return unix.AF_INET6
	case Unix:
		return unix.AF_UNIX
	default:
		return unix.AF_UNSPEC
	}
}

func rawType(t Type) int {
	switch t {
	case Dgram:
		return unix.SOCK_DGRAM
	case Stream:
		return unix.SOCK_STREAM
	case Raw:
		return unix.SOCK_RAW
	default:
		return -1
	}
}

func rawProtocol(p Protocol) int {
	switch p {
	case UDP:
		return unix.IPPROTO_UDP
	case TCP:
		return unix.IPPROTO_TCP
	case ICMPv4:
		return unix.IPPROTO_ICMP
	case ICMPv6:
		return unix.IPPROTO_ICMPV6
	default:
		return 0
	}
}

// NewRaw creates a socket and puts it in non-blocking mode. The OS decides
// whether the domain/type/protocol combination is valid.
func NewRaw(domain Domain, typ Type, proto Protocol) (*RawSocket, error) {
	// 参见 syscall/exec_unix.go 中关于 ForkLock 的说明
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(rawDomain(domain), rawType(typ), rawProtocol(proto))
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}

	s := &RawSocket{domain: domain}
	s.fd.Store(int64(fd))
	s.cleanup = runtime.AddCleanup(s, func(fd int) { unix.Close(fd) }, fd)
	return s, nil
}

// Fd returns the descriptor for poller registration, or -1 once closed.
// Reading or writing it directly bypasses the socket, and the caller must
// keep the RawSocket reachable while using it.
func (s *RawSocket) Fd() int {
	return int(s.fd.Load())
}

// Domain returns the address family the socket was created with.
func (s *RawSocket) Domain() Domain { return s.domain }

func (s *RawSocket) sysfd() (int, error) {
	fd := s.fd.Load()
	if fd < 0 {
		return -1, net.ErrClosed
	}
	return int(fd), nil
}

func ioError(op string, err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return wouldBlock(os.NewSyscallError(op, err))
	}
	return os.NewSyscallError(op, err)
}

// SendTo implements Endpoint. target is converted to the native sockaddr
// as is; the OS rejects a family that does not match the socket.
func (s *RawSocket) SendTo(buf []byte, target SockAddr) (int, error) {
	defer runtime.KeepAlive(s)
	fd, err := s.sysfd()
	if err != nil {
		return 0, err
	}
	sa, err := toSockaddr(target)
	if err != nil {
		return 0, err
	}

	for {
		n, err := unix.SendmsgN(fd, buf, nil, sa, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, ioError("sendmsg", err)
		}
		return n, nil
	}
}

// Recv implements Endpoint.
func (s *RawSocket) Recv(buf []byte) (int, error) {
	n, _, err := s.recvfrom(buf)
	return n, err
}

// RecvFrom implements Endpoint.
func (s *RawSocket) RecvFrom(buf []byte) (int, SockAddr, error) {
	n, from, err := s.recvfrom(buf)
	if err != nil {
		return 0, SockAddr{}, err
	}
	return n, fromSockaddr(from), nil
}

func (s *RawSocket) recvfrom(buf []byte) (int, unix.Sockaddr, error) {
	defer runtime.KeepAlive(s)
	fd, err := s.sysfd()
	if err != nil {
		return 0, nil, err
	}
	for {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, nil, ioError("recvfrom", err)
		}
		return n, from, nil
	}
}

// Bind implements Endpoint.
func (s *RawSocket) Bind(addr SockAddr) error {
	defer runtime.KeepAlive(s)
	fd, err := s.sysfd()
	if err != nil {
		return err
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	return os.NewSyscallError("bind", unix.Bind(fd, sa))
}

// LocalAddr implements Endpoint.
func (s *RawSocket) LocalAddr() (SockAddr, error) {
	defer runtime.KeepAlive(s)
	fd, err := s.sysfd()
	if err != nil {
		return SockAddr{}, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return SockAddr{}, os.NewSyscallError("getsockname", err)
	}
	return fromSockaddr(sa), nil
}

// Register implements poll.Evented through a transient poll.EventedFd.
func (s *RawSocket) Register(p *poll.Poll, token poll.Token, interest poll.Ready, opts poll.PollOpt) error {
	defer runtime.KeepAlive(s)
	fd, err := s.sysfd()
	if err != nil {
		return err
	}
	return poll.EventedFd(fd).Register(p, token, interest, opts)
}

// Reregister implements poll.Evented.
func (s *RawSocket) Reregister(p *poll.Poll, token poll.Token, interest poll.Ready, opts poll.PollOpt) error {
	defer runtime.KeepAlive(s)
	fd, err := s.sysfd()
	if err != nil {
		return err
	}
	return poll.EventedFd(fd).Reregister(p, token, interest, opts)
}

// Deregister implements poll.Evented.
func (s *RawSocket) Deregister(p *poll.Poll) error {
	defer runtime.KeepAlive(s)
	fd, err := s.sysfd()
	if err != nil {
		return err
	}
	return poll.EventedFd(fd).Deregister(p)
}

// Close releases the descriptor. It does not deregister the socket;
// epoll drops closed descriptors itself, other selectors report them as
// errors until deregistered.
func (s *RawSocket) Close() error {
	fd := s.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	s.cleanup.Stop()
	return os.NewSyscallError("close", unix.Close(int(fd)))
}

func toSockaddr(a SockAddr) (unix.Sockaddr, error) {
	switch a.Family() {
	case IPv4:
		ap, _ := a.AsInet()
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}, nil
	case IPv6:
		ap, _ := a.AsInet6()
		sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
		if zone := ap.Addr().Zone(); zone != "" {
			sa.ZoneId = zoneIndex(zone)
		}
		return sa, nil
	case Unix:
		path, _ := a.Path()
		return &unix.SockaddrUnix{Name: path}, nil
	default:
		return nil, &AddrNotAvailableError{Addr: a}
	}
}

func fromSockaddr(sa unix.Sockaddr) SockAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return SockAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			ip = ip.WithZone(zoneName(sa.ZoneId))
		}
		return SockAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(sa.Port)))
	case *unix.SockaddrUnix:
		return UnixSockAddr(sa.Name)
	default:
		return SockAddr{}
	}
}

func zoneIndex(zone string) uint32 {
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	n, _ := strconv.ParseUint(zone, 10, 32)
	return uint32(n)
}

func zoneName(index uint32) string {
	if ifi, err := net.InterfaceByIndex(int(index)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(index), 10)
}
