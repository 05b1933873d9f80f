// Package socket provides a non-blocking datagram socket that can be
// registered with a poll.Poll.
//
// Two implementations share the Endpoint contract. RawSocket owns an OS
// descriptor and registers it through poll.EventedFd; it is the default on
// unix. ManagedSocket wraps a *net.UDPConn and reports readiness through a
// poll.Registration; it is the default everywhere else and can be chosen
// explicitly with NewManaged.
//
// Sends and receives never block. When no datagram is queued, or the send
// buffer is full, the call fails with an error matching ErrWouldBlock and the
// caller retries after the poll reports the socket readable or writable.
package socket

import (
	"io"

	"github.com/OpenListTeam/nbudp/poll"
)

// Endpoint 是非阻塞数据报套接字的统一接口。
type Endpoint interface {
	// SendTo sends buf as one datagram to target and returns the number of
	// bytes written.
	SendTo(buf []byte, target SockAddr) (int, error)
	// Recv reads one datagram into buf. The sender's address is discarded.
	Recv(buf []byte) (int, error)
	// RecvFrom reads one datagram into buf and reports its sender.
	RecvFrom(buf []byte) (int, SockAddr, error)
	// Bind assigns a local address.
	Bind(addr SockAddr) error
	// LocalAddr returns the bound local address.
	LocalAddr() (SockAddr, error)
	// Domain returns the address family the socket was created with.
	Domain() Domain

	poll.Evented
	io.Closer
}

// New creates a non-blocking socket using the platform's default variant.
func New(domain Domain, typ Type, proto Protocol) (Endpoint, error) {
	return newDefault(domain, typ, proto)
}
