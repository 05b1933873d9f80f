package socket

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/OpenListTeam/nbudp/poll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback4 = SockAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0"))

func newTestPoll(t *testing.T) *poll.Poll {
	t.Helper()
	p, err := poll.New()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// newPeer 返回一个绑定在回环地址上的普通阻塞 UDP 套接字，作为测试对端。
func newPeer(t *testing.T, network, address string) *net.UDPConn {
	t.Helper()
	addr, err := net.ResolveUDPAddr(network, address)
	require.NoError(t, err)
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		t.Skipf("cannot listen on %s %s: %v", network, address, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func peerAddr(conn *net.UDPConn) SockAddr {
	return SockAddrFromUDPAddr(conn.LocalAddr().(*net.UDPAddr))
}

// recvEventually retries a non-blocking receive until a datagram arrives.
func recvEventually(t *testing.T, ep Endpoint, buf []byte) (int, SockAddr) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, from, err := ep.RecvFrom(buf)
		if err == nil {
			return n, from
		}
		require.True(t, IsWouldBlock(err), "unexpected error: %v", err)
		require.True(t, time.Now().Before(deadline), "no datagram received")
		time.Sleep(time.Millisecond)
	}
}

// pollFor polls until an event with token is reported or the deadline passes.
func pollFor(t *testing.T, p *poll.Poll, token poll.Token, timeout time.Duration) (poll.Event, bool) {
	t.Helper()
	events := poll.NewEvents(16)
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		_, err := p.Poll(events, remaining)
		require.NoError(t, err)
		for _, ev := range events.Slice() {
			if ev.Token() == token {
				return ev, true
			}
		}
	}
	return poll.Event{}, false
}

func payload(n int) []byte {
	return bytes.Repeat([]byte{0xAB, 0x01, 0x7F}, n/3+1)[:n]
}

// endpointSuite runs the behaviour shared by both variants.
func endpointSuite(t *testing.T, newEndpoint func(t *testing.T, domain Domain) Endpoint) {
	t.Run("RecvWouldBlock", func(t *testing.T) {
		ep := newEndpoint(t, IPv4)
		start := time.Now()
		_, err := ep.Recv(make([]byte, 16))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrWouldBlock)
		assert.Less(t, time.Since(start), time.Second)

		require.NoError(t, ep.Bind(loopback4))
		_, err = ep.Recv(make([]byte, 16))
		assert.True(t, IsWouldBlock(err))
	})

	t.Run("RoundTrip", func(t *testing.T) {
		ep := newEndpoint(t, IPv4)
		require.NoError(t, ep.Bind(loopback4))
		local, err := ep.LocalAddr()
		require.NoError(t, err)
		ap, ok := local.AsInet()
		require.True(t, ok)
		require.NotZero(t, ap.Port())

		sender := newEndpoint(t, IPv4)
		for _, size := range []int{0, 1, 512, 1472, 8192} {
			msg := payload(size)
			n, err := sender.SendTo(msg, local)
			require.NoError(t, err)
			require.Equal(t, size, n)

			buf := make([]byte, 9000)
			n, _ = recvEventually(t, ep, buf)
			require.Equal(t, msg, buf[:n], "size %d", size)
		}
	})

	t.Run("RecvFromReportsSender", func(t *testing.T) {
		ep := newEndpoint(t, IPv4)
		require.NoError(t, ep.Bind(loopback4))
		local, err := ep.LocalAddr()
		require.NoError(t, err)

		peer := newPeer(t, "udp4", "127.0.0.1:0")
		_, err = peer.WriteToUDP([]byte("hello"), local.UDPAddr())
		require.NoError(t, err)

		buf := make([]byte, 64)
		n, from := recvEventually(t, ep, buf)
		assert.Equal(t, "hello", string(buf[:n]))
		assert.Equal(t, peerAddr(peer).String(), from.String())
	})

	t.Run("Truncation", func(t *testing.T) {
		ep := newEndpoint(t, IPv4)
		require.NoError(t, ep.Bind(loopback4))
		local, err := ep.LocalAddr()
		require.NoError(t, err)

		peer := newPeer(t, "udp4", "127.0.0.1:0")
		_, err = peer.WriteToUDP(payload(100), local.UDPAddr())
		require.NoError(t, err)

		buf := make([]byte, 10)
		n, _ := recvEventually(t, ep, buf)
		assert.Equal(t, 10, n)
		assert.Equal(t, payload(100)[:10], buf)

		_, err = ep.Recv(buf)
		assert.True(t, IsWouldBlock(err), "the rest of the datagram is discarded")
	})

	t.Run("SendToPeer", func(t *testing.T) {
		ep := newEndpoint(t, IPv4)
		peer := newPeer(t, "udp4", "127.0.0.1:0")

		n, err := ep.SendTo([]byte("ping"), peerAddr(peer))
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 16)
		n, from, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf[:n]))

		local, err := ep.LocalAddr()
		require.NoError(t, err)
		ap, _ := local.AddrPort()
		assert.Equal(t, int(ap.Port()), from.Port, "an unbound socket is bound implicitly on first send")
	})

	t.Run("IPv6", func(t *testing.T) {
		ep := newEndpoint(t, IPv6)
		if err := ep.Bind(SockAddrFromAddrPort(netip.MustParseAddrPort("[::1]:0"))); err != nil {
			t.Skipf("IPv6 loopback unavailable: %v", err)
		}
		local, err := ep.LocalAddr()
		require.NoError(t, err)
		_, ok := local.AsInet6()
		require.True(t, ok)

		peer := newPeer(t, "udp6", "[::1]:0")
		n, err := ep.SendTo([]byte("six"), peerAddr(peer))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, err = peer.WriteToUDP([]byte("back"), local.UDPAddr())
		require.NoError(t, err)
		buf := make([]byte, 16)
		n, _ = recvEventually(t, ep, buf)
		assert.Equal(t, "back", string(buf[:n]))
	})

	t.Run("PollReadable", func(t *testing.T) {
		p := newTestPoll(t)
		ep := newEndpoint(t, IPv4)
		require.NoError(t, ep.Bind(loopback4))
		require.NoError(t, p.Register(ep, 7, poll.Readable, poll.Edge))

		local, err := ep.LocalAddr()
		require.NoError(t, err)
		sender := newEndpoint(t, IPv4)
		_, err = sender.SendTo([]byte("wake"), local)
		require.NoError(t, err)

		ev, ok := pollFor(t, p, 7, 2*time.Second)
		require.True(t, ok, "no event for token 7")
		assert.True(t, ev.Readiness().IsReadable())

		buf := make([]byte, 16)
		n, err := ep.Recv(buf)
		require.NoError(t, err)
		assert.Equal(t, "wake", string(buf[:n]))
	})

	t.Run("PollWritable", func(t *testing.T) {
		p := newTestPoll(t)
		ep := newEndpoint(t, IPv4)
		require.NoError(t, ep.Bind(loopback4))
		require.NoError(t, p.Register(ep, 3, poll.Readable, poll.Level))
		require.NoError(t, p.Reregister(ep, 4, poll.Writable, poll.Level))

		ev, ok := pollFor(t, p, 4, 2*time.Second)
		require.True(t, ok)
		assert.True(t, ev.Readiness().IsWritable())
	})

	t.Run("DeregisterStopsEvents", func(t *testing.T) {
		p := newTestPoll(t)
		ep := newEndpoint(t, IPv4)
		require.NoError(t, ep.Bind(loopback4))
		require.NoError(t, p.Register(ep, 7, poll.Readable, poll.Edge))
		require.NoError(t, p.Deregister(ep))

		local, err := ep.LocalAddr()
		require.NoError(t, err)
		sender := newEndpoint(t, IPv4)
		_, err = sender.SendTo([]byte("quiet"), local)
		require.NoError(t, err)

		_, ok := pollFor(t, p, 7, 150*time.Millisecond)
		assert.False(t, ok)

		// The datagram is still delivered to a direct receive.
		buf := make([]byte, 16)
		n, _ := recvEventually(t, ep, buf)
		assert.Equal(t, "quiet", string(buf[:n]))
	})

	t.Run("Close", func(t *testing.T) {
		ep := newEndpoint(t, IPv4)
		require.NoError(t, ep.Close())
		require.NoError(t, ep.Close())

		_, err := ep.Recv(make([]byte, 4))
		assert.ErrorIs(t, err, net.ErrClosed)
		_, err = ep.SendTo([]byte("x"), loopback4)
		assert.ErrorIs(t, err, net.ErrClosed)
	})
}
