package socket

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// SockAddr is a socket address of any supported family: an IPv4 or IPv6
// endpoint (with optional zone), or a unix domain path. The zero value has
// no family and is rejected by every send path.
type SockAddr struct {
	family Domain
	ap     netip.AddrPort
	path   string
}

// SockAddrFromAddrPort classifies ap as IPv4 or IPv6. IPv4-mapped IPv6
// addresses stay IPv6.
func SockAddrFromAddrPort(ap netip.AddrPort) SockAddr {
	if !ap.IsValid() {
		return SockAddr{}
	}
	family := IPv6
	if ap.Addr().Is4() {
		family = IPv4
	}
	return SockAddr{family: family, ap: ap}
}

// SockAddrFromUDPAddr converts a *net.UDPAddr. A 4-byte or IPv4-mapped IP
// becomes an IPv4 address, matching how the net package prints it.
func SockAddrFromUDPAddr(addr *net.UDPAddr) SockAddr {
	if addr == nil {
		return SockAddr{}
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return SockAddr{}
	}
	ip = ip.Unmap()
	if ip.Is6() && addr.Zone != "" {
		ip = ip.WithZone(addr.Zone)
	}
	return SockAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(addr.Port)))
}

// UnixSockAddr returns a unix domain socket address.
func UnixSockAddr(path string) SockAddr {
	return SockAddr{family: Unix, path: path}
}

// ParseSockAddr parses "ip:port" or "[ip%zone]:port"; a string starting
// with '/' or '@' is taken as a unix domain path.
func ParseSockAddr(s string) (SockAddr, error) {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "@") {
		return UnixSockAddr(s), nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return SockAddr{}, fmt.Errorf("parse socket address %q: %w", s, err)
	}
	return SockAddrFromAddrPort(ap), nil
}

// Family returns the address family, or 0 for the zero SockAddr.
func (a SockAddr) Family() Domain { return a.family }

// IsValid reports whether a carries an address.
func (a SockAddr) IsValid() bool { return a.family != 0 }

// AsInet returns the address if it is IPv4.
func (a SockAddr) AsInet() (netip.AddrPort, bool) {
	if a.family != IPv4 {
		return netip.AddrPort{}, false
	}
	return a.ap, true
}

// AsInet6 returns the address if it is IPv6.
func (a SockAddr) AsInet6() (netip.AddrPort, bool) {
	if a.family != IPv6 {
		return netip.AddrPort{}, false
	}
	return a.ap, true
}

// AddrPort returns the IP endpoint for either IP family.
func (a SockAddr) AddrPort() (netip.AddrPort, bool) {
	if a.family != IPv4 && a.family != IPv6 {
		return netip.AddrPort{}, false
	}
	return a.ap, true
}

// Path returns the unix domain path.
func (a SockAddr) Path() (string, bool) {
	if a.family != Unix {
		return "", false
	}
	return a.path, true
}

// UDPAddr converts an IP address to *net.UDPAddr; nil for other families.
func (a SockAddr) UDPAddr() *net.UDPAddr {
	ap, ok := a.AddrPort()
	if !ok {
		return nil
	}
	return net.UDPAddrFromAddrPort(ap)
}

func (a SockAddr) String() string {
	switch a.family {
	case IPv4, IPv6:
		return a.ap.String()
	case Unix:
		return "unix:" + a.path
	default:
		return "<invalid>"
	}
}
