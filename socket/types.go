package socket

import "fmt"

// Domain 是地址族。
type Domain uint8

const (
	IPv4 Domain = iota + 1
	IPv6
	Unix
)

func (d Domain) String() string {
	switch d {
	case IPv4:
		return "AF_INET"
	case IPv6:
		return "AF_INET6"
	case Unix:
		return "AF_UNIX"
	default:
		return fmt.Sprintf("Domain(%d)", uint8(d))
	}
}

// Type 是套接字类型。
type Type uint8

const (
	Dgram Type = iota + 1
	Stream
	Raw
)

func (t Type) String() string {
	switch t {
	case Dgram:
		return "SOCK_DGRAM"
	case Stream:
		return "SOCK_STREAM"
	case Raw:
		return "SOCK_RAW"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Protocol 是传输协议。ProtocolDefault 让内核按地址族和类型选择。
type Protocol uint8

const (
	ProtocolDefault Protocol = iota
	UDP
	TCP
	ICMPv4
	ICMPv6
)

func (p Protocol) String() string {
	switch p {
	case ProtocolDefault:
		return "default"
	case UDP:
		return "IPPROTO_UDP"
	case TCP:
		return "IPPROTO_TCP"
	case ICMPv4:
		return "IPPROTO_ICMP"
	case ICMPv6:
		return "IPPROTO_ICMPV6"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}
