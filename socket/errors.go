package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock 表示非阻塞操作当前无法完成，调用方应在收到就绪通知后重试。
	// 原始套接字路径返回的错误同时匹配 syscall.EAGAIN。
	ErrWouldBlock = errors.New("socket: operation would block")

	// ErrAddrNotAvailable is matched by *AddrNotAvailableError.
	ErrAddrNotAvailable = errors.New("socket: address not available")
)

// AddrNotAvailableError is returned by the managed variant when a
// destination is neither IPv4 nor IPv6. The send is not attempted.
type AddrNotAvailableError struct {
	Addr SockAddr
}

func (e *AddrNotAvailableError) Error() string {
	return fmt.Sprintf("socket: invalid socket address (%s)", e.Addr)
}

func (e *AddrNotAvailableError) Is(target error) bool {
	return target == ErrAddrNotAvailable
}

// ConversionError reports that the platform could not produce a managed
// UDP socket. The socket that returned it is permanently unusable.
type ConversionError struct {
	Network string
	Err     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("socket: convert %s socket to managed UDP socket: %v", e.Network, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// IsWouldBlock reports whether err means the operation should be retried
// after a readiness notification.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

func wouldBlock(err error) error {
	return fmt.Errorf("%w: %w", ErrWouldBlock, err)
}
